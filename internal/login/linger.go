package login

import (
	"os"
	"path/filepath"
)

// FileLingerChecker implements LingerChecker against a directory of marker
// files, one regular file per username wishing to linger (check_linger in
// the original).
type FileLingerChecker struct {
	Path        string
	Linger      bool // force lingering unconditionally
	LingerNever bool // forbid lingering unconditionally
}

// CheckLinger reports whether username should keep its service manager
// alive after its last session closes.
func (c FileLingerChecker) CheckLinger(username string) bool {
	if c.LingerNever {
		return false
	}
	if c.Linger {
		return true
	}
	info, err := os.Lstat(filepath.Join(c.Path, username))
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}
