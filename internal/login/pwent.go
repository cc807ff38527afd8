package login

import (
	"fmt"
	"os/user"
	"strconv"
)

// PasswdEntry is the subset of password-database fields turnstiled needs.
type PasswdEntry struct {
	UID     uint32
	GID     uint32
	Name    string
	Homedir string
	Shell   string
}

// PasswdLookup resolves a UID to its password-database entry. Abstracted
// so tests can supply fixed users without a real system account.
type PasswdLookup interface {
	LookupUID(uid uint32) (*PasswdEntry, error)
}

// OSPasswdLookup resolves UIDs via the host's NSS-backed user database.
type OSPasswdLookup struct{}

// LookupUID implements PasswdLookup using os/user.
func (OSPasswdLookup) LookupUID(uid uint32) (*PasswdEntry, error) {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return nil, fmt.Errorf("pwent: no entry for uid %d: %w", uid, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("pwent: invalid gid %q for uid %d: %w", u.Gid, uid, err)
	}
	shell, err := lookupShell(u.Username)
	if err != nil {
		// A missing shell entry is non-fatal; turnstiled never execs it
		// directly, it is carried for parity with the password database.
		shell = "/bin/sh"
	}
	return &PasswdEntry{
		UID:     uid,
		GID:     uint32(gid),
		Name:    u.Username,
		Homedir: u.HomeDir,
		Shell:   shell,
	}, nil
}
