package supervisor

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/turnstiled/turnstiled/internal/process"
)

// strictUmask matches the original daemon's "use a strict mask" call at
// startup, before any login directories are created.
const strictUmask = 0077

// SetStrictUmask applies the daemon-wide umask the original sets right
// after parsing arguments, so every file or directory the daemon creates
// defaults to owner-only permissions unless explicitly chmod'd.
func SetStrictUmask() {
	process.ApplyUmask(strictUmask)
}

// WritePIDFile writes the current process PID to the given path.
func WritePIDFile(path string) error {
	if path == "" {
		return nil
	}
	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("cannot write PID file: %s: %w", path, err)
	}
	return nil
}

// RemovePIDFile removes the PID file if it exists.
func RemovePIDFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

// ValidateSocketPermissions checks that the control socket's parent
// directory exists and is writable.
func ValidateSocketPermissions(socketPath string) error {
	dir := socketPath
	for i := len(dir) - 1; i >= 0; i-- {
		if dir[i] == '/' {
			dir = dir[:i]
			break
		}
	}
	if dir == "" {
		dir = "."
	}

	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("socket directory does not exist: %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("socket path parent is not a directory: %s", dir)
	}

	tmpPath := dir + "/.turnstiled_perm_check"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("permission denied: cannot create socket in %s: %w", dir, err)
	}
	f.Close()
	os.Remove(tmpPath)

	return nil
}

// RootWarning logs a note when the daemon is not running as root: it will
// be unable to drop privileges for spawned service managers belonging to
// other users, so only its own UID's login can ever succeed.
func RootWarning(logger *slog.Logger) {
	if os.Getuid() == 0 {
		return
	}
	logger.Warn("turnstiled is not running as root; only logins for its own uid can be serviced")
}
