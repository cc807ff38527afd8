package login

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// BaseDir owns the descriptor on <RUN_BASE>/<SOCK_DIR>, the parent of every
// per-user login directory (C8 filesystem scaffolding).
type BaseDir struct {
	fd int
}

// OpenBaseDir opens runBase (e.g. "/run") and creates/opens sockDir beneath
// it as the base directory for per-user state, mode 0755, FD_CLOEXEC.
func OpenBaseDir(runBase, sockDir string) (*BaseDir, error) {
	pfd, err := unix.Open(runBase, unix.O_RDONLY|unix.O_NOFOLLOW, 0)
	if err != nil {
		return nil, fmt.Errorf("fs: open run base %s: %w", runBase, err)
	}
	defer unix.Close(pfd)

	var st unix.Stat_t
	if err := unix.Fstat(pfd, &st); err != nil {
		return nil, fmt.Errorf("fs: stat run base %s: %w", runBase, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return nil, fmt.Errorf("fs: run base %s is not a directory", runBase)
	}

	if err := unix.Mkdirat(pfd, sockDir, 0755); err != nil && err != unix.EEXIST {
		return nil, fmt.Errorf("fs: create %s/%s: %w", runBase, sockDir, err)
	}
	fd, err := unix.Openat(pfd, sockDir, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return nil, fmt.Errorf("fs: open %s/%s: %w", runBase, sockDir, err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("fs: fcntl FD_CLOEXEC on %s/%s: %w", runBase, sockDir, err)
	}
	return &BaseDir{fd: fd}, nil
}

// Close releases the base directory descriptor.
func (b *BaseDir) Close() error {
	if b.fd < 0 {
		return nil
	}
	err := unix.Close(b.fd)
	b.fd = -1
	return err
}

// FD returns the raw base directory descriptor, for use as the dirfd
// argument of *at() calls elsewhere in the package.
func (b *BaseDir) FD() int {
	return b.fd
}

// MakeLoginDir creates <base>/<uid>/ mode 0700, owned by (uid, gid), and
// returns an open, close-on-exec descriptor on it.
func (b *BaseDir) MakeLoginDir(uid, gid uint32) (int, error) {
	name := fmt.Sprintf("%d", uid)
	if err := unix.Mkdirat(b.fd, name, 0700); err != nil && err != unix.EEXIST {
		return -1, fmt.Errorf("fs: mkdir login dir for %d: %w", uid, err)
	}
	if err := unix.Fchownat(b.fd, name, int(uid), int(gid), unix.AT_SYMLINK_NOFOLLOW); err != nil {
		unix.Unlinkat(b.fd, name, unix.AT_REMOVEDIR)
		return -1, fmt.Errorf("fs: chown login dir for %d: %w", uid, err)
	}
	fd, err := unix.Openat(b.fd, name, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		unix.Unlinkat(b.fd, name, unix.AT_REMOVEDIR)
		return -1, fmt.Errorf("fs: open login dir for %d: %w", uid, err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("fs: fcntl FD_CLOEXEC on login dir for %d: %w", uid, err)
	}
	return fd, nil
}

// MakeReadyPipe creates the "ready" FIFO inside a login directory (dirfd),
// chowns it to (uid, gid), and opens its read side non-blocking.
func MakeReadyPipe(dirfd int, uid, gid uint32) (int, error) {
	unix.Unlinkat(dirfd, "ready", 0)
	if err := unix.Mkfifoat(dirfd, "ready", 0700); err != nil {
		return -1, fmt.Errorf("fs: mkfifo ready: %w", err)
	}
	if err := unix.Fchownat(dirfd, "ready", int(uid), int(gid), unix.AT_SYMLINK_NOFOLLOW); err != nil {
		unix.Unlinkat(dirfd, "ready", 0)
		return -1, fmt.Errorf("fs: chown ready pipe: %w", err)
	}
	fd, err := unix.Openat(dirfd, "ready", unix.O_NONBLOCK|unix.O_RDONLY, 0)
	if err != nil {
		unix.Unlinkat(dirfd, "ready", 0)
		return -1, fmt.Errorf("fs: open ready pipe: %w", err)
	}
	return fd, nil
}

// openatFile opens name under dirfd for writing and wraps it as an *os.File
// suitable for handing to exec.Cmd.ExtraFiles.
func openatFile(dirfd int, name string) (*os.File, error) {
	fd, err := unix.Openat(dirfd, name, unix.O_WRONLY, 0)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), name), nil
}

// RemoveReadyFIFO unlinks the "ready" FIFO inside lgn's login directory,
// once its readiness payload has been fully consumed, without touching
// the rest of the directory.
func (b *BaseDir) RemoveReadyFIFO(lgn *Login) {
	if lgn.DirFD >= 0 {
		unix.Unlinkat(lgn.DirFD, "ready", 0)
	}
}

// RemoveLoginDir recursively clears and removes <base>/<uid>/, unlinking a
// stray ready FIFO first (remove_sdir in the original).
func (b *BaseDir) RemoveLoginDir(lgn *Login) {
	name := fmt.Sprintf("%d", lgn.UID)
	if lgn.DirFD >= 0 {
		unix.Unlinkat(lgn.DirFD, "ready", 0)
		clearDirContents(lgn.DirFD)
	}
	lgn.CloseDirFD()
	unix.Unlinkat(b.fd, name, unix.AT_REMOVEDIR)
}

// clearDirContents removes every entry inside the directory referenced by
// dirfd, recursing into subdirectories (the per-spawn dinit.<seq> scratch
// dirs the daemon creates before starting a service manager).
func clearDirContents(dirfd int) {
	dupFD, err := unix.Dup(dirfd)
	if err != nil {
		return
	}
	df := os.NewFile(uintptr(dupFD), "logindir-scan")
	defer df.Close()

	names, err := df.Readdirnames(-1)
	if err != nil {
		return
	}
	for _, name := range names {
		var st unix.Stat_t
		if err := unix.Fstatat(dirfd, name, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			continue
		}
		if st.Mode&unix.S_IFMT == unix.S_IFDIR {
			sub, err := unix.Openat(dirfd, name, unix.O_RDONLY|unix.O_DIRECTORY, 0)
			if err == nil {
				clearDirContents(sub)
				unix.Close(sub)
			}
			unix.Unlinkat(dirfd, name, unix.AT_REMOVEDIR)
		} else {
			unix.Unlinkat(dirfd, name, 0)
		}
	}
}

// MakeRundir creates and owns the per-user runtime directory at path for
// (uid, gid), mode 0700, when the daemon manages rundirs.
func MakeRundir(path string, uid, gid uint32) error {
	if err := os.MkdirAll(path, 0700); err != nil {
		return fmt.Errorf("fs: create rundir %s: %w", path, err)
	}
	if err := os.Chown(path, int(uid), int(gid)); err != nil {
		return fmt.Errorf("fs: chown rundir %s: %w", path, err)
	}
	if err := os.Chmod(path, 0700); err != nil {
		return fmt.Errorf("fs: chmod rundir %s: %w", path, err)
	}
	return nil
}

// ClearRundir recursively removes a managed rundir on final teardown.
func ClearRundir(path string) error {
	if path == "" {
		return nil
	}
	return os.RemoveAll(path)
}
