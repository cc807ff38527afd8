package login

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/turnstiled/turnstiled/internal/config"
	"github.com/turnstiled/turnstiled/internal/logging"
	"github.com/turnstiled/turnstiled/internal/process"
)

// fixedPath is the PATH handed to every spawned backend, matching the
// original's hardcoded environment.
const fixedPath = "PATH=/usr/local/bin:/usr/bin:/bin"

// buildSysProcAttr resolves (uid, gid) plus full supplementary-group
// initialization into a SysProcAttr, the Go-safe analogue of dinit_child's
// setgid+initgroups+setuid sequence: the kernel applies all three
// atomically in the exec() performed by os/exec, instead of the three
// separate syscalls a forked child would make while still root.
func buildSysProcAttr(uid, gid uint32) (*syscall.SysProcAttr, error) {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return nil, fmt.Errorf("spawn: lookup uid %d: %w", uid, err)
	}
	groupIDs, err := u.GroupIds()
	if err != nil {
		return nil, fmt.Errorf("spawn: lookup groups for uid %d: %w", uid, err)
	}
	groups := make([]uint32, 0, len(groupIDs))
	for _, g := range groupIDs {
		v, err := strconv.ParseUint(g, 10, 32)
		if err != nil {
			continue
		}
		groups = append(groups, uint32(v))
	}
	return process.BuildSysProcAttrFromIDs(uid, gid, groups), nil
}

// prepareScratchDir creates the per-invocation scratch directory inside a
// login directory and writes the "boot"/"system" stub service files into
// it (dinit_child's tempdir setup). The original names this dir
// dinit.<pid>, keyed by the forked child's own PID; since os/exec does not
// expose a child's PID until after Start() returns, turnstiled instead
// keys it by a per-login invocation counter, which is just as unique
// across a login's lifetime and is known before the child is spawned.
// It returns the scratch directory's absolute path, not just its bare
// name: the backend resolves --services-dir against its own cwd (the
// user's homedir), not against lgn.DirFD, so the caller must hand it a
// path that works from there too.
func prepareScratchDir(lgn *Login, cfg *config.SupervisorConfig, seq int) (path string, err error) {
	name := fmt.Sprintf("dinit.%d", seq)
	if err := unix.Mkdirat(lgn.DirFD, name, 0700); err != nil {
		return "", fmt.Errorf("spawn: create scratch dir: %w", err)
	}
	if err := unix.Fchownat(lgn.DirFD, name, int(lgn.UID), int(lgn.GID), unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return "", fmt.Errorf("spawn: chown scratch dir: %w", err)
	}
	tdirfd, err := unix.Openat(lgn.DirFD, name, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return "", fmt.Errorf("spawn: open scratch dir: %w", err)
	}
	defer unix.Close(tdirfd)

	bootContent := fmt.Sprintf(
		"type = internal\ndepends-on = system\nwaits-for.d = %s/%s\n",
		lgn.Homedir, cfg.BootPath,
	)
	systemContent := fmt.Sprintf(
		"type = internal\nwaits-for.d = %s\n", cfg.SysBootPath,
	)
	if err := writeOwnedFile(tdirfd, "boot", bootContent, lgn.UID, lgn.GID); err != nil {
		return "", err
	}
	if err := writeOwnedFile(tdirfd, "system", systemContent, lgn.UID, lgn.GID); err != nil {
		return "", err
	}
	return filepath.Join(cfg.RunBase, cfg.SockDir, fmt.Sprintf("%d", lgn.UID), name), nil
}

func writeOwnedFile(dirfd int, name, content string, uid, gid uint32) error {
	fd, err := unix.Openat(dirfd, name, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("spawn: create %s: %w", name, err)
	}
	f := os.NewFile(uintptr(fd), name)
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return fmt.Errorf("spawn: write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("spawn: close %s: %w", name, err)
	}
	if err := unix.Fchownat(dirfd, name, int(uid), int(gid), unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return fmt.Errorf("spawn: chown %s: %w", name, err)
	}
	return nil
}

// ensureBootPathDir best-effort creates the per-user service directory
// under the user's home directory, chowning each created path component
// to (uid, gid). Missing components are created mode 0755. Failure here
// is deliberately non-fatal, matching the original's "harmless-ish"
// comment: a missing boot directory just means the "boot" service's
// waits-for.d target never appears, which the backend tolerates.
func ensureBootPathDir(lgn *Login, bootPath string) {
	full := filepath.Join(lgn.Homedir, bootPath)
	if info, err := os.Stat(full); err == nil && info.IsDir() {
		return
	}
	parts := strings.Split(bootPath, "/")
	cur := lgn.Homedir
	for _, p := range parts {
		cur = filepath.Join(cur, p)
		if info, err := os.Stat(cur); err == nil {
			if !info.IsDir() {
				return
			}
			continue
		}
		if err := os.Mkdir(cur, 0755); err != nil {
			return
		}
		_ = os.Chown(cur, int(lgn.UID), int(lgn.GID))
	}
}

// backendArgs builds the backend service manager's arguments: --user,
// --ready-fd pointing at the inherited pipe descriptor, and one
// --services-dir per configured search path plus the scratch dir itself.
func backendArgs(lgn *Login, cfg *config.SupervisorConfig, scratchDir string, readyFD int) []string {
	args := []string{
		"--user",
		"--ready-fd", strconv.Itoa(readyFD),
		"--services-dir", scratchDir,
	}
	for _, sp := range cfg.SrvPaths {
		if strings.HasPrefix(sp, "/") {
			args = append(args, "--services-dir", sp)
		} else {
			args = append(args, "--services-dir", filepath.Join(lgn.Homedir, sp))
		}
	}
	return args
}

// backendEnv builds the fixed environment passed to the backend, matching
// the original's HOME/UID/GID/PATH/XDG_RUNTIME_DIR set.
func backendEnv(lgn *Login) []string {
	env := []string{
		"HOME=" + lgn.Homedir,
		fmt.Sprintf("UID=%d", lgn.UID),
		fmt.Sprintf("GID=%d", lgn.GID),
		fixedPath,
	}
	if lgn.Rundir != "" {
		env = append(env, "XDG_RUNTIME_DIR="+lgn.Rundir)
	}
	return env
}

// SpawnServiceManager starts the backend service manager for lgn, wiring
// its ready-fd to readyWrite (the write end of the readiness FIFO, opened
// by the caller). It returns the spawned process's PID.
func SpawnServiceManager(spawner process.ProcessSpawner, lgn *Login, cfg *config.SupervisorConfig, seq int, readyWrite *os.File) (int, error) {
	scratchDir, err := prepareScratchDir(lgn, cfg, seq)
	if err != nil {
		return -1, err
	}
	ensureBootPathDir(lgn, cfg.BootPath)

	attr, err := buildSysProcAttr(lgn.UID, lgn.GID)
	if err != nil {
		return -1, err
	}

	extraFiles := []*os.File{readyWrite}
	readyFD := 3 // first of ExtraFiles, per os/exec's fd-numbering convention

	proc, err := spawner.Spawn(process.SpawnConfig{
		Command:     cfg.Backend,
		Args:        backendArgs(lgn, cfg, scratchDir, readyFD),
		Dir:         lgn.Homedir,
		Env:         backendEnv(lgn),
		ExtraFiles:  extraFiles,
		SysProcAttr: attr,
	})
	if err != nil {
		return -1, fmt.Errorf("spawn: start backend for uid %d: %w", lgn.UID, err)
	}
	if err := captureOutput(lgn, proc, cfg.Backend); err != nil {
		return -1, err
	}
	return proc.Pid(), nil
}

// captureOutput lazily creates lgn's output ring buffer and drains proc's
// stdout/stderr pipes into it. ExecSpawner always opens these as real OS
// pipes (process.execProcess.StdoutPipe/StderrPipe) regardless of whether
// anyone reads them; left undrained, a backend that writes enough to fill
// the pipe buffer would block in write(2) forever, so every spawned
// process's pipes must be drained even if nothing else consumes them.
func captureOutput(lgn *Login, proc process.SpawnedProcess, label string) error {
	if lgn.Output == nil {
		cw, err := logging.NewCaptureWriter(logging.CaptureConfig{ProcessName: label})
		if err != nil {
			return fmt.Errorf("spawn: create output capture for uid %d: %w", lgn.UID, err)
		}
		lgn.Output = cw
	}
	go drainPipe(proc.StdoutPipe(), lgn.Output)
	go drainPipe(proc.StderrPipe(), lgn.Output)
	return nil
}

// drainPipe copies r into cw 8192 bytes at a time until EOF or error.
func drainPipe(r io.ReadCloser, cw *logging.CaptureWriter) {
	buf := make([]byte, 8192)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			_, _ = cw.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}
