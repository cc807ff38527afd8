// Package login implements the per-UID session registry and child-process
// supervision that sits at the core of turnstiled: tracking which users are
// logged in, starting and stopping their service-manager instance, and
// reconstructing the readiness protocol that backs MSG_START/MSG_OK_DONE.
package login

import (
	"os"

	"github.com/turnstiled/turnstiled/internal/logging"
)

// Session is a single authenticated client connection belonging to a Login.
// Its lifetime is bounded by its Login's lifetime.
type Session struct {
	FD int
}

// Login aggregates all state turnstiled tracks for one real UID: identity
// from the password database, the ordered sessions attached to it, the
// child PIDs of its service-manager instance, and the bookkeeping needed to
// drive the readiness and kill-escalation state machines.
type Login struct {
	// Identity, populated from the password database.
	UID      uint32
	GID      uint32
	Username string
	Homedir  string
	Shell    string

	// Runtime directory state.
	Rundir     string
	ManageRdir bool

	// Sessions attached to this login, in arrival order.
	Sessions []Session

	// Child PIDs. -1 means "no such process".
	SrvPid  int
	StartPid int
	TermPid int

	// Synchronization flags.
	SrvWait     bool // true until boot completes
	SrvPending  bool // restart requested while previous instance still terminating
	PipeQueued  bool // ready-FIFO accepted but not yet registered in the poll set
	KillTried   bool // one SIGTERM re-send already attempted during escalation
	Repopulate  bool // needs a fresh pwent lookup before next use
	TimerArmed  bool

	// TimerKey is the stable lookup key delivered through the timer
	// callback in place of a raw pointer (spec's memory-safety note):
	// the UID, since at most one timer is armed per login at a time.
	TimerKey uint32
	timer    *timerHandle

	// Filesystem state.
	DirFD    int // descriptor on <RUN_BASE>/<SOCK_DIR>/<uid>/, or -1
	Userpipe int // read side of the readiness FIFO, or -1

	// Srvstr accumulates bytes read from the readiness pipe up to a NUL.
	Srvstr []byte

	// Output captures the service manager's and boot helper's stdout/stderr
	// into a ring buffer, so an operator can inspect why a backend failed
	// to boot. Created lazily on first spawn; nil until then.
	Output *logging.CaptureWriter
}

// NewLogin returns a Login with all PID and descriptor fields reset to
// their "absent" sentinel values. SrvWait starts true: nothing has booted
// yet, so a session attaching before Start has ever been called must wait
// rather than receive an immediate MSG_OK_DONE.
func NewLogin(uid, gid uint32) *Login {
	return &Login{
		UID:      uid,
		GID:      gid,
		SrvPid:   -1,
		StartPid: -1,
		TermPid:  -1,
		DirFD:    -1,
		Userpipe: -1,
		TimerKey: uid,
		SrvWait:  true,
	}
}

// HasSession reports whether fd already has a session on this login.
func (l *Login) HasSession(fd int) bool {
	for _, s := range l.Sessions {
		if s.FD == fd {
			return true
		}
	}
	return false
}

// RemoveSession drops the session for fd, if present, and reports whether
// one was removed.
func (l *Login) RemoveSession(fd int) bool {
	for i, s := range l.Sessions {
		if s.FD == fd {
			l.Sessions = append(l.Sessions[:i], l.Sessions[i+1:]...)
			return true
		}
	}
	return false
}

// Booted reports whether the service manager has already completed
// readiness: sessions attaching now should get an immediate MSG_OK_DONE.
func (l *Login) Booted() bool {
	return !l.SrvWait
}

// CloseDirFD closes and invalidates the login directory descriptor, if
// open. Safe to call more than once.
func (l *Login) CloseDirFD() {
	if l.DirFD >= 0 {
		_ = os.NewFile(uintptr(l.DirFD), "logindir").Close()
		l.DirFD = -1
	}
}

// CloseUserpipe closes and invalidates the readiness pipe descriptor, if
// open. Safe to call more than once.
func (l *Login) CloseUserpipe() {
	if l.Userpipe >= 0 {
		_ = os.NewFile(uintptr(l.Userpipe), "ready").Close()
		l.Userpipe = -1
	}
}
