package login

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/turnstiled/turnstiled/internal/config"
)

// Registry tracks every Login currently of interest. It is owned
// exclusively by the event-loop goroutine; nothing else may touch it, so
// it carries no lock (spec §5: all mutable state belongs to one task).
type Registry struct {
	logins []*Login

	pwent   PasswdLookup
	cfg     *config.Config
	log     *slog.Logger
	linger  LingerChecker
}

// LingerChecker decides whether a user's service manager should outlive
// its last session, per spec §4.4/§4.6 and the linger-file convention.
type LingerChecker interface {
	CheckLinger(username string) bool
}

// NewRegistry constructs an empty Registry.
func NewRegistry(cfg *config.Config, pwent PasswdLookup, linger LingerChecker, log *slog.Logger) *Registry {
	return &Registry{
		logins: make([]*Login, 0, 16),
		pwent:  pwent,
		cfg:    cfg,
		log:    log,
		linger: linger,
	}
}

// All returns every tracked Login, in registration order.
func (r *Registry) All() []*Login {
	return r.logins
}

// ByUID returns the Login for uid, if any is currently tracked.
func (r *Registry) ByUID(uid uint32) *Login {
	for _, l := range r.logins {
		if l.UID == uid {
			return l
		}
	}
	return nil
}

// BySessionFD returns the Login owning the session on fd (get_login in the
// original), or nil if fd is not a known session.
func (r *Registry) BySessionFD(fd int) *Login {
	for _, l := range r.logins {
		if l.HasSession(fd) {
			return l
		}
	}
	return nil
}

// Populate finds or creates the Login for uid (login_populate). An
// existing, fully-populated Login is returned as-is; one marked
// Repopulate, or newly created, is refreshed from the password database.
// A homedir not starting with "/" is rejected, per the invariant that a
// Login is never created with a non-absolute home directory.
func (r *Registry) Populate(uid uint32) (*Login, error) {
	var lgn *Login
	for _, l := range r.logins {
		if l.UID == uid {
			if !l.Repopulate {
				return l, nil
			}
			lgn = l
			break
		}
	}

	pw, err := r.pwent.LookupUID(uid)
	if err != nil {
		return nil, fmt.Errorf("login: populate %d: %w", uid, err)
	}
	if !strings.HasPrefix(pw.Homedir, "/") {
		return nil, fmt.Errorf("login: homedir of %s (%d) is not absolute: %q", pw.Name, uid, pw.Homedir)
	}

	if lgn == nil {
		lgn = NewLogin(uid, pw.GID)
		r.logins = append(r.logins, lgn)
	}

	rundir, err := config.ExpandRundir(r.cfg.Supervisor.RdirPath, config.RdirContext{UID: pw.UID, GID: pw.GID})
	if err != nil {
		return nil, fmt.Errorf("login: expand rundir for %d: %w", uid, err)
	}

	lgn.GID = pw.GID
	lgn.Username = pw.Name
	lgn.Homedir = pw.Homedir
	lgn.Shell = pw.Shell
	lgn.Rundir = rundir
	lgn.ManageRdir = r.cfg.Supervisor.ManageRdir && rundir != ""
	lgn.Repopulate = false
	return lgn, nil
}

// AddSession appends a new session for fd to lgn, rejecting a duplicate
// session already open on the same fd.
func (r *Registry) AddSession(lgn *Login, fd int) error {
	if lgn.HasSession(fd) {
		return fmt.Errorf("login: duplicate session for uid %d on fd %d", lgn.UID, fd)
	}
	lgn.Sessions = append(lgn.Sessions, Session{FD: fd})
	return nil
}

// checkLinger reports whether lgn's service manager should be kept alive
// with no sessions attached.
func (r *Registry) checkLinger(lgn *Login) bool {
	if r.linger == nil {
		return false
	}
	return r.linger.CheckLinger(lgn.Username)
}

// Remove deletes lgn from the registry entirely. The daemon itself never
// calls it: an empty, non-lingering login is kept around marked Repopulate
// so it can be found again by UID.
func (r *Registry) Remove(lgn *Login) {
	for i, l := range r.logins {
		if l == lgn {
			r.logins = append(r.logins[:i], r.logins[i+1:]...)
			return
		}
	}
}
