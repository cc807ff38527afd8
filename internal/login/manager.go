package login

import (
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/turnstiled/turnstiled/internal/config"
	"github.com/turnstiled/turnstiled/internal/events"
	"github.com/turnstiled/turnstiled/internal/protocol"
)

// killTimeout is the fixed kill-escalation timeout (spec §4.6).
const killTimeout = time.Duration(config.KillTimeout) * time.Second

// Login state values passed to Metrics.SetLoginState. Mirrors the iota
// ordering of metrics.LoginState*; kept local so this package never
// imports the Prometheus client.
const (
	metricStateIdle = iota
	metricStateWaiting
	metricStateReady
	metricStateTerminating
)

// Notifier delivers a protocol word to a session's connection, so Manager
// stays independent of the concrete transport (supervisor owns the actual
// sockets).
type Notifier interface {
	Notify(fd int, word uint32) error
	CloseConn(fd int)
}

// Metrics receives lifecycle counters from Manager, kept as a narrow
// interface so this package never imports a Prometheus client directly.
type Metrics interface {
	SetLoginState(uid string, state int)
	IncLoginStart(uid string)
	IncLoginDrop(uid string)
	IncKillRetry(uid string)
	IncKillFatal(uid string)
	RemoveLogin(uid string)
}

// Manager drives the Login lifecycle: starting and stopping service
// managers, reaping their exit status, servicing the readiness pipe, and
// running the kill-escalation state machine. It is the Go analogue of the
// free functions in the original daemon (srv_reaper, sig_handle_alrm,
// conn_term_login, drop_login) gathered behind one receiver since Go has
// no file-scope globals to hang them off of.
type Manager struct {
	Registry *Registry
	Starter  *Starter
	Cfg      *config.Config
	Log      *slog.Logger
	Notify   Notifier
	Bus      *events.Bus
	Metrics  Metrics
}

// NewManager constructs a Manager.
func NewManager(reg *Registry, starter *Starter, cfg *config.Config, notify Notifier, log *slog.Logger) *Manager {
	return &Manager{Registry: reg, Starter: starter, Cfg: cfg, Log: log, Notify: notify}
}

// uidStr formats a uid the way every Metrics label expects it.
func uidStr(uid uint32) string {
	return fmt.Sprintf("%d", uid)
}

// publish emits an event for uid if a bus is wired; a no-op otherwise, so
// tests and minimal configurations can leave Bus nil.
func (m *Manager) publish(et events.EventType, uid uint32) {
	if m.Bus == nil {
		return
	}
	m.Bus.Publish(events.Event{Type: et, Data: map[string]string{"uid": fmt.Sprintf("%d", uid)}})
}

// HandleStart processes MSG_START(uid) arriving on fd, owned by a peer
// whose effective UID was already verified by the caller. It returns the
// reply word to send, or an error if the connection must be terminated.
func (m *Manager) HandleStart(fd int, uid uint32) (uint32, error) {
	lgn, err := m.Registry.Populate(uid)
	if err != nil {
		return 0, fmt.Errorf("login: %w", err)
	}
	if err := m.Registry.AddSession(lgn, fd); err != nil {
		return 0, err
	}

	if lgn.Booted() {
		return protocol.EncodeAux(dbusAux(m.Cfg), protocol.MsgOKDone), nil
	}

	if lgn.SrvPid == -1 {
		if lgn.TermPid != -1 {
			lgn.SrvPending = true
		} else if err := m.Starter.Start(lgn); err != nil {
			return 0, fmt.Errorf("login: start backend for uid %d: %w", uid, err)
		} else {
			m.publish(events.LoginWaiting, uid)
			if m.Metrics != nil {
				m.Metrics.IncLoginStart(uidStr(uid))
				m.Metrics.SetLoginState(uidStr(uid), metricStateWaiting)
			}
		}
	}
	return uint32(protocol.MsgOKWait), nil
}

func dbusAux(cfg *config.Config) uint32 {
	if cfg.Supervisor.ExportDbus {
		return 1
	}
	return 0
}

// HandleReadyPipe accumulates readiness bytes from lgn's ready pipe and,
// on NUL or hangup, closes the pipe and spawns the boot helper.
func (m *Manager) HandleReadyPipe(lgn *Login, chunk []byte, hangup bool) error {
	done := false
	for _, c := range chunk {
		if c == 0 {
			done = true
			break
		}
		lgn.Srvstr = append(lgn.Srvstr, c)
	}
	if !done && !hangup {
		return nil
	}

	lgn.CloseUserpipe()
	lgn.PipeQueued = false
	m.Starter.Base.RemoveReadyFIFO(lgn)

	if err := m.Starter.Boot(lgn); err != nil {
		return err
	}
	lgn.Srvstr = lgn.Srvstr[:0]
	return nil
}

// Reap processes the exit of pid (srv_reaper), dispatching to whichever
// of a login's three tracked child roles it matches.
func (m *Manager) Reap(pid int) error {
	for _, lgn := range m.Registry.All() {
		switch pid {
		case lgn.SrvPid:
			return m.reapSrv(lgn)
		case lgn.StartPid:
			return m.reapStart(lgn)
		case lgn.TermPid:
			return m.reapTerm(lgn)
		}
	}
	return nil
}

func (m *Manager) reapSrv(lgn *Login) error {
	lgn.SrvPid = -1
	lgn.StartPid = -1
	lgn.DisarmTimer()
	if lgn.SrvWait {
		m.Log.Warn("service manager died before signalling readiness", "uid", lgn.UID)
		if lgn.ManageRdir {
			_ = ClearRundir(lgn.Rundir)
			lgn.ManageRdir = false
		}
		return m.DropLogin(lgn)
	}
	return m.Starter.Start(lgn)
}

func (m *Manager) reapStart(lgn *Login) error {
	word := protocol.EncodeAux(dbusAux(m.Cfg), protocol.MsgOKDone)
	for _, sess := range lgn.Sessions {
		if err := m.Notify.Notify(sess.FD, word); err != nil {
			m.Log.Warn("notify MSG_OK_DONE failed", "uid", lgn.UID, "fd", sess.FD, "error", err)
		}
	}
	lgn.DisarmTimer()
	lgn.StartPid = -1
	lgn.SrvWait = false
	m.publish(events.LoginReady, lgn.UID)
	if m.Metrics != nil {
		m.Metrics.SetLoginState(uidStr(lgn.UID), metricStateReady)
	}
	return nil
}

func (m *Manager) reapTerm(lgn *Login) error {
	lgn.DisarmTimer()
	m.Starter.Base.RemoveLoginDir(lgn)
	if lgn.ManageRdir {
		_ = ClearRundir(lgn.Rundir)
		lgn.ManageRdir = false
	}
	if len(lgn.Sessions) == 0 {
		lgn.Repopulate = true
	}
	lgn.TermPid = -1
	lgn.KillTried = false
	if lgn.SrvPending {
		return m.Starter.Start(lgn)
	}
	return nil
}

// HandleAlarm processes a fired timer for the login identified by key
// (sig_handle_alrm). It returns an error only for the unrecoverable case
// of a child refusing to die after two escalation cycles.
func (m *Manager) HandleAlarm(key uint32) error {
	lgn := m.Registry.ByUID(key)
	if lgn == nil {
		return nil
	}
	if !lgn.TimerArmed {
		return fmt.Errorf("login: alarm for uid %d but no timer armed", key)
	}
	lgn.DisarmTimer()

	if lgn.TermPid != -1 {
		if lgn.KillTried {
			m.publish(events.LoginKillFatal, lgn.UID)
			if m.Metrics != nil {
				m.Metrics.IncKillFatal(uidStr(lgn.UID))
			}
			return fmt.Errorf("login: service manager pid %d for uid %d refused to die", lgn.TermPid, lgn.UID)
		}
		_ = syscall.Kill(lgn.TermPid, syscall.SIGTERM)
		lgn.KillTried = true
		lgn.ArmTimer(killTimeout, m.onAlarmFunc())
		m.publish(events.LoginKillRetry, lgn.UID)
		if m.Metrics != nil {
			m.Metrics.IncKillRetry(uidStr(lgn.UID))
		}
		return nil
	}
	return m.DropLogin(lgn)
}

func (m *Manager) onAlarmFunc() TimerFunc {
	return m.Starter.OnAlarm
}

// TerminateSession closes the session on fd, wherever it lives, and if
// that empties its login's session list and linger policy is false,
// begins stopping the service manager (conn_term_login/conn_term).
func (m *Manager) TerminateSession(fd int) {
	for _, lgn := range m.Registry.All() {
		if !lgn.RemoveSession(fd) {
			continue
		}
		m.Notify.CloseConn(fd)
		if len(lgn.Sessions) == 0 && !m.Registry.checkLinger(lgn) {
			m.beginStop(lgn)
		}
		return
	}
	m.Notify.CloseConn(fd)
}

func (m *Manager) beginStop(lgn *Login) {
	if lgn.SrvPid != -1 {
		_ = syscall.Kill(lgn.SrvPid, syscall.SIGTERM)
		lgn.TermPid = lgn.SrvPid
		lgn.DisarmTimer() // a login-timeout timer may still be armed from Starter.Start
		lgn.ArmTimer(killTimeout, m.onAlarmFunc())
		m.publish(events.LoginTerminating, lgn.UID)
		if m.Metrics != nil {
			m.Metrics.SetLoginState(uidStr(lgn.UID), metricStateTerminating)
		}
	} else {
		m.Starter.Base.RemoveLoginDir(lgn)
	}
	lgn.SrvPid = -1
	lgn.StartPid = -1
	lgn.SrvWait = true
}

// DropLogin terminates every session belonging to lgn and marks it to be
// repopulated from the password database on next use (drop_login).
func (m *Manager) DropLogin(lgn *Login) error {
	for _, sess := range append([]Session(nil), lgn.Sessions...) {
		lgn.RemoveSession(sess.FD)
		m.Notify.CloseConn(sess.FD)
	}
	lgn.Repopulate = true
	m.publish(events.LoginDropped, lgn.UID)
	if m.Metrics != nil {
		m.Metrics.IncLoginDrop(uidStr(lgn.UID))
		m.Metrics.RemoveLogin(uidStr(lgn.UID))
	}
	if len(lgn.Sessions) != 0 {
		return fmt.Errorf("login: invariant violation: sessions non-empty after drop for uid %d", lgn.UID)
	}
	return nil
}

// Shutdown begins graceful teardown of every tracked login (sig_handle_term):
// every session is closed and, for logins with a live service manager, a
// termination is initiated exactly as if their last session had closed.
func (m *Manager) Shutdown() error {
	var firstErr error
	for _, lgn := range m.Registry.All() {
		for _, sess := range append([]Session(nil), lgn.Sessions...) {
			lgn.RemoveSession(sess.FD)
			m.Notify.CloseConn(sess.FD)
		}
		if lgn.SrvPid != -1 {
			m.beginStop(lgn)
		}
		lgn.Repopulate = true
		if len(lgn.Sessions) != 0 && firstErr == nil {
			firstErr = fmt.Errorf("login: invariant violation: sessions non-empty after shutdown for uid %d", lgn.UID)
		}
	}
	return firstErr
}

// Live reports whether any tracked login still has a child process the
// daemon must wait for before it may exit (used by the event loop's
// termination check).
func (m *Manager) Live() bool {
	for _, lgn := range m.Registry.All() {
		if lgn.SrvPid >= 0 || lgn.TermPid >= 0 {
			return true
		}
	}
	return false
}
