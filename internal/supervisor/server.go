package supervisor

import (
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/turnstiled/turnstiled/internal/config"
	"github.com/turnstiled/turnstiled/internal/events"
	"github.com/turnstiled/turnstiled/internal/login"
	"github.com/turnstiled/turnstiled/internal/metrics"
	"github.com/turnstiled/turnstiled/internal/process"
)

// fdKind classifies a poll set entry beyond the fixed self-pipe/control
// socket pair at indices 0 and 1.
type fdKind int

const (
	fdKindPipe fdKind = iota
	fdKindConn
)

// fdEntry tracks the metadata poll.PollFd itself cannot carry.
type fdEntry struct {
	kind fdKind
	uid  uint32 // valid when kind == fdKindPipe: owning login's UID
}

// Server runs turnstiled's single-threaded event loop (C7): one poll(2)
// call multiplexing the self-pipe, the control socket listener, every
// login's readiness FIFO, and every attached client connection.
type Server struct {
	self *SelfPipe
	ctl  *ControlSocket
	reg  *login.Registry
	mgr  *login.Manager
	base *login.BaseDir
	cfg  *config.Config
	log  *slog.Logger

	webhooks *events.WebhookManager
	metrics  *metrics.Collector

	pollfds     []unix.PollFd
	entries     []fdEntry // parallel to pollfds[2:]
	terminating bool
	startedAt   time.Time

	// shutdownDeadline is the point past which Run gives up waiting for
	// every login to finish tearing down gracefully and returns an error
	// instead, bounding shutdown by cfg.Supervisor.ShutdownTimeout. Zero
	// while not terminating.
	shutdownDeadline time.Time
}

// NewServer wires the registry, manager, base directory, and self-pipe
// into a runnable event loop. The control socket is created here so its
// file mode and listen backlog are established before Run begins.
func NewServer(cfg *config.Config, log *slog.Logger) (*Server, error) {
	base, err := login.OpenBaseDir(cfg.Supervisor.RunBase, cfg.Supervisor.SockDir)
	if err != nil {
		return nil, err
	}

	self, err := NewSelfPipe()
	if err != nil {
		base.Close()
		return nil, err
	}

	ctl, err := NewControlSocket(cfg.Server.Socket)
	if err != nil {
		self.Close()
		base.Close()
		return nil, err
	}

	pwent := login.OSPasswdLookup{}
	linger := login.FileLingerChecker{
		Path:        cfg.Supervisor.LingerPath,
		Linger:      cfg.Supervisor.Linger,
		LingerNever: cfg.Supervisor.LingerNever,
	}
	reg := login.NewRegistry(cfg, pwent, linger, log)

	srv := &Server{self: self, ctl: ctl, reg: reg, base: base, cfg: cfg, log: log}

	starter := login.NewStarter(base, &process.ExecSpawner{}, cfg, func(uid uint32) {
		self.WriteAlarm(uid)
	})
	srv.mgr = login.NewManager(reg, starter, cfg, connNotifier{sup: srv}, log)
	srv.mgr.Bus = events.NewBus(log)
	if len(cfg.Webhooks) > 0 {
		srv.webhooks = events.NewWebhookManager(srv.mgr.Bus, webhookConfigs(cfg), log)
	}

	srv.metrics = metrics.New()
	srv.mgr.Metrics = srv.metrics
	srv.startedAt = time.Now()

	srv.pollfds = []unix.PollFd{
		{Fd: int32(self.FD()), Events: unix.POLLIN},
		{Fd: int32(ctl.FD()), Events: unix.POLLIN},
	}
	return srv, nil
}

// Manager exposes the login manager, e.g. for tests driving it directly.
func (s *Server) Manager() *login.Manager { return s.mgr }

// Metrics exposes the Prometheus collector, so the caller can serve it
// over cfg.Server.MetricsListen.
func (s *Server) Metrics() *metrics.Collector { return s.metrics }

// Close releases every descriptor the server owns. Run calls it on every
// exit path; callers that never start Run should call it themselves.
func (s *Server) Close() {
	if s.webhooks != nil {
		s.webhooks.Stop()
	}
	s.ctl.Close()
	s.self.Close()
	s.base.Close()
}

// webhookConfigs translates the TOML [[webhooks]] array into the form
// events.NewWebhookManager expects, resolving ${VAR} references in the
// URL and header values from the daemon's own environment.
func webhookConfigs(cfg *config.Config) []events.WebhookConfig {
	out := make([]events.WebhookConfig, 0, len(cfg.Webhooks))
	for _, wh := range cfg.Webhooks {
		evs := make([]events.EventType, 0, len(wh.Events))
		for _, name := range wh.Events {
			evs = append(evs, events.EventType(name))
		}
		url, err := events.ExpandWebhookEnv(wh.URL)
		if err != nil {
			url = wh.URL
		}
		headers := make(map[string]string, len(wh.Headers))
		for k, v := range wh.Headers {
			if ev, err := events.ExpandWebhookEnv(v); err == nil {
				v = ev
			}
			headers[k] = v
		}
		out = append(out, events.WebhookConfig{
			Name:       wh.Name,
			URL:        url,
			Events:     evs,
			Headers:    headers,
			Timeout:    time.Duration(wh.Timeout) * time.Second,
			MaxRetries: wh.Retries,
		})
	}
	return out
}

// Run drives the event loop until a graceful shutdown completes (every
// tracked login's service manager has exited) or poll fails.
func (s *Server) Run() error {
	for {
		timeout := -1
		if s.terminating {
			timeout = 1000 // wake periodically to re-check shutdownDeadline
		}
		n, err := unix.Poll(s.pollfds, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("server: poll: %w", err)
		}
		if n == 0 {
			if s.terminating && !s.shutdownDeadline.IsZero() && time.Now().After(s.shutdownDeadline) {
				return fmt.Errorf("server: shutdown_timeout of %ds exceeded with logins still live",
					s.cfg.Supervisor.ShutdownTimeout)
			}
			continue
		}

		if s.pollfds[0].Revents&unix.POLLIN != 0 {
			if err := s.handleSelfPipe(); err != nil {
				return err
			}
		}

		if s.terminating {
			if !s.mgr.Live() {
				return nil
			}
			if !s.shutdownDeadline.IsZero() && time.Now().After(s.shutdownDeadline) {
				return fmt.Errorf("server: shutdown_timeout of %ds exceeded with logins still live",
					s.cfg.Supervisor.ShutdownTimeout)
			}
			s.compact()
			continue
		}

		if s.pollfds[1].Revents&unix.POLLIN != 0 {
			s.acceptConns()
		}

		s.servicePipesAndConns()
		s.compact()
		s.queuePendingPipes()
		s.metrics.SetSupervisorUptime(time.Since(s.startedAt).Seconds())
		s.metrics.SetActiveLogins(len(s.reg.All()))
	}
}

// handleSelfPipe drains every queued signal/alarm record and dispatches
// it (the first step of every loop iteration, per the event-loop
// ordering: signals take priority over client IO).
func (s *Server) handleSelfPipe() error {
	for _, rec := range s.self.Drain() {
		switch {
		case rec.Signal == alarmSignal:
			if err := s.mgr.HandleAlarm(rec.UID); err != nil {
				return fmt.Errorf("server: alarm for uid %d: %w", rec.UID, err)
			}
		case rec.Signal == int32(syscall.SIGCHLD):
			s.reapChildren()
		case rec.Signal == int32(syscall.SIGTERM), rec.Signal == int32(syscall.SIGINT):
			s.beginShutdown()
		}
	}
	return nil
}

// reapChildren drains every exited child with a single non-blocking
// wait loop, matching the unified srv_reaper design across a login's
// three tracked child roles (the returned process.SpawnedProcess handles
// from Starter are never Waited directly, to avoid racing this loop).
func (s *Server) reapChildren() {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
		if err := s.mgr.Reap(pid); err != nil {
			s.log.Warn("reap failed", "pid", pid, "error", err)
		}
	}
}

// beginShutdown stops accepting new work and asks the manager to begin
// tearing down every tracked login, matching sig_handle_term.
func (s *Server) beginShutdown() {
	if s.terminating {
		return
	}
	s.terminating = true
	s.ctl.Close()
	s.pollfds = s.pollfds[:1]
	s.entries = nil
	if s.cfg.Supervisor.ShutdownTimeout > 0 {
		s.shutdownDeadline = time.Now().Add(time.Duration(s.cfg.Supervisor.ShutdownTimeout) * time.Second)
	}
	if err := s.mgr.Shutdown(); err != nil {
		s.log.Warn("shutdown invariant violation", "error", err)
	}
}

// acceptConns accepts every pending connection on the control socket and
// appends it to the poll set as an fdKindConn entry.
func (s *Server) acceptConns() {
	for _, fd := range s.ctl.AcceptAll() {
		s.pollfds = append(s.pollfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		s.entries = append(s.entries, fdEntry{kind: fdKindConn})
	}
}

// servicePipesAndConns walks every tracked descriptor past the fixed
// self-pipe/control-socket pair, reading whichever are ready: readiness
// pipes first, then client connections, matching the ordering note that
// pipes are serviced before connections so readiness is observed
// promptly.
func (s *Server) servicePipesAndConns() {
	for i := range s.entries {
		pf := &s.pollfds[i+2]
		if pf.Revents == 0 {
			continue
		}
		entry := s.entries[i]
		switch entry.kind {
		case fdKindPipe:
			s.serviceReadyPipe(int(pf.Fd), entry.uid, pf.Revents)
			pf.Fd = -1
		case fdKindConn:
			if s.serviceConn(int(pf.Fd), pf.Revents) {
				pf.Fd = -1
			}
		}
	}
}

// serviceReadyPipe reads whatever is currently available from a login's
// readiness FIFO and feeds it to the manager. The pipe is always removed
// from the poll set after one service pass: on completion Manager closes
// it and clears PipeQueued, and on a partial read PipeQueued stays set, so
// queuePendingPipes puts the pipe back into the poll set at the end of the
// same loop iteration.
func (s *Server) serviceReadyPipe(fd int, uid uint32, revents int16) {
	lgn := s.reg.ByUID(uid)
	if lgn == nil {
		unix.Close(fd)
		return
	}
	hangup := revents&(unix.POLLHUP|unix.POLLERR) != 0
	buf := make([]byte, 256)
	n, err := unix.Read(fd, buf)
	if err != nil && err != unix.EAGAIN {
		hangup = true
	}
	var chunk []byte
	if n > 0 {
		chunk = buf[:n]
	}
	if err := s.mgr.HandleReadyPipe(lgn, chunk, hangup); err != nil {
		s.log.Warn("ready pipe handling failed", "uid", uid, "error", err)
	}
}

// serviceConn reads one message from a client connection and dispatches
// it, reporting whether the connection should be dropped from the poll
// set (on error, MSG_ERR, or hangup).
func (s *Server) serviceConn(fd int, revents int16) bool {
	if revents&(unix.POLLHUP|unix.POLLERR) != 0 {
		s.mgr.TerminateSession(fd)
		return true
	}
	word, ok, err := recvMessage(fd)
	if err != nil {
		s.log.Warn("connection read failed", "fd", fd, "error", err)
		s.mgr.TerminateSession(fd)
		return true
	}
	if !ok {
		return false
	}
	if dispatch(s.mgr, s.log, fd, word) {
		s.mgr.TerminateSession(fd)
		return true
	}
	return false
}

// closeConnFD closes fd directly and marks it for compaction; used by
// connNotifier so login.Manager never touches the poll set itself.
func (s *Server) closeConnFD(fd int) {
	unix.Close(fd)
	for i := range s.entries {
		if int(s.pollfds[i+2].Fd) == fd {
			s.pollfds[i+2].Fd = -1
		}
	}
}

// compact drops every entry marked Fd == -1 from both parallel slices.
func (s *Server) compact() {
	keptFDs := s.pollfds[:2]
	var keptEntries []fdEntry
	for i, e := range s.entries {
		pf := s.pollfds[i+2]
		if pf.Fd == -1 {
			continue
		}
		keptFDs = append(keptFDs, pf)
		keptEntries = append(keptEntries, e)
	}
	s.pollfds = keptFDs
	s.entries = keptEntries
}

// queuePendingPipes adds the readiness FIFO of every login whose Starter
// just spawned a service manager into the poll set, immediately after
// the control socket and ahead of client connections.
func (s *Server) queuePendingPipes() {
	for _, lgn := range s.reg.All() {
		if !lgn.PipeQueued {
			continue
		}
		alreadyQueued := false
		for _, e := range s.entries {
			if e.kind == fdKindPipe && e.uid == lgn.UID {
				alreadyQueued = true
				break
			}
		}
		if alreadyQueued {
			continue
		}
		pf := unix.PollFd{Fd: int32(lgn.Userpipe), Events: unix.POLLIN}
		entry := fdEntry{kind: fdKindPipe, uid: lgn.UID}
		s.pollfds = append([]unix.PollFd{s.pollfds[0], s.pollfds[1], pf}, s.pollfds[2:]...)
		s.entries = append([]fdEntry{entry}, s.entries...)
	}
}
