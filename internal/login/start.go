package login

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/turnstiled/turnstiled/internal/config"
	"github.com/turnstiled/turnstiled/internal/process"
)

// Starter brings a Login's service manager up (srv_start / srv_boot in the
// original); stopping and kill escalation are handled by Manager. It owns
// the base directory descriptor and the spawner used for every backend
// process.
type Starter struct {
	Base    *BaseDir
	Spawner process.ProcessSpawner
	Cfg     *config.Config
	OnAlarm TimerFunc

	seqByUID map[uint32]int
}

// NewStarter constructs a Starter.
func NewStarter(base *BaseDir, spawner process.ProcessSpawner, cfg *config.Config, onAlarm TimerFunc) *Starter {
	return &Starter{
		Base:     base,
		Spawner:  spawner,
		Cfg:      cfg,
		OnAlarm:  onAlarm,
		seqByUID: make(map[uint32]int),
	}
}

// Start brings up the service manager instance for lgn (srv_start). On
// success lgn.SrvPid and, when the backend is enabled, lgn.PipeQueued are
// set; the caller is responsible for queuing the ready pipe into the poll
// set on the next compaction pass.
func (s *Starter) Start(lgn *Login) error {
	lgn.SrvWait = true

	if s.Cfg.Supervisor.ManageRdir && lgn.Rundir != "" {
		if err := MakeRundir(lgn.Rundir, lgn.UID, lgn.GID); err != nil {
			return err
		}
	}

	var readyWrite *os.File
	if !s.Cfg.Supervisor.Disable {
		dirfd, err := s.Base.MakeLoginDir(lgn.UID, lgn.GID)
		if err != nil {
			return err
		}
		lgn.DirFD = dirfd

		rfd, err := MakeReadyPipe(lgn.DirFD, lgn.UID, lgn.GID)
		if err != nil {
			s.Base.RemoveLoginDir(lgn)
			return err
		}
		lgn.Userpipe = rfd

		wfd, err := openReadyWriter(lgn.DirFD)
		if err != nil {
			lgn.CloseUserpipe()
			s.Base.RemoveLoginDir(lgn)
			return err
		}
		readyWrite = wfd
	}

	if s.Cfg.Supervisor.LoginTimeout > 0 {
		lgn.ArmTimer(time.Duration(s.Cfg.Supervisor.LoginTimeout)*time.Second, s.OnAlarm)
	}

	seq := s.seqByUID[lgn.UID]
	s.seqByUID[lgn.UID] = seq + 1

	var pid int
	var err error
	if s.Cfg.Supervisor.Disable {
		pid, err = s.spawnDisabledPlaceholder(lgn)
	} else {
		pid, err = SpawnServiceManager(s.Spawner, lgn, &s.Cfg.Supervisor, seq, readyWrite)
	}
	if readyWrite != nil {
		readyWrite.Close()
	}
	if err != nil {
		lgn.DisarmTimer()
		return err
	}

	lgn.SrvPending = false
	lgn.SrvPid = pid

	if s.Cfg.Supervisor.Disable {
		// Disabled backend: the child we just spawned exits immediately;
		// there is no ready pipe to wait on, so proceed straight to the
		// boot-helper step as though readiness had already been observed.
		return s.Boot(lgn)
	}
	lgn.PipeQueued = true
	return nil
}

// spawnDisabledPlaceholder runs a no-op child standing in for the backend
// when it is administratively disabled, so reaping still goes through the
// normal srv_pid bookkeeping path.
func (s *Starter) spawnDisabledPlaceholder(lgn *Login) (int, error) {
	proc, err := s.Spawner.Spawn(process.SpawnConfig{Command: "true"})
	if err != nil {
		return -1, fmt.Errorf("spawn: disabled placeholder for uid %d: %w", lgn.UID, err)
	}
	return proc.Pid(), nil
}

// Boot spawns the boot helper once the service manager's ready pipe has
// delivered its readiness notification (srv_boot).
func (s *Starter) Boot(lgn *Login) error {
	csock := filepath.Join(lgn.Rundir, s.Cfg.Supervisor.Backend+".socket")
	pid, err := SpawnBootHelper(s.Spawner, lgn, s.Cfg.Supervisor.Backend, csock, s.Cfg.Supervisor.Disable)
	if err != nil {
		return err
	}
	lgn.StartPid = pid
	return nil
}

func openReadyWriter(dirfd int) (*os.File, error) {
	f, err := openatFile(dirfd, "ready")
	if err != nil {
		return nil, fmt.Errorf("spawn: open ready pipe for write: %w", err)
	}
	return f, nil
}
