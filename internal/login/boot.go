package login

import (
	"fmt"

	"github.com/turnstiled/turnstiled/internal/process"
)

// SpawnBootHelper runs the short-lived boot helper that issues "start
// boot" against the backend's freshly-opened per-login control socket,
// dropping to (uid, gid) first (dinit_boot in the original). It returns
// the helper's PID, to be recorded as Login.StartPid.
//
// When disable is set the backend is administratively bypassed: a helper
// that exits 0 immediately is still spawned so the reap path (and thus
// MSG_OK_DONE delivery) is uniform regardless of configuration.
func SpawnBootHelper(spawner process.ProcessSpawner, lgn *Login, backend, csockPath string, disable bool) (int, error) {
	attr, err := buildSysProcAttr(lgn.UID, lgn.GID)
	if err != nil {
		return -1, err
	}

	var cmd string
	var args []string
	if disable {
		cmd = "true"
	} else {
		cmd = backend + "ctl"
		args = []string{"--socket-path", csockPath, "start", "boot"}
	}

	proc, err := spawner.Spawn(process.SpawnConfig{
		Command:     cmd,
		Args:        args,
		Dir:         lgn.Homedir,
		SysProcAttr: attr,
	})
	if err != nil {
		return -1, fmt.Errorf("boot: start helper for uid %d: %w", lgn.UID, err)
	}
	if err := captureOutput(lgn, proc, backend+"ctl"); err != nil {
		return -1, err
	}
	return proc.Pid(), nil
}
