package config

// KillTimeout is the fixed kill-escalation timeout (spec §4.6): when the
// last session for a login closes, the daemon sends SIGTERM and waits this
// long before re-sending; a second unanswered cycle is fatal.
const KillTimeout = 60

// DirLenMax is the margin added to the reported rundir length when the
// daemon manages the rundir, so a client can size a buffer that also fits
// a UID-suffixed path it may append itself (spec §4.3/§4.4).
const DirLenMax = 32

// ApplyDefaults fills in zero-value fields with their default values.
func ApplyDefaults(cfg *Config) {
	if cfg.Supervisor.LogLevel == "" {
		cfg.Supervisor.LogLevel = "info"
	}
	if cfg.Supervisor.LogFormat == "" {
		cfg.Supervisor.LogFormat = "json"
	}
	if cfg.Supervisor.ShutdownTimeout == 0 {
		cfg.Supervisor.ShutdownTimeout = 30
	}
	if cfg.Supervisor.Backend == "" {
		cfg.Supervisor.Backend = "dinit"
	}
	if cfg.Supervisor.RdirPath == "" {
		cfg.Supervisor.RdirPath = "/run/user/%(uid)s"
	}
	if cfg.Supervisor.RunBase == "" {
		cfg.Supervisor.RunBase = "/run"
	}
	if cfg.Supervisor.SockDir == "" {
		cfg.Supervisor.SockDir = "userv"
	}
	if cfg.Supervisor.LingerPath == "" {
		cfg.Supervisor.LingerPath = "/var/lib/turnstiled/linger"
	}
	if cfg.Supervisor.BootPath == "" {
		cfg.Supervisor.BootPath = ".config/turnstiled.d/boot.d"
	}
	if cfg.Supervisor.SysBootPath == "" {
		cfg.Supervisor.SysBootPath = "/etc/turnstiled/boot.d"
	}

	if cfg.Server.Socket == "" {
		cfg.Server.Socket = "/run/turnstiled.sock"
	}

	for i := range cfg.Webhooks {
		if cfg.Webhooks[i].Timeout == 0 {
			cfg.Webhooks[i].Timeout = 5
		}
		if cfg.Webhooks[i].Retries == 0 {
			cfg.Webhooks[i].Retries = 3
		}
	}
}
