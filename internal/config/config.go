// Package config handles loading and validating turnstiled configuration.
package config

// Config is the top-level turnstiled configuration.
type Config struct {
	Supervisor SupervisorConfig `toml:"supervisor"`
	Server     ServerConfig     `toml:"server"`
	Webhooks   []WebhookConfig  `toml:"webhooks"`
}

// SupervisorConfig holds the recognised daemon-level options from spec §6.
type SupervisorConfig struct {
	// Backend is the program name of the service manager to exec.
	Backend string `toml:"backend"`
	// Disable bypasses the backend entirely (instant MSG_OK_DONE).
	Disable bool `toml:"disable"`
	// ManageRdir selects whether this daemon creates/owns per-user rundirs.
	ManageRdir bool `toml:"manage_rdir"`
	// RdirPath is a template path for rundir, expanded with %(uid)s/%(gid)s.
	RdirPath string `toml:"rdir_path"`
	// LoginTimeout is the boot timeout in seconds; 0 disables it.
	LoginTimeout int `toml:"login_timeout"`
	// Linger forces lingering service managers regardless of the linger file.
	Linger bool `toml:"linger"`
	// LingerNever disables lingering unconditionally.
	LingerNever bool `toml:"linger_never"`
	// ExportDbus is the 1-bit aux flag included in MSG_OK_DONE.
	ExportDbus bool `toml:"export_dbus"`
	// SrvPaths lists service-file search directories passed to the backend.
	SrvPaths []string `toml:"srv_paths"`
	// BootPath is the per-user service directory, relative to $HOME.
	BootPath string `toml:"boot_path"`
	// SysBootPath is the absolute system-wide service directory.
	SysBootPath string `toml:"sys_boot_path"`

	// Ambient daemon settings, carried the way the teacher always carries
	// them regardless of what spec.md's core asks for.
	LogLevel        string `toml:"log_level"`
	LogFormat       string `toml:"log_format"`
	ShutdownTimeout int    `toml:"shutdown_timeout"`
	PIDFile         string `toml:"pidfile"`
	RunBase         string `toml:"run_base"`
	SockDir         string `toml:"sock_dir"`
	LingerPath      string `toml:"linger_path"`
}

// ServerConfig holds control-socket and metrics-listener settings.
type ServerConfig struct {
	// Socket is the SEQPACKET control socket path (DAEMON_SOCK in spec §6).
	Socket string `toml:"socket"`
	// MetricsListen, when non-empty, serves Prometheus metrics on this
	// address (ambient observability, separate from the control socket).
	MetricsListen string `toml:"metrics_listen"`
}

// WebhookConfig holds per-webhook settings for login lifecycle notification.
type WebhookConfig struct {
	Name    string            `toml:"name"`
	URL     string            `toml:"url"`
	Events  []string          `toml:"events"`
	Headers map[string]string `toml:"headers"`
	Timeout int               `toml:"timeout"`
	Retries int               `toml:"retries"`
}
