package config

// DefaultConfigTOML is a complete, commented sample turnstiled.conf.
const DefaultConfigTOML = `# turnstiled configuration file

[supervisor]
# backend = "dinit"             # service manager program exec'd per login
# disable = false               # bypass the backend entirely
# manage_rdir = false           # create/own per-user XDG_RUNTIME_DIR
# rdir_path = "/run/user/%(uid)s"  # rundir template, %(uid)s/%(gid)s expanded
# login_timeout = 0             # seconds to wait for backend readiness, 0 = none
# linger = false                # force lingering regardless of the linger file
# linger_never = false          # never linger, regardless of the linger file
# export_dbus = false           # advertise a D-Bus session bus to clients
# srv_paths = []                # extra service-file search directories
# boot_path = ".config/turnstiled.d/boot.d"  # per-user service dir under $HOME
# sys_boot_path = "/etc/turnstiled/boot.d"   # system-wide service dir
# log_level = "info"            # debug, info, warn, error
# log_format = "json"           # json, text
# shutdown_timeout = 30         # seconds to wait for graceful shutdown
# pidfile = ""                  # daemon PID file path
# run_base = "/run"             # base directory for per-user state
# sock_dir = "userv"            # subdirectory of run_base holding ready FIFOs
# linger_path = "/var/lib/turnstiled/linger"  # directory of linger marker files

[server]
# socket = "/run/turnstiled.sock"   # SEQPACKET control socket path
# metrics_listen = ""                # e.g. "127.0.0.1:9100"; empty disables

# Webhook definitions, fired on login lifecycle and escalation-failure events.
# [[webhooks]]
# name = "audit"
# url = "https://example.com/hooks/turnstiled"
# events = ["LOGIN_READY", "LOGIN_DROPPED", "LOGIN_KILL_FATAL"]
# timeout = 5
# retries = 3
# [webhooks.headers]
# Authorization = "Bearer token"
`
