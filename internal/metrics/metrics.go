// Package metrics collects and exposes Prometheus metrics for turnstiled.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all turnstiled-specific Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	// Per-login metrics.
	LoginState      *prometheus.GaugeVec
	LoginStartTotal *prometheus.CounterVec
	LoginDropTotal  *prometheus.CounterVec
	KillRetryTotal  *prometheus.CounterVec
	KillFatalTotal  *prometheus.CounterVec

	// Supervisor-level metrics.
	SupervisorUptime       prometheus.Gauge
	ActiveLogins           prometheus.Gauge
	ConfigReloadTotal      prometheus.Counter
	ConfigReloadErrorTotal prometheus.Counter
	BuildInfo              *prometheus.GaugeVec
}

// New creates and registers all turnstiled metrics.
func New() *Collector {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: reg,

		LoginState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "turnstiled_login_state",
				Help: "Current state of a tracked login (0=idle, 1=waiting, 2=ready, 3=terminating).",
			},
			[]string{"uid"},
		),

		LoginStartTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstiled_login_start_total",
				Help: "Total number of times a login's service manager has been started.",
			},
			[]string{"uid"},
		),

		LoginDropTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstiled_login_drop_total",
				Help: "Total number of logins dropped because their service manager exited before readiness or the login timeout fired.",
			},
			[]string{"uid"},
		),

		KillRetryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstiled_kill_retry_total",
				Help: "Total number of kill-escalation SIGTERM retries sent.",
			},
			[]string{"uid"},
		),

		KillFatalTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstiled_kill_fatal_total",
				Help: "Total number of logins whose service manager refused to die after escalation.",
			},
			[]string{"uid"},
		),

		SupervisorUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "turnstiled_supervisor_uptime_seconds",
				Help: "Uptime of the turnstiled daemon in seconds.",
			},
		),

		ActiveLogins: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "turnstiled_active_logins",
				Help: "Number of logins currently tracked by the registry.",
			},
		),

		ConfigReloadTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "turnstiled_config_reload_total",
				Help: "Total number of config reloads.",
			},
		),

		ConfigReloadErrorTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "turnstiled_config_reload_errors_total",
				Help: "Total number of failed config reloads.",
			},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "turnstiled_info",
				Help: "Build information about turnstiled.",
			},
			[]string{"version", "go_version", "fips"},
		),
	}

	reg.MustRegister(
		c.LoginState,
		c.LoginStartTotal,
		c.LoginDropTotal,
		c.KillRetryTotal,
		c.KillFatalTotal,
		c.SupervisorUptime,
		c.ActiveLogins,
		c.ConfigReloadTotal,
		c.ConfigReloadErrorTotal,
		c.BuildInfo,
	)

	return c
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetBuildInfo sets the constant build info gauge.
func (c *Collector) SetBuildInfo(version, goVersion, fips string) {
	c.BuildInfo.WithLabelValues(version, goVersion, fips).Set(1)
}

// Login lifecycle states surfaced via LoginState.
const (
	LoginStateIdle = iota
	LoginStateWaiting
	LoginStateReady
	LoginStateTerminating
)

// SetLoginState updates the state gauge for uid.
func (c *Collector) SetLoginState(uid string, state int) {
	c.LoginState.WithLabelValues(uid).Set(float64(state))
}

// IncLoginStart increments the start counter for uid.
func (c *Collector) IncLoginStart(uid string) {
	c.LoginStartTotal.WithLabelValues(uid).Inc()
}

// IncLoginDrop increments the drop counter for uid.
func (c *Collector) IncLoginDrop(uid string) {
	c.LoginDropTotal.WithLabelValues(uid).Inc()
}

// IncKillRetry increments the kill-escalation retry counter for uid.
func (c *Collector) IncKillRetry(uid string) {
	c.KillRetryTotal.WithLabelValues(uid).Inc()
}

// IncKillFatal increments the kill-escalation fatal counter for uid.
func (c *Collector) IncKillFatal(uid string) {
	c.KillFatalTotal.WithLabelValues(uid).Inc()
}

// SetSupervisorUptime sets the supervisor uptime gauge.
func (c *Collector) SetSupervisorUptime(seconds float64) {
	c.SupervisorUptime.Set(seconds)
}

// SetActiveLogins sets the count of currently tracked logins.
func (c *Collector) SetActiveLogins(count int) {
	c.ActiveLogins.Set(float64(count))
}

// IncConfigReload increments the config reload counter.
func (c *Collector) IncConfigReload() {
	c.ConfigReloadTotal.Inc()
}

// IncConfigReloadError increments the config reload error counter.
func (c *Collector) IncConfigReloadError() {
	c.ConfigReloadErrorTotal.Inc()
}

// RemoveLogin cleans up per-uid metrics for a login that has been dropped.
func (c *Collector) RemoveLogin(uid string) {
	c.LoginState.DeleteLabelValues(uid)
	c.LoginStartTotal.DeleteLabelValues(uid)
	c.LoginDropTotal.DeleteLabelValues(uid)
	c.KillRetryTotal.DeleteLabelValues(uid)
	c.KillFatalTotal.DeleteLabelValues(uid)
}
