package main

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/turnstiled/turnstiled/internal/config"
	"github.com/turnstiled/turnstiled/internal/logging"
	"github.com/turnstiled/turnstiled/internal/supervisor"
	"github.com/turnstiled/turnstiled/internal/version"
)

// runDaemon resolves the configuration, sets up logging, and runs the
// supervisor event loop until a graceful shutdown completes.
func runDaemon(explicitPath string) error {
	path, err := config.Resolve(explicitPath)
	if err != nil {
		return err
	}

	cfg, warnings, err := config.Load(path)
	if err != nil {
		return err
	}

	log := logging.New(logging.LogConfig{
		Level:  cfg.Supervisor.LogLevel,
		Format: cfg.Supervisor.LogFormat,
	})
	for _, w := range warnings {
		log.Warn(w)
	}
	log.Info("loaded configuration", "path", path, "backend", cfg.Supervisor.Backend)

	supervisor.RootWarning(log)
	supervisor.SetStrictUmask()

	if err := supervisor.ValidateSocketPermissions(cfg.Server.Socket); err != nil {
		return fmt.Errorf("turnstiled: %w", err)
	}

	srv, err := supervisor.NewServer(cfg, log)
	if err != nil {
		return fmt.Errorf("turnstiled: %w", err)
	}
	defer srv.Close()

	srv.Metrics().SetBuildInfo(version.Version, version.GoVersion, version.FIPS)
	if cfg.Server.MetricsListen != "" {
		go serveMetrics(cfg.Server.MetricsListen, srv, log)
	}

	if err := supervisor.WritePIDFile(cfg.Supervisor.PIDFile); err != nil {
		log.Warn("could not write pid file", "error", err)
	}
	defer supervisor.RemovePIDFile(cfg.Supervisor.PIDFile)

	log.Info("turnstiled ready", "socket", cfg.Server.Socket)
	if err := srv.Run(); err != nil {
		return fmt.Errorf("turnstiled: %w", err)
	}
	log.Info("turnstiled stopped")
	return nil
}

// serveMetrics runs the Prometheus /metrics endpoint on its own listener,
// independent of the control socket's poll loop.
func serveMetrics(addr string, srv *supervisor.Server, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", srv.Metrics().Handler())
	log.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn("metrics server stopped", "error", err)
	}
}
