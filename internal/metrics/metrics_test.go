package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewCollector(t *testing.T) {
	c := New()
	if c == nil {
		t.Fatal("expected non-nil collector")
	}
}

func TestMetricsHandler(t *testing.T) {
	c := New()
	handler := c.Handler()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	body, _ := io.ReadAll(w.Body)
	content := string(body)

	if !strings.Contains(content, "go_goroutines") {
		t.Fatal("expected go_goroutines metric")
	}
}

func TestLoginStateMetric(t *testing.T) {
	c := New()
	c.SetLoginState("1000", LoginStateReady)

	body := scrape(t, c)
	if !strings.Contains(body, `turnstiled_login_state{uid="1000"} 2`) {
		t.Fatalf("expected login state metric, got:\n%s", body)
	}
}

func TestLoginStartCounter(t *testing.T) {
	c := New()
	for i := 0; i < 5; i++ {
		c.IncLoginStart("1000")
	}

	body := scrape(t, c)
	if !strings.Contains(body, `turnstiled_login_start_total{uid="1000"} 5`) {
		t.Fatalf("expected start_total=5, got:\n%s", body)
	}
}

func TestLoginDropCounter(t *testing.T) {
	c := New()
	c.IncLoginDrop("1000")
	c.IncLoginDrop("1000")

	body := scrape(t, c)
	if !strings.Contains(body, `turnstiled_login_drop_total{uid="1000"} 2`) {
		t.Fatalf("expected drop_total=2, got:\n%s", body)
	}
}

func TestKillEscalationCounters(t *testing.T) {
	c := New()
	c.IncKillRetry("1000")
	c.IncKillFatal("1000")

	body := scrape(t, c)
	if !strings.Contains(body, `turnstiled_kill_retry_total{uid="1000"} 1`) {
		t.Fatalf("expected kill_retry_total=1, got:\n%s", body)
	}
	if !strings.Contains(body, `turnstiled_kill_fatal_total{uid="1000"} 1`) {
		t.Fatalf("expected kill_fatal_total=1, got:\n%s", body)
	}
}

func TestSupervisorUptime(t *testing.T) {
	c := New()
	c.SetSupervisorUptime(3600.5)

	body := scrape(t, c)
	if !strings.Contains(body, "turnstiled_supervisor_uptime_seconds 3600.5") {
		t.Fatalf("expected uptime metric, got:\n%s", body)
	}
}

func TestActiveLogins(t *testing.T) {
	c := New()
	c.SetActiveLogins(7)

	body := scrape(t, c)
	if !strings.Contains(body, "turnstiled_active_logins 7") {
		t.Fatalf("expected active_logins=7, got:\n%s", body)
	}
}

func TestConfigReloadCounters(t *testing.T) {
	c := New()
	c.IncConfigReload()
	c.IncConfigReload()
	c.IncConfigReloadError()

	body := scrape(t, c)
	if !strings.Contains(body, "turnstiled_config_reload_total 2") {
		t.Fatalf("expected reload_total=2, got:\n%s", body)
	}
	if !strings.Contains(body, "turnstiled_config_reload_errors_total 1") {
		t.Fatalf("expected reload_errors=1, got:\n%s", body)
	}
}

func TestBuildInfo(t *testing.T) {
	c := New()
	c.SetBuildInfo("1.0.0", "go1.26.0", "true")

	body := scrape(t, c)
	if !strings.Contains(body, `turnstiled_info{fips="true",go_version="go1.26.0",version="1.0.0"} 1`) {
		t.Fatalf("expected build info metric, got:\n%s", body)
	}
}

func TestRemoveLogin(t *testing.T) {
	c := New()
	c.SetLoginState("1000", LoginStateReady)
	c.IncLoginStart("1000")
	c.IncLoginDrop("1000")

	c.RemoveLogin("1000")

	body := scrape(t, c)
	if strings.Contains(body, `uid="1000"`) {
		t.Fatalf("expected uid=1000 metrics to be removed, got:\n%s", body)
	}
}

func TestMetricNamingConventions(t *testing.T) {
	c := New()
	c.SetLoginState("test", LoginStateIdle)
	c.IncLoginStart("test")
	c.IncLoginDrop("test")
	c.IncKillRetry("test")
	c.IncKillFatal("test")
	c.SetSupervisorUptime(1)
	c.SetActiveLogins(1)
	c.IncConfigReload()
	c.IncConfigReloadError()
	c.SetBuildInfo("dev", "go1.26", "false")

	body := scrape(t, c)

	metricNames := []string{
		"turnstiled_login_state",
		"turnstiled_login_start_total",
		"turnstiled_login_drop_total",
		"turnstiled_kill_retry_total",
		"turnstiled_kill_fatal_total",
		"turnstiled_supervisor_uptime_seconds",
		"turnstiled_active_logins",
		"turnstiled_config_reload_total",
		"turnstiled_config_reload_errors_total",
		"turnstiled_info",
	}
	for _, name := range metricNames {
		if !strings.Contains(body, name) {
			t.Errorf("expected metric %s in output", name)
		}
	}
}

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics scrape failed: %d", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	return string(body)
}
