package testutil

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestTempDir(t *testing.T) {
	dir := TempDir(t)
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("temp dir does not exist: %v", err)
	}
}

func TestFreeSocket(t *testing.T) {
	sock := FreeSocket(t)
	if sock == "" {
		t.Fatal("empty socket path")
	}
	if !strings.HasSuffix(sock, "turnstiled.sock") {
		t.Errorf("socket path = %q, want suffix turnstiled.sock", sock)
	}
	if _, err := os.Stat(sock); !os.IsNotExist(err) {
		t.Error("socket file should not exist yet")
	}
}

func TestFreeTCPPort(t *testing.T) {
	port := FreeTCPPort(t)
	if port <= 0 || port > 65535 {
		t.Fatalf("invalid port: %d", port)
	}
}

func TestMustParseConfig(t *testing.T) {
	toml := `
[supervisor]
backend = "dinit"

[server]
socket = "/run/turnstiled.sock"
`
	cfg := MustParseConfig(t, toml)
	if cfg == nil {
		t.Fatal("config is nil")
	}
	if cfg.Supervisor.Backend != "dinit" {
		t.Errorf("backend = %q, want dinit", cfg.Supervisor.Backend)
	}
}

func TestWaitFor(t *testing.T) {
	counter := 0
	WaitFor(t, func() bool {
		counter++
		return counter >= 3
	}, 5*time.Second)

	if counter < 3 {
		t.Errorf("counter = %d, want >= 3", counter)
	}
}

func TestWriteFile(t *testing.T) {
	dir := TempDir(t)
	path := WriteFile(t, dir, "test.txt", "hello")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("content = %q, want hello", string(data))
	}
}
