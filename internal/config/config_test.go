package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"empirectl/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "empirectl.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
[server]
host = "ep.example.net"
zone = "EmpireEx_21"

[session]
keepalive_seconds = 45
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr() != "ep.example.net:443" {
		t.Fatalf("addr %q, want default port applied", cfg.Server.Addr())
	}
	if cfg.Server.Zone != "EmpireEx_21" {
		t.Fatalf("zone %q", cfg.Server.Zone)
	}
	if cfg.Session.Keepalive() != 45*time.Second {
		t.Fatalf("keepalive %v, want 45s", cfg.Session.Keepalive())
	}
	// Untouched sections keep their defaults.
	if cfg.Session.BackoffMin() != 500*time.Millisecond {
		t.Fatalf("backoff min %v", cfg.Session.BackoffMin())
	}
}

func TestLoadRejectsMissingHost(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
[server]
zone = "EmpireEx_2"
`)

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "host") {
		t.Fatalf("expected missing-host error, got %v", err)
	}
}

func TestLoadRejectsInvalidBackoffWindow(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
[server]
host = "ep.example.net"

[session]
backoff_min_millis = 5000
backoff_max_millis = 100
`)

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "backoff") {
		t.Fatalf("expected backoff error, got %v", err)
	}
}

func TestTLSServerNameDefaultsToHost(t *testing.T) {
	testlog.Start(t)
	s := ServerConfig{Host: "ep.example.net"}
	if s.TLSServerName() != "ep.example.net" {
		t.Fatalf("server name %q", s.TLSServerName())
	}
	s.ServerName = "cdn.example.net"
	if s.TLSServerName() != "cdn.example.net" {
		t.Fatalf("override ignored: %q", s.TLSServerName())
	}
}
