// ABOUTME: Unit tests for configuration loading and validation
// ABOUTME: Covers env expansion, duration parsing, defaults, and invalid values

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/2389/tether-gateway/internal/auth"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_Full(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_addr: "127.0.0.1:9500"
  exposure: "serve"
  trusted_proxies: ["10.0.0.8"]
auth:
  mode: "token"
  token: "secret"
store:
  dir: "/var/lib/tether"
audit:
  path: "/var/lib/tether/audit.db"
lock:
  timeout: "15s"
  stale_age: "10m"
policy:
  tick_interval: "45s"
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.ListenAddr != "127.0.0.1:9500" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.Exposure != auth.ExposureServe {
		t.Errorf("Exposure = %q", cfg.Server.Exposure)
	}
	if cfg.Auth.Token != "secret" {
		t.Errorf("Token = %q", cfg.Auth.Token)
	}
	if cfg.Lock.Timeout != 15*time.Second {
		t.Errorf("Lock.Timeout = %v", cfg.Lock.Timeout)
	}
	if cfg.Lock.StaleAge != 10*time.Minute {
		t.Errorf("Lock.StaleAge = %v", cfg.Lock.StaleAge)
	}
	if cfg.Policy.TickInterval != 45*time.Second {
		t.Errorf("Policy.TickInterval = %v", cfg.Policy.TickInterval)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
store:
  dir: "/var/lib/tether"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:9400" {
		t.Errorf("default ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.Exposure != auth.ExposureLocal {
		t.Errorf("default Exposure = %q", cfg.Server.Exposure)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TETHER_TEST_TOKEN", "expanded-token")

	path := writeConfig(t, `
store:
  dir: "/var/lib/tether"
auth:
  token: "${TETHER_TEST_TOKEN}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.Token != "expanded-token" {
		t.Errorf("Token = %q, want expanded env value", cfg.Auth.Token)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "missing store dir", content: "server:\n  listen_addr: \"x\"\n"},
		{name: "bad exposure", content: "store:\n  dir: \"/tmp/x\"\nserver:\n  exposure: \"public\"\n"},
		{name: "bad auth mode", content: "store:\n  dir: \"/tmp/x\"\nauth:\n  mode: \"oauth\"\n"},
		{name: "bad duration", content: "store:\n  dir: \"/tmp/x\"\nlock:\n  timeout: \"soon\"\n"},
		{name: "tls cert without key", content: "store:\n  dir: \"/tmp/x\"\nserver:\n  tls_cert_file: \"/tmp/cert\"\n"},
		{name: "not yaml", content: "{{{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			if _, err := Load(path); err == nil {
				t.Error("Load() should have failed")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() should fail for a missing file")
	}
}
