package config

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

func validYAML(t *testing.T) string {
	t.Helper()
	secret := base64.StdEncoding.EncodeToString(make([]byte, SecretLen))
	return `
server:
  version: "1.4.2"
  secret: "` + secret + `"
access:
  url: "https://authority.example.com"
`
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(validYAML(t)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Session.Timeout != time.Hour {
		t.Errorf("session timeout = %v, want 1h", cfg.Session.Timeout)
	}
	if cfg.Session.HeartbeatInterval != 10*time.Minute {
		t.Errorf("heartbeat interval = %v, want 10m", cfg.Session.HeartbeatInterval)
	}
	if cfg.Udp.Timeout != 120*time.Second {
		t.Errorf("udp timeout = %v, want 120s", cfg.Udp.Timeout)
	}
	if cfg.Udp.WorkerMaxCount != 32 {
		t.Errorf("worker max = %d, want 32", cfg.Udp.WorkerMaxCount)
	}
	if cfg.Udp.PoolMode != PoolModePerSession {
		t.Errorf("pool mode = %q, want per_session", cfg.Udp.PoolMode)
	}
}

func TestParse_Overrides(t *testing.T) {
	yaml := validYAML(t) + `
udp:
  pool_mode: shared
  worker_max_count: 4
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Udp.PoolMode != PoolModeShared {
		t.Errorf("pool mode = %q, want shared", cfg.Udp.PoolMode)
	}
	if cfg.Udp.WorkerMaxCount != 4 {
		t.Errorf("worker max = %d, want 4", cfg.Udp.WorkerMaxCount)
	}
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("NIMBUS_TEST_URL", "https://env.example.com")

	yaml := `
server:
  version: "${NIMBUS_TEST_VERSION:-1.0.0}"
access:
  url: "${NIMBUS_TEST_URL}"
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Access.URL != "https://env.example.com" {
		t.Errorf("url = %q", cfg.Access.URL)
	}
	if cfg.Server.Version != "1.0.0" {
		t.Errorf("version = %q, want default 1.0.0", cfg.Server.Version)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{"missing access url", func(c *Config) { c.Access.URL = "" }, "access.url"},
		{"bad log level", func(c *Config) { c.Server.LogLevel = "loud" }, "log_level"},
		{"bad version", func(c *Config) { c.Server.Version = "1.0" }, "server version"},
		{"bad pool mode", func(c *Config) { c.Udp.PoolMode = "global" }, "pool_mode"},
		{"zero worker max", func(c *Config) { c.Udp.WorkerMaxCount = 0 }, "worker_max_count"},
		{"zero session timeout", func(c *Config) { c.Session.Timeout = 0 }, "session.timeout"},
		{"short secret", func(c *Config) { c.Server.Secret = "QUJD" }, "server.secret"},
		{"analytics without endpoint", func(c *Config) { c.Analytics.Enabled = true }, "analytics.endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Server.Version = "1.0.0"
			cfg.Access.URL = "https://authority.example.com"
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestDecodeSecret(t *testing.T) {
	secret := make([]byte, SecretLen)
	for i := range secret {
		secret[i] = byte(i)
	}

	cfg := Default()
	cfg.Server.Secret = base64.StdEncoding.EncodeToString(secret)

	got, err := cfg.DecodeSecret()
	if err != nil {
		t.Fatalf("DecodeSecret: %v", err)
	}
	if len(got) != SecretLen || got[5] != 5 {
		t.Errorf("decoded secret mismatch")
	}
}

func TestRedacted(t *testing.T) {
	cfg, err := Parse([]byte(validYAML(t)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	out := cfg.String()
	if strings.Contains(out, cfg.Server.Secret) {
		t.Error("String() must not leak the server secret")
	}
	if !strings.Contains(out, redactedValue) {
		t.Error("String() should carry the redaction placeholder")
	}

	// Redaction must not mutate the original.
	if cfg.Server.Secret == redactedValue {
		t.Error("Redacted mutated the receiver")
	}
}
