package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
}

// TestLoadFile verifies YAML values override defaults and unset keys keep them
func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
port: "9090"
cache:
  ttl: 5s
dispatch:
  backend: river
  workers: 8
  retry:
    backoff: [1s, 10s]
nats:
  url: nats://localhost:4222
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DATABASE_URL", "postgres://localhost/eventrules")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "9090" || cfg.Cache.TTL != 5*time.Second {
		t.Errorf("port/ttl = %s/%s, want 9090/5s", cfg.Port, cfg.Cache.TTL)
	}
	if cfg.Dispatch.Backend != BackendRiver || cfg.Dispatch.Workers != 8 {
		t.Errorf("dispatch = %+v", cfg.Dispatch)
	}
	if len(cfg.Dispatch.Retry.Backoff) != 2 || cfg.Dispatch.Retry.Backoff[1] != 10*time.Second {
		t.Errorf("backoff = %v, want [1s 10s]", cfg.Dispatch.Retry.Backoff)
	}
	if cfg.Dispatch.Retry.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want default 3", cfg.Dispatch.Retry.MaxAttempts)
	}
	if cfg.NATS.SignalSubject != "eventrules.signal.>" {
		t.Errorf("signal subject = %q, want default", cfg.NATS.SignalSubject)
	}
	if cfg.DatabaseURL != "postgres://localhost/eventrules" {
		t.Errorf("DatabaseURL = %q, want env value", cfg.DatabaseURL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

// TestApplyEnv verifies environment overrides and bad values
func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PORT":               "7000",
		"CACHE_TTL":          "1m",
		"SCHEDULER_ENABLED":  "false",
		"DISPATCH_WORKERS":   "two",
		"SCHEDULER_INTERVAL": "soon",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := Default()
	err := cfg.applyEnv(lookup)
	if err == nil {
		t.Fatal("applyEnv() error = nil, want errors for DISPATCH_WORKERS and SCHEDULER_INTERVAL")
	}
	for _, key := range []string{"DISPATCH_WORKERS", "SCHEDULER_INTERVAL"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
	if cfg.Port != "7000" || cfg.Cache.TTL != time.Minute || cfg.Scheduler.Enabled {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Dispatch.Workers != 4 {
		t.Errorf("Workers = %d, want default kept on bad value", cfg.Dispatch.Workers)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"negative ttl", func(c *Config) { c.Cache.TTL = -time.Second }, "cache.ttl"},
		{"unknown backend", func(c *Config) { c.Dispatch.Backend = "kafka" }, "dispatch.backend"},
		{"river without database", func(c *Config) { c.Dispatch.Backend = BackendRiver }, "requires database_url"},
		{"zero workers", func(c *Config) { c.Dispatch.Workers = 0 }, "dispatch.workers"},
		{"negative backoff", func(c *Config) { c.Dispatch.Retry.Backoff = []time.Duration{-1} }, "backoff[0]"},
		{"zero interval", func(c *Config) { c.Scheduler.Interval = 0 }, "scheduler.interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() error = nil, want missing file error")
	}
}
