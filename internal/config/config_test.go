package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadReadsSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
server:
  port: "9090"
redis:
  addr: localhost:6379
attempt:
  tick: 1s
  progress_every: 5
  base_xp: 120
outbox:
  path: /tmp/outbox.db
  flush_timeout: 3s
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "9090" || cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("unexpected server/redis: %+v", cfg)
	}
	if cfg.Attempt.ProgressEvery != 5 || cfg.Attempt.BaseXP != 120 {
		t.Fatalf("unexpected attempt section: %+v", cfg.Attempt)
	}
	if cfg.Outbox.Path != "/tmp/outbox.db" || cfg.Log.Level != "debug" {
		t.Fatalf("unexpected outbox/log: %+v %+v", cfg.Outbox, cfg.Log)
	}
	if d := TTLDuration(cfg.Outbox.FlushTimeout, time.Second); d != 3*time.Second {
		t.Fatalf("expected 3s flush timeout, got %v", d)
	}
}

func TestTTLDurationFallback(t *testing.T) {
	if d := TTLDuration("", time.Minute); d != time.Minute {
		t.Fatalf("expected fallback for empty, got %v", d)
	}
	if d := TTLDuration("soon", time.Minute); d != time.Minute {
		t.Fatalf("expected fallback for garbage, got %v", d)
	}
	if d := TTLDuration("250ms", time.Minute); d != 250*time.Millisecond {
		t.Fatalf("expected parsed value, got %v", d)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
