package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Scheduler.MaxRetries != 3 {
		t.Errorf("expected default max retries 3, got %d", cfg.Scheduler.MaxRetries)
	}
	if cfg.Scheduler.BackoffBase != 2*time.Second {
		t.Errorf("expected backoff base 2s, got %s", cfg.Scheduler.BackoffBase)
	}
	if cfg.Scheduler.BackoffCap != 5*time.Minute {
		t.Errorf("expected backoff cap 5m, got %s", cfg.Scheduler.BackoffCap)
	}
	if cfg.Queue.Backend != "memory" {
		t.Errorf("expected memory queue backend, got %q", cfg.Queue.Backend)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}
}

func TestFileMerge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
scheduler:
  workers: 4
  max_retries: 5
queue:
  backend: redis
  redis_address: redis.internal:6379
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	m := NewManager()
	if err := m.loadFile(path); err != nil {
		t.Fatalf("loadFile failed: %v", err)
	}

	cfg := m.Get()
	if cfg.Scheduler.Workers != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.Scheduler.Workers)
	}
	if cfg.Scheduler.MaxRetries != 5 {
		t.Errorf("expected 5 max retries, got %d", cfg.Scheduler.MaxRetries)
	}
	if cfg.Queue.Backend != "redis" {
		t.Errorf("expected redis backend, got %q", cfg.Queue.Backend)
	}
	if cfg.Queue.RedisAddress != "redis.internal:6379" {
		t.Errorf("unexpected redis address %q", cfg.Queue.RedisAddress)
	}

	// Untouched fields keep their defaults.
	if cfg.Scheduler.BackoffBase != 2*time.Second {
		t.Errorf("expected default backoff base preserved, got %s", cfg.Scheduler.BackoffBase)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SKETCHFLOW_WORKERS", "7")
	t.Setenv("SKETCHFLOW_REDIS", "override:6379")

	m := NewManager()
	m.loadEnv()

	cfg := m.Get()
	if cfg.Scheduler.Workers != 7 {
		t.Errorf("expected 7 workers from env, got %d", cfg.Scheduler.Workers)
	}
	if cfg.Queue.Backend != "redis" || cfg.Queue.RedisAddress != "override:6379" {
		t.Errorf("expected redis override, got %q %q", cfg.Queue.Backend, cfg.Queue.RedisAddress)
	}
}
