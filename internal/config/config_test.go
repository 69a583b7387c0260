package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Auction.Window != 2*time.Second {
		t.Fatalf("expected 2s auction window, got %v", cfg.Auction.Window)
	}
	if cfg.Auction.HeartbeatTimeout != 6*time.Second {
		t.Fatalf("expected 6s heartbeat timeout, got %v", cfg.Auction.HeartbeatTimeout)
	}
	if cfg.Broker.MaxRetries != 3 {
		t.Fatalf("expected 3 max retries, got %d", cfg.Broker.MaxRetries)
	}
	if cfg.Broker.Backend != "auto" {
		t.Fatalf("expected auto backend, got %q", cfg.Broker.Backend)
	}
}

func TestLoadFromFileJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"broker":{"backend":"redis","redis_addr":"localhost:6379"},"daemon":{"num_agents":7}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Broker.Backend != "redis" || cfg.Broker.RedisAddr != "localhost:6379" {
		t.Fatalf("unexpected broker config: %+v", cfg.Broker)
	}
	if cfg.Daemon.NumAgents != 7 {
		t.Fatalf("expected 7 agents, got %d", cfg.Daemon.NumAgents)
	}
	// Unset fields keep their defaults.
	if cfg.Auction.Window != 2*time.Second {
		t.Fatalf("expected overlay to preserve defaults, got window=%v", cfg.Auction.Window)
	}
}

func TestLoadFromFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "daemon:\n  num_agents: 9\nagent:\n  max_load: 2\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Daemon.NumAgents != 9 {
		t.Fatalf("expected 9 agents, got %d", cfg.Daemon.NumAgents)
	}
	if cfg.Agent.MaxLoad != 2 {
		t.Fatalf("expected max_load 2, got %d", cfg.Agent.MaxLoad)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("AUCTION_BROKER_BACKEND", "redis")
	t.Setenv("AUCTION_MAX_RETRIES", "9")
	t.Setenv("AUCTION_NUM_AGENTS", "12")
	t.Setenv("AUCTION_TRACING_ENABLED", "true")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Broker.Backend != "redis" {
		t.Fatalf("expected backend override, got %q", cfg.Broker.Backend)
	}
	if cfg.Broker.MaxRetries != 9 {
		t.Fatalf("expected max retries override, got %d", cfg.Broker.MaxRetries)
	}
	if cfg.Daemon.NumAgents != 12 {
		t.Fatalf("expected num agents override, got %d", cfg.Daemon.NumAgents)
	}
	if !cfg.Observability.Tracing.Enabled {
		t.Fatal("expected tracing enabled override")
	}
}
