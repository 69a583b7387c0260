package broker

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/auction/internal/logging"
)

// Select implements the backend-selection rule of spec.md §6.1. Backend
// forces the decision when set to "memory" or "redis"; any other value
// (including "auto" or unset) probes RedisAddr with a bounded PING and
// falls back to Memory on failure or absence. This mirrors the original
// Python ReliableBroker's Redis-vs-in-memory auto-detect and the
// teacher's probe-and-fall-back idiom in
// internal/backend.DetectDefaultBackend.
func Select(ctx context.Context, cfg Config) Broker {
	switch cfg.Backend {
	case "memory":
		logging.Op().Info("broker backend forced to memory by config")
		return NewMemory(cfg)
	case "redis":
		if cfg.RedisAddr == "" {
			logging.Op().Warn("broker backend forced to redis but no redis address configured, falling back to in-memory broker")
			return NewMemory(cfg)
		}
		logging.Op().Info("broker backend forced to redis by config", "addr", cfg.RedisAddr)
		return NewRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), cfg)
	}

	if cfg.RedisAddr == "" {
		logging.Op().Info("no redis address configured, using in-memory broker")
		return NewMemory(cfg)
	}

	probeCtx, cancel := context.WithTimeout(ctx, cfg.withDefaults().RedisProbeTimeout)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(probeCtx).Err(); err != nil {
		logging.Op().Warn("redis unavailable, falling back to in-memory broker", "addr", cfg.RedisAddr, "error", err)
		_ = client.Close()
		return NewMemory(cfg)
	}

	logging.Op().Info("redis reachable, using redis broker", "addr", cfg.RedisAddr)
	return NewRedis(client, cfg)
}
