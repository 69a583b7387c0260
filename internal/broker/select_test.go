package broker

import (
	"context"
	"testing"
	"time"
)

func TestSelect_BackendMemoryForcesMemoryRegardlessOfRedisAddr(t *testing.T) {
	br := Select(context.Background(), Config{Backend: "memory", RedisAddr: "127.0.0.1:1", RedisProbeTimeout: 10 * time.Millisecond})
	if _, ok := br.(*Memory); !ok {
		t.Fatalf("expected *Memory, got %T", br)
	}
}

func TestSelect_BackendRedisWithoutAddrFallsBackToMemory(t *testing.T) {
	br := Select(context.Background(), Config{Backend: "redis"})
	if _, ok := br.(*Memory); !ok {
		t.Fatalf("expected *Memory fallback when redis backend forced without an address, got %T", br)
	}
}

func TestSelect_BackendRedisForcesRedisWithoutProbing(t *testing.T) {
	// Unreachable address: a probe-based selection would fall back to
	// Memory, but a forced "redis" backend skips the probe entirely.
	br := Select(context.Background(), Config{Backend: "redis", RedisAddr: "127.0.0.1:1"})
	if _, ok := br.(*Redis); !ok {
		t.Fatalf("expected *Redis when backend is forced, got %T", br)
	}
}

func TestSelect_AutoFallsBackToMemoryWhenRedisUnreachable(t *testing.T) {
	br := Select(context.Background(), Config{Backend: "auto", RedisAddr: "127.0.0.1:1", RedisProbeTimeout: 10 * time.Millisecond})
	if _, ok := br.(*Memory); !ok {
		t.Fatalf("expected *Memory fallback, got %T", br)
	}
}

func TestSelect_NoAddrUsesMemory(t *testing.T) {
	br := Select(context.Background(), Config{})
	if _, ok := br.(*Memory); !ok {
		t.Fatalf("expected *Memory, got %T", br)
	}
}
