// Package config assembles the process-wide Config struct: nested,
// JSON-tagged sections with a DefaultConfig constructor, a file overlay
// (JSON or YAML, selected by extension), and an environment overlay.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BrokerConfig controls transport selection and the reliable-delivery
// protocol (spec.md §4.1/§6.1).
type BrokerConfig struct {
	// Backend is "auto", "memory", or "redis". "auto" probes RedisAddr
	// and falls back to memory if it is empty or unreachable.
	Backend        string        `json:"backend"`
	RedisAddr      string        `json:"redis_addr"`
	AckTimeout     time.Duration `json:"ack_timeout"`
	MaxRetries     int           `json:"max_retries"`
	RetransmitTick time.Duration `json:"retransmit_tick"`
	QueueBuffer    int           `json:"queue_buffer"`
}

// AuctionConfig controls auction timing, failure detection, and the
// Coordinator's bounded in-memory state (spec.md §4.3).
type AuctionConfig struct {
	Window              time.Duration `json:"window"`
	HeartbeatTimeout    time.Duration `json:"heartbeat_timeout"`
	FailureDetectorTick time.Duration `json:"failure_detector_tick"`
	RebroadcastDelayMin time.Duration `json:"rebroadcast_delay_min"`
	RebroadcastDelayMax time.Duration `json:"rebroadcast_delay_max"`
	ActivityLogSize     int           `json:"activity_log_size"`
	DedupSetMax         int           `json:"dedup_set_max"`
}

// AgentConfig controls per-agent defaults (spec.md §4.2).
type AgentConfig struct {
	MaxLoad           int           `json:"max_load"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	StreamInterval    time.Duration `json:"stream_interval"`
	TaskSliceInterval time.Duration `json:"task_slice_interval"`
	AutoRecoverDelay  time.Duration `json:"auto_recover_delay"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter"` // otlp-http (or otlp), stdout
	Endpoint    string  `json:"endpoint"`
	ServiceName string  `json:"service_name"`
	SampleRate  float64 `json:"sample_rate"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

// ObservabilityConfig groups all observability-related settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `json:"tracing"`
	Metrics MetricsConfig `json:"metrics"`
	Logging LoggingConfig `json:"logging"`
}

// DaemonConfig holds entrypoint-level settings.
type DaemonConfig struct {
	LogLevel  string `json:"log_level"`
	NumAgents int    `json:"num_agents"`
}

// Config is the central configuration struct embedding every component config.
type Config struct {
	Broker        BrokerConfig        `json:"broker"`
	Auction       AuctionConfig       `json:"auction"`
	Agent         AgentConfig         `json:"agent"`
	Observability ObservabilityConfig `json:"observability"`
	Daemon        DaemonConfig        `json:"daemon"`
}

// DefaultConfig returns a Config with the production defaults named
// throughout spec.md.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			Backend:        "auto",
			RedisAddr:      "",
			AckTimeout:     5 * time.Second,
			MaxRetries:     3,
			RetransmitTick: 1 * time.Second,
			QueueBuffer:    1024,
		},
		Auction: AuctionConfig{
			Window:              2 * time.Second,
			HeartbeatTimeout:    6 * time.Second,
			FailureDetectorTick: 1 * time.Second,
			RebroadcastDelayMin: 5 * time.Second,
			RebroadcastDelayMax: 10 * time.Second,
			ActivityLogSize:     100,
			DedupSetMax:         1000,
		},
		Agent: AgentConfig{
			MaxLoad:           5,
			HeartbeatInterval: 2 * time.Second,
			StreamInterval:    1 * time.Second,
			TaskSliceInterval: 100 * time.Millisecond,
			AutoRecoverDelay:  10 * time.Second,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "auctiond",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "auction",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
		},
		Daemon: DaemonConfig{
			LogLevel:  "info",
			NumAgents: 3,
		},
	}
}

// LoadFromFile overlays path's contents onto DefaultConfig. YAML is used
// for .yml/.yaml extensions, JSON otherwise.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		// yaml.v3 keys struct fields by lowercased field name, not by the
		// json tags, so decode generically and re-encode as JSON: both
		// formats then use the same snake_case keys.
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		if raw != nil {
			asJSON, err := json.Marshal(raw)
			if err != nil {
				return nil, err
			}
			if err := json.Unmarshal(asJSON, cfg); err != nil {
				return nil, err
			}
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadFromEnv applies AUCTION_-prefixed environment variable overrides.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("AUCTION_BROKER_BACKEND"); v != "" {
		cfg.Broker.Backend = v
	}
	if v := os.Getenv("AUCTION_REDIS_ADDR"); v != "" {
		cfg.Broker.RedisAddr = v
	}
	if v := os.Getenv("AUCTION_ACK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Broker.AckTimeout = d
		}
	}
	if v := os.Getenv("AUCTION_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Broker.MaxRetries = n
		}
	}
	if v := os.Getenv("AUCTION_RETRANSMIT_TICK"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Broker.RetransmitTick = d
		}
	}

	if v := os.Getenv("AUCTION_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Auction.Window = d
		}
	}
	if v := os.Getenv("AUCTION_HEARTBEAT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Auction.HeartbeatTimeout = d
		}
	}
	if v := os.Getenv("AUCTION_FAILURE_DETECTOR_TICK"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Auction.FailureDetectorTick = d
		}
	}
	if v := os.Getenv("AUCTION_REBROADCAST_DELAY_MIN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Auction.RebroadcastDelayMin = d
		}
	}
	if v := os.Getenv("AUCTION_REBROADCAST_DELAY_MAX"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Auction.RebroadcastDelayMax = d
		}
	}

	if v := os.Getenv("AUCTION_AGENT_MAX_LOAD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agent.MaxLoad = n
		}
	}
	if v := os.Getenv("AUCTION_AGENT_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Agent.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("AUCTION_AGENT_STREAM_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Agent.StreamInterval = d
		}
	}

	if v := os.Getenv("AUCTION_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("AUCTION_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("AUCTION_TRACING_EXPORTER"); v != "" {
		cfg.Observability.Tracing.Exporter = v
	}
	if v := os.Getenv("AUCTION_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Observability.Tracing.SampleRate = f
		}
	}
	if v := os.Getenv("AUCTION_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("AUCTION_METRICS_NAMESPACE"); v != "" {
		cfg.Observability.Metrics.Namespace = v
	}
	if v := os.Getenv("AUCTION_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("AUCTION_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("AUCTION_NUM_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Daemon.NumAgents = n
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
