// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

// Package config provides centralized configuration for all LLMScope
// components, loaded with Koanf v2 in three layers:
//
//  1. Defaults: built-in sensible defaults for every setting
//  2. Config File: optional YAML file (config.yaml) for persistent settings
//  3. Environment Variables: override any setting
//
// Config is immutable after Load() and safe for concurrent read access.
package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	NATS      NATSConfig      `koanf:"nats"`
	WAL       WALConfig       `koanf:"wal"`
	Worker    WorkerConfig    `koanf:"worker"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Aggregate AggregateConfig `koanf:"aggregate"`
	Pricing   PricingConfig   `koanf:"pricing"`
	Detection DetectionConfig `koanf:"detection"`
	WebSocket WebSocketConfig `koanf:"websocket"`
	API       APIConfig       `koanf:"api"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Port is the HTTP listen port.
	Port int `koanf:"port"`
	// Host is the HTTP listen address.
	Host string `koanf:"host"`
	// Timeout applies to reads, writes, and graceful shutdown.
	Timeout time.Duration `koanf:"timeout"`
	// Environment is "development" or "production". Production enables
	// HSTS and stricter validation.
	Environment string `koanf:"environment"`
	// CORSOrigins lists allowed CORS origins. "*" allows all.
	CORSOrigins []string `koanf:"cors_origins"`
}

// DatabaseConfig holds DuckDB settings.
type DatabaseConfig struct {
	// Path is the DuckDB database file. ":memory:" for in-memory.
	Path string `koanf:"path"`
	// MaxMemory caps DuckDB memory usage (e.g. "2GB").
	MaxMemory string `koanf:"max_memory"`
	// Threads is the DuckDB thread count. 0 = runtime.NumCPU().
	Threads int `koanf:"threads"`
}

// NATSConfig holds NATS JetStream queue settings.
type NATSConfig struct {
	// Enabled turns the durable queue pipeline on. When disabled the
	// ingest API stores events synchronously (degraded mode for tests).
	Enabled bool `koanf:"enabled"`
	// URL is the NATS server address.
	URL string `koanf:"url"`
	// EmbeddedServer runs an in-process nats-server with JetStream.
	EmbeddedServer bool `koanf:"embedded_server"`
	// StoreDir is the JetStream file storage directory.
	StoreDir string `koanf:"store_dir"`
	// MaxMemory and MaxStore bound embedded JetStream resources.
	MaxMemory int64 `koanf:"max_memory"`
	MaxStore  int64 `koanf:"max_store"`
	// StreamRetentionDays bounds stream age.
	StreamRetentionDays int `koanf:"stream_retention_days"`
	// DuplicatesWindow is the JetStream Nats-Msg-Id dedup window.
	DuplicatesWindow time.Duration `koanf:"duplicates_window"`
	// SubscribersCount is the number of parallel queue consumers.
	SubscribersCount int `koanf:"subscribers_count"`
	// DurableName is the durable consumer name prefix.
	DurableName string `koanf:"durable_name"`
	// QueueGroup distributes messages across consumers.
	QueueGroup string `koanf:"queue_group"`
	// AckWait is the visibility timeout: an unacked message is
	// redelivered after this interval.
	AckWait time.Duration `koanf:"ack_wait"`
	// MaxDeliver caps broker-side redelivery attempts.
	MaxDeliver int `koanf:"max_deliver"`
	// Router middleware settings (Watermill Router).
	RouterRetryCount           int           `koanf:"router_retry_count"`
	RouterRetryInitialInterval time.Duration `koanf:"router_retry_initial_interval"`
	RouterPoisonQueueEnabled   bool          `koanf:"router_poison_queue_enabled"`
	RouterPoisonQueueTopic     string        `koanf:"router_poison_queue_topic"`
	RouterCloseTimeout         time.Duration `koanf:"router_close_timeout"`
}

// WALConfig holds the badger intake write-ahead log settings.
type WALConfig struct {
	// Enabled turns the crash-safe intake WAL on.
	Enabled bool `koanf:"enabled"`
	// Dir is the badger data directory.
	Dir string `koanf:"dir"`
	// EntryTTL bounds how long confirmed entries are retained.
	EntryTTL time.Duration `koanf:"entry_ttl"`
	// RetryInterval is how often pending entries are republished.
	RetryInterval time.Duration `koanf:"retry_interval"`
	// GCInterval is how often badger value log GC runs.
	GCInterval time.Duration `koanf:"gc_interval"`
}

// WorkerConfig holds batch worker settings.
type WorkerConfig struct {
	// BatchSize is the max events per storage transaction.
	BatchSize int `koanf:"batch_size"`
	// FlushInterval flushes partial batches on a timer.
	FlushInterval time.Duration `koanf:"flush_interval"`
	// MaxRetries caps per-event processing retries. An event that has
	// failed MaxRetries+1 attempts moves to the dead letter queue.
	MaxRetries int `koanf:"max_retries"`
	// InitialBackoff, BackoffMultiplier, MaxBackoff, and JitterFraction
	// shape the retry backoff curve (initial * multiplier^attempt).
	InitialBackoff    time.Duration `koanf:"initial_backoff"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier"`
	MaxBackoff        time.Duration `koanf:"max_backoff"`
	JitterFraction    float64       `koanf:"jitter_fraction"`
	// DLQMaxEntries bounds the in-process dead letter queue.
	DLQMaxEntries int `koanf:"dlq_max_entries"`
	// DLQRetryInterval is the auto-retry worker cadence.
	DLQRetryInterval time.Duration `koanf:"dlq_retry_interval"`
	// MaxConcurrentRetries bounds parallel DLQ retries.
	MaxConcurrentRetries int `koanf:"max_concurrent_retries"`
}

// RateLimitConfig holds token bucket rate limiter settings.
type RateLimitConfig struct {
	// Enabled turns per-key rate limiting on.
	Enabled bool `koanf:"enabled"`
	// RequestsPerSecond is the default refill rate per caller key.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	// Burst is the default bucket capacity per caller key.
	Burst int `koanf:"burst"`
	// IdleTTL evicts buckets not seen for this long.
	IdleTTL time.Duration `koanf:"idle_ttl"`
	// CleanupInterval is the stale bucket sweep cadence.
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	// IPRequestLimit and IPWindowLength drive the outer HTTP-level
	// per-IP limiter (go-chi/httprate).
	IPRequestLimit int           `koanf:"ip_request_limit"`
	IPWindowLength time.Duration `koanf:"ip_window_length"`
}

// AggregateConfig holds rollup engine settings.
type AggregateConfig struct {
	// FlushInterval is how often in-memory buckets are persisted.
	FlushInterval time.Duration `koanf:"flush_interval"`
	// ReservoirSize is the per-bucket latency sample size used for
	// approximate percentiles.
	ReservoirSize int `koanf:"reservoir_size"`
	// Shards is the number of independent bucket maps.
	Shards int `koanf:"shards"`
}

// PricingConfig holds model price table settings.
type PricingConfig struct {
	// TablePath points to an optional YAML price table overriding the
	// built-in defaults. Empty uses defaults only.
	TablePath string `koanf:"table_path"`
}

// DetectionConfig holds content safety scan settings.
type DetectionConfig struct {
	// Enabled turns PII and prompt-injection scanning on.
	Enabled bool `koanf:"enabled"`
}

// WebSocketConfig holds live fan-out settings.
type WebSocketConfig struct {
	// Enabled turns the /ws broadcast hub on.
	Enabled bool `koanf:"enabled"`
}

// APIConfig holds query API settings.
type APIConfig struct {
	// DefaultLimit and MaxLimit bound recent-events page sizes.
	DefaultLimit int `koanf:"default_limit"`
	MaxLimit     int `koanf:"max_limit"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.Environment != "development" && c.Server.Environment != "production" {
		return fmt.Errorf("server.environment must be development or production, got %q", c.Server.Environment)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Worker.BatchSize < 1 {
		return fmt.Errorf("worker.batch_size must be positive, got %d", c.Worker.BatchSize)
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries must be non-negative, got %d", c.Worker.MaxRetries)
	}
	if c.Worker.BackoffMultiplier < 1 {
		return fmt.Errorf("worker.backoff_multiplier must be >= 1, got %g", c.Worker.BackoffMultiplier)
	}
	if c.Worker.JitterFraction < 0 || c.Worker.JitterFraction > 1 {
		return fmt.Errorf("worker.jitter_fraction must be in [0,1], got %g", c.Worker.JitterFraction)
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limit.requests_per_second must be positive, got %g", c.RateLimit.RequestsPerSecond)
		}
		if c.RateLimit.Burst < 1 {
			return fmt.Errorf("rate_limit.burst must be positive, got %d", c.RateLimit.Burst)
		}
	}
	if c.Aggregate.ReservoirSize < 1 {
		return fmt.Errorf("aggregate.reservoir_size must be positive, got %d", c.Aggregate.ReservoirSize)
	}
	if c.Aggregate.Shards < 1 {
		return fmt.Errorf("aggregate.shards must be positive, got %d", c.Aggregate.Shards)
	}
	if c.NATS.Enabled {
		if c.NATS.SubscribersCount < 1 {
			return fmt.Errorf("nats.subscribers_count must be positive, got %d", c.NATS.SubscribersCount)
		}
		if c.NATS.AckWait <= 0 {
			return fmt.Errorf("nats.ack_wait must be positive, got %v", c.NATS.AckWait)
		}
		if c.NATS.MaxDeliver < 1 {
			return fmt.Errorf("nats.max_deliver must be positive, got %d", c.NATS.MaxDeliver)
		}
	}
	if c.API.DefaultLimit < 1 || c.API.MaxLimit < c.API.DefaultLimit {
		return fmt.Errorf("api limits invalid: default %d, max %d", c.API.DefaultLimit, c.API.MaxLimit)
	}
	return nil
}
