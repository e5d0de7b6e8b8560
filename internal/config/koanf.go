// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/llmscope/config.yaml",
	"/etc/llmscope/config.yml",
}

// ConfigPathEnvVar is the environment variable that overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config struct with all default values.
// These defaults are applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			Host:        "0.0.0.0",
			Timeout:     30 * time.Second,
			Environment: "development",
			CORSOrigins: []string{"*"},
		},
		Database: DatabaseConfig{
			Path:      "/data/llmscope.duckdb",
			MaxMemory: "2GB",
			Threads:   0, // 0 = use runtime.NumCPU()
		},
		NATS: NATSConfig{
			Enabled:                    true,
			URL:                        "nats://127.0.0.1:4222",
			EmbeddedServer:             true,
			StoreDir:                   "/data/nats/jetstream",
			MaxMemory:                  1 << 30,  // 1GB
			MaxStore:                   10 << 30, // 10GB
			StreamRetentionDays:        7,
			DuplicatesWindow:           2 * time.Minute,
			SubscribersCount:           4,
			DurableName:                "usage-processor",
			QueueGroup:                 "workers",
			AckWait:                    30 * time.Second,
			MaxDeliver:                 5,
			RouterRetryCount:           3,
			RouterRetryInitialInterval: 100 * time.Millisecond,
			RouterPoisonQueueEnabled:   true,
			RouterPoisonQueueTopic:     "usage.poison",
			RouterCloseTimeout:         30 * time.Second,
		},
		WAL: WALConfig{
			Enabled:       true,
			Dir:           "/data/wal",
			EntryTTL:      24 * time.Hour,
			RetryInterval: 10 * time.Second,
			GCInterval:    5 * time.Minute,
		},
		Worker: WorkerConfig{
			BatchSize:            100,
			FlushInterval:        time.Second,
			MaxRetries:           3,
			InitialBackoff:       time.Second,
			BackoffMultiplier:    2.0,
			MaxBackoff:           time.Minute,
			JitterFraction:       0.1,
			DLQMaxEntries:        10000,
			DLQRetryInterval:     30 * time.Second,
			MaxConcurrentRetries: 5,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 100,
			Burst:             200,
			IdleTTL:           10 * time.Minute,
			CleanupInterval:   time.Minute,
			IPRequestLimit:    1000,
			IPWindowLength:    time.Minute,
		},
		Aggregate: AggregateConfig{
			FlushInterval: 30 * time.Second,
			ReservoirSize: 512,
			Shards:        16,
		},
		Pricing: PricingConfig{
			TablePath: "",
		},
		Detection: DetectionConfig{
			Enabled: true,
		},
		WebSocket: WebSocketConfig{
			Enabled: true,
		},
		API: APIConfig{
			DefaultLimit: 50,
			MaxLimit:     500,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load loads configuration using Koanf v2 with layered sources:
//  1. Defaults: built-in defaults
//  2. Config File: optional YAML config file (if exists)
//  3. Environment Variables: override any setting
//
// Precedence: ENV > File > Defaults.
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults from struct
	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: config file (optional)
	configPath := findConfigFile()
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: environment variables (highest priority)
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Post-process slice fields from comma-separated strings
	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the path to the first file found, or empty string if none found.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// sliceConfigPaths defines which config paths are parsed as comma-separated slices.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

// processSliceFields converts comma-separated string values to slices for
// known slice fields. Env vars come in as strings, the config expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		// Already a slice (from YAML file)
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		if strVal, ok := val.(string); ok {
			if strVal == "" {
				continue
			}
			parts := strings.Split(strVal, ",")
			trimmed := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					trimmed = append(trimmed, p)
				}
			}
			if len(trimmed) > 0 {
				if err := k.Set(path, trimmed); err != nil {
					return fmt.Errorf("failed to set %s: %w", path, err)
				}
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unmapped keys return empty string and are skipped, so random environment
// variables never pollute the config.
//
// Examples:
//   - HTTP_PORT -> server.port
//   - DUCKDB_PATH -> database.path
//   - WORKER_BATCH_SIZE -> worker.batch_size
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Server mappings
		"http_port":    "server.port",
		"http_host":    "server.host",
		"http_timeout": "server.timeout",
		"environment":  "server.environment",
		"cors_origins": "server.cors_origins",

		// Database mappings
		"duckdb_path":       "database.path",
		"duckdb_max_memory": "database.max_memory",
		"duckdb_threads":    "database.threads",

		// NATS mappings
		"nats_enabled":               "nats.enabled",
		"nats_url":                   "nats.url",
		"nats_embedded":              "nats.embedded_server",
		"nats_store_dir":             "nats.store_dir",
		"nats_max_memory":            "nats.max_memory",
		"nats_max_store":             "nats.max_store",
		"nats_retention_days":        "nats.stream_retention_days",
		"nats_duplicates_window":     "nats.duplicates_window",
		"nats_subscribers":           "nats.subscribers_count",
		"nats_durable_name":          "nats.durable_name",
		"nats_queue_group":           "nats.queue_group",
		"nats_ack_wait":              "nats.ack_wait",
		"nats_max_deliver":           "nats.max_deliver",
		"nats_router_retry_count":    "nats.router_retry_count",
		"nats_router_retry_interval": "nats.router_retry_initial_interval",
		"nats_router_poison_enabled": "nats.router_poison_queue_enabled",
		"nats_router_poison_topic":   "nats.router_poison_queue_topic",
		"nats_router_close_timeout":  "nats.router_close_timeout",

		// WAL mappings
		"wal_enabled":        "wal.enabled",
		"wal_dir":            "wal.dir",
		"wal_entry_ttl":      "wal.entry_ttl",
		"wal_retry_interval": "wal.retry_interval",
		"wal_gc_interval":    "wal.gc_interval",

		// Worker mappings
		"worker_batch_size":         "worker.batch_size",
		"worker_flush_interval":     "worker.flush_interval",
		"worker_max_retries":        "worker.max_retries",
		"worker_initial_backoff":    "worker.initial_backoff",
		"worker_backoff_multiplier": "worker.backoff_multiplier",
		"worker_max_backoff":        "worker.max_backoff",
		"worker_jitter_fraction":    "worker.jitter_fraction",
		"dlq_max_entries":           "worker.dlq_max_entries",
		"dlq_retry_interval":        "worker.dlq_retry_interval",
		"dlq_max_concurrent":        "worker.max_concurrent_retries",

		// Rate limit mappings
		"rate_limit_enabled":     "rate_limit.enabled",
		"rate_limit_rps":         "rate_limit.requests_per_second",
		"rate_limit_burst":       "rate_limit.burst",
		"rate_limit_idle_ttl":    "rate_limit.idle_ttl",
		"rate_limit_cleanup":     "rate_limit.cleanup_interval",
		"rate_limit_ip_requests": "rate_limit.ip_request_limit",
		"rate_limit_ip_window":   "rate_limit.ip_window_length",

		// Aggregation mappings
		"aggregate_flush_interval": "aggregate.flush_interval",
		"aggregate_reservoir_size": "aggregate.reservoir_size",
		"aggregate_shards":         "aggregate.shards",

		// Pricing mappings
		"pricing_table_path": "pricing.table_path",

		// Detection mappings
		"detection_enabled": "detection.enabled",

		// WebSocket mappings
		"websocket_enabled": "websocket.enabled",

		// API mappings
		"api_default_limit": "api.default_limit",
		"api_max_limit":     "api.max_limit",

		// Logging mappings
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	// Skip unmapped keys
	return ""
}
