// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

package database

import (
	"context"
	"fmt"
	"time"
)

// schemaContext returns a context with timeout for schema operations.
func schemaContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

// usage_events holds one row per LLM call. Prompt and response text is
// intentionally absent: only the pii_detected verdict survives scanning.
// The event ID primary key backs ON CONFLICT DO NOTHING deduplication
// for at-least-once delivery from JetStream.
//
// Three timestamps: ts is when the call happened, ingested_at when the
// intake API accepted the event, created_at when the row was written.
const createUsageEventsTable = `
CREATE TABLE IF NOT EXISTS usage_events (
	id VARCHAR PRIMARY KEY,
	schema_version INTEGER NOT NULL DEFAULT 1,
	ts TIMESTAMPTZ NOT NULL,

	model VARCHAR NOT NULL,
	provider VARCHAR NOT NULL,
	endpoint VARCHAR,

	tenant_id VARCHAR NOT NULL DEFAULT '',
	project_id VARCHAR NOT NULL DEFAULT '',
	user_id VARCHAR,
	session_id VARCHAR,

	prompt_tokens BIGINT NOT NULL,
	completion_tokens BIGINT NOT NULL,
	total_tokens BIGINT NOT NULL,

	latency_ms BIGINT NOT NULL,
	time_to_first_token_ms BIGINT,

	temperature DOUBLE,
	max_tokens INTEGER,
	top_p DOUBLE,

	status VARCHAR,
	error_message VARCHAR,
	has_error BOOLEAN NOT NULL DEFAULT FALSE,

	cost_usd DOUBLE NOT NULL DEFAULT 0,
	pii_detected BOOLEAN NOT NULL DEFAULT FALSE,

	ingested_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

// Rollup tables are keyed by (bucket_start, tenant, project, model).
// The aggregation engine owns live buckets and upserts complete rows,
// so a flush replaces rather than accumulates.
const rollupColumns = `
	bucket_start TIMESTAMPTZ NOT NULL,
	tenant_id VARCHAR NOT NULL DEFAULT '',
	project_id VARCHAR NOT NULL DEFAULT '',
	model VARCHAR NOT NULL,

	request_count BIGINT NOT NULL,
	prompt_tokens BIGINT NOT NULL,
	completion_tokens BIGINT NOT NULL,
	total_tokens BIGINT NOT NULL,
	cost_usd DOUBLE NOT NULL,
	error_count BIGINT NOT NULL,

	latency_sum_ms BIGINT NOT NULL,
	latency_p50_ms BIGINT NOT NULL,
	latency_p95_ms BIGINT NOT NULL,
	latency_p99_ms BIGINT NOT NULL,

	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (bucket_start, tenant_id, project_id, model)
`

// createTables creates all tables if they don't exist.
func (db *DB) createTables() error {
	ctx, cancel := schemaContext()
	defer cancel()

	statements := []string{
		createUsageEventsTable,
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS usage_rollup_hour (%s);", rollupColumns),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS usage_rollup_day (%s);", rollupColumns),
	}
	for _, stmt := range statements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	return nil
}

// createIndexes creates indexes for the query paths the API serves.
func (db *DB) createIndexes() error {
	ctx, cancel := schemaContext()
	defer cancel()

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_usage_events_ts ON usage_events (ts)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_tenant_ts ON usage_events (tenant_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_model_ts ON usage_events (model, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_rollup_hour_tenant ON usage_rollup_hour (tenant_id, bucket_start)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_rollup_day_tenant ON usage_rollup_day (tenant_id, bucket_start)`,
	}
	for _, idx := range indexes {
		if _, err := db.conn.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}
