// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

// Package aggregate maintains incremental usage rollups over the event
// stream. Events are folded into hour and day buckets keyed by
// (bucket_start, tenant, project, model); closed buckets are flushed to
// DuckDB so that usage queries never have to scan raw events.
package aggregate

import (
	"context"
	"fmt"
	"time"
)

// Granularity selects the rollup bucket width.
type Granularity string

const (
	GranularityHour Granularity = "hour"
	GranularityDay  Granularity = "day"
)

// Duration returns the bucket width.
func (g Granularity) Duration() time.Duration {
	if g == GranularityDay {
		return 24 * time.Hour
	}
	return time.Hour
}

// Truncate returns the UTC bucket start containing t.
func (g Granularity) Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(g.Duration())
}

// Valid reports whether g is a known granularity.
func (g Granularity) Valid() bool {
	return g == GranularityHour || g == GranularityDay
}

// Rollup is one aggregated bucket. All counters are commutative sums, so
// applying the same events in any order yields the same rollup. Latency
// percentiles come from a bounded reservoir sample and are computed at
// snapshot time.
type Rollup struct {
	Granularity Granularity `json:"granularity"`
	BucketStart time.Time   `json:"bucket_start"`
	TenantID    string      `json:"tenant_id,omitempty"`
	ProjectID   string      `json:"project_id,omitempty"`
	Model       string      `json:"model"`

	RequestCount     int64   `json:"request_count"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	ErrorCount       int64   `json:"error_count"`

	LatencySumMs int64 `json:"latency_sum_ms"`
	LatencyP50Ms int64 `json:"latency_p50_ms"`
	LatencyP95Ms int64 `json:"latency_p95_ms"`
	LatencyP99Ms int64 `json:"latency_p99_ms"`
}

// AvgLatencyMs returns the mean request latency for the bucket.
func (r *Rollup) AvgLatencyMs() float64 {
	if r.RequestCount == 0 {
		return 0
	}
	return float64(r.LatencySumMs) / float64(r.RequestCount)
}

// Query selects rollups by granularity, time range, and optional
// attribution filters. Zero-valued filters match everything.
type Query struct {
	Granularity Granularity
	Start       time.Time
	End         time.Time
	TenantID    string
	ProjectID   string
	Model       string
}

// Validate checks the query for a known granularity and a sane range.
func (q *Query) Validate() error {
	if !q.Granularity.Valid() {
		return fmt.Errorf("invalid granularity %q", q.Granularity)
	}
	if !q.End.IsZero() && !q.Start.IsZero() && q.End.Before(q.Start) {
		return fmt.Errorf("query end %v before start %v", q.End, q.Start)
	}
	return nil
}

// Matches reports whether a rollup satisfies the query filters.
func (q *Query) Matches(r *Rollup) bool {
	if r.Granularity != q.Granularity {
		return false
	}
	if !q.Start.IsZero() && r.BucketStart.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && !r.BucketStart.Before(q.End) {
		return false
	}
	if q.TenantID != "" && r.TenantID != q.TenantID {
		return false
	}
	if q.ProjectID != "" && r.ProjectID != q.ProjectID {
		return false
	}
	if q.Model != "" && r.Model != q.Model {
		return false
	}
	return true
}

// Store persists rollups and serves historical queries. The DuckDB layer
// implements this; the engine merges its live buckets on top of what the
// store returns.
type Store interface {
	UpsertRollups(ctx context.Context, rollups []*Rollup) error
	QueryRollups(ctx context.Context, q Query) ([]*Rollup, error)
}
