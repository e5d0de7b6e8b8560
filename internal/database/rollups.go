// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tomtom215/llmscope/internal/aggregate"
	"github.com/tomtom215/llmscope/internal/logging"
	"github.com/tomtom215/llmscope/internal/metrics"
)

func rollupTable(g aggregate.Granularity) (string, error) {
	switch g {
	case aggregate.GranularityHour:
		return "usage_rollup_hour", nil
	case aggregate.GranularityDay:
		return "usage_rollup_day", nil
	default:
		return "", fmt.Errorf("unknown rollup granularity %q", g)
	}
}

// UpsertRollups writes aggregated buckets, replacing any existing row
// for the same (bucket_start, tenant, project, model) key. The
// aggregation engine flushes complete bucket state, so replacement
// keeps repeated flushes idempotent. Satisfies aggregate.Store.
func (db *DB) UpsertRollups(ctx context.Context, rollups []*aggregate.Rollup) (err error) {
	if len(rollups) == 0 {
		return nil
	}

	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.RecordDBQuery("upsert", "usage_rollup", time.Since(start), err)
	}()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin rollup transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				logging.Warn().Err(rbErr).Msg("Failed to rollback rollup upsert")
			}
		}
	}()

	stmts := make(map[string]*sql.Stmt, 2)
	defer func() {
		for _, stmt := range stmts {
			closeQuietly(stmt)
		}
	}()

	now := time.Now().UTC()
	for _, r := range rollups {
		table, tErr := rollupTable(r.Granularity)
		if tErr != nil {
			err = tErr
			return err
		}

		stmt, ok := stmts[table]
		if !ok {
			query := fmt.Sprintf(`INSERT INTO %s (
				bucket_start, tenant_id, project_id, model,
				request_count, prompt_tokens, completion_tokens, total_tokens,
				cost_usd, error_count,
				latency_sum_ms, latency_p50_ms, latency_p95_ms, latency_p99_ms,
				updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (bucket_start, tenant_id, project_id, model) DO UPDATE SET
				request_count = excluded.request_count,
				prompt_tokens = excluded.prompt_tokens,
				completion_tokens = excluded.completion_tokens,
				total_tokens = excluded.total_tokens,
				cost_usd = excluded.cost_usd,
				error_count = excluded.error_count,
				latency_sum_ms = excluded.latency_sum_ms,
				latency_p50_ms = excluded.latency_p50_ms,
				latency_p95_ms = excluded.latency_p95_ms,
				latency_p99_ms = excluded.latency_p99_ms,
				updated_at = excluded.updated_at`, table)

			stmt, err = tx.PrepareContext(ctx, query)
			if err != nil {
				return fmt.Errorf("failed to prepare rollup upsert: %w", err)
			}
			stmts[table] = stmt
		}

		if _, err = stmt.ExecContext(ctx,
			r.BucketStart.UTC(), r.TenantID, r.ProjectID, r.Model,
			r.RequestCount, r.PromptTokens, r.CompletionTokens, r.TotalTokens,
			r.CostUSD, r.ErrorCount,
			r.LatencySumMs, r.LatencyP50Ms, r.LatencyP95Ms, r.LatencyP99Ms,
			now,
		); err != nil {
			err = fmt.Errorf("failed to upsert rollup %s/%s: %w", r.Granularity, r.Model, err)
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("failed to commit rollup upsert: %w", err)
		return err
	}
	return nil
}

// QueryRollups returns persisted rollups matching the query, ordered by
// bucket start ascending. Satisfies aggregate.Store.
func (db *DB) QueryRollups(ctx context.Context, q aggregate.Query) (out []*aggregate.Rollup, err error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	table, err := rollupTable(q.Granularity)
	if err != nil {
		return nil, err
	}

	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.RecordDBQuery("select", "usage_rollup", time.Since(start), err)
	}()

	query := fmt.Sprintf(`
	SELECT
		bucket_start, tenant_id, project_id, model,
		request_count, prompt_tokens, completion_tokens, total_tokens,
		cost_usd, error_count,
		latency_sum_ms, latency_p50_ms, latency_p95_ms, latency_p99_ms
	FROM %s
	WHERE 1=1`, table)

	var args []interface{}
	if !q.Start.IsZero() {
		query += " AND bucket_start >= ?"
		args = append(args, q.Start.UTC())
	}
	if !q.End.IsZero() {
		query += " AND bucket_start < ?"
		args = append(args, q.End.UTC())
	}
	if q.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, q.TenantID)
	}
	if q.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, q.ProjectID)
	}
	if q.Model != "" {
		query += " AND model = ?"
		args = append(args, q.Model)
	}
	query += " ORDER BY bucket_start, tenant_id, project_id, model"

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rollups: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r := &aggregate.Rollup{Granularity: q.Granularity}
		if err := rows.Scan(
			&r.BucketStart, &r.TenantID, &r.ProjectID, &r.Model,
			&r.RequestCount, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
			&r.CostUSD, &r.ErrorCount,
			&r.LatencySumMs, &r.LatencyP50Ms, &r.LatencyP95Ms, &r.LatencyP99Ms,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rollup: %w", err)
		}
		r.BucketStart = r.BucketStart.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
