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

	"github.com/tomtom215/llmscope/internal/eventprocessor"
	"github.com/tomtom215/llmscope/internal/logging"
	"github.com/tomtom215/llmscope/internal/metrics"
)

const insertUsageEventQuery = `INSERT INTO usage_events (
	id, schema_version, ts,
	model, provider, endpoint,
	tenant_id, project_id, user_id, session_id,
	prompt_tokens, completion_tokens, total_tokens,
	latency_ms, time_to_first_token_ms,
	temperature, max_tokens, top_p,
	status, error_message, has_error,
	cost_usd, pii_detected,
	ingested_at, created_at
) VALUES (
	?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
	?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
	?, ?, ?, ?, ?
) ON CONFLICT DO NOTHING`

// InsertUsageEvents atomically persists a batch of events and returns
// the events actually written, excluding replayed duplicates. It
// satisfies the batch appender's store interface. Failures are reported
// as retryable storage errors so the pipeline redelivers instead of
// routing events to the DLQ.
func (db *DB) InsertUsageEvents(ctx context.Context, events []*eventprocessor.UsageEvent) ([]*eventprocessor.UsageEvent, error) {
	inserted, duplicates, err := db.InsertUsageEventsBatch(ctx, events)
	if err != nil {
		return nil, eventprocessor.NewRetryableError("database insert failed", err)
	}
	if duplicates > 0 {
		metrics.RecordBatchDuplicates(duplicates)
		logging.Debug().
			Int("inserted", len(inserted)).
			Int("duplicates", duplicates).
			Msg("Skipped duplicate events in batch")
	}
	return inserted, nil
}

// InsertUsageEventsBatch inserts events inside a single transaction.
//
// Returns:
//   - inserted: the events written
//   - duplicates: events skipped by the id unique constraint
//   - err: transaction failure (all events rolled back)
//
// Duplicates are expected under at-least-once delivery: a redelivered
// batch hits ON CONFLICT DO NOTHING and the whole operation stays
// idempotent.
func (db *DB) InsertUsageEventsBatch(ctx context.Context, events []*eventprocessor.UsageEvent) (inserted []*eventprocessor.UsageEvent, duplicates int, err error) {
	if len(events) == 0 {
		return nil, 0, nil
	}

	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.RecordDBQuery("insert", "usage_events", time.Since(start), err)
	}()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				logging.Warn().Err(rbErr).Msg("Failed to rollback batch insert")
			}
		}
	}()

	stmt, err := tx.PrepareContext(ctx, insertUsageEventQuery)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer closeQuietly(stmt)

	now := time.Now().UTC()
	for _, event := range events {
		if event == nil {
			continue
		}

		ingestedAt := event.IngestedAt.UTC()
		if event.IngestedAt.IsZero() {
			ingestedAt = now
		}

		result, execErr := stmt.ExecContext(ctx,
			event.ID, event.GetSchemaVersion(), event.Timestamp.UTC(),
			event.Model, event.Provider, nullString(event.Endpoint),
			event.TenantID, event.ProjectID, nullString(event.UserID), nullString(event.SessionID),
			event.PromptTokens, event.CompletionTokens, event.TotalTokens,
			event.LatencyMs, nullInt64(event.TimeToFirstTokenMs),
			nullFloat64(event.Temperature), nullInt64(int64(event.MaxTokens)), nullFloat64(event.TopP),
			nullString(event.Status), nullString(event.ErrorMessage), event.HasError,
			event.CostUSD, event.PIIDetected,
			ingestedAt, now,
		)
		if execErr != nil {
			err = fmt.Errorf("failed to insert event %s: %w", event.ID, execErr)
			return nil, 0, err
		}

		rowsAffected, raErr := result.RowsAffected()
		if raErr == nil && rowsAffected == 0 {
			duplicates++
		} else {
			inserted = append(inserted, event)
		}
	}

	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("failed to commit batch insert: %w", err)
		return nil, 0, err
	}
	return inserted, duplicates, nil
}

// RecentEventsFilter narrows the recent-events listing.
type RecentEventsFilter struct {
	TenantID  string
	ProjectID string
	Model     string
	Provider  string
	Since     time.Time
	Limit     int
}

const maxRecentEventsLimit = 1000

// RecentEvents returns the newest persisted events matching the filter,
// ordered by timestamp descending.
func (db *DB) RecentEvents(ctx context.Context, filter RecentEventsFilter) (out []*eventprocessor.UsageEvent, err error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.RecordDBQuery("select", "usage_events", time.Since(start), err)
	}()

	query := `
	SELECT
		id, schema_version, ts,
		model, provider, endpoint,
		tenant_id, project_id, user_id, session_id,
		prompt_tokens, completion_tokens, total_tokens,
		latency_ms, time_to_first_token_ms,
		temperature, max_tokens, top_p,
		status, error_message, has_error,
		cost_usd, pii_detected, ingested_at
	FROM usage_events
	WHERE 1=1`

	var args []interface{}
	if filter.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, filter.TenantID)
	}
	if filter.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, filter.ProjectID)
	}
	if filter.Model != "" {
		query += " AND model = ?"
		args = append(args, filter.Model)
	}
	if filter.Provider != "" {
		query += " AND provider = ?"
		args = append(args, filter.Provider)
	}
	if !filter.Since.IsZero() {
		query += " AND ts >= ?"
		args = append(args, filter.Since.UTC())
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > maxRecentEventsLimit {
		limit = maxRecentEventsLimit
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		event, scanErr := scanUsageEvent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// CountUsageEvents returns the total number of persisted events.
func (db *DB) CountUsageEvents(ctx context.Context) (int64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var count int64
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_events`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count usage events: %w", err)
	}
	return count, nil
}

func scanUsageEvent(rows *sql.Rows) (*eventprocessor.UsageEvent, error) {
	var (
		event        eventprocessor.UsageEvent
		endpoint     sql.NullString
		userID       sql.NullString
		sessionID    sql.NullString
		ttft         sql.NullInt64
		temperature  sql.NullFloat64
		maxTokens    sql.NullInt64
		topP         sql.NullFloat64
		status       sql.NullString
		errorMessage sql.NullString
	)

	err := rows.Scan(
		&event.ID, &event.SchemaVersion, &event.Timestamp,
		&event.Model, &event.Provider, &endpoint,
		&event.TenantID, &event.ProjectID, &userID, &sessionID,
		&event.PromptTokens, &event.CompletionTokens, &event.TotalTokens,
		&event.LatencyMs, &ttft,
		&temperature, &maxTokens, &topP,
		&status, &errorMessage, &event.HasError,
		&event.CostUSD, &event.PIIDetected, &event.IngestedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan usage event: %w", err)
	}

	event.Timestamp = event.Timestamp.UTC()
	event.IngestedAt = event.IngestedAt.UTC()
	event.Endpoint = endpoint.String
	event.UserID = userID.String
	event.SessionID = sessionID.String
	event.TimeToFirstTokenMs = ttft.Int64
	event.Temperature = temperature.Float64
	event.MaxTokens = int(maxTokens.Int64)
	event.TopP = topP.Float64
	event.Status = status.String
	event.ErrorMessage = errorMessage.String
	return &event, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nullFloat64(v float64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}
