// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

package eventprocessor

import (
	"context"
	"time"

	"github.com/tomtom215/llmscope/internal/logging"
	"github.com/tomtom215/llmscope/internal/metrics"
	"github.com/tomtom215/llmscope/internal/wal"
)

// WALPublisher wraps the NATS publisher with WAL durability.
// Events are persisted to the WAL before publishing, so no accepted event
// is lost to a broker outage, process crash, or power loss.
//
// The flow is:
//  1. Write event to WAL (durable)
//  2. Attempt NATS publish
//  3. On success: confirm the WAL entry
//  4. On failure: entry remains pending for the background RetryLoop
type WALPublisher struct {
	publisher *Publisher
	wal       *wal.WAL
}

// NewWALPublisher creates a WAL-backed event publisher.
func NewWALPublisher(publisher *Publisher, w *wal.WAL) (*WALPublisher, error) {
	if publisher == nil {
		return nil, ErrNilPublisher
	}
	if w == nil {
		return nil, &ValidationError{Field: "wal", Message: "required"}
	}
	return &WALPublisher{
		publisher: publisher,
		wal:       w,
	}, nil
}

// PublishEvent persists the event to the WAL and then publishes it.
// A publish failure is not an error for the caller: the entry stays
// pending and the RetryLoop republishes it.
func (p *WALPublisher) PublishEvent(ctx context.Context, event *UsageEvent) error {
	entryID, err := p.wal.Write(ctx, event)
	if err != nil {
		logging.Error().
			Str("event_id", event.ID).
			Err(err).
			Msg("WAL write failed for event")
		// Try NATS anyway, better to attempt than lose the event
		return p.publisher.PublishEvent(ctx, event)
	}

	if err := p.publisher.PublishEvent(ctx, event); err != nil {
		logging.Warn().
			Str("event_id", event.ID).
			Str("wal_entry_id", entryID).
			Err(err).
			Msg("NATS publish failed, entry will be retried")
		return nil
	}

	if err := p.wal.Confirm(ctx, entryID); err != nil {
		// Event was published; a confirm failure only delays cleanup
		logging.Warn().
			Str("wal_entry_id", entryID).
			Err(err).
			Msg("WAL confirm failed")
	}

	return nil
}

// WAL returns the underlying WAL for stats and background processing.
func (p *WALPublisher) WAL() *wal.WAL {
	return p.wal
}

// Publisher returns the underlying NATS publisher.
func (p *WALPublisher) Publisher() *Publisher {
	return p.publisher
}

// WALRetryLoop republishes pending WAL entries in the background.
// Entries are claimed before publishing so concurrent loops never
// double-publish; JetStream's duplicates window covers the rest.
type WALRetryLoop struct {
	publisher *WALPublisher
	interval  time.Duration
}

// NewWALRetryLoop creates a retry loop with the given scan interval.
func NewWALRetryLoop(publisher *WALPublisher, interval time.Duration) *WALRetryLoop {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &WALRetryLoop{
		publisher: publisher,
		interval:  interval,
	}
}

// Serve runs the retry loop until context cancellation.
// It satisfies suture.Service.
func (l *WALRetryLoop) Serve(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.replayPending(ctx)
		}
	}
}

// replayPending republishes every claimable pending entry.
func (l *WALRetryLoop) replayPending(ctx context.Context) {
	w := l.publisher.WAL()

	entries, err := w.GetPending(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("WAL pending scan failed")
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if !w.TryClaim(entry.ID) {
			continue
		}
		l.replayEntry(ctx, entry)
		w.Release(entry.ID)
	}
}

func (l *WALRetryLoop) replayEntry(ctx context.Context, entry *wal.Entry) {
	var event UsageEvent
	if err := entry.UnmarshalPayload(&event); err != nil {
		logging.Warn().
			Str("wal_entry_id", entry.ID).
			Err(err).
			Msg("WAL entry payload unreadable, dropping")
		if derr := l.publisher.WAL().DeleteEntry(ctx, entry.ID); derr != nil {
			logging.Warn().Str("wal_entry_id", entry.ID).Err(derr).Msg("WAL delete failed")
		}
		return
	}

	if err := l.publisher.Publisher().PublishEvent(ctx, &event); err != nil {
		if uerr := l.publisher.WAL().UpdateAttempt(ctx, entry.ID, err.Error()); uerr != nil {
			logging.Warn().Str("wal_entry_id", entry.ID).Err(uerr).Msg("WAL attempt update failed")
		}
		return
	}

	metrics.RecordWALReplay()
	if err := l.publisher.WAL().Confirm(ctx, entry.ID); err != nil {
		logging.Warn().Str("wal_entry_id", entry.ID).Err(err).Msg("WAL confirm failed after replay")
	}
}
