// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

package eventprocessor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/llmscope/internal/logging"
	"github.com/tomtom215/llmscope/internal/metrics"
)

// EventStore defines the interface for persisting usage events.
// Implementations include the DuckDB store and mock stores for testing.
type EventStore interface {
	// InsertUsageEvents inserts a batch of usage events in one transaction
	// and returns the events actually written. Replayed event IDs are
	// skipped, not errors, and excluded from the returned slice.
	InsertUsageEvents(ctx context.Context, events []*UsageEvent) ([]*UsageEvent, error)
}

// pendingEvent is one buffered event, optionally carrying a channel an
// AppendWait caller blocks on until the event's chunk commits.
type pendingEvent struct {
	event *UsageEvent
	done  chan error
}

// FlushHook is called with the newly written events of each committed
// chunk; replayed duplicates the store skipped are excluded so downstream
// rollups and broadcasts count every event exactly once. Errors inside
// the hook must not affect flush accounting.
type FlushHook func(events []*UsageEvent)

// AppenderStats holds runtime statistics for monitoring.
type AppenderStats struct {
	EventsReceived int64         // Total events received via Append
	EventsFlushed  int64         // Total events successfully written to store
	FlushCount     int64         // Number of flush operations
	ErrorCount     int64         // Number of failed flushes
	LastFlushTime  time.Time     // Time of last successful flush
	LastError      string        // Last error message
	BufferSize     int           // Current buffer size
	AvgFlushTime   time.Duration // Average flush duration
}

// Appender provides batch buffering and periodic flushing of usage events.
// It buffers incoming events and writes them to the store in batches,
// either when the batch size is reached or the flush interval elapses.
//
// Flush operations are serialized via flushMu so timer-based and
// batch-triggered flushes never interleave, keeping insert order stable.
// A batch commits as a unit or not at all: on a failed chunk, unflushed
// fire-and-forget events return to the buffer for retry, while events
// with a waiting producer surface the failure so the broker redelivers
// them instead.
type Appender struct {
	store  EventStore
	config AppenderConfig

	// Buffer management
	mu     sync.Mutex
	buffer []pendingEvent

	// Serializes flushes; only one flush runs at a time.
	flushMu sync.Mutex

	// Post-commit hook, set before Start
	onFlush FlushHook

	// State management
	closed   atomic.Bool
	started  atomic.Bool
	stopChan chan struct{}
	doneChan chan struct{}
	flushWg  sync.WaitGroup // Tracks in-flight async flushes for graceful shutdown

	// Metrics (atomic for thread-safe reads)
	eventsReceived atomic.Int64
	eventsFlushed  atomic.Int64
	flushCount     atomic.Int64
	errorCount     atomic.Int64
	lastFlushTime  atomic.Value // stores time.Time
	lastError      atomic.Value // stores string
	totalFlushTime atomic.Int64 // nanoseconds for averaging
}

// NewAppender creates a new Appender with the given store and configuration.
// Returns an error if the store is nil or configuration is invalid.
func NewAppender(store EventStore, cfg AppenderConfig) (*Appender, error) {
	if store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive")
	}
	if cfg.FlushInterval <= 0 {
		return nil, fmt.Errorf("flush interval must be positive")
	}

	a := &Appender{
		store:    store,
		config:   cfg,
		buffer:   make([]pendingEvent, 0, cfg.BatchSize),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}

	a.lastFlushTime.Store(time.Time{})
	a.lastError.Store("")

	return a, nil
}

// SetFlushHook registers a hook invoked with each committed chunk.
// Must be called before Start.
func (a *Appender) SetFlushHook(hook FlushHook) {
	a.onFlush = hook
}

// Start begins the periodic flush timer.
// Must be called to enable interval-based flushing.
// Safe to call multiple times (idempotent).
func (a *Appender) Start(ctx context.Context) error {
	if a.closed.Load() {
		return fmt.Errorf("appender is closed")
	}
	if a.started.Swap(true) {
		return nil // Already started
	}

	go a.flushLoop(ctx)
	return nil
}

// Append adds an event to the buffer without waiting for the commit.
// Returns an error if the appender is closed.
// If the buffer reaches batch size, an async flush is triggered.
func (a *Appender) Append(ctx context.Context, event *UsageEvent) error {
	_, err := a.enqueue(event, false)
	return err
}

// AppendWait adds an event to the buffer and blocks until the chunk
// containing it commits to the store. Consumers use it so a message is
// acked only once its event is durable; if the commit fails the store
// error is returned and the broker owns redelivery.
func (a *Appender) AppendWait(ctx context.Context, event *UsageEvent) error {
	done, err := a.enqueue(event, true)
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("waiting for batch commit: %w", ctx.Err())
	}
}

func (a *Appender) enqueue(event *UsageEvent, wait bool) (chan error, error) {
	if a.closed.Load() {
		return nil, fmt.Errorf("appender is closed")
	}

	var done chan error
	if wait {
		done = make(chan error, 1)
	}

	a.mu.Lock()
	a.buffer = append(a.buffer, pendingEvent{event: event, done: done})
	bufferSize := len(a.buffer)
	a.eventsReceived.Add(1)
	needsFlush := bufferSize >= a.config.BatchSize
	a.mu.Unlock()

	logging.Trace().
		Str("event_id", event.ID).
		Int("buffer_size", bufferSize).
		Int("batch_size", a.config.BatchSize).
		Msg("appender buffered event")

	if needsFlush {
		a.flushWg.Add(1)
		go func() {
			defer a.flushWg.Done()
			// Detached context: the caller's message context may be canceled
			// when the handler returns, but the flush must complete to
			// persist data.
			flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			a.doFlush(flushCtx)
		}()
	}

	return done, nil
}

// Flush manually flushes all buffered events.
// Blocks until the flush completes or errors.
// Also waits for any in-flight async flushes to complete first.
func (a *Appender) Flush(ctx context.Context) error {
	a.flushWg.Wait()
	return a.doFlushSync(ctx)
}

// Close stops the appender and flushes any pending events.
// Safe to call multiple times (idempotent).
func (a *Appender) Close() error {
	if a.closed.Swap(true) {
		return nil // Already closed
	}

	if a.started.Load() {
		close(a.stopChan)
		<-a.doneChan
	}

	a.flushWg.Wait()

	// Final flush of pending events
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.doFlushSync(ctx)
}

// Stats returns current runtime statistics.
func (a *Appender) Stats() AppenderStats {
	a.mu.Lock()
	bufferSize := len(a.buffer)
	a.mu.Unlock()

	var avgFlushTime time.Duration
	if count := a.flushCount.Load(); count > 0 {
		avgFlushTime = time.Duration(a.totalFlushTime.Load() / count)
	}

	var lastFlushTime time.Time
	if t, ok := a.lastFlushTime.Load().(time.Time); ok {
		lastFlushTime = t
	}
	var lastError string
	if e, ok := a.lastError.Load().(string); ok {
		lastError = e
	}

	return AppenderStats{
		EventsReceived: a.eventsReceived.Load(),
		EventsFlushed:  a.eventsFlushed.Load(),
		FlushCount:     a.flushCount.Load(),
		ErrorCount:     a.errorCount.Load(),
		LastFlushTime:  lastFlushTime,
		LastError:      lastError,
		BufferSize:     bufferSize,
		AvgFlushTime:   avgFlushTime,
	}
}

// flushLoop runs the periodic flush timer.
// The parent context only controls shutdown; each flush gets a fresh
// 30s context so a slow store never inherits a dying deadline.
func (a *Appender) flushLoop(ctx context.Context) {
	defer close(a.doneChan)

	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopChan:
			return
		case <-ticker.C:
			flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			a.doFlush(flushCtx)
			cancel()
		}
	}
}

// doFlush performs an async flush (non-blocking).
// Error is logged but not returned since this is async.
func (a *Appender) doFlush(ctx context.Context) {
	if err := a.doFlushSync(ctx); err != nil {
		a.lastError.Store(err.Error())
		logging.Debug().Err(err).Msg("appender async flush error")
	}
}

// doFlushSync performs a synchronous flush.
// Returns nil if buffer is empty or flush succeeds.
// On error, unflushed events are restored to the buffer for retry.
//
// Events flush in chunks of BatchSize so a large backlog never produces
// one oversized store transaction.
func (a *Appender) doFlushSync(ctx context.Context) error {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	if len(a.buffer) == 0 {
		a.mu.Unlock()
		return nil
	}

	// Take ownership of buffer
	pending := a.buffer
	a.buffer = make([]pendingEvent, 0, a.config.BatchSize)
	a.mu.Unlock()

	logging.Debug().
		Int("count", len(pending)).
		Int("batch_size", a.config.BatchSize).
		Msg("appender flushing events to store")

	totalFlushed := 0
	totalStart := time.Now()

	for start := 0; start < len(pending); start += a.config.BatchSize {
		end := start + a.config.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		chunk := pending[start:end]

		events := make([]*UsageEvent, len(chunk))
		for i, p := range chunk {
			events[i] = p.event
		}

		chunkStart := time.Now()
		inserted, err := a.store.InsertUsageEvents(ctx, events)
		chunkElapsed := time.Since(chunkStart)

		if err != nil {
			// Waiting producers get the error and their broker redelivers;
			// only fire-and-forget events return to the buffer for retry.
			restore := make([]pendingEvent, 0, len(pending)-start)
			for _, p := range pending[start:] {
				if p.done != nil {
					p.done <- err
				} else {
					restore = append(restore, p)
				}
			}
			logging.Debug().
				Int("start", start).
				Err(err).
				Int("restored", len(restore)).
				Msg("appender chunk insert failed, restoring unflushed events")
			a.mu.Lock()
			a.buffer = append(restore, a.buffer...)
			a.mu.Unlock()

			a.errorCount.Add(1)
			a.lastError.Store(err.Error())
			if totalFlushed > 0 {
				a.eventsFlushed.Add(int64(totalFlushed))
				a.flushCount.Add(1)
			}
			return fmt.Errorf("flush events (chunk %d-%d): %w", start, end, err)
		}

		totalFlushed += len(chunk)
		metrics.RecordBatchFlush(chunkElapsed, len(chunk))

		// A replayed duplicate is committed as far as its producer is
		// concerned, so its waiter is released like any other.
		for _, p := range chunk {
			if p.done != nil {
				p.done <- nil
			}
		}

		// Post-commit fan-out sees only newly written rows; best-effort,
		// never affects accounting
		if a.onFlush != nil && len(inserted) > 0 {
			a.onFlush(inserted)
		}
	}

	totalElapsed := time.Since(totalStart)
	logging.Debug().
		Int("count", totalFlushed).
		Dur("elapsed", totalElapsed).
		Msg("appender flushed all events")

	a.eventsFlushed.Add(int64(totalFlushed))
	a.flushCount.Add(1)
	a.totalFlushTime.Add(totalElapsed.Nanoseconds())
	a.lastFlushTime.Store(time.Now())
	a.lastError.Store("")

	return nil
}
