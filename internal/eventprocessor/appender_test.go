// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

package eventprocessor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// mockStore is a thread-safe EventStore for testing. Like the DuckDB
// store, a replayed event ID is skipped and excluded from the returned
// slice rather than treated as an error.
type mockStore struct {
	mu       sync.Mutex
	inserted [][]*UsageEvent
	seen     map[string]bool
	failNext int // fail this many upcoming inserts
}

func (s *mockStore) InsertUsageEvents(_ context.Context, events []*UsageEvent) ([]*UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		return nil, NewRetryableError("database unavailable", nil)
	}

	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	fresh := make([]*UsageEvent, 0, len(events))
	for _, e := range events {
		if s.seen[e.ID] {
			continue
		}
		s.seen[e.ID] = true
		fresh = append(fresh, e)
	}
	s.inserted = append(s.inserted, fresh)
	return fresh, nil
}

func (s *mockStore) totalInserted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, batch := range s.inserted {
		n += len(batch)
	}
	return n
}

func (s *mockStore) setFailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

func newTestAppender(t *testing.T, store EventStore, batchSize int) *Appender {
	t.Helper()
	a, err := NewAppender(store, AppenderConfig{
		BatchSize:     batchSize,
		FlushInterval: time.Hour, // manual flushes only
	})
	if err != nil {
		t.Fatalf("NewAppender failed: %v", err)
	}
	return a
}

func makeEvents(n int) []*UsageEvent {
	events := make([]*UsageEvent, n)
	for i := range events {
		e := validEvent()
		e.ID = fmt.Sprintf("evt-%d", i)
		events[i] = e
	}
	return events
}

func TestAppenderValidation(t *testing.T) {
	if _, err := NewAppender(nil, DefaultAppenderConfig()); err == nil {
		t.Error("nil store should be rejected")
	}
	if _, err := NewAppender(&mockStore{}, AppenderConfig{BatchSize: 0, FlushInterval: time.Second}); err == nil {
		t.Error("zero batch size should be rejected")
	}
	if _, err := NewAppender(&mockStore{}, AppenderConfig{BatchSize: 10, FlushInterval: 0}); err == nil {
		t.Error("zero flush interval should be rejected")
	}
}

func TestAppenderManualFlush(t *testing.T) {
	store := &mockStore{}
	a := newTestAppender(t, store, 100)
	ctx := context.Background()

	for _, e := range makeEvents(5) {
		if err := a.Append(ctx, e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	if err := a.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if store.totalInserted() != 5 {
		t.Errorf("inserted = %d, want 5", store.totalInserted())
	}

	stats := a.Stats()
	if stats.EventsFlushed != 5 {
		t.Errorf("events flushed = %d, want 5", stats.EventsFlushed)
	}
	if stats.BufferSize != 0 {
		t.Errorf("buffer size = %d, want 0", stats.BufferSize)
	}
}

func TestAppenderFlushOnBatchSize(t *testing.T) {
	store := &mockStore{}
	a := newTestAppender(t, store, 3)
	ctx := context.Background()

	for _, e := range makeEvents(3) {
		if err := a.Append(ctx, e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	// The batch-triggered flush is async
	deadline := time.Now().Add(2 * time.Second)
	for store.totalInserted() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if store.totalInserted() != 3 {
		t.Errorf("inserted = %d, want 3 after batch flush", store.totalInserted())
	}
}

func TestAppenderFlushFailureRestoresBuffer(t *testing.T) {
	store := &mockStore{}
	a := newTestAppender(t, store, 100)
	ctx := context.Background()

	for _, e := range makeEvents(4) {
		if err := a.Append(ctx, e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	store.setFailNext(1)
	if err := a.Flush(ctx); err == nil {
		t.Fatal("Flush should propagate store error")
	}

	// Nothing committed, all events retained as a unit
	if store.totalInserted() != 0 {
		t.Errorf("inserted = %d, want 0 after failed flush", store.totalInserted())
	}
	if got := a.Stats().BufferSize; got != 4 {
		t.Errorf("buffer size = %d, want 4 after restore", got)
	}

	// Store recovers, retry succeeds with the same events
	if err := a.Flush(ctx); err != nil {
		t.Fatalf("retry Flush failed: %v", err)
	}
	if store.totalInserted() != 4 {
		t.Errorf("inserted = %d, want 4 after retry", store.totalInserted())
	}
}

func TestAppenderChunkFailureRestoresUnflushed(t *testing.T) {
	store := &mockStore{}
	a := newTestAppender(t, store, 2)
	ctx := context.Background()

	// 6 events = 3 chunks of 2; fail the second chunk
	a.mu.Lock()
	for _, e := range makeEvents(6) {
		a.buffer = append(a.buffer, pendingEvent{event: e})
	}
	a.mu.Unlock()

	store.mu.Lock()
	store.failNext = 0
	store.mu.Unlock()

	// First chunk succeeds, then fail once
	insertCount := 0
	failing := &hookStore{inner: store, beforeInsert: func() error {
		insertCount++
		if insertCount == 2 {
			return NewRetryableError("database unavailable", nil)
		}
		return nil
	}}
	a.store = failing

	if err := a.doFlushSync(ctx); err == nil {
		t.Fatal("expected chunk failure")
	}

	// First chunk committed, remaining 4 restored
	if store.totalInserted() != 2 {
		t.Errorf("inserted = %d, want 2", store.totalInserted())
	}
	if got := a.Stats().BufferSize; got != 4 {
		t.Errorf("buffer size = %d, want 4", got)
	}
}

// hookStore wraps a store with a pre-insert hook.
type hookStore struct {
	inner        EventStore
	beforeInsert func() error
}

func (s *hookStore) InsertUsageEvents(ctx context.Context, events []*UsageEvent) ([]*UsageEvent, error) {
	if err := s.beforeInsert(); err != nil {
		return nil, err
	}
	return s.inner.InsertUsageEvents(ctx, events)
}

func TestAppenderFlushHookRunsPostCommit(t *testing.T) {
	store := &mockStore{}
	a := newTestAppender(t, store, 100)
	ctx := context.Background()

	var mu sync.Mutex
	var broadcast []*UsageEvent
	a.SetFlushHook(func(events []*UsageEvent) {
		mu.Lock()
		broadcast = append(broadcast, events...)
		mu.Unlock()
	})

	for _, e := range makeEvents(3) {
		if err := a.Append(ctx, e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	if err := a.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	mu.Lock()
	got := len(broadcast)
	mu.Unlock()
	if got != 3 {
		t.Errorf("hook received %d events, want 3", got)
	}
}

func TestAppenderFlushHookSkippedOnFailure(t *testing.T) {
	store := &mockStore{}
	a := newTestAppender(t, store, 100)
	ctx := context.Background()

	called := false
	a.SetFlushHook(func([]*UsageEvent) { called = true })

	if err := a.Append(ctx, validEvent()); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	store.setFailNext(1)
	if err := a.Flush(ctx); err == nil {
		t.Fatal("expected flush failure")
	}
	if called {
		t.Error("hook must not fire for uncommitted events")
	}
}

func TestAppendWaitReturnsAfterCommit(t *testing.T) {
	store := &mockStore{}
	a := newTestAppender(t, store, 1)
	ctx := context.Background()

	if err := a.AppendWait(ctx, validEvent()); err != nil {
		t.Fatalf("AppendWait failed: %v", err)
	}

	// The event must already be durable when AppendWait returns
	if store.totalInserted() != 1 {
		t.Errorf("inserted = %d, want 1 at return", store.totalInserted())
	}
	if got := a.Stats().BufferSize; got != 0 {
		t.Errorf("buffer size = %d, want 0", got)
	}
}

func TestAppendWaitSurfacesStoreError(t *testing.T) {
	store := &mockStore{}
	a := newTestAppender(t, store, 1)
	ctx := context.Background()

	store.setFailNext(1)
	if err := a.AppendWait(ctx, validEvent()); err == nil {
		t.Fatal("AppendWait should surface the store error")
	}

	// A waited event is not retried from the buffer; the producer owns
	// redelivery once it has seen the failure.
	if store.totalInserted() != 0 {
		t.Errorf("inserted = %d, want 0", store.totalInserted())
	}
	if got := a.Stats().BufferSize; got != 0 {
		t.Errorf("buffer size = %d, want 0 after surfaced failure", got)
	}
}

func TestAppendWaitGroupCommit(t *testing.T) {
	store := &mockStore{}
	a := newTestAppender(t, store, 3)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i, e := range makeEvents(3) {
		wg.Add(1)
		go func(i int, e *UsageEvent) {
			defer wg.Done()
			errs[i] = a.AppendWait(ctx, e)
		}(i, e)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("AppendWait %d failed: %v", i, err)
		}
	}
	if store.totalInserted() != 3 {
		t.Errorf("inserted = %d, want 3", store.totalInserted())
	}

	// All three waiters rode one commit
	store.mu.Lock()
	batches := len(store.inserted)
	store.mu.Unlock()
	if batches != 1 {
		t.Errorf("store batches = %d, want 1", batches)
	}
}

func TestAppenderFlushHookSkipsReplayedEvents(t *testing.T) {
	store := &mockStore{}
	a := newTestAppender(t, store, 100)
	ctx := context.Background()

	var mu sync.Mutex
	var ids []string
	a.SetFlushHook(func(events []*UsageEvent) {
		mu.Lock()
		for _, e := range events {
			ids = append(ids, e.ID)
		}
		mu.Unlock()
	})

	first := validEvent()
	if err := a.Append(ctx, first); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := a.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	// A broker redelivery flushes the same ID again alongside a new event
	replay := validEvent()
	fresh := validEvent()
	fresh.ID = "evt-2"
	if err := a.Append(ctx, replay); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := a.Append(ctx, fresh); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := a.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ids) != 2 {
		t.Fatalf("hook received %d events, want 2: %v", len(ids), ids)
	}
	if ids[0] != first.ID || ids[1] != "evt-2" {
		t.Errorf("hook ids = %v, want [%s evt-2]", ids, first.ID)
	}
}

func TestAppenderCloseFlushesPending(t *testing.T) {
	store := &mockStore{}
	a := newTestAppender(t, store, 100)
	ctx := context.Background()

	for _, e := range makeEvents(2) {
		if err := a.Append(ctx, e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if store.totalInserted() != 2 {
		t.Errorf("inserted = %d, want 2 after close", store.totalInserted())
	}

	// Closed appender rejects appends, second close is a no-op
	if err := a.Append(ctx, validEvent()); err == nil {
		t.Error("Append after close should fail")
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}
