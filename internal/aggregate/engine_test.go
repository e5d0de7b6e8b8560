// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

package aggregate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/llmscope/internal/eventprocessor"
)

// mockRollupStore is a thread-safe in-memory Store.
type mockRollupStore struct {
	mu       sync.Mutex
	rows     map[string]*Rollup
	upserts  int
	failNext int
}

func newMockRollupStore() *mockRollupStore {
	return &mockRollupStore{rows: make(map[string]*Rollup)}
}

func storeKey(r *Rollup) string {
	return fmt.Sprintf("%s|%d|%s|%s|%s", r.Granularity, r.BucketStart.Unix(), r.TenantID, r.ProjectID, r.Model)
}

func (s *mockRollupStore) UpsertRollups(_ context.Context, rollups []*Rollup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return fmt.Errorf("database unavailable")
	}
	s.upserts++
	for _, r := range rollups {
		clone := *r
		s.rows[storeKey(r)] = &clone
	}
	return nil
}

func (s *mockRollupStore) QueryRollups(_ context.Context, q Query) ([]*Rollup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Rollup
	for _, r := range s.rows {
		if q.Matches(r) {
			clone := *r
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *mockRollupStore) get(r *Rollup) *Rollup {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[storeKey(r)]
}

func newTestEngine(t *testing.T, store Store) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RandomSeed = 42
	e, err := NewEngine(store, cfg)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	// Pin the clock near the test fixtures so nothing counts as late
	e.clock = func() time.Time { return time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC) }
	return e
}

func usageEvent(model string, total int, latencyMs int64, at time.Time) *eventprocessor.UsageEvent {
	return &eventprocessor.UsageEvent{
		ID:               fmt.Sprintf("evt-%s-%d-%d", model, total, latencyMs),
		Timestamp:        at,
		Model:            model,
		Provider:         eventprocessor.ProviderOpenAI,
		PromptTokens:     total * 2 / 3,
		CompletionTokens: total - total*2/3,
		TotalTokens:      total,
		LatencyMs:        latencyMs,
		TenantID:         "acme",
	}
}

func TestEngineHourRollup(t *testing.T) {
	store := newMockRollupStore()
	e := newTestEngine(t, store)

	at := time.Date(2026, 3, 1, 14, 10, 0, 0, time.UTC)
	e.Apply(usageEvent("gpt-4", 150, 1000, at))
	e.Apply(usageEvent("gpt-4", 175, 1100, at.Add(5*time.Minute)))
	e.Apply(usageEvent("gpt-4", 200, 1200, at.Add(20*time.Minute)))

	rollups, err := e.Query(context.Background(), Query{
		Granularity: GranularityHour,
		Start:       time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC),
		End:         time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(rollups) != 1 {
		t.Fatalf("got %d rollups, want 1", len(rollups))
	}

	r := rollups[0]
	if r.RequestCount != 3 {
		t.Errorf("RequestCount = %d, want 3", r.RequestCount)
	}
	if r.TotalTokens != 525 {
		t.Errorf("TotalTokens = %d, want 525", r.TotalTokens)
	}
	if math.Abs(r.AvgLatencyMs()-1100) > 1e-9 {
		t.Errorf("AvgLatencyMs = %v, want 1100", r.AvgLatencyMs())
	}
	if !r.BucketStart.Equal(time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)) {
		t.Errorf("BucketStart = %v, want hour boundary", r.BucketStart)
	}
}

func TestEngineBucketsByKey(t *testing.T) {
	store := newMockRollupStore()
	e := newTestEngine(t, store)

	at := time.Date(2026, 3, 1, 14, 10, 0, 0, time.UTC)
	e.Apply(usageEvent("gpt-4", 100, 900, at))
	e.Apply(usageEvent("gpt-3.5-turbo", 100, 300, at))

	other := usageEvent("gpt-4", 100, 900, at)
	other.TenantID = "globex"
	e.Apply(other)

	rollups, err := e.Query(context.Background(), Query{Granularity: GranularityHour})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(rollups) != 3 {
		t.Errorf("got %d hour rollups, want 3 distinct keys", len(rollups))
	}

	scoped, err := e.Query(context.Background(), Query{Granularity: GranularityHour, TenantID: "acme", Model: "gpt-4"})
	if err != nil {
		t.Fatalf("scoped Query failed: %v", err)
	}
	if len(scoped) != 1 || scoped[0].RequestCount != 1 {
		t.Errorf("scoped query = %+v, want single acme gpt-4 bucket", scoped)
	}
}

func TestEngineDayRollupSpansHours(t *testing.T) {
	store := newMockRollupStore()
	e := newTestEngine(t, store)

	e.Apply(usageEvent("gpt-4", 100, 500, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)))
	e.Apply(usageEvent("gpt-4", 100, 500, time.Date(2026, 3, 1, 17, 0, 0, 0, time.UTC)))

	days, err := e.Query(context.Background(), Query{Granularity: GranularityDay})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(days) != 1 {
		t.Fatalf("got %d day rollups, want 1", len(days))
	}
	if days[0].RequestCount != 2 {
		t.Errorf("day RequestCount = %d, want 2", days[0].RequestCount)
	}

	hours, err := e.Query(context.Background(), Query{Granularity: GranularityHour})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(hours) != 2 {
		t.Errorf("got %d hour rollups, want 2", len(hours))
	}
}

func TestEngineCommutativeApply(t *testing.T) {
	at := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	events := make([]*eventprocessor.UsageEvent, 50)
	for i := range events {
		events[i] = usageEvent("gpt-4", 10+i, int64(100+i*10), at.Add(time.Duration(i)*time.Second))
	}

	run := func(order []int) *Rollup {
		e := newTestEngine(t, newMockRollupStore())
		for _, idx := range order {
			e.Apply(events[idx])
		}
		rollups, err := e.Query(context.Background(), Query{Granularity: GranularityHour})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(rollups) != 1 {
			t.Fatalf("got %d rollups, want 1", len(rollups))
		}
		return rollups[0]
	}

	forward := make([]int, len(events))
	for i := range forward {
		forward[i] = i
	}
	shuffled := make([]int, len(events))
	copy(shuffled, forward)
	rand.New(rand.NewSource(7)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	a, b := run(forward), run(shuffled)
	if a.RequestCount != b.RequestCount || a.TotalTokens != b.TotalTokens ||
		a.LatencySumMs != b.LatencySumMs || a.CostUSD != b.CostUSD || a.ErrorCount != b.ErrorCount {
		t.Errorf("rollups differ by apply order:\n%+v\n%+v", a, b)
	}
	// Under reservoir capacity the sample is the full population, so
	// percentiles are order-independent too
	if a.LatencyP50Ms != b.LatencyP50Ms || a.LatencyP99Ms != b.LatencyP99Ms {
		t.Errorf("percentiles differ by apply order: %+v vs %+v", a, b)
	}
}

func TestEngineErrorCount(t *testing.T) {
	store := newMockRollupStore()
	e := newTestEngine(t, store)

	at := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	ok := usageEvent("gpt-4", 100, 500, at)
	failed := usageEvent("gpt-4", 0, 30000, at)
	failed.ID = "evt-failed"
	failed.HasError = true
	e.ApplyAll([]*eventprocessor.UsageEvent{ok, failed})

	rollups, err := e.Query(context.Background(), Query{Granularity: GranularityHour})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if rollups[0].ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", rollups[0].ErrorCount)
	}
}

func TestEngineFlushUpserts(t *testing.T) {
	store := newMockRollupStore()
	e := newTestEngine(t, store)

	at := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	e.clock = func() time.Time { return at.Add(10 * time.Minute) }

	e.Apply(usageEvent("gpt-4", 100, 500, at))
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	persisted := store.get(&Rollup{Granularity: GranularityHour, BucketStart: at, TenantID: "acme", Model: "gpt-4"})
	if persisted == nil {
		t.Fatal("hour rollup not persisted")
	}
	if persisted.RequestCount != 1 {
		t.Errorf("persisted count = %d, want 1", persisted.RequestCount)
	}

	// A later flush of the still-live bucket replaces the row
	e.Apply(usageEvent("gpt-4", 100, 700, at.Add(time.Minute)))
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("second Flush failed: %v", err)
	}
	persisted = store.get(persisted)
	if persisted.RequestCount != 2 {
		t.Errorf("persisted count = %d, want 2 after re-upsert", persisted.RequestCount)
	}
}

func TestEngineFlushFailureRetries(t *testing.T) {
	store := newMockRollupStore()
	e := newTestEngine(t, store)

	at := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	e.clock = func() time.Time { return at.Add(10 * time.Minute) }
	e.Apply(usageEvent("gpt-4", 100, 500, at))

	store.mu.Lock()
	store.failNext = 1
	store.mu.Unlock()

	if err := e.Flush(context.Background()); err == nil {
		t.Fatal("Flush should propagate store error")
	}

	// Bucket stayed dirty, next flush persists it
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("retry Flush failed: %v", err)
	}
	if store.get(&Rollup{Granularity: GranularityHour, BucketStart: at, TenantID: "acme", Model: "gpt-4"}) == nil {
		t.Error("rollup should persist after retry")
	}
}

func TestEngineFlushAfterServeStops(t *testing.T) {
	store := newMockRollupStore()
	e := newTestEngine(t, store)

	at := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	e.clock = func() time.Time { return at.Add(10 * time.Minute) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx) }()
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve returned %v, want context.Canceled", err)
	}

	// A closing batch appender can hand events over after the serve
	// loop's final flush; an explicit flush must still persist them.
	e.Apply(usageEvent("gpt-4", 100, 500, at))
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	persisted := store.get(&Rollup{Granularity: GranularityHour, BucketStart: at, TenantID: "acme", Model: "gpt-4"})
	if persisted == nil || persisted.RequestCount != 1 {
		t.Fatalf("late-applied event not persisted: %+v", persisted)
	}
}

func TestEngineEvictsClosedBuckets(t *testing.T) {
	store := newMockRollupStore()
	cfg := DefaultConfig()
	cfg.RandomSeed = 42
	cfg.LateGrace = time.Hour
	e, err := NewEngine(store, cfg)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	at := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	e.clock = func() time.Time { return at.Add(10 * time.Minute) }
	e.Apply(usageEvent("gpt-4", 100, 500, at))

	// Well past the hour bucket end plus grace; day bucket still live
	e.clock = func() time.Time { return at.Add(4 * time.Hour) }
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	stats := e.Stats()
	if stats.LiveBuckets != 1 {
		t.Errorf("live buckets = %d, want 1 (day bucket only)", stats.LiveBuckets)
	}

	// The evicted hour bucket still answers queries from the store
	rollups, err := e.Query(context.Background(), Query{Granularity: GranularityHour})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(rollups) != 1 || rollups[0].RequestCount != 1 {
		t.Errorf("persisted hour rollup missing after eviction: %+v", rollups)
	}
}

func TestEngineDropsLateEvents(t *testing.T) {
	store := newMockRollupStore()
	e := newTestEngine(t, store)

	at := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	e.clock = func() time.Time { return at.Add(48 * time.Hour) }
	e.Apply(usageEvent("gpt-4", 100, 500, at))

	stats := e.Stats()
	if stats.EventsApplied != 0 {
		t.Errorf("events applied = %d, want 0 for late event", stats.EventsApplied)
	}
	if stats.LateDropped == 0 {
		t.Error("late drop counter should increment")
	}
}

func TestEngineQueryMergesLiveOverPersisted(t *testing.T) {
	store := newMockRollupStore()
	e := newTestEngine(t, store)

	at := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	e.clock = func() time.Time { return at.Add(10 * time.Minute) }

	// Persist a stale row, then keep applying to the live bucket
	e.Apply(usageEvent("gpt-4", 100, 500, at))
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	e.Apply(usageEvent("gpt-4", 100, 700, at.Add(time.Minute)))

	rollups, err := e.Query(context.Background(), Query{Granularity: GranularityHour})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(rollups) != 1 {
		t.Fatalf("got %d rollups, want 1 merged", len(rollups))
	}
	if rollups[0].RequestCount != 2 {
		t.Errorf("merged count = %d, want live value 2", rollups[0].RequestCount)
	}
}

func TestEngineQueryValidates(t *testing.T) {
	e := newTestEngine(t, newMockRollupStore())

	if _, err := e.Query(context.Background(), Query{Granularity: "week"}); err == nil {
		t.Error("unknown granularity should be rejected")
	}
	if _, err := e.Query(context.Background(), Query{
		Granularity: GranularityHour,
		Start:       time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		End:         time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}); err == nil {
		t.Error("inverted range should be rejected")
	}
}

func TestEngineConcurrentApply(t *testing.T) {
	store := newMockRollupStore()
	e := newTestEngine(t, store)

	at := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				e.Apply(usageEvent("gpt-4", 10, 100, at))
			}
		}(w)
	}
	wg.Wait()

	rollups, err := e.Query(context.Background(), Query{Granularity: GranularityHour})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if rollups[0].RequestCount != 800 {
		t.Errorf("RequestCount = %d, want 800", rollups[0].RequestCount)
	}
}

func TestReservoirPercentiles(t *testing.T) {
	r := NewReservoir(512, 42)
	for i := int64(1); i <= 100; i++ {
		r.Add(i * 10)
	}

	p := r.Percentiles(0.50, 0.95, 0.99)
	if p[0] != 500 {
		t.Errorf("p50 = %d, want 500", p[0])
	}
	if p[1] != 950 {
		t.Errorf("p95 = %d, want 950", p[1])
	}
	if p[2] != 990 {
		t.Errorf("p99 = %d, want 990", p[2])
	}
}

func TestReservoirBounded(t *testing.T) {
	r := NewReservoir(8, 42)
	for i := int64(0); i < 10000; i++ {
		r.Add(i)
	}
	if len(r.values) != 8 {
		t.Errorf("reservoir holds %d values, want 8", len(r.values))
	}
	if r.Seen() != 10000 {
		t.Errorf("seen = %d, want 10000", r.Seen())
	}
}

func TestReservoirEmpty(t *testing.T) {
	r := NewReservoir(8, 1)
	p := r.Percentiles(0.50, 0.99)
	if p[0] != 0 || p[1] != 0 {
		t.Errorf("empty reservoir percentiles = %v, want zeros", p)
	}
}
