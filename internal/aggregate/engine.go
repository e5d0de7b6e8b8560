// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

package aggregate

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/llmscope/internal/eventprocessor"
	"github.com/tomtom215/llmscope/internal/logging"
	"github.com/tomtom215/llmscope/internal/metrics"
)

var granularities = []Granularity{GranularityHour, GranularityDay}

// Config controls the aggregation engine.
type Config struct {
	// FlushInterval is how often dirty buckets are written to the store.
	FlushInterval time.Duration

	// ShardCount splits the bucket map to reduce lock contention.
	ShardCount int

	// ReservoirSize bounds latency samples per bucket.
	ReservoirSize int

	// LateGrace keeps a bucket in memory this long past its end so late
	// events can still land in it. Events later than that are dropped
	// from rollups (the raw event row is unaffected).
	LateGrace time.Duration

	// RandomSeed makes reservoir sampling deterministic. 0 = random.
	RandomSeed int64
}

// DefaultConfig returns production aggregation settings.
func DefaultConfig() Config {
	return Config{
		FlushInterval: 30 * time.Second,
		ShardCount:    16,
		ReservoirSize: DefaultReservoirSize,
		LateGrace:     time.Hour,
	}
}

type bucketKey struct {
	granularity Granularity
	bucketStart int64
	tenantID    string
	projectID   string
	model       string
}

type bucket struct {
	rollup  Rollup
	latency *Reservoir
	dirty   bool
}

type shard struct {
	mu      sync.Mutex
	buckets map[bucketKey]*bucket
}

// Engine folds usage events into sharded in-memory rollup buckets and
// periodically flushes them to a Store. Bucket updates are commutative,
// so concurrent appliers and redelivered batches in any order converge
// to the same rollup.
type Engine struct {
	store  Store
	cfg    Config
	shards []*shard
	clock  func() time.Time

	flushMu sync.Mutex

	eventsApplied atomic.Int64
	lateDropped   atomic.Int64
	flushes       atomic.Int64
	flushErrors   atomic.Int64
}

// NewEngine creates an aggregation engine backed by the given store.
func NewEngine(store Store, cfg Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 16
	}
	if cfg.ReservoirSize <= 0 {
		cfg.ReservoirSize = DefaultReservoirSize
	}
	if cfg.LateGrace <= 0 {
		cfg.LateGrace = time.Hour
	}

	shards := make([]*shard, cfg.ShardCount)
	for i := range shards {
		shards[i] = &shard{buckets: make(map[bucketKey]*bucket)}
	}

	return &Engine{
		store:  store,
		cfg:    cfg,
		shards: shards,
		clock:  time.Now,
	}, nil
}

func (e *Engine) shardFor(key bucketKey) *shard {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s", key.granularity, key.bucketStart, key.tenantID, key.projectID, key.model)
	return e.shards[h.Sum32()%uint32(len(e.shards))]
}

// Apply folds one event into its hour and day buckets.
func (e *Engine) Apply(event *eventprocessor.UsageEvent) {
	if event == nil {
		return
	}

	now := e.clock().UTC()
	applied := false

	for _, g := range granularities {
		start := g.Truncate(event.Timestamp)

		// Too old to still have a live bucket
		if now.Sub(start.Add(g.Duration())) > e.cfg.LateGrace {
			e.lateDropped.Add(1)
			logging.Debug().
				Str("event_id", event.ID).
				Str("granularity", string(g)).
				Time("bucket_start", start).
				Msg("Dropping late event from rollups")
			continue
		}

		key := bucketKey{
			granularity: g,
			bucketStart: start.Unix(),
			tenantID:    event.TenantID,
			projectID:   event.ProjectID,
			model:       event.Model,
		}

		s := e.shardFor(key)
		s.mu.Lock()
		b, ok := s.buckets[key]
		if !ok {
			b = &bucket{
				rollup: Rollup{
					Granularity: g,
					BucketStart: start,
					TenantID:    event.TenantID,
					ProjectID:   event.ProjectID,
					Model:       event.Model,
				},
				latency: NewReservoir(e.cfg.ReservoirSize, e.cfg.RandomSeed),
			}
			s.buckets[key] = b
		}

		b.rollup.RequestCount++
		b.rollup.PromptTokens += int64(event.PromptTokens)
		b.rollup.CompletionTokens += int64(event.CompletionTokens)
		b.rollup.TotalTokens += int64(event.TotalTokens)
		b.rollup.CostUSD += event.CostUSD
		if event.HasError {
			b.rollup.ErrorCount++
		}
		b.rollup.LatencySumMs += event.LatencyMs
		b.latency.Add(event.LatencyMs)
		b.dirty = true
		s.mu.Unlock()

		applied = true
	}

	if applied {
		e.eventsApplied.Add(1)
		metrics.RecordAggregateApply(1)
	}
}

// ApplyAll folds a committed batch. The signature matches the appender's
// post-commit flush hook.
func (e *Engine) ApplyAll(events []*eventprocessor.UsageEvent) {
	for _, event := range events {
		e.Apply(event)
	}
}

// snapshot computes a flushable rollup from a live bucket.
func snapshotRollup(b *bucket) *Rollup {
	r := b.rollup
	p := b.latency.Percentiles(0.50, 0.95, 0.99)
	r.LatencyP50Ms, r.LatencyP95Ms, r.LatencyP99Ms = p[0], p[1], p[2]
	return &r
}

// Flush writes all dirty buckets to the store and evicts buckets whose
// late-event window has passed. Each upsert replaces the persisted row,
// so repeated flushes of a live bucket are idempotent.
func (e *Engine) Flush(ctx context.Context) error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	start := e.clock()
	now := start.UTC()

	var rollups []*Rollup
	type evictable struct {
		s   *shard
		key bucketKey
	}
	var evict []evictable
	counts := make(map[Granularity]int)

	for _, s := range e.shards {
		s.mu.Lock()
		for key, b := range s.buckets {
			counts[b.rollup.Granularity]++
			if b.dirty {
				rollups = append(rollups, snapshotRollup(b))
				b.dirty = false
			}
			end := b.rollup.BucketStart.Add(b.rollup.Granularity.Duration())
			if now.Sub(end) > e.cfg.LateGrace {
				evict = append(evict, evictable{s: s, key: key})
			}
		}
		s.mu.Unlock()
	}

	if len(rollups) > 0 {
		if err := e.store.UpsertRollups(ctx, rollups); err != nil {
			e.flushErrors.Add(1)
			// Mark the snapshotted buckets dirty again so the next
			// flush retries them
			e.markDirty(rollups)
			return fmt.Errorf("upsert %d rollups: %w", len(rollups), err)
		}
	}

	for _, ev := range evict {
		ev.s.mu.Lock()
		delete(ev.s.buckets, ev.key)
		ev.s.mu.Unlock()
		counts[ev.key.granularity]--
	}

	e.flushes.Add(1)
	metrics.RecordAggregateFlush(e.clock().Sub(start))
	for g, n := range counts {
		metrics.UpdateAggregateBuckets(string(g), n)
	}

	if len(rollups) > 0 {
		logging.Debug().
			Int("rollups", len(rollups)).
			Int("evicted", len(evict)).
			Msg("Flushed rollups")
	}
	return nil
}

func (e *Engine) markDirty(rollups []*Rollup) {
	for _, r := range rollups {
		key := bucketKey{
			granularity: r.Granularity,
			bucketStart: r.BucketStart.Unix(),
			tenantID:    r.TenantID,
			projectID:   r.ProjectID,
			model:       r.Model,
		}
		s := e.shardFor(key)
		s.mu.Lock()
		if b, ok := s.buckets[key]; ok {
			b.dirty = true
		}
		s.mu.Unlock()
	}
}

// Query merges live buckets over persisted rollups. A live bucket is
// authoritative for its key because it holds the full bucket state until
// eviction, so it replaces any persisted row with the same key.
func (e *Engine) Query(ctx context.Context, q Query) ([]*Rollup, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	persisted, err := e.store.QueryRollups(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query rollups: %w", err)
	}

	merged := make(map[bucketKey]*Rollup, len(persisted))
	for _, r := range persisted {
		merged[rollupKey(r)] = r
	}

	for _, s := range e.shards {
		s.mu.Lock()
		for key, b := range s.buckets {
			if q.Matches(&b.rollup) {
				merged[key] = snapshotRollup(b)
			}
		}
		s.mu.Unlock()
	}

	out := make([]*Rollup, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.BucketStart.Equal(b.BucketStart) {
			return a.BucketStart.Before(b.BucketStart)
		}
		if a.TenantID != b.TenantID {
			return a.TenantID < b.TenantID
		}
		if a.ProjectID != b.ProjectID {
			return a.ProjectID < b.ProjectID
		}
		return a.Model < b.Model
	})
	return out, nil
}

func rollupKey(r *Rollup) bucketKey {
	return bucketKey{
		granularity: r.Granularity,
		bucketStart: r.BucketStart.Unix(),
		tenantID:    r.TenantID,
		projectID:   r.ProjectID,
		model:       r.Model,
	}
}

// Serve runs the periodic flush loop until the context is cancelled,
// then performs a final flush. It satisfies suture.Service.
func (e *Engine) Serve(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	logging.Info().
		Dur("flush_interval", e.cfg.FlushInterval).
		Int("shards", len(e.shards)).
		Msg("Aggregation engine started")

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := e.Flush(flushCtx); err != nil {
				logging.Warn().Err(err).Msg("Final rollup flush failed")
			}
			cancel()
			return ctx.Err()
		case <-ticker.C:
			if err := e.Flush(ctx); err != nil {
				logging.Warn().Err(err).Msg("Rollup flush failed")
			}
		}
	}
}

// Stats reports engine counters.
type Stats struct {
	EventsApplied int64 `json:"events_applied"`
	LateDropped   int64 `json:"late_dropped"`
	Flushes       int64 `json:"flushes"`
	FlushErrors   int64 `json:"flush_errors"`
	LiveBuckets   int   `json:"live_buckets"`
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	live := 0
	for _, s := range e.shards {
		s.mu.Lock()
		live += len(s.buckets)
		s.mu.Unlock()
	}
	return Stats{
		EventsApplied: e.eventsApplied.Load(),
		LateDropped:   e.lateDropped.Load(),
		Flushes:       e.flushes.Load(),
		FlushErrors:   e.flushErrors.Load(),
		LiveBuckets:   live,
	}
}
