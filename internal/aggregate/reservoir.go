// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

package aggregate

import (
	"math"
	"math/rand"
	"sort"
)

// DefaultReservoirSize bounds per-bucket latency memory. 512 samples keep
// p99 estimates within a few percent for realistic traffic shapes.
const DefaultReservoirSize = 512

// Reservoir is an Algorithm R reservoir sample of int64 values.
// Not safe for concurrent use; callers hold the owning shard lock.
type Reservoir struct {
	values []int64
	seen   int64
	k      int
	rng    *rand.Rand
}

// NewReservoir creates a reservoir holding at most k values. A non-zero
// seed makes sampling deterministic for tests.
func NewReservoir(k int, seed int64) *Reservoir {
	if k <= 0 {
		k = DefaultReservoirSize
	}
	if seed == 0 {
		seed = rand.Int63()
	}
	return &Reservoir{
		values: make([]int64, 0, k),
		k:      k,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Add offers a value to the sample.
func (r *Reservoir) Add(v int64) {
	r.seen++
	if len(r.values) < r.k {
		r.values = append(r.values, v)
		return
	}
	if idx := r.rng.Int63n(r.seen); idx < int64(r.k) {
		r.values[idx] = v
	}
}

// Seen returns the total number of values offered.
func (r *Reservoir) Seen() int64 {
	return r.seen
}

// Percentiles returns nearest-rank percentiles for the given fractions
// (e.g. 0.50, 0.95, 0.99) over the sampled values.
func (r *Reservoir) Percentiles(fractions ...float64) []int64 {
	out := make([]int64, len(fractions))
	if len(r.values) == 0 {
		return out
	}

	sorted := make([]int64, len(r.values))
	copy(sorted, r.values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for i, f := range fractions {
		rank := int(math.Ceil(f * float64(len(sorted))))
		if rank < 1 {
			rank = 1
		}
		if rank > len(sorted) {
			rank = len(sorted)
		}
		out[i] = sorted[rank-1]
	}
	return out
}
