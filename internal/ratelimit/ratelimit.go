// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

// Package ratelimit provides per-caller-key token bucket rate limiting on
// top of golang.org/x/time/rate. Buckets refill lazily from elapsed time;
// there is no background goroutine per key. Stale buckets are evicted by a
// periodic cleanup pass.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomtom215/llmscope/internal/logging"
	"github.com/tomtom215/llmscope/internal/metrics"
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	// Allowed is true when the request may proceed.
	Allowed bool
	// Limit is the bucket capacity for this key.
	Limit int
	// Remaining is the number of whole tokens left after this check.
	Remaining int
	// RetryAfter is the wait until the next token when denied, zero when allowed.
	RetryAfter time.Duration
}

// Override customizes the rate for a specific key.
type Override struct {
	RequestsPerSecond float64
	Burst             int
}

// Config holds limiter settings.
type Config struct {
	// RequestsPerSecond is the default refill rate.
	RequestsPerSecond float64
	// Burst is the default bucket capacity.
	Burst int
	// IdleTTL evicts buckets not seen for this long.
	IdleTTL time.Duration
	// CleanupInterval is the sweep cadence for Run.
	CleanupInterval time.Duration
	// Now is the clock, injectable for tests. Defaults to time.Now.
	Now func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks one token bucket per caller key.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	overrides map[string]Override

	defaultRate  rate.Limit
	defaultBurst int
	idleTTL      time.Duration
	cleanupEvery time.Duration
	now          func() time.Time
}

// New creates a Limiter from the given config.
func New(cfg Config) *Limiter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	return &Limiter{
		buckets:      make(map[string]*bucket),
		overrides:    make(map[string]Override),
		defaultRate:  rate.Limit(cfg.RequestsPerSecond),
		defaultBurst: cfg.Burst,
		idleTTL:      cfg.IdleTTL,
		cleanupEvery: cfg.CleanupInterval,
		now:          cfg.Now,
	}
}

// SetOverride sets a per-key rate override. An existing bucket for the key
// is dropped so the next check uses the new rate.
func (l *Limiter) SetOverride(key string, o Override) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[key] = o
	delete(l.buckets, key)
}

// Allow checks whether a request for the given key may proceed, consuming
// one token when it can.
func (l *Limiter) Allow(key string) Decision {
	now := l.now()

	l.mu.Lock()
	b, exists := l.buckets[key]
	if !exists {
		rps, burst := l.rateFor(key)
		b = &bucket{limiter: rate.NewLimiter(rps, burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	limit := b.limiter.Burst()
	l.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		// Request can never be satisfied (burst 0)
		return Decision{Allowed: false, Limit: limit, RetryAfter: rate.InfDuration}
	}

	delay := r.DelayFrom(now)
	if delay > 0 {
		// Token not yet available: undo the reservation and deny
		r.CancelAt(now)
		metrics.RecordRateLimitHit("key")
		return Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			RetryAfter: delay,
		}
	}

	remaining := int(math.Floor(b.limiter.TokensAt(now)))
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Limit: limit, Remaining: remaining}
}

// rateFor returns the rate and burst for a key (must be called with mu held).
func (l *Limiter) rateFor(key string) (rate.Limit, int) {
	if o, ok := l.overrides[key]; ok {
		return rate.Limit(o.RequestsPerSecond), o.Burst
	}
	return l.defaultRate, l.defaultBurst
}

// Cleanup evicts buckets idle longer than the TTL.
// Returns the number of buckets removed.
func (l *Limiter) Cleanup() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idleTTL {
			delete(l.buckets, key)
			removed++
		}
	}
	metrics.RateLimitActiveBuckets.Set(float64(len(l.buckets)))
	return removed
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Serve runs the periodic cleanup loop until the context is canceled.
// It satisfies suture.Service.
func (l *Limiter) Serve(ctx context.Context) error {
	ticker := time.NewTicker(l.cleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if removed := l.Cleanup(); removed > 0 {
				logging.Debug().
					Int("removed", removed).
					Int("active", l.Len()).
					Msg("rate limit buckets evicted")
			}
		}
	}
}
