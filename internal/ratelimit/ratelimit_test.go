// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

package ratelimit

import (
	"testing"
	"time"
)

// fakeClock is an adjustable clock for deterministic refill tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(rps float64, burst int) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(Config{
		RequestsPerSecond: rps,
		Burst:             burst,
		IdleTTL:           time.Minute,
		Now:               clock.now,
	})
	return l, clock
}

func TestAllowWithinBurst(t *testing.T) {
	l, _ := newTestLimiter(1, 3)

	for i := 0; i < 3; i++ {
		d := l.Allow("tenant-a")
		if !d.Allowed {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}

	d := l.Allow("tenant-a")
	if d.Allowed {
		t.Fatal("request beyond burst should be denied")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("denied decision should carry retry-after, got %v", d.RetryAfter)
	}
}

func TestRemainingDecreases(t *testing.T) {
	l, _ := newTestLimiter(1, 3)

	d := l.Allow("k")
	if d.Remaining != 2 {
		t.Errorf("remaining after 1st = %d, want 2", d.Remaining)
	}
	d = l.Allow("k")
	if d.Remaining != 1 {
		t.Errorf("remaining after 2nd = %d, want 1", d.Remaining)
	}
	d = l.Allow("k")
	if d.Remaining != 0 {
		t.Errorf("remaining after 3rd = %d, want 0", d.Remaining)
	}
}

func TestLazyRefill(t *testing.T) {
	l, clock := newTestLimiter(2, 2) // 2 tokens/sec, capacity 2

	l.Allow("k")
	l.Allow("k")
	if d := l.Allow("k"); d.Allowed {
		t.Fatal("bucket should be empty")
	}

	// Half a second refills one token
	clock.advance(500 * time.Millisecond)
	if d := l.Allow("k"); !d.Allowed {
		t.Fatal("expected one token after refill")
	}
	if d := l.Allow("k"); d.Allowed {
		t.Fatal("second token should not have refilled yet")
	}
}

func TestRefillCapsAtBurst(t *testing.T) {
	l, clock := newTestLimiter(100, 5)

	for i := 0; i < 5; i++ {
		l.Allow("k")
	}

	// Long idle refills at most burst tokens
	clock.advance(time.Hour)
	for i := 0; i < 5; i++ {
		if d := l.Allow("k"); !d.Allowed {
			t.Fatalf("request %d should be allowed after refill", i)
		}
	}
	if d := l.Allow("k"); d.Allowed {
		t.Fatal("capacity should cap at burst")
	}
}

func TestRetryAfterHint(t *testing.T) {
	l, _ := newTestLimiter(1, 1) // 1 token/sec

	l.Allow("k")
	d := l.Allow("k")
	if d.Allowed {
		t.Fatal("expected denial")
	}
	// Next token is due in one second
	if d.RetryAfter < 900*time.Millisecond || d.RetryAfter > time.Second {
		t.Errorf("RetryAfter = %v, want ~1s", d.RetryAfter)
	}
}

func TestDeniedRequestDoesNotConsume(t *testing.T) {
	l, clock := newTestLimiter(1, 1)

	l.Allow("k")
	// Several denied requests must not push the refill time back
	for i := 0; i < 5; i++ {
		if d := l.Allow("k"); d.Allowed {
			t.Fatal("expected denial")
		}
	}

	clock.advance(time.Second)
	if d := l.Allow("k"); !d.Allowed {
		t.Error("token should be available after 1s despite denied attempts")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, 1)

	if d := l.Allow("a"); !d.Allowed {
		t.Fatal("first request for a should pass")
	}
	if d := l.Allow("b"); !d.Allowed {
		t.Error("key b should have its own bucket")
	}
	if d := l.Allow("a"); d.Allowed {
		t.Error("key a should be exhausted")
	}
}

func TestOverride(t *testing.T) {
	l, _ := newTestLimiter(1, 1)

	l.SetOverride("vip", Override{RequestsPerSecond: 100, Burst: 10})

	for i := 0; i < 10; i++ {
		if d := l.Allow("vip"); !d.Allowed {
			t.Fatalf("vip request %d should be allowed", i)
		}
	}
	if d := l.Allow("vip"); d.Allowed {
		t.Error("vip should be exhausted after its own burst")
	}

	// Default keys unaffected
	if d := l.Allow("normal"); !d.Allowed {
		t.Error("default key should still work")
	}
	if d := l.Allow("normal"); d.Allowed {
		t.Error("default burst is 1")
	}
}

func TestOverrideResetsExistingBucket(t *testing.T) {
	l, _ := newTestLimiter(1, 1)

	l.Allow("k") // exhaust default bucket
	l.SetOverride("k", Override{RequestsPerSecond: 1, Burst: 5})

	d := l.Allow("k")
	if !d.Allowed {
		t.Error("override should replace the exhausted bucket")
	}
	if d.Limit != 5 {
		t.Errorf("Limit = %d, want 5", d.Limit)
	}
}

func TestCleanupEvictsIdleBuckets(t *testing.T) {
	l, clock := newTestLimiter(1, 1)

	l.Allow("stale")
	clock.advance(30 * time.Second)
	l.Allow("fresh")

	clock.advance(45 * time.Second) // stale idle 75s > TTL 60s, fresh idle 45s

	removed := l.Cleanup()
	if removed != 1 {
		t.Errorf("Cleanup removed %d, want 1", removed)
	}
	if l.Len() != 1 {
		t.Errorf("Len = %d, want 1", l.Len())
	}
}

func TestDecisionLimit(t *testing.T) {
	l, _ := newTestLimiter(1, 7)

	d := l.Allow("k")
	if d.Limit != 7 {
		t.Errorf("Limit = %d, want 7", d.Limit)
	}
}
