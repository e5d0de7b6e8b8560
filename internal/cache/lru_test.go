// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestLRUAddGet(t *testing.T) {
	c := NewLRUCache(10, time.Minute)

	now := time.Now()
	c.Add("event-1", now)

	got, ok := c.Get("event-1")
	if !ok {
		t.Fatal("expected event-1 to be present")
	}
	if !got.Equal(now) {
		t.Errorf("Get value = %v, want %v", got, now)
	}

	if _, ok := c.Get("missing"); ok {
		t.Error("expected missing key to be absent")
	}
}

func TestLRUEviction(t *testing.T) {
	c := NewLRUCache(3, time.Minute)

	for i := 0; i < 4; i++ {
		c.Add(fmt.Sprintf("event-%d", i), time.Now())
	}

	if c.Len() != 3 {
		t.Errorf("Len() = %d, want 3", c.Len())
	}
	// event-0 was least recently used
	if c.Contains("event-0") {
		t.Error("expected event-0 to be evicted")
	}
	if !c.Contains("event-3") {
		t.Error("expected event-3 to be present")
	}
}

func TestLRUAccessOrderProtectsFromEviction(t *testing.T) {
	c := NewLRUCache(3, time.Minute)

	c.Add("a", time.Now())
	c.Add("b", time.Now())
	c.Add("c", time.Now())

	// Touch "a" so "b" becomes the LRU
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a present")
	}

	c.Add("d", time.Now())

	if c.Contains("b") {
		t.Error("expected b to be evicted")
	}
	if !c.Contains("a") {
		t.Error("expected a to survive eviction")
	}
}

func TestLRUTTLExpiry(t *testing.T) {
	c := NewLRUCache(10, 10*time.Millisecond)

	c.Add("event-1", time.Now())
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get("event-1"); ok {
		t.Error("expected event-1 to have expired")
	}
}

func TestLRUIsDuplicate(t *testing.T) {
	c := NewLRUCache(10, time.Minute)

	if c.IsDuplicate("event-1") {
		t.Error("first sighting should not be a duplicate")
	}
	if !c.IsDuplicate("event-1") {
		t.Error("second sighting should be a duplicate")
	}
	if c.IsDuplicate("event-2") {
		t.Error("different key should not be a duplicate")
	}
}

func TestLRUCleanupExpired(t *testing.T) {
	c := NewLRUCache(10, 10*time.Millisecond)

	c.Add("a", time.Now())
	c.Add("b", time.Now())
	time.Sleep(20 * time.Millisecond)
	c.Add("c", time.Now())

	removed := c.CleanupExpired()
	if removed != 2 {
		t.Errorf("CleanupExpired() = %d, want 2", removed)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestLRUStats(t *testing.T) {
	c := NewLRUCache(10, time.Minute)

	c.Add("a", time.Now())
	c.Get("a")       // hit
	c.Get("missing") // miss

	hits, misses, size := c.Stats()
	if hits != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}
	if misses != 1 {
		t.Errorf("misses = %d, want 1", misses)
	}
	if size != 1 {
		t.Errorf("size = %d, want 1", size)
	}
}

func TestLRUConcurrentAccess(t *testing.T) {
	c := NewLRUCache(100, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("event-%d-%d", n, j)
				c.IsDuplicate(key)
				c.IsDuplicate(key)
			}
		}(i)
	}
	wg.Wait()

	if c.Len() > 100 {
		t.Errorf("Len() = %d, capacity 100 exceeded", c.Len())
	}
}
