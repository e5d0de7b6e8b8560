// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

package eventprocessor

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/llmscope/internal/cache"
	"github.com/tomtom215/llmscope/internal/metrics"
)

// DLQEntry represents a failed message entry in the Dead Letter Queue.
type DLQEntry struct {
	// Event is the original usage event that failed processing.
	Event *UsageEvent

	// MessageID is the original NATS message ID.
	MessageID string

	// OriginalError is the error message from the first failure.
	OriginalError string

	// LastError is the error message from the most recent retry attempt.
	LastError string

	// RetryCount is the number of retry attempts made from the DLQ.
	RetryCount int

	// DeliveryAttempts is how many delivery attempts the event had seen
	// when it entered the queue. Retry exhaustion records MaxRetries+1.
	DeliveryAttempts int

	// FirstFailure is when the event first failed.
	FirstFailure time.Time

	// LastFailure is when the most recent failure occurred.
	LastFailure time.Time

	// NextRetry is the earliest time for the next retry attempt.
	NextRetry time.Time

	// Category is the error category for routing and metrics.
	Category ErrorCategory
}

// NewDLQEntry creates a new DLQ entry for a failed event.
func NewDLQEntry(event *UsageEvent, err error, messageID string) *DLQEntry {
	now := time.Now()
	category := ErrorCategoryUnknown

	var retryErr *RetryableError
	var permErr *PermanentError
	if errors.As(err, &retryErr) {
		category = retryErr.Category
	} else if errors.As(err, &permErr) {
		category = permErr.Category
	}

	return &DLQEntry{
		Event:            event,
		MessageID:        messageID,
		OriginalError:    err.Error(),
		LastError:        err.Error(),
		RetryCount:       0,
		DeliveryAttempts: 1,
		FirstFailure:     now,
		LastFailure:      now,
		NextRetry:        now,
		Category:         category,
	}
}

// DLQConfig holds configuration for the Dead Letter Queue handler.
type DLQConfig struct {
	// MaxRetries is the maximum number of retry attempts before permanent failure.
	MaxRetries int

	// MaxEntries is the maximum number of entries to keep in the DLQ.
	// When exceeded, oldest entries are evicted.
	MaxEntries int

	// RetentionTime is how long to keep entries before automatic cleanup.
	RetentionTime time.Duration

	// InitialBackoff is the initial backoff duration for retries.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the exponential backoff multiplier (default: 2.0).
	BackoffMultiplier float64

	// JitterFraction is the random jitter fraction (0.0-1.0, default: 0.1).
	JitterFraction float64

	// RandomSeed seeds the jitter RNG. Zero uses a time-based seed;
	// non-zero gives deterministic jitter for tests.
	RandomSeed int64
}

// DefaultDLQConfig returns production defaults for DLQ configuration.
func DefaultDLQConfig() DLQConfig {
	return DLQConfig{
		MaxRetries:        3,
		MaxEntries:        10000,
		RetentionTime:     7 * 24 * time.Hour,
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

// DLQStats holds runtime statistics for the DLQ.
type DLQStats struct {
	TotalEntries      int64
	TotalAdded        int64
	TotalRemoved      int64
	TotalRetries      int64
	TotalExpired      int64
	OldestEntry       time.Time
	NewestEntry       time.Time
	EntriesByCategory map[ErrorCategory]int64
}

// DLQHandler manages the Dead Letter Queue for failed messages.
// It provides retry scheduling, entry management, and cleanup.
// Entries live in a MinHeap ordered by first failure, so capacity
// eviction always drops the oldest entry.
type DLQHandler struct {
	config DLQConfig

	mu      sync.RWMutex
	entries *cache.MinHeap[*DLQEntry]

	totalAdded   atomic.Int64
	totalRemoved atomic.Int64
	totalRetries atomic.Int64
	totalExpired atomic.Int64

	randMu sync.Mutex
	rng    *rand.Rand
}

// NewDLQHandler creates a new Dead Letter Queue handler.
func NewDLQHandler(cfg DLQConfig) (*DLQHandler, error) {
	if cfg.MaxRetries <= 0 {
		return nil, errors.New("max retries must be positive")
	}
	if cfg.MaxEntries <= 0 {
		return nil, errors.New("max entries must be positive")
	}
	if cfg.InitialBackoff <= 0 {
		return nil, errors.New("initial backoff must be positive")
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = cfg.InitialBackoff * 64
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2.0
	}
	if cfg.JitterFraction <= 0 || cfg.JitterFraction > 1.0 {
		cfg.JitterFraction = 0.1
	}

	seed := cfg.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &DLQHandler{
		config:  cfg,
		entries: cache.NewMinHeap[*DLQEntry](cfg.MaxEntries),
		//nolint:gosec // G404: weak random is fine for non-cryptographic backoff jitter
		rng: rand.New(rand.NewSource(seed)),
	}, nil
}

// AddEntry adds a failed event to the DLQ after a single delivery attempt
// and returns the created entry. If the DLQ is at capacity the oldest
// entry is evicted.
func (h *DLQHandler) AddEntry(event *UsageEvent, err error, messageID string) *DLQEntry {
	return h.AddEntryWithAttempts(event, err, messageID, 1)
}

// AddEntryWithAttempts adds a failed event along with the number of
// delivery attempts it had seen when it entered the queue.
func (h *DLQHandler) AddEntryWithAttempts(event *UsageEvent, err error, messageID string, attempts int) *DLQEntry {
	entry := NewDLQEntry(event, err, messageID)
	if attempts > 0 {
		entry.DeliveryAttempts = attempts
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	entry.NextRetry = time.Now().Add(h.calculateBackoffLocked(0))

	evicted := h.entries.Push(event.ID, entry, entry.FirstFailure)
	if evicted != nil {
		h.totalExpired.Add(1)
		metrics.RecordDLQRemoval(evicted.Value.Category.String())
	}

	h.totalAdded.Add(1)
	metrics.RecordDLQEntry(entry.Category.String())

	return entry
}

// GetEntry retrieves an entry by event ID. Returns nil if not found.
func (h *DLQHandler) GetEntry(eventID string) *DLQEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	heapEntry := h.entries.Get(eventID)
	if heapEntry == nil {
		return nil
	}
	return heapEntry.Value
}

// IncrementRetry increments the retry count and updates the next retry time.
// Returns true if more retries are allowed, false if max retries reached.
func (h *DLQHandler) IncrementRetry(eventID string, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	heapEntry := h.entries.Get(eventID)
	if heapEntry == nil {
		return false
	}

	entry := heapEntry.Value
	entry.RetryCount++
	entry.LastError = err.Error()
	entry.LastFailure = time.Now()
	entry.NextRetry = time.Now().Add(h.calculateBackoffLocked(entry.RetryCount))

	h.totalRetries.Add(1)

	return entry.RetryCount < h.config.MaxRetries
}

// RemoveEntry removes an entry from the DLQ.
// Returns true if the entry was found and removed.
func (h *DLQHandler) RemoveEntry(eventID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	removed := h.entries.Remove(eventID)
	if removed != nil {
		h.totalRemoved.Add(1)
		metrics.RecordDLQRemoval(removed.Value.Category.String())
		return true
	}
	return false
}

// GetPendingRetries returns entries whose NextRetry time has passed
// and that still have retries left.
func (h *DLQHandler) GetPendingRetries() []*DLQEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := time.Now()
	var pending []*DLQEntry

	for _, heapEntry := range h.entries.All() {
		entry := heapEntry.Value
		if entry.RetryCount < h.config.MaxRetries && !entry.NextRetry.After(now) {
			pending = append(pending, entry)
		}
	}

	return pending
}

// ListEntries returns all entries in the DLQ.
func (h *DLQHandler) ListEntries() []*DLQEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	heapEntries := h.entries.All()
	entries := make([]*DLQEntry, 0, len(heapEntries))
	for _, heapEntry := range heapEntries {
		entries = append(entries, heapEntry.Value)
	}
	return entries
}

// Cleanup removes entries older than the retention time.
// Returns the number of entries cleaned up.
func (h *DLQHandler) Cleanup() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().Add(-h.config.RetentionTime)
	removed := h.entries.PopBefore(cutoff)

	for _, heapEntry := range removed {
		h.totalExpired.Add(1)
		metrics.RecordDLQRemoval(heapEntry.Value.Category.String())
	}

	return len(removed)
}

// Stats returns current DLQ statistics and refreshes the Prometheus gauges.
func (h *DLQHandler) Stats() DLQStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := DLQStats{
		TotalEntries:      int64(h.entries.Len()),
		TotalAdded:        h.totalAdded.Load(),
		TotalRemoved:      h.totalRemoved.Load(),
		TotalRetries:      h.totalRetries.Load(),
		TotalExpired:      h.totalExpired.Load(),
		EntriesByCategory: make(map[ErrorCategory]int64),
	}

	for _, heapEntry := range h.entries.All() {
		entry := heapEntry.Value
		stats.EntriesByCategory[entry.Category]++

		if stats.OldestEntry.IsZero() || entry.FirstFailure.Before(stats.OldestEntry) {
			stats.OldestEntry = entry.FirstFailure
		}
		if stats.NewestEntry.IsZero() || entry.FirstFailure.After(stats.NewestEntry) {
			stats.NewestEntry = entry.FirstFailure
		}
	}

	oldestAge := float64(0)
	if !stats.OldestEntry.IsZero() {
		oldestAge = time.Since(stats.OldestEntry).Seconds()
	}
	entriesByCategory := make(map[string]int64)
	for cat, count := range stats.EntriesByCategory {
		entriesByCategory[cat.String()] = count
	}
	metrics.UpdateDLQGauges(stats.TotalEntries, oldestAge, entriesByCategory)

	return stats
}

// calculateBackoffLocked calculates the backoff duration for a given retry count.
// Must be called with h.mu held.
func (h *DLQHandler) calculateBackoffLocked(retryCount int) time.Duration {
	backoff := float64(h.config.InitialBackoff) * math.Pow(h.config.BackoffMultiplier, float64(retryCount))

	if backoff > float64(h.config.MaxBackoff) {
		backoff = float64(h.config.MaxBackoff)
	}

	h.randMu.Lock()
	jitter := backoff * h.config.JitterFraction * (h.rng.Float64()*2 - 1) // -jitter to +jitter
	h.randMu.Unlock()

	return time.Duration(backoff + jitter)
}

// RetryPolicy defines the retry behavior for failed operations.
type RetryPolicy struct {
	// MaxRetries is the maximum number of retry attempts.
	MaxRetries int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the exponential multiplier.
	BackoffMultiplier float64

	// JitterFraction is the random jitter fraction (0.0-1.0).
	JitterFraction float64

	rng   *rand.Rand
	rngMu sync.Mutex
}

// DefaultRetryPolicy returns production defaults for retry policy.
func DefaultRetryPolicy() *RetryPolicy {
	return NewRetryPolicyWithSeed(0)
}

// NewRetryPolicyWithSeed creates a RetryPolicy with a specific random seed.
// A zero seed uses a time-based seed; non-zero gives deterministic jitter.
func NewRetryPolicyWithSeed(seed int64) *RetryPolicy {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RetryPolicy{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
		//nolint:gosec // G404: weak random is fine for non-cryptographic backoff jitter
		rng: rand.New(rand.NewSource(seed)),
	}
}

// CalculateBackoff calculates the backoff duration for a given retry count.
// Growth is InitialBackoff x Multiplier^retryCount, capped at MaxBackoff,
// with symmetric jitter applied.
func (p *RetryPolicy) CalculateBackoff(retryCount int) time.Duration {
	backoff := float64(p.InitialBackoff) * math.Pow(p.BackoffMultiplier, float64(retryCount))

	if backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}

	p.rngMu.Lock()
	jitter := backoff * p.JitterFraction * (p.rng.Float64()*2 - 1) // -jitter to +jitter
	p.rngMu.Unlock()

	return time.Duration(backoff + jitter)
}

// ShouldRetry determines if an error should be retried.
func (p *RetryPolicy) ShouldRetry(err error, retryCount int) bool {
	if retryCount >= p.MaxRetries {
		return false
	}
	if IsPermanentError(err) {
		return false
	}
	return true
}

// RetryHandler is a function that attempts to reprocess a DLQ entry.
// Returns nil on success, or an error if retry failed.
type RetryHandler func(entry *DLQEntry) error

// DLQAutoRetryConfig configures automatic retry behavior.
type DLQAutoRetryConfig struct {
	// RetryInterval is how often to check for pending retries.
	RetryInterval time.Duration

	// MaxConcurrentRetries limits concurrent retry operations.
	MaxConcurrentRetries int
}

// DefaultDLQAutoRetryConfig returns production defaults.
func DefaultDLQAutoRetryConfig() DLQAutoRetryConfig {
	return DLQAutoRetryConfig{
		RetryInterval:        30 * time.Second,
		MaxConcurrentRetries: 5,
	}
}

// AutoRetryWorker processes pending DLQ entries in the background.
type AutoRetryWorker struct {
	dlq     *DLQHandler
	handler RetryHandler
	config  DLQAutoRetryConfig
}

// NewAutoRetryWorker creates a new auto-retry worker.
func NewAutoRetryWorker(dlq *DLQHandler, handler RetryHandler, config DLQAutoRetryConfig) *AutoRetryWorker {
	return &AutoRetryWorker{
		dlq:     dlq,
		handler: handler,
		config:  config,
	}
}

// Start begins the auto-retry background process.
// It runs until the context is canceled.
func (w *AutoRetryWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processPendingRetries(ctx)
		}
	}
}

// Serve runs the auto-retry loop until context cancellation.
// It satisfies suture.Service.
func (w *AutoRetryWorker) Serve(ctx context.Context) error {
	w.Start(ctx)
	return ctx.Err()
}

// processPendingRetries attempts to retry all pending entries,
// bounded by MaxConcurrentRetries.
func (w *AutoRetryWorker) processPendingRetries(ctx context.Context) {
	entries := w.dlq.GetPendingRetries()
	if len(entries) == 0 {
		return
	}

	sem := make(chan struct{}, w.config.MaxConcurrentRetries)
	var wg sync.WaitGroup

	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return
		case sem <- struct{}{}:
			wg.Add(1)
			go func(e *DLQEntry) {
				defer func() {
					<-sem
					wg.Done()
				}()
				w.retryEntry(e)
			}(entry)
		}
	}

	wg.Wait()
}

// retryEntry attempts to retry a single DLQ entry.
func (w *AutoRetryWorker) retryEntry(entry *DLQEntry) {
	if err := w.handler(entry); err != nil {
		metrics.RecordDLQRetry(false)
		w.dlq.IncrementRetry(entry.Event.ID, err)
		return
	}

	metrics.RecordDLQRetry(true)
	w.dlq.RemoveEntry(entry.Event.ID)
}
