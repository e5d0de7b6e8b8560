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

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/tomtom215/llmscope/internal/cache"
	"github.com/tomtom215/llmscope/internal/logging"
	"github.com/tomtom215/llmscope/internal/metrics"
)

// MessageSource defines the interface for receiving messages.
// This abstraction allows the consumer to work with different message sources.
type MessageSource interface {
	// Subscribe subscribes to a topic and returns a channel of messages.
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
	// Close closes the message source.
	Close() error
}

// ConsumerConfig holds configuration for the usage consumer.
type ConsumerConfig struct {
	// Topic is the NATS subject to subscribe to (default: "usage.events")
	Topic string

	// MaxRetries is the number of redelivery retries before an event goes
	// to the DLQ. A DLQ'd event has seen MaxRetries+1 delivery attempts.
	MaxRetries int

	// EnableDeduplication enables event deduplication based on event ID
	EnableDeduplication bool

	// DeduplicationWindow is how long to remember event IDs for deduplication
	DeduplicationWindow time.Duration

	// MaxDeduplicationEntries is the maximum number of entries in the dedup cache
	MaxDeduplicationEntries int

	// EnableDLQ enables the Dead Letter Queue for failed messages
	EnableDLQ bool

	// DLQConfig holds DLQ configuration when EnableDLQ is true
	DLQConfig DLQConfig
}

// DefaultConsumerConfig returns a ConsumerConfig with sensible defaults.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Topic:                   UsageTopic,
		MaxRetries:              3,
		EnableDeduplication:     true,
		DeduplicationWindow:     5 * time.Minute,
		MaxDeduplicationEntries: 10000,
		EnableDLQ:               true,
		DLQConfig:               DefaultDLQConfig(),
	}
}

// ConsumerStats holds runtime statistics for monitoring.
type ConsumerStats struct {
	MessagesReceived  int64     // Total messages received
	MessagesProcessed int64     // Successfully processed messages
	ParseErrors       int64     // JSON parse failures
	DuplicatesSkipped int64     // Messages skipped due to deduplication
	MessagesSentToDLQ int64     // Messages sent to Dead Letter Queue
	LastMessageTime   time.Time // Time of last received message
}

// attemptTracker counts failed delivery attempts per event ID.
// Entries are dropped on success or DLQ hand-off.
type attemptTracker struct {
	mu       sync.Mutex
	attempts map[string]int
}

func newAttemptTracker() *attemptTracker {
	return &attemptTracker{attempts: make(map[string]int)}
}

// increment records a failed attempt and returns the total so far.
func (t *attemptTracker) increment(eventID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[eventID]++
	return t.attempts[eventID]
}

func (t *attemptTracker) forget(eventID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, eventID)
}

// UsageConsumer consumes usage events from JetStream and feeds the batch
// appender. It handles deserialization, deduplication, retry accounting,
// and DLQ hand-off.
type UsageConsumer struct {
	source   MessageSource
	appender *Appender
	config   ConsumerConfig

	// Dead Letter Queue handler (nil if DLQ disabled)
	dlqHandler *DLQHandler

	// Dedup cache keyed by event ID
	dedupCache *cache.LRUCache

	// Per-event failed attempt counts
	tracker *attemptTracker

	// State
	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// Metrics
	messagesReceived  atomic.Int64
	messagesProcessed atomic.Int64
	parseErrors       atomic.Int64
	duplicatesSkipped atomic.Int64
	messagesSentToDLQ atomic.Int64
	lastMessageTime   atomic.Value // stores time.Time
}

// NewUsageConsumer creates a new usage consumer.
// The appender should be started separately to enable batch flushing.
func NewUsageConsumer(source MessageSource, appender *Appender, cfg *ConsumerConfig) (*UsageConsumer, error) {
	if source == nil {
		return nil, fmt.Errorf("message source required")
	}
	if appender == nil {
		return nil, fmt.Errorf("appender required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be non-negative")
	}

	c := &UsageConsumer{
		source:     source,
		appender:   appender,
		config:     *cfg,
		dedupCache: cache.NewLRUCache(cfg.MaxDeduplicationEntries, cfg.DeduplicationWindow),
		tracker:    newAttemptTracker(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	c.lastMessageTime.Store(time.Time{})

	if cfg.EnableDLQ {
		dlqHandler, err := NewDLQHandler(cfg.DLQConfig)
		if err != nil {
			return nil, fmt.Errorf("create DLQ handler: %w", err)
		}
		c.dlqHandler = dlqHandler
	}

	return c, nil
}

// Start begins consuming messages from the source.
// Returns immediately - consumption happens in a goroutine.
func (c *UsageConsumer) Start(ctx context.Context) error {
	if c.running.Swap(true) {
		return nil // Already running
	}

	messages, err := c.source.Subscribe(ctx, c.config.Topic)
	if err != nil {
		c.running.Store(false)
		return fmt.Errorf("subscribe to %s: %w", c.config.Topic, err)
	}

	go c.consumeLoop(ctx, messages)

	if c.config.EnableDeduplication {
		go c.dedupCleanupLoop(ctx)
	}

	logging.Info().
		Str("topic", c.config.Topic).
		Bool("dedup", c.config.EnableDeduplication).
		Msg("usage consumer started")
	return nil
}

// Stop gracefully stops the consumer.
func (c *UsageConsumer) Stop() {
	if !c.running.Swap(false) {
		return // Already stopped
	}

	close(c.stopCh)
	<-c.doneCh

	logging.Info().Msg("usage consumer stopped")
}

// IsRunning returns whether the consumer is currently running.
func (c *UsageConsumer) IsRunning() bool {
	return c.running.Load()
}

// Stats returns current runtime statistics.
func (c *UsageConsumer) Stats() ConsumerStats {
	var lastTime time.Time
	if t, ok := c.lastMessageTime.Load().(time.Time); ok {
		lastTime = t
	}
	return ConsumerStats{
		MessagesReceived:  c.messagesReceived.Load(),
		MessagesProcessed: c.messagesProcessed.Load(),
		ParseErrors:       c.parseErrors.Load(),
		DuplicatesSkipped: c.duplicatesSkipped.Load(),
		MessagesSentToDLQ: c.messagesSentToDLQ.Load(),
		LastMessageTime:   lastTime,
	}
}

// DLQ returns the DLQ handler, nil if disabled.
func (c *UsageConsumer) DLQ() *DLQHandler {
	return c.dlqHandler
}

// DLQStats returns current DLQ statistics.
// Returns empty stats if DLQ is disabled.
func (c *UsageConsumer) DLQStats() DLQStats {
	if c.dlqHandler == nil {
		return DLQStats{}
	}
	return c.dlqHandler.Stats()
}

// Handle processes a single message for use as a Router consumer handler.
// The returned error drives the Router's retry and poison queue middleware.
func (c *UsageConsumer) Handle(msg *message.Message) error {
	return c.handleMessage(msg.Context(), msg)
}

// consumeLoop processes messages from the subscription, draining pending
// messages on shutdown so buffered deliveries are not lost.
func (c *UsageConsumer) consumeLoop(ctx context.Context, messages <-chan *message.Message) {
	defer func() {
		c.running.Store(false)
		close(c.doneCh)
	}()

	for {
		select {
		case <-ctx.Done():
			c.drainMessages(messages)
			return
		case <-c.stopCh:
			c.drainMessages(messages)
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			c.processMessage(ctx, msg)
		}
	}
}

// drainMessages processes buffered messages before shutdown.
// A short timeout prevents blocking if the channel keeps receiving.
func (c *UsageConsumer) drainMessages(messages <-chan *message.Message) {
	drainTimeout := time.After(100 * time.Millisecond)
	drained := 0

	for {
		select {
		case <-drainTimeout:
			if drained > 0 {
				logging.Info().Int("count", drained).Msg("usage consumer drained messages during shutdown")
			}
			return
		case msg, ok := <-messages:
			if !ok {
				if drained > 0 {
					logging.Info().Int("count", drained).Msg("usage consumer drained messages during shutdown")
				}
				return
			}
			// Original context is canceled at this point
			c.processMessage(context.Background(), msg)
			drained++
		default:
			if drained > 0 {
				logging.Info().Int("count", drained).Msg("usage consumer drained messages during shutdown")
			}
			return
		}
	}
}

// processMessage handles a single message and acks or nacks it.
func (c *UsageConsumer) processMessage(ctx context.Context, msg *message.Message) {
	if err := c.handleMessage(ctx, msg); err != nil {
		msg.Nack()
		return
	}
	msg.Ack()
}

// handleMessage contains the processing logic shared between the standalone
// consume loop and the Router handler. A nil return means the message is
// done (committed to the store, duplicate, or terminal DLQ hand-off); an
// error means it should be redelivered.
func (c *UsageConsumer) handleMessage(ctx context.Context, msg *message.Message) error {
	startTime := time.Now()
	c.messagesReceived.Add(1)
	c.lastMessageTime.Store(startTime)
	metrics.RecordQueueConsume()

	var event UsageEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		c.parseErrors.Add(1)
		metrics.RecordQueueParseFailed()
		logging.Warn().
			Str("message_uuid", msg.UUID).
			Err(err).
			Msg("failed to parse message")

		// Malformed data is permanent: DLQ it and do not redeliver
		if c.dlqHandler != nil {
			dlqEvent := &UsageEvent{ID: msg.UUID}
			c.dlqHandler.AddEntry(dlqEvent, NewPermanentError("JSON parse error", err), msg.UUID)
			c.messagesSentToDLQ.Add(1)
		}
		return nil
	}

	if c.config.EnableDeduplication && c.dedupCache.IsDuplicate(event.ID) {
		c.duplicatesSkipped.Add(1)
		metrics.RecordQueueDeduplicated()
		return nil
	}

	// Block until the batch containing this event commits: the ack that
	// follows a nil return must mean the event is durable, not merely
	// buffered.
	if err := c.appender.AppendWait(ctx, &event); err != nil {
		return c.handleFailure(&event, msg, err)
	}

	c.tracker.forget(event.ID)
	c.messagesProcessed.Add(1)
	metrics.RecordQueueProcessed()
	metrics.RecordQueueProcessingDuration(time.Since(startTime))
	return nil
}

// handleFailure applies the retry policy to a processing error.
//
// Storage-down errors retry indefinitely and never reach the DLQ on that
// basis. Permanent errors go straight to the DLQ. Everything else retries
// up to MaxRetries; the failure that exceeds it is attempt MaxRetries+1
// and moves the event to the DLQ.
func (c *UsageConsumer) handleFailure(event *UsageEvent, msg *message.Message, err error) error {
	logging.Warn().
		Str("event_id", event.ID).
		Err(err).
		Msg("failed to process event")

	if IsStorageError(err) {
		// Forget the dedup record so the redelivery is not skipped
		c.dedupCache.Remove(event.ID)
		return err
	}

	if IsPermanentError(err) {
		attempts := c.tracker.increment(event.ID)
		c.tracker.forget(event.ID)
		c.sendToDLQ(event, msg, err, attempts)
		return nil
	}

	attempts := c.tracker.increment(event.ID)
	if attempts > c.config.MaxRetries {
		c.tracker.forget(event.ID)
		c.sendToDLQ(event, msg, err, attempts)
		return nil
	}

	c.dedupCache.Remove(event.ID)
	return err
}

// sendToDLQ hands the event over with the delivery attempts it had seen,
// captured before the tracker forgets it.
func (c *UsageConsumer) sendToDLQ(event *UsageEvent, msg *message.Message, err error, attempts int) {
	if c.dlqHandler == nil {
		return
	}
	c.dlqHandler.AddEntryWithAttempts(event, err, msg.UUID, attempts)
	c.messagesSentToDLQ.Add(1)
}

// dedupCleanupLoop periodically evicts expired deduplication entries.
func (c *UsageConsumer) dedupCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.DeduplicationWindow / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.dedupCache.CleanupExpired()
		}
	}
}
