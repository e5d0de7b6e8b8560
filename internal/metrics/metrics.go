// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

// Package metrics provides Prometheus instrumentation for:
//   - Ingest API latency, throughput, and rate limit rejections
//   - Queue publish/consume/processing counters
//   - Batch flush performance (DuckDB)
//   - Dead letter queue depth and retry outcomes
//   - Aggregation rollup flushes
//   - WebSocket connections
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Endpoint Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "api_active_requests",
			Help: "Current number of active API requests",
		},
	)

	// Ingest Metrics
	EventsIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "events_ingested_total",
			Help: "Total number of usage events accepted by the ingest API",
		},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_rejected_total",
			Help: "Total number of usage events rejected at ingest",
		},
		[]string{"reason"}, // "validation", "rate_limit", "payload"
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_hits_total",
			Help: "Total number of rate limit rejections",
		},
		[]string{"scope"}, // "key", "ip"
	)

	RateLimitActiveBuckets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rate_limit_active_buckets",
			Help: "Current number of tracked rate limit buckets",
		},
	)

	// Pricing Metrics
	PricingUnknownModels = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricing_unknown_model_total",
			Help: "Total number of cost lookups for models missing from the price table",
		},
		[]string{"model"},
	)

	// Detection Metrics
	DetectionHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detection_hits_total",
			Help: "Total number of content detections by type",
		},
		[]string{"detector"}, // "email", "phone", "ssn", "credit_card", "injection"
	)

	// Database Metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckdb_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckdb_query_errors_total",
			Help: "Total number of DuckDB query errors",
		},
		[]string{"operation", "table"},
	)

	// Queue Metrics
	QueueMessagesPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_messages_published_total",
			Help: "Total number of messages published to the queue",
		},
	)

	QueueMessagesConsumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_messages_consumed_total",
			Help: "Total number of messages consumed from the queue",
		},
	)

	QueueMessagesProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_messages_processed_total",
			Help: "Total number of messages successfully processed",
		},
	)

	QueueMessagesDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_messages_deduplicated_total",
			Help: "Total number of messages skipped due to deduplication",
		},
	)

	QueueMessagesParseFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_messages_parse_failed_total",
			Help: "Total number of messages that failed to parse",
		},
	)

	QueueProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "queue_processing_duration_seconds",
			Help:    "Duration of queue message processing in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current depth of the message queue",
		},
	)

	QueueConsumerLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_consumer_lag",
			Help: "Number of pending messages in the durable consumer",
		},
	)

	// Batch Flush Metrics
	BatchFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batch_flush_duration_seconds",
			Help:    "Duration of batch flush operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batch_size",
			Help:    "Number of events in each batch flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	BatchDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "batch_duplicate_events_total",
			Help: "Total number of replayed events skipped as duplicates",
		},
	)

	// Dead Letter Queue Metrics
	DLQEntriesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dlq_entries_total",
			Help: "Current number of entries in the dead letter queue",
		},
	)

	DLQEntriesByCategory = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dlq_entries_by_category",
			Help: "Current number of DLQ entries by error category",
		},
		[]string{"category"}, // connection, timeout, validation, database, capacity, unknown
	)

	DLQMessagesAdded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dlq_messages_added_total",
			Help: "Total number of messages added to the DLQ",
		},
	)

	DLQMessagesRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dlq_messages_removed_total",
			Help: "Total number of messages removed from the DLQ (successfully reprocessed)",
		},
	)

	DLQRetryAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dlq_retry_attempts_total",
			Help: "Total number of retry attempts for DLQ messages",
		},
	)

	DLQRetrySuccesses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dlq_retry_successes_total",
			Help: "Total number of successful DLQ message retries",
		},
	)

	DLQRetryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dlq_retry_failures_total",
			Help: "Total number of failed DLQ message retries",
		},
	)

	DLQOldestEntryAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dlq_oldest_entry_age_seconds",
			Help: "Age of the oldest entry in the DLQ in seconds",
		},
	)

	// WAL Metrics
	WALEntriesPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wal_entries_pending",
			Help: "Current number of unconfirmed WAL entries",
		},
	)

	WALWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wal_writes_total",
			Help: "Total number of events written to the intake WAL",
		},
	)

	WALReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wal_replays_total",
			Help: "Total number of pending WAL entries republished",
		},
	)

	// Aggregation Metrics
	AggregateEventsApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aggregate_events_applied_total",
			Help: "Total number of events applied to rollup buckets",
		},
	)

	AggregateActiveBuckets = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aggregate_active_buckets",
			Help: "Current number of in-memory rollup buckets",
		},
		[]string{"granularity"}, // "hour", "day"
	)

	AggregateFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aggregate_flush_duration_seconds",
			Help:    "Duration of rollup flush operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// WebSocket Metrics
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	WSMessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_messages_sent_total",
			Help: "Total number of WebSocket messages sent",
		},
	)

	WSMessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_messages_dropped_total",
			Help: "Total number of WebSocket messages dropped due to full client buffers",
		},
	)

	// System Metrics
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_info",
			Help: "Application version and build information",
		},
		[]string{"version", "go_version"},
	)

	AppUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "app_uptime_seconds",
			Help: "Application uptime in seconds",
		},
	)
)

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest tracks active API requests.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}

// RecordEventIngested records an accepted usage event.
func RecordEventIngested() {
	EventsIngested.Inc()
}

// RecordEventRejected records a rejected usage event.
func RecordEventRejected(reason string) {
	EventsRejected.WithLabelValues(reason).Inc()
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit(scope string) {
	RateLimitHits.WithLabelValues(scope).Inc()
}

// RecordUnknownModel records a price lookup miss.
func RecordUnknownModel(model string) {
	PricingUnknownModels.WithLabelValues(model).Inc()
}

// RecordDetectionHit records a content detection by detector name.
func RecordDetectionHit(detector string) {
	DetectionHits.WithLabelValues(detector).Inc()
}

// RecordDBQuery records a database query metric.
func RecordDBQuery(operation, table string, duration time.Duration, err error) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation, table).Inc()
	}
}

// RecordQueuePublish records a message being published.
func RecordQueuePublish() {
	QueueMessagesPublished.Inc()
}

// RecordQueueConsume records a message being consumed.
func RecordQueueConsume() {
	QueueMessagesConsumed.Inc()
}

// RecordQueueProcessed records a message being successfully processed.
func RecordQueueProcessed() {
	QueueMessagesProcessed.Inc()
}

// RecordQueueDeduplicated records a message skipped due to deduplication.
func RecordQueueDeduplicated() {
	QueueMessagesDeduplicated.Inc()
}

// RecordQueueParseFailed records a message that failed to parse.
func RecordQueueParseFailed() {
	QueueMessagesParseFailed.Inc()
}

// RecordQueueProcessingDuration records the duration of message processing.
func RecordQueueProcessingDuration(duration time.Duration) {
	QueueProcessingDuration.Observe(duration.Seconds())
}

// RecordBatchFlush records a batch flush operation.
func RecordBatchFlush(duration time.Duration, batchSize int) {
	BatchFlushDuration.Observe(duration.Seconds())
	BatchSize.Observe(float64(batchSize))
}

// RecordBatchDuplicates records replayed events skipped by the store.
func RecordBatchDuplicates(count int) {
	BatchDuplicates.Add(float64(count))
}

// UpdateQueueDepth updates the queue depth gauge.
func UpdateQueueDepth(depth int64) {
	QueueDepth.Set(float64(depth))
}

// UpdateQueueConsumerLag updates the consumer lag gauge.
func UpdateQueueConsumerLag(lag int64) {
	QueueConsumerLag.Set(float64(lag))
}

// RecordDLQEntry records a message being added to the DLQ.
func RecordDLQEntry(category string) {
	DLQMessagesAdded.Inc()
	DLQEntriesByCategory.WithLabelValues(category).Inc()
}

// RecordDLQRemoval records a message being successfully removed from the DLQ.
func RecordDLQRemoval(category string) {
	DLQMessagesRemoved.Inc()
	DLQEntriesByCategory.WithLabelValues(category).Dec()
}

// RecordDLQRetry records a retry attempt and its outcome.
func RecordDLQRetry(success bool) {
	DLQRetryAttempts.Inc()
	if success {
		DLQRetrySuccesses.Inc()
	} else {
		DLQRetryFailures.Inc()
	}
}

// UpdateDLQGauges updates DLQ gauge metrics with current stats.
func UpdateDLQGauges(totalEntries int64, oldestEntryAge float64, entriesByCategory map[string]int64) {
	DLQEntriesTotal.Set(float64(totalEntries))
	DLQOldestEntryAge.Set(oldestEntryAge)
	for category, count := range entriesByCategory {
		DLQEntriesByCategory.WithLabelValues(category).Set(float64(count))
	}
}

// RecordWALWrite records an event written to the intake WAL.
func RecordWALWrite() {
	WALWrites.Inc()
}

// RecordWALReplay records a pending WAL entry being republished.
func RecordWALReplay() {
	WALReplays.Inc()
}

// UpdateWALPending updates the pending WAL entries gauge.
func UpdateWALPending(count int64) {
	WALEntriesPending.Set(float64(count))
}

// RecordAggregateApply records events applied to rollup buckets.
func RecordAggregateApply(count int) {
	AggregateEventsApplied.Add(float64(count))
}

// UpdateAggregateBuckets updates the active bucket gauge for a granularity.
func UpdateAggregateBuckets(granularity string, count int) {
	AggregateActiveBuckets.WithLabelValues(granularity).Set(float64(count))
}

// RecordAggregateFlush records a rollup flush operation.
func RecordAggregateFlush(duration time.Duration) {
	AggregateFlushDuration.Observe(duration.Seconds())
}
