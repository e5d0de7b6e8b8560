// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

package models

import (
	"time"
)

// QueueStatsResponse is the payload of GET /api/v1/queue/stats. It joins
// consumer, batch appender, WAL, and fan-out counters into one snapshot.
type QueueStatsResponse struct {
	Consumer  ConsumerStatsDTO `json:"consumer"`
	Appender  AppenderStatsDTO `json:"appender"`
	DLQ       DLQStatsDTO      `json:"dlq"`
	// WALPending is the number of unconfirmed WAL entries awaiting replay.
	WALPending int64 `json:"wal_pending"`
	// WebSocketClients is the number of connected dashboard clients.
	WebSocketClients int `json:"websocket_clients"`
}

// ConsumerStatsDTO mirrors the JetStream consumer counters.
type ConsumerStatsDTO struct {
	Running           bool      `json:"running"`
	MessagesReceived  int64     `json:"messages_received"`
	MessagesProcessed int64     `json:"messages_processed"`
	ParseErrors       int64     `json:"parse_errors"`
	DuplicatesSkipped int64     `json:"duplicates_skipped"`
	MessagesSentToDLQ int64     `json:"messages_sent_to_dlq"`
	LastMessageTime   time.Time `json:"last_message_time,omitempty"`
}

// AppenderStatsDTO mirrors the batch appender counters.
type AppenderStatsDTO struct {
	EventsReceived int64     `json:"events_received"`
	EventsFlushed  int64     `json:"events_flushed"`
	FlushCount     int64     `json:"flush_count"`
	ErrorCount     int64     `json:"error_count"`
	BufferSize     int       `json:"buffer_size"`
	LastFlushTime  time.Time `json:"last_flush_time,omitempty"`
	AvgFlushMs     int64     `json:"avg_flush_ms"`
}

// DLQStatsDTO mirrors the dead letter queue counters.
type DLQStatsDTO struct {
	TotalEntries      int64            `json:"total_entries"`
	TotalAdded        int64            `json:"total_added"`
	TotalRemoved      int64            `json:"total_removed"`
	TotalRetries      int64            `json:"total_retries"`
	TotalExpired      int64            `json:"total_expired"`
	OldestEntry       time.Time        `json:"oldest_entry,omitempty"`
	EntriesByCategory map[string]int64 `json:"entries_by_category,omitempty"`
}

// DLQEntryResponse is one dead letter entry as exposed by GET /api/v1/dlq.
type DLQEntryResponse struct {
	EventID       string    `json:"event_id"`
	Model         string    `json:"model,omitempty"`
	Provider      string    `json:"provider,omitempty"`
	TenantID      string    `json:"tenant_id,omitempty"`
	MessageID     string    `json:"message_id,omitempty"`
	Category      string    `json:"category"`
	OriginalError string `json:"original_error"`
	LastError     string `json:"last_error"`
	// DeliveryAttempts counts deliveries before the event entered the
	// queue; RetryCount counts retries made from the queue itself.
	DeliveryAttempts int       `json:"delivery_attempts"`
	RetryCount       int       `json:"retry_count"`
	FirstFailure     time.Time `json:"first_failure"`
	LastFailure      time.Time `json:"last_failure"`
	NextRetry        time.Time `json:"next_retry"`
}

// IngestAcceptedResponse is the payload of a 202 from POST /api/v1/events.
type IngestAcceptedResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// IngestResultDTO is the per-event outcome inside a batch ingest response.
type IngestResultDTO struct {
	ID     string    `json:"id,omitempty"`
	Status string    `json:"status"`
	Error  *APIError `json:"error,omitempty"`
}

// IngestBatchResponse is the payload of POST /api/v1/events with an
// array body. Results are in request order.
type IngestBatchResponse struct {
	Accepted int               `json:"accepted"`
	Rejected int               `json:"rejected"`
	Results  []IngestResultDTO `json:"results"`
}

// HealthResponse is the payload of the health endpoints.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}
