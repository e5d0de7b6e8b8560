// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

package eventprocessor

import (
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the current event schema version.
// Increment this when making breaking changes to UsageEvent.
const SchemaVersion = 1

// UsageTopic is the NATS subject accepted events are published to.
const UsageTopic = "usage.events"

// PoisonTopic is the NATS subject for messages that exhausted all retries.
const PoisonTopic = "usage.poison"

// UsageEvent is the canonical record of a single LLM API call.
// It flows from the ingest API through the WAL, JetStream, the batch worker
// pool, and finally into DuckDB and the aggregation engine.
type UsageEvent struct {
	// Schema version for forward/backward compatibility
	SchemaVersion int `json:"schema_version,omitempty"`

	// Identification. Timestamp is when the call happened; IngestedAt is
	// when the intake API accepted the event (stamped during enrichment).
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	IngestedAt time.Time `json:"ingested_at,omitempty"`

	// Call identity
	Model    string `json:"model"`
	Provider string `json:"provider"` // openai, anthropic, ...
	Endpoint string `json:"endpoint,omitempty"`

	// Attribution
	TenantID  string `json:"tenant_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// Token accounting
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens,omitempty"`

	// Latency
	LatencyMs          int64 `json:"latency_ms"`
	TimeToFirstTokenMs int64 `json:"time_to_first_token_ms,omitempty"`

	// Request parameters
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`

	// Outcome
	Status       string `json:"status,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	HasError     bool   `json:"has_error,omitempty"`

	// Content (optional, scanned during enrichment, not persisted raw)
	Prompt   string `json:"prompt,omitempty"`
	Response string `json:"response,omitempty"`

	// Enrichment results
	CostUSD     float64 `json:"cost_usd"`
	PIIDetected bool    `json:"pii_detected,omitempty"`
}

// NewUsageEvent creates an event with a unique ID, timestamp, and schema version.
func NewUsageEvent(provider string) *UsageEvent {
	return &UsageEvent{
		SchemaVersion: SchemaVersion,
		ID:            uuid.New().String(),
		Provider:      provider,
		Timestamp:     time.Now().UTC(),
	}
}

// GetSchemaVersion returns the schema version, defaulting to 1 for legacy events.
func (e *UsageEvent) GetSchemaVersion() int {
	if e.SchemaVersion == 0 {
		return 1
	}
	return e.SchemaVersion
}

// EnsureSchemaVersion sets the schema version if not already set.
func (e *UsageEvent) EnsureSchemaVersion() {
	if e.SchemaVersion == 0 {
		e.SchemaVersion = SchemaVersion
	}
}

// Validate checks required fields and returns an error if validation fails.
// Token counts and latency must be non-negative.
func (e *UsageEvent) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "required"}
	}
	if e.Model == "" {
		return &ValidationError{Field: "model", Message: "required"}
	}
	if e.Provider == "" {
		return &ValidationError{Field: "provider", Message: "required"}
	}
	if e.PromptTokens < 0 {
		return &ValidationError{Field: "prompt_tokens", Message: "must be non-negative"}
	}
	if e.CompletionTokens < 0 {
		return &ValidationError{Field: "completion_tokens", Message: "must be non-negative"}
	}
	if e.TotalTokens < 0 {
		return &ValidationError{Field: "total_tokens", Message: "must be non-negative"}
	}
	if e.LatencyMs < 0 {
		return &ValidationError{Field: "latency_ms", Message: "must be non-negative"}
	}
	if e.CostUSD < 0 {
		return &ValidationError{Field: "cost_usd", Message: "must be non-negative"}
	}
	return nil
}

// Topic returns the NATS subject for this event.
func (e *UsageEvent) Topic() string {
	return UsageTopic
}

// ValidationError represents a field validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Provider constants for event sources.
const (
	// ProviderOpenAI indicates the call went to OpenAI.
	ProviderOpenAI = "openai"
	// ProviderAnthropic indicates the call went to Anthropic.
	ProviderAnthropic = "anthropic"
)

// Status constants for call outcomes.
const (
	// StatusSuccess indicates the call completed normally.
	StatusSuccess = "success"
	// StatusError indicates the call failed.
	StatusError = "error"
	// StatusTimeout indicates the call timed out.
	StatusTimeout = "timeout"
	// StatusRateLimited indicates the provider rejected the call with 429.
	StatusRateLimited = "rate_limited"
)
