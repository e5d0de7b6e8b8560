// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

package eventprocessor

import (
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/llmscope/internal/detection"
	"github.com/tomtom215/llmscope/internal/pricing"
)

// Enricher validates incoming events and fills in derived fields before
// they enter the pipeline: identity, UTC timestamps, total tokens, cost,
// and the content safety scan.
type Enricher struct {
	prices  *pricing.Table
	scanner *detection.Scanner
}

// NewEnricher creates an enricher with the given price table and scanner.
// A nil price table falls back to the built-in defaults; a nil scanner
// disables content scanning.
func NewEnricher(prices *pricing.Table, scanner *detection.Scanner) *Enricher {
	if prices == nil {
		prices = pricing.NewTable()
	}
	if scanner == nil {
		scanner = detection.NewScanner(false)
	}
	return &Enricher{
		prices:  prices,
		scanner: scanner,
	}
}

// Enrich validates the event and populates derived fields in place.
// A validation failure returns a PermanentError wrapping the ValidationError;
// the event must not be enqueued.
func (e *Enricher) Enrich(event *UsageEvent) error {
	if event == nil {
		return NewPermanentError("validation failed", &ValidationError{Field: "event", Message: "required"})
	}

	// Identity before validation so Validate's id check passes for fresh events
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	} else {
		event.Timestamp = event.Timestamp.UTC()
	}
	if event.IngestedAt.IsZero() {
		event.IngestedAt = time.Now().UTC()
	} else {
		event.IngestedAt = event.IngestedAt.UTC()
	}
	event.EnsureSchemaVersion()

	if err := event.Validate(); err != nil {
		return NewPermanentError("validation failed", err)
	}

	if event.TotalTokens == 0 {
		event.TotalTokens = event.PromptTokens + event.CompletionTokens
	}

	// A caller-supplied cost wins over the price table. Unknown models
	// cost 0; the pricing package counts them on a gauge
	if event.CostUSD == 0 {
		cost := e.prices.Cost(event.Model, event.PromptTokens, event.CompletionTokens)
		event.CostUSD = pricing.Round(cost)
	}

	if event.ErrorMessage != "" || event.Status == StatusError || event.Status == StatusTimeout {
		event.HasError = true
	}

	// Detection never rejects an event
	result := e.scanner.Scan(event.Prompt, event.Response)
	if result.PIIDetected {
		event.PIIDetected = true
	}

	return nil
}
