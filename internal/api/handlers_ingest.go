// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/llmscope/internal/eventprocessor"
	"github.com/tomtom215/llmscope/internal/logging"
	"github.com/tomtom215/llmscope/internal/metrics"
	"github.com/tomtom215/llmscope/internal/models"
	"github.com/tomtom215/llmscope/internal/validation"
)

// maxIngestBodySize caps the request body for POST /api/v1/events.
const maxIngestBodySize = 1 << 20 // 1 MB

// maxIngestBatchEvents caps how many events one array body may carry.
const maxIngestBatchEvents = 1000

// IngestEventRequest is the wire format for POST /api/v1/events.
// Required fields are pointers so a missing field and a zero value are
// distinguishable: prompt_tokens of 0 is valid, absent is not.
type IngestEventRequest struct {
	ID        *string    `json:"id" validate:"omitempty,uuid"`
	Timestamp *time.Time `json:"timestamp"`

	Model    *string `json:"model" validate:"required,min=1,max=200"`
	Provider *string `json:"provider" validate:"required,min=1,max=100"`
	Endpoint string  `json:"endpoint" validate:"omitempty,max=200"`

	TenantID  string `json:"tenant_id" validate:"omitempty,max=100"`
	ProjectID string `json:"project_id" validate:"omitempty,max=100"`
	UserID    string `json:"user_id" validate:"omitempty,max=100"`
	SessionID string `json:"session_id" validate:"omitempty,max=100"`

	PromptTokens     *int `json:"prompt_tokens" validate:"required,gte=0"`
	CompletionTokens *int `json:"completion_tokens" validate:"required,gte=0"`
	TotalTokens      int  `json:"total_tokens" validate:"omitempty,gte=0"`

	LatencyMs          *int64 `json:"latency_ms" validate:"required,gte=0"`
	TimeToFirstTokenMs int64  `json:"time_to_first_token_ms" validate:"omitempty,gte=0"`

	Temperature float64 `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   int     `json:"max_tokens" validate:"omitempty,gte=0"`
	TopP        float64 `json:"top_p" validate:"omitempty,gte=0,lte=1"`

	Status       string `json:"status" validate:"omitempty,oneof=success error timeout rate_limited"`
	ErrorMessage string `json:"error_message" validate:"omitempty,max=2000"`

	// A supplied cost is stored as-is; the price table only fills the gap.
	CostUSD *float64 `json:"cost_usd" validate:"omitempty,gte=0"`

	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}

// toEvent builds the canonical event. Identity defaults and derived
// fields are filled by the enricher, not here.
func (req *IngestEventRequest) toEvent() *eventprocessor.UsageEvent {
	event := &eventprocessor.UsageEvent{
		SchemaVersion:      eventprocessor.SchemaVersion,
		Model:              *req.Model,
		Provider:           *req.Provider,
		Endpoint:           req.Endpoint,
		TenantID:           req.TenantID,
		ProjectID:          req.ProjectID,
		UserID:             req.UserID,
		SessionID:          req.SessionID,
		PromptTokens:       *req.PromptTokens,
		CompletionTokens:   *req.CompletionTokens,
		TotalTokens:        req.TotalTokens,
		LatencyMs:          *req.LatencyMs,
		TimeToFirstTokenMs: req.TimeToFirstTokenMs,
		Temperature:        req.Temperature,
		MaxTokens:          req.MaxTokens,
		TopP:               req.TopP,
		Status:             req.Status,
		ErrorMessage:       req.ErrorMessage,
		Prompt:             req.Prompt,
		Response:           req.Response,
	}
	if req.ID != nil {
		event.ID = *req.ID
	}
	if req.Timestamp != nil {
		event.Timestamp = req.Timestamp.UTC()
	}
	if req.CostUSD != nil {
		event.CostUSD = *req.CostUSD
	}
	return event
}

// rateLimitKey identifies the caller for the per-tenant token bucket.
// The API key wins over the declared tenant so a shared tenant ID
// cannot be used to starve other keys.
func rateLimitKey(r *http.Request, tenantID string) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return "key:" + key
	}
	if tenantID != "" {
		return "tenant:" + tenantID
	}
	return "addr:" + r.RemoteAddr
}

// ingestRejection is why a single event was refused: the HTTP status it
// maps to, an optional Retry-After value, and the API error payload.
type ingestRejection struct {
	status     int
	retryAfter int64
	apiErr     *models.APIError
}

// ingestOne validates, rate-limits, and enriches one request. It returns
// the canonical event, or the rejection the caller should report.
func (h *Handler) ingestOne(r *http.Request, req *IngestEventRequest) (*eventprocessor.UsageEvent, *ingestRejection) {
	if verr := validation.ValidateStruct(req); verr != nil {
		metrics.RecordEventRejected("validation")
		apiErr := verr.ToAPIError()
		return nil, &ingestRejection{
			status: http.StatusBadRequest,
			apiErr: &models.APIError{
				Code:    apiErr.Code,
				Message: apiErr.Message,
				Details: apiErr.Details,
			},
		}
	}

	if h.limiter != nil {
		decision := h.limiter.Allow(rateLimitKey(r, req.TenantID))
		if !decision.Allowed {
			metrics.RecordRateLimitHit("tenant")
			return nil, &ingestRejection{
				status:     http.StatusTooManyRequests,
				retryAfter: int64(decision.RetryAfter/time.Second) + 1,
				apiErr: &models.APIError{
					Code:    "RATE_LIMIT_EXCEEDED",
					Message: "Event rate limit exceeded, retry later",
				},
			}
		}
	}

	event := req.toEvent()
	if err := h.enricher.Enrich(event); err != nil {
		metrics.RecordEventRejected("enrichment")
		var verr *eventprocessor.ValidationError
		if errors.As(err, &verr) {
			return nil, &ingestRejection{
				status: http.StatusBadRequest,
				apiErr: &models.APIError{
					Code:    "VALIDATION_ERROR",
					Message: verr.Error(),
					Details: map[string]interface{}{"field": verr.Field},
				},
			}
		}
		return nil, &ingestRejection{
			status: http.StatusBadRequest,
			apiErr: &models.APIError{Code: "VALIDATION_ERROR", Message: "Event rejected"},
		}
	}

	return event, nil
}

func (h *Handler) respondRejection(w http.ResponseWriter, rej *ingestRejection) {
	if rej.retryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", rej.retryAfter))
	}
	if rej.status == http.StatusBadRequest {
		respondValidationError(w, rej.apiErr)
		return
	}
	respondError(w, rej.status, rej.apiErr.Code, rej.apiErr.Message, nil)
}

func decodeIngestBody(body []byte, dst interface{}) error {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

// IngestEvent handles POST /api/v1/events. The body is either a single
// event object or a JSON array of events. An accepted event is written
// to the WAL and published to JetStream; 202 means durably enqueued,
// not yet committed.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBodySize))
	if err != nil {
		metrics.RecordEventRejected("malformed_json")
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR",
			"Could not read request body: "+sanitizeLogValue(err.Error()), nil)
		return
	}

	if trimmed := bytes.TrimLeft(body, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
		h.ingestBatch(w, r, body)
		return
	}

	var req IngestEventRequest
	if err := decodeIngestBody(body, &req); err != nil {
		metrics.RecordEventRejected("malformed_json")
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR",
			"Request body is not valid JSON: "+sanitizeLogValue(err.Error()), nil)
		return
	}

	event, rej := h.ingestOne(r, &req)
	if rej != nil {
		h.respondRejection(w, rej)
		return
	}

	if err := h.publisher.PublishEvent(r.Context(), event); err != nil {
		metrics.RecordEventRejected("publish")
		respondError(w, http.StatusServiceUnavailable, "PUBLISH_ERROR",
			"Event could not be enqueued", err)
		return
	}

	metrics.RecordEventIngested()
	logging.Debug().
		Str("event_id", event.ID).
		Str("model", event.Model).
		Str("tenant_id", event.TenantID).
		Msg("event accepted")

	respondJSON(w, r, http.StatusAccepted, models.NewSuccessResponse(models.IngestAcceptedResponse{
		ID:     event.ID,
		Status: "accepted",
	}))
}

// ingestBatch handles an array body. Each event is validated, limited,
// and enriched on its own, so one bad event does not reject its
// siblings. The response carries a per-event result in request order.
func (h *Handler) ingestBatch(w http.ResponseWriter, r *http.Request, body []byte) {
	var reqs []IngestEventRequest
	if err := decodeIngestBody(body, &reqs); err != nil {
		metrics.RecordEventRejected("malformed_json")
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR",
			"Request body is not valid JSON: "+sanitizeLogValue(err.Error()), nil)
		return
	}
	if len(reqs) == 0 {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Batch is empty", nil)
		return
	}
	if len(reqs) > maxIngestBatchEvents {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR",
			fmt.Sprintf("Batch exceeds %d events", maxIngestBatchEvents), nil)
		return
	}

	resp := models.IngestBatchResponse{Results: make([]models.IngestResultDTO, len(reqs))}
	for i := range reqs {
		event, rej := h.ingestOne(r, &reqs[i])
		if rej != nil {
			resp.Rejected++
			resp.Results[i] = models.IngestResultDTO{Status: "rejected", Error: rej.apiErr}
			continue
		}
		if err := h.publisher.PublishEvent(r.Context(), event); err != nil {
			metrics.RecordEventRejected("publish")
			resp.Rejected++
			resp.Results[i] = models.IngestResultDTO{
				ID:     event.ID,
				Status: "rejected",
				Error:  &models.APIError{Code: "PUBLISH_ERROR", Message: "Event could not be enqueued"},
			}
			continue
		}
		metrics.RecordEventIngested()
		resp.Accepted++
		resp.Results[i] = models.IngestResultDTO{ID: event.ID, Status: "accepted"}
	}

	status := http.StatusAccepted
	envelope := models.NewSuccessResponse(resp)
	if resp.Accepted == 0 {
		// The per-event results still ride along so the caller can see
		// why each event was refused.
		status = http.StatusBadRequest
		envelope = models.NewErrorResponse("BATCH_REJECTED", "No events in the batch were accepted")
		envelope.Data = resp
	}
	logging.Debug().
		Int("accepted", resp.Accepted).
		Int("rejected", resp.Rejected).
		Msg("batch ingest")

	respondJSON(w, r, status, envelope)
}
