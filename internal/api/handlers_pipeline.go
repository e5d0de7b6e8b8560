// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/llmscope/internal/eventprocessor"
	"github.com/tomtom215/llmscope/internal/logging"
	"github.com/tomtom215/llmscope/internal/metrics"
	"github.com/tomtom215/llmscope/internal/models"
)

// QueueStats handles GET /api/v1/queue/stats.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	if h.consumer == nil || h.appender == nil {
		respondError(w, http.StatusServiceUnavailable, "PIPELINE_UNAVAILABLE",
			"Pipeline introspection is not wired", nil)
		return
	}

	cs := h.consumer.Stats()
	as := h.appender.Stats()
	ds := h.consumer.DLQStats()

	resp := models.QueueStatsResponse{
		Consumer: models.ConsumerStatsDTO{
			Running:           h.consumer.IsRunning(),
			MessagesReceived:  cs.MessagesReceived,
			MessagesProcessed: cs.MessagesProcessed,
			ParseErrors:       cs.ParseErrors,
			DuplicatesSkipped: cs.DuplicatesSkipped,
			MessagesSentToDLQ: cs.MessagesSentToDLQ,
			LastMessageTime:   cs.LastMessageTime,
		},
		Appender: models.AppenderStatsDTO{
			EventsReceived: as.EventsReceived,
			EventsFlushed:  as.EventsFlushed,
			FlushCount:     as.FlushCount,
			ErrorCount:     as.ErrorCount,
			BufferSize:     as.BufferSize,
			LastFlushTime:  as.LastFlushTime,
			AvgFlushMs:     as.AvgFlushTime.Milliseconds(),
		},
		DLQ: dlqStatsDTO(ds),
	}

	if h.wal != nil {
		resp.WALPending = h.wal.Stats().PendingCount
	}
	if h.hub != nil {
		resp.WebSocketClients = h.hub.ClientCount()
	}

	respondJSON(w, r, http.StatusOK, models.NewSuccessResponse(resp))
}

func dlqStatsDTO(ds eventprocessor.DLQStats) models.DLQStatsDTO {
	byCategory := make(map[string]int64, len(ds.EntriesByCategory))
	for category, count := range ds.EntriesByCategory {
		byCategory[category.String()] = count
	}
	return models.DLQStatsDTO{
		TotalEntries:      ds.TotalEntries,
		TotalAdded:        ds.TotalAdded,
		TotalRemoved:      ds.TotalRemoved,
		TotalRetries:      ds.TotalRetries,
		TotalExpired:      ds.TotalExpired,
		OldestEntry:       ds.OldestEntry,
		EntriesByCategory: byCategory,
	}
}

func dlqEntryResponse(entry *eventprocessor.DLQEntry) models.DLQEntryResponse {
	resp := models.DLQEntryResponse{
		MessageID:        entry.MessageID,
		Category:         entry.Category.String(),
		OriginalError:    entry.OriginalError,
		LastError:        entry.LastError,
		DeliveryAttempts: entry.DeliveryAttempts,
		RetryCount:       entry.RetryCount,
		FirstFailure:     entry.FirstFailure,
		LastFailure:      entry.LastFailure,
		NextRetry:        entry.NextRetry,
	}
	if entry.Event != nil {
		resp.EventID = entry.Event.ID
		resp.Model = entry.Event.Model
		resp.Provider = entry.Event.Provider
		resp.TenantID = entry.Event.TenantID
	}
	return resp
}

// dlqEntriesResponse is the payload of GET /api/v1/dlq.
type dlqEntriesResponse struct {
	Entries []models.DLQEntryResponse `json:"entries"`
	Count   int                       `json:"count"`
}

// DLQList handles GET /api/v1/dlq.
func (h *Handler) DLQList(w http.ResponseWriter, r *http.Request) {
	dlq := h.dlqHandler()
	if dlq == nil {
		respondError(w, http.StatusServiceUnavailable, "DLQ_UNAVAILABLE",
			"Dead letter queue is not enabled", nil)
		return
	}

	entries := dlq.ListEntries()
	out := make([]models.DLQEntryResponse, len(entries))
	for i, entry := range entries {
		out[i] = dlqEntryResponse(entry)
	}

	respondJSON(w, r, http.StatusOK, models.NewSuccessResponse(dlqEntriesResponse{
		Entries: out,
		Count:   len(out),
	}))
}

// DLQGet handles GET /api/v1/dlq/{eventID}.
func (h *Handler) DLQGet(w http.ResponseWriter, r *http.Request) {
	dlq := h.dlqHandler()
	if dlq == nil {
		respondError(w, http.StatusServiceUnavailable, "DLQ_UNAVAILABLE",
			"Dead letter queue is not enabled", nil)
		return
	}

	eventID := chi.URLParam(r, "eventID")
	entry := dlq.GetEntry(eventID)
	if entry == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "DLQ entry not found", nil)
		return
	}

	respondJSON(w, r, http.StatusOK, models.NewSuccessResponse(dlqEntryResponse(entry)))
}

// DLQDelete handles DELETE /api/v1/dlq/{eventID}.
func (h *Handler) DLQDelete(w http.ResponseWriter, r *http.Request) {
	dlq := h.dlqHandler()
	if dlq == nil {
		respondError(w, http.StatusServiceUnavailable, "DLQ_UNAVAILABLE",
			"Dead letter queue is not enabled", nil)
		return
	}

	eventID := chi.URLParam(r, "eventID")
	if !dlq.RemoveEntry(eventID) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "DLQ entry not found", nil)
		return
	}

	logging.Info().Str("event_id", sanitizeLogValue(eventID)).Msg("DLQ entry deleted")
	respondJSON(w, r, http.StatusOK, models.NewSuccessResponse(map[string]string{
		"event_id": eventID,
		"status":   "deleted",
	}))
}

// DLQRetry handles POST /api/v1/dlq/{eventID}/retry. The entry's event
// is re-published through the pipeline and removed from the queue on
// success.
func (h *Handler) DLQRetry(w http.ResponseWriter, r *http.Request) {
	dlq := h.dlqHandler()
	if dlq == nil {
		respondError(w, http.StatusServiceUnavailable, "DLQ_UNAVAILABLE",
			"Dead letter queue is not enabled", nil)
		return
	}

	eventID := chi.URLParam(r, "eventID")
	entry := dlq.GetEntry(eventID)
	if entry == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "DLQ entry not found", nil)
		return
	}
	if entry.Event == nil {
		respondError(w, http.StatusConflict, "RETRY_FAILED",
			"DLQ entry has no event payload to retry", nil)
		return
	}

	if err := h.publisher.PublishEvent(r.Context(), entry.Event); err != nil {
		dlq.IncrementRetry(eventID, err)
		metrics.RecordDLQRetry(false)
		respondError(w, http.StatusServiceUnavailable, "RETRY_FAILED",
			"Event could not be re-enqueued", err)
		return
	}

	dlq.RemoveEntry(eventID)
	metrics.RecordDLQRetry(true)
	logging.Info().Str("event_id", sanitizeLogValue(eventID)).Msg("DLQ entry retried")
	respondJSON(w, r, http.StatusOK, models.NewSuccessResponse(map[string]string{
		"event_id": eventID,
		"status":   "requeued",
	}))
}

func (h *Handler) dlqHandler() *eventprocessor.DLQHandler {
	if h.consumer == nil {
		return nil
	}
	return h.consumer.DLQ()
}
