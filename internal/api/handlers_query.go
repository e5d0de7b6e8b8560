// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

package api

import (
	"net/http"
	"time"

	"github.com/tomtom215/llmscope/internal/aggregate"
	"github.com/tomtom215/llmscope/internal/database"
	"github.com/tomtom215/llmscope/internal/eventprocessor"
	"github.com/tomtom215/llmscope/internal/models"
)

// recentEventsResponse is the payload of GET /api/v1/events/recent.
type recentEventsResponse struct {
	Events []*eventprocessor.UsageEvent `json:"events"`
	Count  int                          `json:"count"`
}

// RecentEvents handles GET /api/v1/events/recent. Only committed events
// are visible; an accepted-but-unflushed event does not appear here.
func (h *Handler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", h.config.DefaultLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	if limit < 1 {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be positive", nil)
		return
	}
	if limit > h.config.MaxLimit {
		limit = h.config.MaxLimit
	}

	since, err := queryTime(r, "since")
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	q := r.URL.Query()
	filter := database.RecentEventsFilter{
		TenantID:  q.Get("tenant_id"),
		ProjectID: q.Get("project_id"),
		Model:     q.Get("model"),
		Provider:  q.Get("provider"),
		Since:     since,
		Limit:     limit,
	}

	events, err := h.store.RecentEvents(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR",
			"Failed to query recent events", err)
		return
	}

	respondJSON(w, r, http.StatusOK, models.NewSuccessResponse(recentEventsResponse{
		Events: events,
		Count:  len(events),
	}))
}

// usageResponse is the payload of GET /api/v1/usage.
type usageResponse struct {
	Granularity string              `json:"granularity"`
	Rollups     []*aggregate.Rollup `json:"rollups"`
	Count       int                 `json:"count"`
}

// Usage handles GET /api/v1/usage. Results merge live in-memory buckets
// with persisted rollups; raw events are never scanned.
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	granularity := aggregate.Granularity(q.Get("granularity"))
	if granularity == "" {
		granularity = aggregate.GranularityHour
	}

	start, err := queryTime(r, "start")
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	end, err := queryTime(r, "end")
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	// Default window: the trailing 24 hours or 30 days
	if start.IsZero() && end.IsZero() {
		end = time.Now().UTC()
		if granularity == aggregate.GranularityDay {
			start = end.Add(-30 * 24 * time.Hour)
		} else {
			start = end.Add(-24 * time.Hour)
		}
	}

	query := aggregate.Query{
		Granularity: granularity,
		Start:       start,
		End:         end,
		TenantID:    q.Get("tenant_id"),
		ProjectID:   q.Get("project_id"),
		Model:       q.Get("model"),
	}
	if err := query.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	rollups, err := h.usage.Query(r.Context(), query)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR",
			"Failed to query usage rollups", err)
		return
	}

	respondJSON(w, r, http.StatusOK, models.NewSuccessResponse(usageResponse{
		Granularity: string(granularity),
		Rollups:     rollups,
		Count:       len(rollups),
	}))
}
