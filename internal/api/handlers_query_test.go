// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/tomtom215/llmscope/internal/aggregate"
	"github.com/tomtom215/llmscope/internal/eventprocessor"
)

func TestRecentEventsReturnsCommitted(t *testing.T) {
	deps := newTestHandler(t)
	now := time.Now().UTC()
	deps.store.events = []*eventprocessor.UsageEvent{
		committedEvent("evt-2", now),
		committedEvent("evt-1", now.Add(-time.Minute)),
	}

	rec := doRequest(t, deps.handler, http.MethodGet, "/api/v1/events/recent", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	data := envelopeData(t, rec)
	if data["count"] != float64(2) {
		t.Errorf("count = %v, want 2", data["count"])
	}
}

func TestRecentEventsPassesFilters(t *testing.T) {
	deps := newTestHandler(t)

	rec := doRequest(t, deps.handler, http.MethodGet,
		"/api/v1/events/recent?tenant_id=acme&model=gpt-4&provider=openai&limit=5&since=2026-03-01T00:00:00Z", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	filter := deps.store.filter()
	if filter.TenantID != "acme" || filter.Model != "gpt-4" || filter.Provider != "openai" {
		t.Errorf("filter = %+v", filter)
	}
	if filter.Limit != 5 {
		t.Errorf("limit = %d, want 5", filter.Limit)
	}
	if filter.Since.IsZero() {
		t.Error("since filter lost")
	}
}

func TestRecentEventsCapsLimit(t *testing.T) {
	deps := newTestHandler(t)

	rec := doRequest(t, deps.handler, http.MethodGet, "/api/v1/events/recent?limit=99999", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if deps.store.filter().Limit != 1000 {
		t.Errorf("limit = %d, want capped at 1000", deps.store.filter().Limit)
	}
}

func TestRecentEventsRejectsBadParams(t *testing.T) {
	deps := newTestHandler(t)

	tests := []struct {
		name   string
		target string
	}{
		{"non-integer limit", "/api/v1/events/recent?limit=abc"},
		{"negative limit", "/api/v1/events/recent?limit=-1"},
		{"bad since", "/api/v1/events/recent?since=yesterday"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, deps.handler, http.MethodGet, tt.target, "")
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestRecentEventsDatabaseError(t *testing.T) {
	deps := newTestHandler(t)
	deps.store.failQuery = true

	rec := doRequest(t, deps.handler, http.MethodGet, "/api/v1/events/recent", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if envelopeError(t, rec)["code"] != "DATABASE_ERROR" {
		t.Errorf("code = %v, want DATABASE_ERROR", envelopeError(t, rec)["code"])
	}
}

func TestUsageDefaultsToHourWindow(t *testing.T) {
	deps := newTestHandler(t)

	rec := doRequest(t, deps.handler, http.MethodGet, "/api/v1/usage", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200\nbody: %s", rec.Code, rec.Body.String())
	}

	q := deps.querier.query()
	if q.Granularity != aggregate.GranularityHour {
		t.Errorf("granularity = %q, want hour", q.Granularity)
	}
	window := q.End.Sub(q.Start)
	if window != 24*time.Hour {
		t.Errorf("default window = %v, want 24h", window)
	}
}

func TestUsageDayWindow(t *testing.T) {
	deps := newTestHandler(t)

	rec := doRequest(t, deps.handler, http.MethodGet, "/api/v1/usage?granularity=day", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	q := deps.querier.query()
	if q.Granularity != aggregate.GranularityDay {
		t.Errorf("granularity = %q, want day", q.Granularity)
	}
	if q.End.Sub(q.Start) != 30*24*time.Hour {
		t.Errorf("default day window = %v, want 30 days", q.End.Sub(q.Start))
	}
}

func TestUsagePassesFilters(t *testing.T) {
	deps := newTestHandler(t)

	rec := doRequest(t, deps.handler, http.MethodGet,
		"/api/v1/usage?granularity=hour&start=2026-03-01T00:00:00Z&end=2026-03-02T00:00:00Z&tenant_id=acme&project_id=chatbot&model=gpt-4", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	q := deps.querier.query()
	if q.TenantID != "acme" || q.ProjectID != "chatbot" || q.Model != "gpt-4" {
		t.Errorf("query filters = %+v", q)
	}
	if !q.Start.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", q.Start)
	}
}

func TestUsageRejectsInvalidParams(t *testing.T) {
	deps := newTestHandler(t)

	tests := []struct {
		name   string
		target string
	}{
		{"unknown granularity", "/api/v1/usage?granularity=week"},
		{"bad start", "/api/v1/usage?start=lastweek"},
		{"inverted range", "/api/v1/usage?start=2026-03-02T00:00:00Z&end=2026-03-01T00:00:00Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, deps.handler, http.MethodGet, tt.target, "")
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestUsageReturnsRollups(t *testing.T) {
	deps := newTestHandler(t)
	deps.querier.rollups = []*aggregate.Rollup{
		{
			Granularity:  aggregate.GranularityHour,
			BucketStart:  time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC),
			TenantID:     "acme",
			Model:        "gpt-4",
			RequestCount: 3,
			TotalTokens:  525,
		},
	}

	rec := doRequest(t, deps.handler, http.MethodGet, "/api/v1/usage", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	data := envelopeData(t, rec)
	if data["count"] != float64(1) {
		t.Errorf("count = %v, want 1", data["count"])
	}
	rollups, _ := data["rollups"].([]interface{})
	if len(rollups) != 1 {
		t.Fatalf("rollups = %v", data["rollups"])
	}
	first, _ := rollups[0].(map[string]interface{})
	if first["total_tokens"] != float64(525) {
		t.Errorf("total_tokens = %v, want 525", first["total_tokens"])
	}
}
