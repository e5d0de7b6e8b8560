// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// Routes every endpoint through the full middleware stack.
func TestRouterRoutes(t *testing.T) {
	deps := newTestHandler(t)
	wirePipeline(t, deps)
	router := NewRouter(deps.handler, NewChiMiddleware(ChiMiddlewareConfig{RateLimitDisabled: true}))
	handler := router.Setup()

	tests := []struct {
		method string
		target string
		body   string
		want   int
	}{
		{http.MethodPost, "/api/v1/events", validIngestBody, http.StatusAccepted},
		{http.MethodGet, "/api/v1/events/recent", "", http.StatusOK},
		{http.MethodGet, "/api/v1/usage", "", http.StatusOK},
		{http.MethodGet, "/api/v1/queue/stats", "", http.StatusOK},
		{http.MethodGet, "/api/v1/dlq", "", http.StatusOK},
		{http.MethodGet, "/api/v1/health/live", "", http.StatusOK},
		{http.MethodGet, "/api/v1/health/ready", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodGet, "/api/v1/nope", "", http.StatusNotFound},
		{http.MethodGet, "/api/v1/events", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d\nbody: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestRouterRecoversFromPanic(t *testing.T) {
	deps := newTestHandler(t)
	// A nil usage querier panics inside the handler; Recoverer turns it
	// into a 500 instead of killing the server
	deps.handler.usage = nil
	router := NewRouter(deps.handler, NewChiMiddleware(ChiMiddlewareConfig{RateLimitDisabled: true}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/usage", nil)
	rec := httptest.NewRecorder()
	router.Setup().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestRouterCORSPreflight(t *testing.T) {
	deps := newTestHandler(t)
	router := NewRouter(deps.handler, NewChiMiddleware(DefaultChiMiddlewareConfig()))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/usage", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	router.Setup().ServeHTTP(rec, req)

	if rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("preflight should allow the origin")
	}
}
