// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	deps := newTestHandler(t)

	rec := doRequest(t, deps.handler, http.MethodGet, "/api/v1/health/live", "")
	headers := rec.Header()
	if headers.Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", headers.Get("X-Content-Type-Options"))
	}
	if headers.Get("X-Frame-Options") != "DENY" {
		t.Errorf("X-Frame-Options = %q", headers.Get("X-Frame-Options"))
	}
	if headers.Get("Referrer-Policy") != "strict-origin-when-cross-origin" {
		t.Errorf("Referrer-Policy = %q", headers.Get("Referrer-Policy"))
	}
}

func TestHSTSOnlyInProductionOverTLS(t *testing.T) {
	m := NewChiMiddleware(ChiMiddlewareConfig{Production: true})
	handler := m.APISecurityHeaders()(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health/live", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS should not be set on plain HTTP")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/health/live", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Error("HSTS should be set behind an HTTPS proxy in production")
	}
}

func TestRequestIDGenerated(t *testing.T) {
	deps := newTestHandler(t)

	rec := doRequest(t, deps.handler, http.MethodGet, "/api/v1/health/live", "")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("response should carry a generated X-Request-ID")
	}
}

func TestRequestIDHonorsClientValue(t *testing.T) {
	deps := newTestHandler(t)
	router := NewRouter(deps.handler, NewChiMiddleware(ChiMiddlewareConfig{RateLimitDisabled: true}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health/live", nil)
	req.Header.Set("X-Request-ID", "client-id-1")
	rec := httptest.NewRecorder()
	router.Setup().ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") != "client-id-1" {
		t.Errorf("X-Request-ID = %q, want client-id-1", rec.Header().Get("X-Request-ID"))
	}
}

func TestGetResponsesCarryETag(t *testing.T) {
	deps := newTestHandler(t)

	first := doRequest(t, deps.handler, http.MethodGet, "/api/v1/events/recent", "")
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", first.Code)
	}
	if first.Header().Get("ETag") == "" {
		t.Error("GET response should carry an ETag")
	}
	if first.Header().Get("Cache-Control") == "" {
		t.Error("GET response should carry Cache-Control")
	}
}

func TestIPRateLimit(t *testing.T) {
	m := NewChiMiddleware(DefaultChiMiddlewareConfig())
	handler := m.RateLimitCustom(RateLimitConfig{Requests: 2, Window: time.Minute})(okHandler())

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/usage", nil)
		req.RemoteAddr = "198.51.100.7:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", last)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	m := NewChiMiddleware(ChiMiddlewareConfig{RateLimitDisabled: true})
	handler := m.RateLimitCustom(RateLimitConfig{Requests: 1, Window: time.Minute})(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/usage", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200 with limiter disabled", i, rec.Code)
		}
	}
}

func TestStatusResponseWriterCapturesFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusResponseWriter{ResponseWriter: rec, status: http.StatusOK}

	sw.WriteHeader(http.StatusNotFound)
	sw.WriteHeader(http.StatusInternalServerError)

	if sw.status != http.StatusNotFound {
		t.Errorf("status = %d, want first write 404", sw.status)
	}
}

func TestSanitizeLogValue(t *testing.T) {
	got := sanitizeLogValue("line1\nline2\x00evil")
	if got != "line1 line2 evil" {
		t.Errorf("sanitized = %q", got)
	}
}
