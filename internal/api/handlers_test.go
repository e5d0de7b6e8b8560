// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/llmscope/internal/aggregate"
	"github.com/tomtom215/llmscope/internal/database"
	"github.com/tomtom215/llmscope/internal/eventprocessor"
)

// mockStore is an in-memory EventStore capturing the last filter.
type mockStore struct {
	mu         sync.Mutex
	events     []*eventprocessor.UsageEvent
	lastFilter database.RecentEventsFilter
	failQuery  bool
	failPing   bool
}

func (s *mockStore) RecentEvents(_ context.Context, filter database.RecentEventsFilter) ([]*eventprocessor.UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFilter = filter
	if s.failQuery {
		return nil, errors.New("query failed")
	}
	return s.events, nil
}

func (s *mockStore) CountUsageEvents(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.events)), nil
}

func (s *mockStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPing {
		return errors.New("ping failed")
	}
	return nil
}

func (s *mockStore) filter() database.RecentEventsFilter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFilter
}

// mockQuerier is a canned UsageQuerier capturing the last query.
type mockQuerier struct {
	mu        sync.Mutex
	rollups   []*aggregate.Rollup
	lastQuery aggregate.Query
	fail      bool
}

func (q *mockQuerier) Query(_ context.Context, query aggregate.Query) ([]*aggregate.Rollup, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lastQuery = query
	if q.fail {
		return nil, errors.New("query failed")
	}
	return q.rollups, nil
}

func (q *mockQuerier) query() aggregate.Query {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastQuery
}

// mockPublisher records published events and can fail on demand.
type mockPublisher struct {
	mu        sync.Mutex
	published []*eventprocessor.UsageEvent
	fail      bool
}

func (p *mockPublisher) PublishEvent(_ context.Context, event *eventprocessor.UsageEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("publish failed")
	}
	p.published = append(p.published, event)
	return nil
}

func (p *mockPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func (p *mockPublisher) last() *eventprocessor.UsageEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.published) == 0 {
		return nil
	}
	return p.published[len(p.published)-1]
}

// mockConsumer satisfies PipelineStats around a real DLQ handler.
type mockConsumer struct {
	running bool
	stats   eventprocessor.ConsumerStats
	dlq     *eventprocessor.DLQHandler
}

func (c *mockConsumer) IsRunning() bool                         { return c.running }
func (c *mockConsumer) Stats() eventprocessor.ConsumerStats     { return c.stats }
func (c *mockConsumer) DLQ() *eventprocessor.DLQHandler         { return c.dlq }
func (c *mockConsumer) DLQStats() eventprocessor.DLQStats {
	if c.dlq == nil {
		return eventprocessor.DLQStats{}
	}
	return c.dlq.Stats()
}

// mockAppender satisfies AppenderStats with canned counters.
type mockAppender struct {
	stats eventprocessor.AppenderStats
}

func (a *mockAppender) Stats() eventprocessor.AppenderStats { return a.stats }

// testDeps bundles the handler with its mocks.
type testDeps struct {
	handler   *Handler
	store     *mockStore
	querier   *mockQuerier
	publisher *mockPublisher
}

func newTestHandler(t *testing.T) *testDeps {
	t.Helper()

	store := &mockStore{}
	querier := &mockQuerier{}
	publisher := &mockPublisher{}
	enricher := eventprocessor.NewEnricher(nil, nil)

	handler := NewHandler(store, querier, publisher, enricher, HandlerConfig{
		DefaultLimit: 100,
		MaxLimit:     1000,
	})
	return &testDeps{
		handler:   handler,
		store:     store,
		querier:   querier,
		publisher: publisher,
	}
}

// doRequest runs a request through the full router.
func doRequest(t *testing.T, handler *Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	router := NewRouter(handler, NewChiMiddleware(ChiMiddlewareConfig{RateLimitDisabled: true}))
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.Setup().ServeHTTP(rec, req)
	return rec
}

// decodeEnvelope parses the response envelope into a generic map.
func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var envelope map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("response is not valid JSON: %v\nbody: %s", err, rec.Body.String())
	}
	return envelope
}

func envelopeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	data, ok := decodeEnvelope(t, rec)["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("envelope has no data object: %s", rec.Body.String())
	}
	return data
}

func envelopeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	errObj, ok := decodeEnvelope(t, rec)["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("envelope has no error object: %s", rec.Body.String())
	}
	return errObj
}

func committedEvent(id string, at time.Time) *eventprocessor.UsageEvent {
	return &eventprocessor.UsageEvent{
		SchemaVersion:    eventprocessor.SchemaVersion,
		ID:               id,
		Timestamp:        at,
		Model:            "gpt-4",
		Provider:         eventprocessor.ProviderOpenAI,
		TenantID:         "acme",
		PromptTokens:     100,
		CompletionTokens: 50,
		TotalTokens:      150,
		LatencyMs:        1200,
		CostUSD:          0.006,
	}
}

func TestHealthLive(t *testing.T) {
	deps := newTestHandler(t)

	rec := doRequest(t, deps.handler, http.MethodGet, "/api/v1/health/live", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestHealthReadyChecksDatabase(t *testing.T) {
	deps := newTestHandler(t)

	rec := doRequest(t, deps.handler, http.MethodGet, "/api/v1/health/ready", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	deps.store.failPing = true
	rec = doRequest(t, deps.handler, http.MethodGet, "/api/v1/health/ready", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d with dead database, want 503", rec.Code)
	}
}

func TestHealthReadyChecksConsumer(t *testing.T) {
	deps := newTestHandler(t)
	deps.handler.SetPipeline(&mockConsumer{running: false}, &mockAppender{}, nil)

	rec := doRequest(t, deps.handler, http.MethodGet, "/api/v1/health/ready", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d with stopped consumer, want 503", rec.Code)
	}
}

func TestWebSocketWithoutHub(t *testing.T) {
	deps := newTestHandler(t)

	rec := doRequest(t, deps.handler, http.MethodGet, "/ws", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d without hub, want 503", rec.Code)
	}
}
