// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

package api

import (
	"context"
	"net/http"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/tomtom215/llmscope/internal/aggregate"
	"github.com/tomtom215/llmscope/internal/database"
	"github.com/tomtom215/llmscope/internal/eventprocessor"
	"github.com/tomtom215/llmscope/internal/logging"
	"github.com/tomtom215/llmscope/internal/models"
	"github.com/tomtom215/llmscope/internal/ratelimit"
	"github.com/tomtom215/llmscope/internal/wal"
	"github.com/tomtom215/llmscope/internal/websocket"
)

// EventStore is the read-side view of committed events.
// *database.DB satisfies it.
type EventStore interface {
	RecentEvents(ctx context.Context, filter database.RecentEventsFilter) ([]*eventprocessor.UsageEvent, error)
	CountUsageEvents(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// UsageQuerier answers rollup queries, merging live and persisted
// buckets. *aggregate.Engine satisfies it.
type UsageQuerier interface {
	Query(ctx context.Context, q aggregate.Query) ([]*aggregate.Rollup, error)
}

// EventPublisher enqueues accepted events into the pipeline.
// *eventprocessor.WALPublisher satisfies it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *eventprocessor.UsageEvent) error
}

// PipelineStats exposes consumer and DLQ counters for introspection.
// *eventprocessor.UsageConsumer satisfies it.
type PipelineStats interface {
	IsRunning() bool
	Stats() eventprocessor.ConsumerStats
	DLQStats() eventprocessor.DLQStats
	DLQ() *eventprocessor.DLQHandler
}

// AppenderStats exposes batch appender counters.
// *eventprocessor.Appender satisfies it.
type AppenderStats interface {
	Stats() eventprocessor.AppenderStats
}

// WALStats exposes write-ahead log counters. *wal.WAL satisfies it.
type WALStats interface {
	Stats() wal.Stats
}

// HandlerConfig holds query-side limits.
type HandlerConfig struct {
	// DefaultLimit and MaxLimit bound recent-events page sizes.
	DefaultLimit int
	MaxLimit     int
}

// Handler holds the dependencies for all HTTP handlers. Optional
// dependencies (hub, limiter, wal) may be nil; the affected endpoints
// degrade rather than fail.
type Handler struct {
	store     EventStore
	usage     UsageQuerier
	publisher EventPublisher
	enricher  *eventprocessor.Enricher
	consumer  PipelineStats
	appender  AppenderStats
	wal       WALStats
	hub       *websocket.Hub
	limiter   *ratelimit.Limiter
	config    HandlerConfig
	upgrader  gws.Upgrader
}

// NewHandler creates a Handler. store, usage, publisher, and enricher
// are required for the endpoints that use them; the rest are optional.
func NewHandler(store EventStore, usage UsageQuerier, publisher EventPublisher, enricher *eventprocessor.Enricher, cfg HandlerConfig) *Handler {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 100
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 1000
	}
	return &Handler{
		store:     store,
		usage:     usage,
		publisher: publisher,
		enricher:  enricher,
		config:    cfg,
		upgrader: gws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Cross-origin dashboards are expected; auth is out of scope here
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetPipeline wires the pipeline introspection sources.
func (h *Handler) SetPipeline(consumer PipelineStats, appender AppenderStats, wal WALStats) {
	h.consumer = consumer
	h.appender = appender
	h.wal = wal
}

// SetHub wires the WebSocket hub. Nil disables /ws.
func (h *Handler) SetHub(hub *websocket.Hub) {
	h.hub = hub
}

// SetRateLimiter wires the per-tenant ingest limiter. Nil disables it.
func (h *Handler) SetRateLimiter(limiter *ratelimit.Limiter) {
	h.limiter = limiter
}

// HealthLive reports process liveness.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, models.NewSuccessResponse(models.HealthResponse{Status: "ok"}))
}

// HealthReady reports readiness: the database must answer a ping and
// the consumer, when wired, must be running.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if err := h.store.Ping(ctx); err != nil {
		checks["database"] = "unreachable"
		healthy = false
	} else {
		checks["database"] = "ok"
	}

	if h.consumer != nil {
		if h.consumer.IsRunning() {
			checks["consumer"] = "ok"
		} else {
			checks["consumer"] = "stopped"
			healthy = false
		}
	}

	if !healthy {
		respondJSON(w, r, http.StatusServiceUnavailable, &models.APIResponse{
			Status:   "error",
			Data:     models.HealthResponse{Status: "degraded", Checks: checks},
			Metadata: models.Metadata{Timestamp: time.Now().UTC()},
		})
		return
	}
	respondJSON(w, r, http.StatusOK, models.NewSuccessResponse(models.HealthResponse{Status: "ok", Checks: checks}))
}

// WebSocket upgrades the connection and registers the client with the
// hub. Returns 503 when the hub is not running.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		respondError(w, http.StatusServiceUnavailable, "WEBSOCKET_UNAVAILABLE",
			"Live event stream is not enabled", nil)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		logging.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := websocket.NewClient(h.hub, conn)
	h.hub.Register <- client
	client.Start()
}
