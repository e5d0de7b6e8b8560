// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router assembles the chi routing tree around a Handler.
type Router struct {
	handler    *Handler
	middleware *ChiMiddleware
}

// NewRouter creates a Router with the given handler and middleware.
func NewRouter(handler *Handler, middleware *ChiMiddleware) *Router {
	if middleware == nil {
		middleware = NewChiMiddleware(DefaultChiMiddlewareConfig())
	}
	return &Router{handler: handler, middleware: middleware}
}

// Setup builds the full routing tree. Route groups carry their own
// rate limit presets; /metrics and /ws stay outside the API group so
// scrapes and long-lived sockets skip the API middleware.
func (rt *Router) Setup() http.Handler {
	m := rt.middleware
	h := rt.handler

	r := chi.NewRouter()
	r.Use(m.RequestID())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(m.CORS())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(m.APISecurityHeaders())

		r.Group(func(r chi.Router) {
			r.Use(m.RateLimitCustom(RateLimitIngest))
			r.Use(m.Metrics("/api/v1/events"))
			r.Post("/events", h.IngestEvent)
		})

		r.Group(func(r chi.Router) {
			r.Use(m.RateLimitCustom(RateLimitQuery))

			r.With(m.Metrics("/api/v1/events/recent")).
				Get("/events/recent", h.RecentEvents)
			r.With(m.Metrics("/api/v1/usage")).
				Get("/usage", h.Usage)
			r.With(m.Metrics("/api/v1/queue/stats")).
				Get("/queue/stats", h.QueueStats)

			r.Route("/dlq", func(r chi.Router) {
				r.Use(m.Metrics("/api/v1/dlq"))
				r.Get("/", h.DLQList)
				r.Get("/{eventID}", h.DLQGet)
				r.Delete("/{eventID}", h.DLQDelete)
				r.Post("/{eventID}/retry", h.DLQRetry)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(m.RateLimitCustom(RateLimitHealth))
			r.Get("/health/live", h.HealthLive)
			r.Get("/health/ready", h.HealthReady)
		})
	})

	r.Get("/ws", h.WebSocket)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
