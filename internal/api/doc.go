// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

// Package api implements the HTTP surface: event ingestion, usage
// queries, pipeline introspection, and the live WebSocket stream.
//
// Routes are grouped by concern on a chi router:
//
//	POST /api/v1/events         ingest one usage event (202 on accept)
//	GET  /api/v1/events/recent  recently committed events from DuckDB
//	GET  /api/v1/usage          hourly/daily rollups, live and persisted
//	GET  /api/v1/queue/stats    consumer, appender, WAL, and DLQ counters
//	GET  /api/v1/dlq            dead letter entries (+ get/retry/delete)
//	GET  /api/v1/health/live    liveness
//	GET  /api/v1/health/ready   readiness (pings DuckDB)
//	GET  /ws                    WebSocket fan-out of committed events
//	GET  /metrics               Prometheus metrics
//
// Ingestion is write-side only: an accepted event is enqueued through
// the WAL-backed publisher and becomes visible to the read endpoints
// after the pipeline commits it. Per-tenant token bucket rate limiting
// runs inside the ingest handler; per-IP limiting runs in middleware.
package api
