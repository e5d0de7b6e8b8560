// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

// Package main is the entry point for the LLMScope server.
//
// LLMScope is a self-hosted telemetry pipeline for LLM API calls. It
// ingests per-call usage events over HTTP, queues them durably through
// NATS JetStream, batches them into DuckDB, and serves usage analytics
// (token counts, cost, latency percentiles) over a REST API with live
// WebSocket fan-out.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered YAML file + environment variables (Koanf v2)
//  2. Database: DuckDB with the usage_events and usage_rollups schema
//  3. Pricing and detection: model price table, PII/injection scanner
//  4. Aggregation engine: in-memory rollup buckets flushed to DuckDB
//  5. Pipeline: embedded NATS JetStream, badger intake WAL, publisher
//     with circuit breaker, consumer with DLQ and auto-retry
//  6. HTTP server: ingest and query API with Prometheus metrics
//
// Long-running components run under a suture supervisor tree with
// three layers (data, pipeline, api) so a crash in one layer restarts
// only that layer.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (see .env.example)
//   - Config file (config.yaml)
//   - Built-in defaults
//
// # Degraded Modes
//
// The pipeline degrades gracefully when subsystems are disabled:
//   - NATS_ENABLED=false: ingest writes straight to the batch appender,
//     skipping the queue (no durability, useful for tests)
//   - WAL_ENABLED=false: events go to NATS without the crash-safe
//     intake log
//   - WEBSOCKET_ENABLED=false: no /ws endpoint
//
// # Signal Handling
//
// The server handles graceful shutdown on SIGINT and SIGTERM:
//   - Stops accepting new connections
//   - Drains the consumer and flushes the batch appender
//   - Flushes pending rollup buckets
//   - Closes the WAL, NATS components, and DuckDB
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/llmscope/internal/aggregate"
	"github.com/tomtom215/llmscope/internal/api"
	"github.com/tomtom215/llmscope/internal/config"
	"github.com/tomtom215/llmscope/internal/database"
	"github.com/tomtom215/llmscope/internal/detection"
	"github.com/tomtom215/llmscope/internal/eventprocessor"
	"github.com/tomtom215/llmscope/internal/logging"
	"github.com/tomtom215/llmscope/internal/pricing"
	"github.com/tomtom215/llmscope/internal/ratelimit"
	"github.com/tomtom215/llmscope/internal/supervisor"
	"github.com/tomtom215/llmscope/internal/websocket"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("db_path", cfg.Database.Path).
		Bool("nats", cfg.NATS.Enabled).
		Bool("wal", cfg.WAL.Enabled).
		Str("environment", cfg.Server.Environment).
		Msg("Starting LLMScope")

	db, err := database.New(cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()
	logging.Info().Msg("Database initialized")

	prices, err := pricing.LoadTable(cfg.Pricing.TablePath)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Pricing.TablePath).Msg("Failed to load price table")
	}
	if cfg.Pricing.TablePath != "" {
		logging.Info().Str("path", cfg.Pricing.TablePath).Int("models", len(prices.Models())).Msg("Price table loaded")
	}

	scanner := detection.NewScanner(cfg.Detection.Enabled)
	enricher := eventprocessor.NewEnricher(prices, scanner)

	engine, err := aggregate.NewEngine(db, aggregate.Config{
		FlushInterval: cfg.Aggregate.FlushInterval,
		ShardCount:    cfg.Aggregate.Shards,
		ReservoirSize: cfg.Aggregate.ReservoirSize,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create aggregation engine")
	}

	appender, err := eventprocessor.NewAppender(db, eventprocessor.AppenderConfig{
		BatchSize:     cfg.Worker.BatchSize,
		FlushInterval: cfg.Worker.FlushInterval,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create batch appender")
	}

	var hub *websocket.Hub
	if cfg.WebSocket.Enabled {
		hub = websocket.NewHub()
	}

	// Committed batches feed the rollup engine and the live WebSocket
	// stream from a single hook so both see the same events.
	appender.SetFlushHook(func(events []*eventprocessor.UsageEvent) {
		engine.ApplyAll(events)
		if hub != nil {
			hub.BroadcastCommitted(events)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bridge zerolog to slog for sutureslog
	slogLogger := logging.NewSlogLogger()

	tree, err := supervisor.NewTree(slogLogger, supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	pipeline, err := initPipeline(ctx, cfg, appender)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize event pipeline")
	}
	defer pipeline.Close()

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
			IdleTTL:           cfg.RateLimit.IdleTTL,
			CleanupInterval:   cfg.RateLimit.CleanupInterval,
		})
	}

	handler := api.NewHandler(db, engine, pipeline.IngestPublisher, enricher, api.HandlerConfig{
		DefaultLimit: cfg.API.DefaultLimit,
		MaxLimit:     cfg.API.MaxLimit,
	})
	handler.SetPipeline(pipeline.Stats, appender, pipeline.WALStats)
	handler.SetHub(hub)
	handler.SetRateLimiter(limiter)

	middleware := api.NewChiMiddleware(api.ChiMiddlewareConfig{
		CORSAllowedOrigins: cfg.Server.CORSOrigins,
		RateLimitRequests:  cfg.RateLimit.IPRequestLimit,
		RateLimitWindow:    cfg.RateLimit.IPWindowLength,
		RateLimitDisabled:  !cfg.RateLimit.Enabled,
		Production:         cfg.Server.Environment == "production",
	})

	router := api.NewRouter(handler, middleware)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	// === ADD SERVICES TO SUPERVISOR TREE ===

	tree.AddDataService(engine)
	pipeline.AddDataServices(tree, cfg)
	pipeline.AddPipelineServices(tree)
	if hub != nil {
		tree.AddPipelineService(hub)
		logging.Info().Msg("WebSocket hub added to supervisor tree")
	}
	if limiter != nil {
		tree.AddPipelineService(limiter)
	}
	tree.AddAPIService(supervisor.NewHTTPServerService(server, cfg.Server.Timeout))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	// The appender runs its own flush loop; it is closed explicitly
	// after the tree stops so the final partial batch is committed.
	if err := appender.Start(ctx); err != nil {
		logging.Fatal().Err(err).Msg("Failed to start batch appender")
	}

	// === START SUPERVISOR TREE ===

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	if err := appender.Close(); err != nil {
		logging.Error().Err(err).Msg("Error closing batch appender")
	}

	// The appender's closing flush can apply events to the rollup engine
	// after the engine's own final flush has run, so flush once more.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := engine.Flush(flushCtx); err != nil {
		logging.Error().Err(err).Msg("Error flushing rollups at shutdown")
	}
	flushCancel()

	logging.Info().Msg("LLMScope stopped gracefully")
}
