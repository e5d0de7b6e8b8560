// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker/v2"

	"github.com/tomtom215/llmscope/internal/api"
	"github.com/tomtom215/llmscope/internal/config"
	"github.com/tomtom215/llmscope/internal/eventprocessor"
	"github.com/tomtom215/llmscope/internal/logging"
	"github.com/tomtom215/llmscope/internal/metrics"
	"github.com/tomtom215/llmscope/internal/supervisor"
	"github.com/tomtom215/llmscope/internal/wal"
)

// Pipeline bundles the event pipeline components between the ingest API
// and the batch appender. With NATS disabled most fields are nil and
// IngestPublisher writes straight to the appender.
type Pipeline struct {
	// IngestPublisher is what the HTTP ingest handler publishes to.
	IngestPublisher api.EventPublisher

	// Stats backs /api/v1/queue/stats and the DLQ endpoints. Nil when
	// the queue pipeline is disabled.
	Stats api.PipelineStats

	// WALStats exposes intake WAL counters. Nil when the WAL is disabled.
	WALStats api.WALStats

	embedded   *eventprocessor.EmbeddedServer
	nc         *nats.Conn
	publisher  *eventprocessor.Publisher
	subscriber *eventprocessor.Subscriber
	consumer   *eventprocessor.UsageConsumer
	router     *eventprocessor.Router
	wal        *wal.WAL
	retryLoop  *eventprocessor.WALRetryLoop
	autoRetry  *eventprocessor.AutoRetryWorker
}

// syncPublisher is the degraded-mode publisher: accepted events bypass
// the queue and go straight to the batch appender.
type syncPublisher struct {
	appender *eventprocessor.Appender
}

func (p *syncPublisher) PublishEvent(ctx context.Context, event *eventprocessor.UsageEvent) error {
	return p.appender.Append(ctx, event)
}

// routerStats satisfies api.PipelineStats when consumption runs through
// the watermill router. Liveness comes from the router; counters and
// the DLQ come from the consumer, whose Handle method the router calls.
type routerStats struct {
	consumer *eventprocessor.UsageConsumer
	router   *eventprocessor.Router
}

func (s *routerStats) IsRunning() bool                     { return s.router.IsRunning() }
func (s *routerStats) Stats() eventprocessor.ConsumerStats { return s.consumer.Stats() }
func (s *routerStats) DLQStats() eventprocessor.DLQStats   { return s.consumer.DLQStats() }
func (s *routerStats) DLQ() *eventprocessor.DLQHandler     { return s.consumer.DLQ() }

// initPipeline wires the durable event pipeline: embedded NATS server,
// JetStream stream, publisher with circuit breaker, optional badger
// intake WAL, and the consumer feeding the batch appender.
func initPipeline(ctx context.Context, cfg *config.Config, appender *eventprocessor.Appender) (*Pipeline, error) {
	if !cfg.NATS.Enabled {
		logging.Warn().Msg("NATS disabled - ingest writes synchronously to the appender")
		return &Pipeline{IngestPublisher: &syncPublisher{appender: appender}}, nil
	}

	p := &Pipeline{}

	url := cfg.NATS.URL
	if cfg.NATS.EmbeddedServer {
		srvCfg := eventprocessor.DefaultServerConfig()
		if cfg.NATS.StoreDir != "" {
			srvCfg.StoreDir = cfg.NATS.StoreDir
		}
		if cfg.NATS.MaxMemory > 0 {
			srvCfg.JetStreamMaxMem = cfg.NATS.MaxMemory
		}
		if cfg.NATS.MaxStore > 0 {
			srvCfg.JetStreamMaxStore = cfg.NATS.MaxStore
		}

		embedded, err := eventprocessor.NewEmbeddedServer(&srvCfg)
		if err != nil {
			return nil, fmt.Errorf("start embedded NATS server: %w", err)
		}
		p.embedded = embedded
		url = embedded.ClientURL()
		logging.Info().Str("url", url).Str("store_dir", srvCfg.StoreDir).Msg("Embedded NATS server started")
	}

	nc, err := nats.Connect(url)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	p.nc = nc

	streamCfg := eventprocessor.DefaultStreamConfig()
	if cfg.NATS.StreamRetentionDays > 0 {
		streamCfg.MaxAge = time.Duration(cfg.NATS.StreamRetentionDays) * 24 * time.Hour
	}
	if cfg.NATS.DuplicatesWindow > 0 {
		streamCfg.DuplicateWindow = cfg.NATS.DuplicatesWindow
	}

	streamMgr, err := eventprocessor.NewStreamManager(nc, &streamCfg)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("create stream manager: %w", err)
	}
	if _, err := streamMgr.EnsureStream(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", streamCfg.Name, err)
	}
	logging.Info().Str("stream", streamCfg.Name).Dur("max_age", streamCfg.MaxAge).Msg("JetStream stream ready")

	wmLogger := watermill.NewSlogLogger(logging.NewSlogLogger())

	publisher, err := eventprocessor.NewPublisher(eventprocessor.DefaultPublisherConfig(url), wmLogger)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("create publisher: %w", err)
	}
	publisher.SetCircuitBreaker(newPublishBreaker())
	p.publisher = publisher

	p.IngestPublisher = publisher
	if cfg.WAL.Enabled {
		w, err := wal.Open(wal.Config{
			Dir:        cfg.WAL.Dir,
			SyncWrites: true,
			EntryTTL:   cfg.WAL.EntryTTL,
		})
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("open intake WAL at %s: %w", cfg.WAL.Dir, err)
		}
		p.wal = w
		p.WALStats = w

		walPub, err := eventprocessor.NewWALPublisher(publisher, w)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("create WAL publisher: %w", err)
		}
		p.IngestPublisher = walPub
		p.retryLoop = eventprocessor.NewWALRetryLoop(walPub, cfg.WAL.RetryInterval)
		logging.Info().Str("dir", cfg.WAL.Dir).Msg("Intake WAL enabled")
	}

	subCfg := eventprocessor.DefaultSubscriberConfig(url)
	subCfg.StreamName = streamCfg.Name
	if cfg.NATS.DurableName != "" {
		subCfg.DurableName = cfg.NATS.DurableName
	}
	if cfg.NATS.QueueGroup != "" {
		subCfg.QueueGroup = cfg.NATS.QueueGroup
	}
	if cfg.NATS.SubscribersCount > 0 {
		subCfg.SubscribersCount = cfg.NATS.SubscribersCount
	}
	if cfg.NATS.AckWait > 0 {
		subCfg.AckWaitTimeout = cfg.NATS.AckWait
	}
	if cfg.NATS.MaxDeliver > 0 {
		subCfg.MaxDeliver = cfg.NATS.MaxDeliver
	}

	subscriber, err := eventprocessor.NewSubscriber(&subCfg, wmLogger)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("create subscriber: %w", err)
	}
	p.subscriber = subscriber

	conCfg := eventprocessor.DefaultConsumerConfig()
	if cfg.Worker.MaxRetries > 0 {
		conCfg.MaxRetries = cfg.Worker.MaxRetries
		conCfg.DLQConfig.MaxRetries = cfg.Worker.MaxRetries
	}
	if cfg.Worker.DLQMaxEntries > 0 {
		conCfg.DLQConfig.MaxEntries = cfg.Worker.DLQMaxEntries
	}
	if cfg.Worker.InitialBackoff > 0 {
		conCfg.DLQConfig.InitialBackoff = cfg.Worker.InitialBackoff
	}
	if cfg.Worker.MaxBackoff > 0 {
		conCfg.DLQConfig.MaxBackoff = cfg.Worker.MaxBackoff
	}
	if cfg.Worker.BackoffMultiplier > 1 {
		conCfg.DLQConfig.BackoffMultiplier = cfg.Worker.BackoffMultiplier
	}
	if cfg.Worker.JitterFraction > 0 {
		conCfg.DLQConfig.JitterFraction = cfg.Worker.JitterFraction
	}

	consumer, err := eventprocessor.NewUsageConsumer(subscriber, appender, &conCfg)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("create usage consumer: %w", err)
	}
	p.consumer = consumer
	p.Stats = consumer

	if cfg.NATS.RouterPoisonQueueEnabled {
		rCfg := eventprocessor.DefaultRouterConfig()
		if cfg.NATS.RouterRetryCount > 0 {
			rCfg.RetryMaxRetries = cfg.NATS.RouterRetryCount
		}
		if cfg.NATS.RouterRetryInitialInterval > 0 {
			rCfg.RetryInitialInterval = cfg.NATS.RouterRetryInitialInterval
		}
		if cfg.NATS.RouterPoisonQueueTopic != "" {
			rCfg.PoisonQueueTopic = cfg.NATS.RouterPoisonQueueTopic
		}
		if cfg.NATS.RouterCloseTimeout > 0 {
			rCfg.CloseTimeout = cfg.NATS.RouterCloseTimeout
		}

		router, err := eventprocessor.NewRouter(&rCfg, publisher.WatermillPublisher(), wmLogger)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("create router: %w", err)
		}
		router.AddConsumerHandler("usage-consumer", eventprocessor.UsageTopic, subscriber.WatermillSubscriber(), consumer.Handle)
		p.router = router
		p.Stats = &routerStats{consumer: consumer, router: router}
		logging.Info().Str("poison_topic", rCfg.PoisonQueueTopic).Msg("Poison queue routing enabled")
	}

	if dlq := consumer.DLQ(); dlq != nil {
		retryCfg := eventprocessor.DefaultDLQAutoRetryConfig()
		if cfg.Worker.DLQRetryInterval > 0 {
			retryCfg.RetryInterval = cfg.Worker.DLQRetryInterval
		}
		if cfg.Worker.MaxConcurrentRetries > 0 {
			retryCfg.MaxConcurrentRetries = cfg.Worker.MaxConcurrentRetries
		}
		ingestPub := p.IngestPublisher
		p.autoRetry = eventprocessor.NewAutoRetryWorker(dlq, func(entry *eventprocessor.DLQEntry) error {
			retryCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return ingestPub.PublishEvent(retryCtx, entry.Event)
		}, retryCfg)
	}

	return p, nil
}

// AddDataServices registers the pipeline's storage-side loops with the
// supervisor's data layer.
func (p *Pipeline) AddDataServices(tree *supervisor.Tree, cfg *config.Config) {
	if p.retryLoop != nil {
		tree.AddDataService(p.retryLoop)
	}
	if p.wal != nil {
		tree.AddDataService(supervisor.NewGCService("wal-gc", cfg.WAL.GCInterval, p.wal.RunGC))
	}
}

// AddPipelineServices registers the consumption path with the
// supervisor's pipeline layer.
func (p *Pipeline) AddPipelineServices(tree *supervisor.Tree) {
	switch {
	case p.router != nil:
		tree.AddPipelineService(supervisor.NewRunnerService("jetstream-router", p.router))
	case p.consumer != nil:
		tree.AddPipelineService(supervisor.NewConsumerService("usage-consumer", p.consumer))
	}
	if p.autoRetry != nil {
		tree.AddPipelineService(p.autoRetry)
	}
}

// Close releases pipeline resources in consumption-to-intake order.
// Safe to call on a partially initialized pipeline.
func (p *Pipeline) Close() {
	if p.subscriber != nil {
		if err := p.subscriber.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing subscriber")
		}
	}
	if p.publisher != nil {
		if err := p.publisher.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing publisher")
		}
	}
	if p.nc != nil {
		p.nc.Close()
	}
	if p.wal != nil {
		if err := p.wal.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing intake WAL")
		}
	}
	if p.embedded != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.embedded.Shutdown(shutdownCtx); err != nil {
			logging.Error().Err(err).Msg("Error shutting down embedded NATS server")
		}
	}
}

// newPublishBreaker builds the gobreaker instance guarding NATS
// publishes. State transitions feed the circuit_breaker_state gauge.
func newPublishBreaker() *gobreaker.CircuitBreaker[interface{}] {
	cbCfg := eventprocessor.DefaultCircuitBreakerConfig("nats-publish")

	return gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        cbCfg.Name,
		MaxRequests: cbCfg.MaxRequests,
		Interval:    cbCfg.Interval,
		Timeout:     cbCfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cbCfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
