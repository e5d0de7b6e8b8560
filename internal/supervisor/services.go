// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tomtom215/llmscope/internal/logging"
)

// HTTPServer matches *http.Server's lifecycle methods so the service
// can be tested with a mock.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService adapts http.Server's blocking ListenAndServe to
// suture's context-aware Serve. On cancellation it shuts the server
// down gracefully with a fresh timeout context.
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewHTTPServerService wraps an HTTP server as a supervised service.
func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{
		server:          server,
		shutdownTimeout: shutdownTimeout,
	}
}

// Serve implements suture.Service. http.ErrServerClosed is the normal
// shutdown signal and is not treated as a failure.
func (h *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		// The serve context is already canceled; shutdown needs its own
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()

		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}

		<-errCh
		return ctx.Err()
	}
}

// String identifies the service in suture's event log.
func (h *HTTPServerService) String() string {
	return "http-server"
}

// StartStopper is the start/stop lifecycle the JetStream consumer
// exposes. Start must be non-blocking; Stop must block until drained.
type StartStopper interface {
	Start(ctx context.Context) error
	Stop()
}

// ConsumerService adapts a start/stop component to suture.Service.
type ConsumerService struct {
	name     string
	consumer StartStopper
}

// NewConsumerService wraps a start/stop component as a supervised service.
func NewConsumerService(name string, consumer StartStopper) *ConsumerService {
	return &ConsumerService{name: name, consumer: consumer}
}

// Serve implements suture.Service: start, wait for cancellation, stop.
func (s *ConsumerService) Serve(ctx context.Context) error {
	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("%s start: %w", s.name, err)
	}

	<-ctx.Done()
	s.consumer.Stop()
	return ctx.Err()
}

func (s *ConsumerService) String() string {
	return s.name
}

// Runner is the blocking run lifecycle the watermill router exposes.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerService adapts a blocking Run method to suture.Service.
type RunnerService struct {
	name   string
	runner Runner
}

// NewRunnerService wraps a blocking runner as a supervised service.
func NewRunnerService(name string, runner Runner) *RunnerService {
	return &RunnerService{name: name, runner: runner}
}

// Serve implements suture.Service.
func (s *RunnerService) Serve(ctx context.Context) error {
	if err := s.runner.Run(ctx); err != nil {
		return fmt.Errorf("%s run: %w", s.name, err)
	}
	return ctx.Err()
}

func (s *RunnerService) String() string {
	return s.name
}

// GCService runs a garbage collection function on a fixed interval.
// Used for the badger WAL's value log GC.
type GCService struct {
	name     string
	interval time.Duration
	gc       func() error
}

// NewGCService creates a periodic GC service. Interval defaults to 5m.
func NewGCService(name string, interval time.Duration, gc func() error) *GCService {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &GCService{name: name, interval: interval, gc: gc}
}

// Serve implements suture.Service. GC errors are logged, not fatal;
// badger returns an error when there is nothing to collect.
func (s *GCService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.gc(); err != nil {
				logging.Debug().Str("service", s.name).Err(err).Msg("gc pass skipped")
			}
		}
	}
}

func (s *GCService) String() string {
	return s.name
}
