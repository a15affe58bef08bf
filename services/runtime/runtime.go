// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runtime is the host process of the orchestration core.
//
// New wires the environment manager, one supervisor per configured
// service, the pub/sub coordinator and the log relay, and exposes them
// over HTTP:
//
//	GET  /health                      liveness
//	GET  /metrics                     Prometheus metrics
//	GET  /ws                          pub/sub WebSocket
//	GET  /v1/services                 supervisor statuses
//	GET  /v1/services/:name
//	POST /v1/services/:name/start     ?wait=true blocks until settled
//	POST /v1/services/:name/stop
//	GET  /v1/environments
//	GET  /v1/environments/:name
//	POST /v1/environments/:name       create from a dependency spec
//	POST /v1/environments/:name/run   run a short command
//
// Each supervised environment's log is followed and published onto topic
// "environment.<env>".
//
// Every component is constructed here and injected; no package keeps a
// global instance.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/bioimageit/biit-runtime/internal/observability"
	"github.com/bioimageit/biit-runtime/internal/process"
	"github.com/bioimageit/biit-runtime/pkg/logging"
	"github.com/bioimageit/biit-runtime/services/environment"
	"github.com/bioimageit/biit-runtime/services/logrelay"
	"github.com/bioimageit/biit-runtime/services/pubsub"
	"github.com/bioimageit/biit-runtime/services/supervisor"
)

// ServiceName identifies the host in traces.
const ServiceName = "biit-runtime"

// =============================================================================
// Configuration
// =============================================================================

// Config configures the host process.
type Config struct {
	// Addr is the HTTP listen address. Default: 127.0.0.1:8765.
	Addr string

	// GinMode is "debug", "release" or "test". Default: release.
	GinMode string

	// Environment configures the environment manager. BaseDir is required.
	Environment environment.Config

	// PubSub configures the coordinator.
	PubSub pubsub.Config

	// Relay configures the log relay.
	Relay logrelay.Config

	// DisableRelay keeps logs off the pub/sub "logs" topic.
	DisableRelay bool

	// RelayRemoteURL forwards relayed logs to the coordinator WebSocket at
	// this URL (ws://host:port/ws) instead of the local coordinator.
	RelayRemoteURL string

	// Services are the supervised services. Default: code-server only.
	Services []supervisor.Service

	// AutoStart names services started as soon as the host is up.
	AutoStart []string

	// Tracing selects the span exporter.
	Tracing TracingConfig

	// ShutdownTimeout bounds graceful shutdown. Default: 15s.
	ShutdownTimeout time.Duration
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8765"
	}
	if cfg.GinMode == "" {
		cfg.GinMode = gin.ReleaseMode
	}
	if cfg.Services == nil {
		cfg.Services = []supervisor.Service{supervisor.CodeServerService()}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	return cfg
}

// =============================================================================
// Service
// =============================================================================

// Service is the assembled host process.
//
// # Thread Safety
//
// Serve and Run must be called at most once. Accessors are safe for
// concurrent use.
type Service struct {
	cfg    Config
	logger *logging.Logger

	router      *gin.Engine
	registry    *prometheus.Registry
	metrics     *observability.Metrics
	envs        *environment.Manager
	envRegistry environment.Registry
	coordinator *pubsub.Coordinator
	relay       *logrelay.Relay
	supervisors *supervisor.Registry
	tailers     []*environment.LogTailer

	shutdownTracer func(context.Context) error
}

// Option configures New.
type Option func(*options)

type options struct {
	proc   process.ProcessManager
	prober supervisor.Prober
}

// WithProcessManager replaces the os/exec process manager.
func WithProcessManager(pm process.ProcessManager) Option {
	return func(o *options) { o.proc = pm }
}

// WithProber replaces the HTTP readiness prober of every supervisor.
func WithProber(p supervisor.Prober) Option {
	return func(o *options) { o.prober = p }
}

// New builds the host process.
//
// # Description
//
// Opens the environment registry under Environment.BaseDir, starts the
// coordinator loop and the relay consumer, attaches the relay to logger
// and registers one supervisor per service. Nothing listens until Serve.
//
// # Inputs
//
//   - cfg: Host configuration. Environment.BaseDir is required.
//   - logger: Process logger. The relay is attached as its exporter.
//   - opts: Test seams.
//
// # Outputs
//
//   - *Service: Ready to Serve.
//   - error: Invalid configuration or a component that failed to start.
//     Components started before the failure are shut down.
func New(cfg Config, logger *logging.Logger, opts ...Option) (_ *Service, err error) {
	cfg = applyConfigDefaults(cfg)
	if logger == nil {
		return nil, errors.New("runtime: logger is required")
	}
	if cfg.Environment.BaseDir == "" {
		return nil, errors.New("runtime: environment base directory is required")
	}
	o := options{proc: process.NewExecManager()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			s.cleanup(context.Background())
		}
	}()

	s.shutdownTracer, err = initTracer(context.Background(), cfg.Tracing, ServiceName)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.NewMetrics(s.registry)

	local := logger.LocalOnly()
	s.coordinator = pubsub.NewCoordinator(cfg.PubSub,
		pubsub.WithLogger(local), pubsub.WithMetrics(s.metrics))

	if !cfg.DisableRelay {
		var sink logrelay.Sink = logrelay.NewCoordinatorSink(s.coordinator)
		if cfg.RelayRemoteURL != "" {
			sink = logrelay.NewWebSocketSink(cfg.RelayRemoteURL, nil)
		}
		s.relay, err = logrelay.New(cfg.Relay, sink,
			logrelay.WithLogger(local), logrelay.WithMetrics(s.metrics))
		if err != nil {
			return nil, fmt.Errorf("failed to start log relay: %w", err)
		}
		logger.SetExporter(s.relay)
	}

	reg, err := environment.OpenRegistry(environment.RegistryConfig{
		Path:   filepath.Join(cfg.Environment.BaseDir, "registry"),
		Logger: logger.Slog(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open environment registry: %w", err)
	}
	s.envRegistry = reg

	s.envs, err = environment.NewManager(cfg.Environment, o.proc,
		environment.WithLogger(logger.Slog()),
		environment.WithMetrics(s.metrics),
		environment.WithRegistry(s.envRegistry),
	)
	if err != nil {
		return nil, err
	}

	s.supervisors = supervisor.NewRegistry()
	for _, svc := range cfg.Services {
		supOpts := []supervisor.Option{
			supervisor.WithLogger(logger.Slog()),
			supervisor.WithMetrics(s.metrics),
		}
		if o.prober != nil {
			supOpts = append(supOpts, supervisor.WithProber(o.prober))
		}
		sup, err := supervisor.New(svc, s.envs, supOpts...)
		if err != nil {
			return nil, err
		}
		if err := s.supervisors.Register(sup); err != nil {
			return nil, err
		}
	}
	for _, name := range cfg.AutoStart {
		if _, err := s.supervisors.Get(name); err != nil {
			return nil, fmt.Errorf("auto-start: %w", err)
		}
	}
	if err := s.initTailers(local); err != nil {
		return nil, err
	}

	s.initRouter()
	return s, nil
}

// initTailers creates one log tailer per supervised environment. Each
// publishes the environment log onto pubsub.EnvironmentTopic(env).
func (s *Service) initTailers(logger *slog.Logger) error {
	seen := make(map[string]bool)
	for _, name := range s.supervisors.Names() {
		sup, err := s.supervisors.Get(name)
		if err != nil {
			return err
		}
		env := sup.Service().Env
		if seen[env] {
			continue
		}
		seen[env] = true

		topic := pubsub.EnvironmentTopic(env)
		t, err := environment.NewLogTailer(s.envs.LogPath(env), func(line string) {
			_, _ = s.coordinator.Publish(topic, line)
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create log tailer for %s: %w", env, err)
		}
		s.tailers = append(s.tailers, t)
	}
	return nil
}

func (s *Service) initRouter() {
	gin.SetMode(s.cfg.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(ServiceName))
	s.router.Use(requestLogger(s.logger.With("component", "http").Slog()))

	SetupRoutes(s.router, &Handlers{
		Envs:        s.envs,
		Supervisors: s.supervisors,
		Coordinator: s.coordinator,
		Logger:      s.logger.With("component", "http").Slog(),
	}, s.registry)
}

// Router returns the configured gin engine.
func (s *Service) Router() *gin.Engine { return s.router }

// Coordinator returns the pub/sub coordinator.
func (s *Service) Coordinator() *pubsub.Coordinator { return s.coordinator }

// Supervisors returns the supervisor registry.
func (s *Service) Supervisors() *supervisor.Registry { return s.supervisors }

// Environments returns the environment manager.
func (s *Service) Environments() *environment.Manager { return s.envs }

// Run listens on Config.Addr and serves until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is cancelled, then shuts down.
//
// # Description
//
// Environment log tailers start first, then auto-start services are
// launched once the listener is up. On
// cancellation the HTTP server drains, every supervised service is
// stopped, the relay is flushed and the coordinator closed, all within
// ShutdownTimeout.
//
// # Outputs
//
//   - error: A server failure. Graceful shutdown returns nil.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range s.tailers {
		if err := t.Start(gctx); err != nil {
			s.logger.Warn("failed to follow environment log", "error", err)
		}
	}
	g.Go(func() error {
		s.logger.Info("runtime listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		s.logger.Info("runtime shutting down")
		err := srv.Shutdown(shutdownCtx)
		s.cleanup(shutdownCtx)
		return err
	})

	for _, name := range s.cfg.AutoStart {
		if sup, err := s.supervisors.Get(name); err == nil {
			sup.InitAndLaunch()
		}
	}

	return g.Wait()
}

// cleanup releases every component that was started.
func (s *Service) cleanup(ctx context.Context) {
	log := s.logger.LocalOnly()
	for _, t := range s.tailers {
		t.Stop()
	}
	if s.supervisors != nil {
		if err := s.supervisors.StopAll(ctx); err != nil {
			log.Warn("failed to stop services", "error", err)
		}
	}
	if s.relay != nil {
		if s.logger.Exporter() == logging.LogExporter(s.relay) {
			s.logger.SetExporter(nil)
		}
		if err := s.relay.Flush(ctx); err != nil {
			log.Warn("failed to flush log relay", "error", err)
		}
		_ = s.relay.Close()
	}
	if s.coordinator != nil {
		_ = s.coordinator.Close()
	}
	if s.envRegistry != nil {
		if err := s.envRegistry.Close(); err != nil {
			log.Warn("failed to close environment registry", "error", err)
		}
	}
	if s.shutdownTracer != nil {
		if err := s.shutdownTracer(ctx); err != nil {
			log.Warn("failed to shut down tracer", "error", err)
		}
	}
}

