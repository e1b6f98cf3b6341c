package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/api/handlers"
	"github.com/BaSui01/modelgate/config"
	"github.com/BaSui01/modelgate/gateway"
	"github.com/BaSui01/modelgate/internal/database"
	"github.com/BaSui01/modelgate/internal/metrics"
	"github.com/BaSui01/modelgate/internal/server"
	"github.com/BaSui01/modelgate/internal/telemetry"
	"github.com/BaSui01/modelgate/internal/tlsutil"
	"github.com/BaSui01/modelgate/requestlog"
	"github.com/BaSui01/modelgate/store"
	"github.com/BaSui01/modelgate/transform"
)

// Server wires the gateway together and owns the listener lifecycles.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	pool  *database.Pool
	store *store.Store

	httpManager    *server.Manager
	metricsManager *server.Manager

	sink        *requestlog.Sink
	sinkCancel  context.CancelFunc
	sweepCancel context.CancelFunc
}

// NewServer creates the server. Nothing is connected until Start.
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		otel:   otelProviders,
	}
}

// Start connects the database, loads the provider snapshot, and brings up the
// API and metrics listeners.
func (s *Server) Start() error {
	poolCfg := database.DefaultPoolConfig()
	if s.cfg.Database.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = s.cfg.Database.MaxOpenConns
	}
	if s.cfg.Database.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = s.cfg.Database.MaxIdleConns
	}

	pool, err := database.Open(s.cfg.Database.URL, poolCfg, s.logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	s.pool = pool

	s.store = store.New(pool.DB(), s.logger)
	if err := s.store.AutoMigrate(); err != nil {
		s.logger.Warn("schema auto-migrate failed, run `modelgate migrate up`", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	snap, err := s.store.Reload(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	s.logger.Info("configuration loaded",
		zap.Int64("version", snap.Version),
		zap.Int("providers", len(snap.Providers)),
		zap.Int("credentials", len(snap.Credentials)),
	)

	handler, err := s.buildHandler()
	if err != nil {
		return err
	}

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:        fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		ReadTimeout: s.cfg.Server.ReadTimeout,
		// WriteTimeout stays zero: SSE responses can run for minutes.
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return fmt.Errorf("start API server: %w", err)
	}

	if s.cfg.Server.MetricsPort > 0 {
		if err := s.startMetricsServer(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	s.logger.Info("all servers started",
		zap.Int("port", s.cfg.Server.Port),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

// buildHandler assembles the request path: auth gate, selector, transform
// registry, pipeline, handlers, and the middleware chain.
func (s *Server) buildHandler() (http.Handler, error) {
	collector := metrics.NewCollector("modelgate", s.logger)

	limiter := gateway.NewRateLimiter()
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	s.sweepCancel = sweepCancel
	go limiter.Sweep(sweepCtx)

	selector := gateway.NewSelector(collector, time.Now().UnixNano(), s.logger)
	upstream := tlsutil.UpstreamClient(s.cfg.Gateway.VerifySSL, 0)
	dispatcher := gateway.NewDispatcher(upstream, selector, s.logger)
	registry := transform.NewRegistry()

	pipeline := gateway.NewPipeline(registry, selector, dispatcher, collector, gateway.PipelineConfig{
		MinTokens:       s.cfg.Gateway.MinTokensLimit,
		MaxTokens:       s.cfg.Gateway.MaxTokensLimit,
		RequestTimeout:  s.cfg.Gateway.RequestTimeout(),
		BillingPrefixes: s.cfg.Gateway.BillingPrefixList(),
	}, s.logger)

	gate := gateway.NewGate(s.store, limiter, s.logger)

	if s.cfg.RequestLog.Enabled {
		sink, err := requestlog.NewSink(s.cfg.RequestLog.Path, s.cfg.RequestLog.BufferSize, collector, s.logger)
		if err != nil {
			return nil, fmt.Errorf("open request log: %w", err)
		}
		s.sink = sink
		sinkCtx, sinkCancel := context.WithCancel(context.Background())
		s.sinkCancel = sinkCancel
		go sink.Run(sinkCtx)
	}

	gw := handlers.NewGatewayHandler(gate, pipeline, registry, collector, s.sink, handlers.Config{
		ProviderSuffix: s.cfg.Gateway.ProviderSuffix,
		LogBodies:      s.cfg.RequestLog.LogBodies,
	}, s.logger)
	health := handlers.NewHealthHandler(s.store, selector, upstream, s.logger)
	models := handlers.NewModelsHandler(gate, selector, s.logger)
	admin := handlers.NewAdminHandler(s.pool.DB(), s.store, s.cfg.Gateway.AdminKey, s.logger)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", gw.HandleProxy)
	mux.HandleFunc("POST /v1/completions", gw.HandleProxy)
	mux.HandleFunc("POST /v1/messages", gw.HandleProxy)
	mux.HandleFunc("POST /v1/responses", gw.HandleProxy)
	mux.HandleFunc("POST /v1/messages/count_tokens", gw.HandleCountTokens)
	mux.HandleFunc("POST /models/gcp-vertex/", gw.HandleVertex)

	mux.HandleFunc("GET /v1/models", models.HandleList)
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /health/detailed", health.HandleDetailed)

	admin.Register(mux)

	chain := []Middleware{
		Recovery(s.logger),
		RequestID(),
		RequestLogger(s.logger),
	}
	if s.cfg.Telemetry.Enabled {
		chain = append(chain, Tracing("modelgate"))
	}
	return Chain(mux, chain...), nil
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	s.metricsManager = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.MetricsPort),
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 5 * time.Second,
	}, s.logger)
	return s.metricsManager.Start()
}

// WaitForShutdown blocks until a signal or serve error, then tears the
// process down in dependency order.
func (s *Server) WaitForShutdown() {
	s.httpManager.WaitForShutdown()
	s.shutdownRest()
}

// shutdownRest stops everything behind the API listener: metrics, background
// loops, the request-log sink (drained), telemetry, and the database.
func (s *Server) shutdownRest() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown failed", zap.Error(err))
		}
	}
	if s.sweepCancel != nil {
		s.sweepCancel()
	}
	if s.sink != nil {
		s.sinkCancel()
		s.sink.Wait()
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown failed", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("database close failed", zap.Error(err))
		}
	}
}
