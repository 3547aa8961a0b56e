package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/BaSui01/cataloger/agent"
	"github.com/BaSui01/cataloger/api/handlers"
	"github.com/BaSui01/cataloger/config"
	"github.com/BaSui01/cataloger/internal/cache"
	"github.com/BaSui01/cataloger/internal/database"
	"github.com/BaSui01/cataloger/internal/metrics"
	"github.com/BaSui01/cataloger/internal/server"
	"github.com/BaSui01/cataloger/llm/providers/claude"
	"github.com/BaSui01/cataloger/runtime"
	"github.com/BaSui01/cataloger/storage"
	"github.com/BaSui01/cataloger/workflow"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Server wires the cataloger service together: runtime pool, model
// provider, artifact store, workflow, HTTP API and metrics endpoint.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *gorm.DB

	httpManager    *server.Manager
	metricsManager *server.Manager

	pool         *runtime.Pool
	cacheManager *cache.Manager
	dbPool       *database.PoolManager
	collector    *metrics.Collector

	catalogHandler *handlers.CatalogHandler
	healthHandler  *handlers.HealthHandler

	rateLimiterCancel context.CancelFunc
}

// NewServer creates a server over a loaded configuration. db may be
// nil, which disables run-record persistence.
func NewServer(cfg *config.Config, logger *zap.Logger, db *gorm.DB) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		db:     db,
	}
}

// Start builds all components and begins serving.
func (s *Server) Start(ctx context.Context) error {
	s.collector = metrics.NewCollector("cataloger", prometheus.DefaultRegisterer, s.logger)

	wf, err := s.buildWorkflow(ctx)
	if err != nil {
		return err
	}

	if err := s.startHTTPServer(wf); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

// buildWorkflow assembles the catalog workflow and its dependencies.
func (s *Server) buildWorkflow(ctx context.Context) (*workflow.Workflow, error) {
	store, err := storage.NewFileStore(s.cfg.Storage.Root, s.logger)
	if err != nil {
		return nil, fmt.Errorf("create artifact store: %w", err)
	}

	var cacheIface workflow.Cache
	if s.cfg.Redis.Enabled {
		manager, err := cache.NewManager(cache.Config{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
		}, s.logger)
		if err != nil {
			s.logger.Warn("redis unavailable, context caching disabled", zap.Error(err))
		} else {
			s.cacheManager = manager
			cacheIface = manager
		}
	}

	var recorder workflow.Recorder
	if s.db != nil {
		dbPool, err := database.NewPoolManager(s.db, database.PoolConfig{
			MaxOpenConns:    s.cfg.Database.MaxOpenConns,
			MaxIdleConns:    s.cfg.Database.MaxIdleConns,
			ConnMaxLifetime: s.cfg.Database.ConnMaxLifetime,
		}, s.logger)
		if err != nil {
			s.logger.Warn("database pool setup failed, run records disabled", zap.Error(err))
		} else {
			s.dbPool = dbPool
			recorder = database.NewRunRepository(dbPool, s.logger)
		}
	}

	provider := claude.New(claude.Config{
		APIKey:  s.cfg.Claude.APIKey,
		BaseURL: s.cfg.Claude.BaseURL,
		Model:   s.cfg.Claude.Model,
		Timeout: s.cfg.Claude.Timeout,
	}, s.logger)

	factory := func(ctx context.Context) (*runtime.Runtime, error) {
		box, err := runtime.NewLocalBox("python3", s.logger)
		if err != nil {
			return nil, err
		}
		rt := runtime.New(box, runtime.Config{
			ExecTimeout:  s.cfg.Runtime.ExecTimeout,
			PollInterval: s.cfg.Runtime.PollInterval,
			StartupDelay: s.cfg.Runtime.StartupDelay,
		}, s.logger)
		rt.SetMetrics(s.collector)
		if err := rt.Start(ctx); err != nil {
			return nil, err
		}
		return rt, nil
	}

	pool, err := runtime.NewPool(ctx, runtime.PoolConfig{
		Capacity:       s.cfg.Pool.Capacity,
		PreWarm:        s.cfg.Pool.PreWarm,
		AcquireTimeout: s.cfg.Pool.AcquireTimeout,
	}, factory, s.logger)
	if err != nil {
		return nil, fmt.Errorf("create runtime pool: %w", err)
	}
	s.pool = pool
	pool.SetMetrics(s.collector)

	contexts := workflow.NewContextBuilder(store, cacheIface, s.logger)
	contexts.SetMetrics(s.collector)

	wf := workflow.New(pool, store, provider, contexts, recorder, s.collector, workflow.Config{
		AcquireTimeout:   s.cfg.Workflow.AcquireTimeout,
		Loop:             agentLoopConfig(s.cfg.Agent),
		CatalogPromptEnv: s.cfg.Workflow.CatalogPromptEnv,
		SummaryPromptEnv: s.cfg.Workflow.SummaryPromptEnv,
		RuntimeEnv:       s.cfg.Workflow.RuntimeEnv,
	}, s.logger)

	s.catalogHandler = handlers.NewCatalogHandler(wf, store, contexts, s.logger)
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.SetPool(pool)
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("claude", func(ctx context.Context) error {
		_, err := provider.HealthCheck(ctx)
		return err
	}))
	if s.cacheManager != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("redis", s.cacheManager.Ping))
	}
	if s.dbPool != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("database", s.dbPool.Ping))
	}

	return wf, nil
}

func (s *Server) startHTTPServer(_ *workflow.Workflow) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("POST /api/v1/catalog", s.catalogHandler.HandleRun)
	mux.HandleFunc("GET /api/v1/catalogs", s.catalogHandler.HandleListPrefixes)
	mux.HandleFunc("GET /api/v1/catalogs/{prefix}", s.catalogHandler.HandleListRuns)
	mux.HandleFunc("GET /api/v1/catalogs/{prefix}/context", s.catalogHandler.HandleContext)
	mux.HandleFunc("GET /api/v1/catalogs/{prefix}/{timestamp}", s.catalogHandler.HandleListFiles)
	mux.HandleFunc("GET /api/v1/catalogs/{prefix}/{timestamp}/files/{filename}", s.catalogHandler.HandleGetFile)
	mux.HandleFunc("POST /api/v1/catalogs/{prefix}/{timestamp}/comments", s.catalogHandler.HandleCreateComment)
	mux.HandleFunc("GET /api/v1/catalogs/{prefix}/{timestamp}/comments", s.catalogHandler.HandleListComments)
	mux.HandleFunc("GET /api/v1/catalogs/{prefix}/{timestamp}/comments/{filename}", s.catalogHandler.HandleGetComment)

	rateLimiterCtx, cancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = cancel

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
	}
	if s.cfg.Auth.Enabled {
		skipPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version"}
		middlewares = append(middlewares, JWTAuth(s.cfg.Auth, skipPaths, s.logger))
	}
	handler := Chain(mux, middlewares...)

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	return s.metricsManager.Start()
}

// WaitForShutdown blocks until a shutdown signal, then tears down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops the servers and releases backing resources.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")
	ctx := context.Background()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Shutdown(ctx); err != nil {
			s.logger.Error("runtime pool shutdown error", zap.Error(err))
		}
	}
	if s.cacheManager != nil {
		if err := s.cacheManager.Close(); err != nil {
			s.logger.Error("cache shutdown error", zap.Error(err))
		}
	}
	if s.dbPool != nil {
		if err := s.dbPool.Close(); err != nil {
			s.logger.Error("database shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("graceful shutdown completed")
}

// agentLoopConfig maps the agent section onto the loop configuration.
func agentLoopConfig(cfg config.AgentConfig) agent.LoopConfig {
	return agent.LoopConfig{
		Model:                  cfg.Model,
		MaxIterations:          cfg.MaxIterations,
		TokenBudget:            cfg.TokenBudget,
		MaxConsecutiveFailures: cfg.MaxInfraFailures,
		MaxTokensPerTurn:       cfg.MaxTokens,
		RequestTimeout:         cfg.RequestTimeout,
		Temperature:            float32(cfg.Temperature),
	}
}
