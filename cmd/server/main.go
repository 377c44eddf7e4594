package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/xorthonl/solverq/api/httpapi"
	"github.com/xorthonl/solverq/internal/cache"
	"github.com/xorthonl/solverq/internal/config"
	"github.com/xorthonl/solverq/internal/logging"
	"github.com/xorthonl/solverq/internal/observability"
	"github.com/xorthonl/solverq/internal/ratelimit"
	"github.com/xorthonl/solverq/internal/solver"
	"github.com/xorthonl/solverq/internal/task"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Env: cfg.Env})
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	observability.RegisterMetrics()

	shutdownTracing, err := observability.InitTracing(context.Background(), observability.OTelConfig{
		ServiceName: firstNonEmpty(cfg.OTELServiceName, "solverq"),
		Endpoint:    cfg.OTELExporterOTLPEndpoint,
		Env:         cfg.Env,
	})
	if err != nil {
		logger.Fatal("otel init failed", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// All collaborators are constructed here and passed down explicitly;
	// nothing hangs off package-level singletons.
	cacheMgr := cache.New(cache.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	_ = cacheMgr.Connect(context.Background())
	defer func() { _ = cacheMgr.Close() }()

	registry := solver.NewRegistry(logger)
	registerSolvers(registry)
	registry.InitializeAll(context.Background())
	defer registry.CleanupAll(context.Background())

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitPerMinute,
		RequestsPerHour:   cfg.RateLimitPerHour,
	}, logger)
	limiter.Start()
	defer limiter.Stop()

	manager := task.NewManager(task.Config{
		Workers:            cfg.MaxConcurrentTasks,
		DefaultTimeout:     cfg.TaskTimeout,
		DefaultMaxAttempts: cfg.TaskRetryAttempts,
		CleanupInterval:    cfg.TaskCleanupInterval,
	}, registry, cacheMgr, logger)
	manager.StartWorkers(context.Background(), 0)
	defer manager.StopWorkers()

	srv := httpapi.NewServer(httpapi.Config{Port: cfg.HTTPPort}, logger, manager, registry, limiter)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("http server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	// Remaining teardown happens in the deferred calls, in reverse
	// construction order: workers, rate limiter, solvers, cache.
}

// registerSolvers wires the solver plugins shipped with this binary. Real
// deployments add their own implementations of the solver contract here.
func registerSolvers(r *solver.Registry) {
	r.Register("echo", solver.NewEcho)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
