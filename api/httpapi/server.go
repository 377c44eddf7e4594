package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xorthonl/solverq/internal/observability"
	"github.com/xorthonl/solverq/internal/ratelimit"
	"github.com/xorthonl/solverq/internal/solver"
	"github.com/xorthonl/solverq/internal/task"
	"go.uber.org/zap"
)

// Server is the thin HTTP boundary over the orchestration core. It only
// translates requests into TaskManager/Registry/Limiter calls; all task
// semantics live below it.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	tasks      *task.Manager
	solvers    *solver.Registry
	limiter    *ratelimit.Limiter
}

type Config struct {
	Port string
}

func NewServer(cfg Config, logger *zap.Logger, tasks *task.Manager, solvers *solver.Registry, limiter *ratelimit.Limiter) *Server {
	r := mux.NewRouter()

	routeName := func(r *http.Request) string {
		if rt := mux.CurrentRoute(r); rt != nil {
			if tpl, err := rt.GetPathTemplate(); err == nil && tpl != "" {
				return tpl
			}
		}
		return r.URL.Path
	}

	// Middlewares (order matters)
	r.Use(observability.RequestIDMiddleware)
	r.Use(observability.TracingMiddleware(routeName))
	r.Use(observability.HTTPMetricsMiddleware(routeName))
	r.Use(observability.AccessLogMiddleware(logger, routeName))

	srv := &Server{
		logger:  logger,
		tasks:   tasks,
		solvers: solvers,
		limiter: limiter,
	}

	// Metrics
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Health
	r.HandleFunc("/api/v1/health", srv.handleHealth).Methods(http.MethodGet)

	// Tasks
	r.HandleFunc("/api/v1/tasks", srv.handleCreateTask).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/tasks", srv.handleListActive).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/tasks/{id}", srv.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/tasks/{id}", srv.handleCancelTask).Methods(http.MethodDelete)

	// Solvers and stats
	r.HandleFunc("/api/v1/solvers", srv.handleListSolvers).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/stats", srv.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/clients/{id}/limits", srv.handleClientLimits).Methods(http.MethodGet)

	s := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv.httpServer = s
	return srv
}

func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}
