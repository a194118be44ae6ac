package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/stepflow/execengine/internal/engine"
	"github.com/stepflow/execengine/internal/platform/config"
	"github.com/stepflow/execengine/internal/platform/health"
	"github.com/stepflow/execengine/internal/platform/logger"
)

// Server is the engine's HTTP surface: health/readiness probes, Prometheus
// scrape endpoint, and the execution CRUD routes backed by the facade.
// Grounded on the teacher's internal/node/server/server.go composition —
// mux.Router with a logging and recovery middleware chain, and graceful
// Shutdown; New takes its dependencies as plain arguments.
type Server struct {
	httpServer *http.Server
	logger     logger.Logger
	health     *health.Handler
}

// New builds and wires the HTTP server around an already-constructed
// Facade; cfg supplies the listen address and timeouts (spec.md §6's http
// block), metrics is the Prometheus registry to expose at /metrics.
func New(cfg config.HTTPConfig, facade *engine.Facade, metrics *engine.PrometheusMetrics, log logger.Logger, serviceVersion string) *Server {
	healthHandler := health.NewHandler("execengine", serviceVersion)
	healthHandler.AddCheck("facade", func(ctx context.Context) error {
		if !facade.HealthCheck() {
			return fmt.Errorf("scheduler or worker pool is not running")
		}
		return nil
	})

	s := &Server{logger: log, health: healthHandler}

	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.recoveryMiddleware)

	router.HandleFunc("/healthz", healthHandler.LivenessHandler()).Methods("GET")
	router.HandleFunc("/readyz", healthHandler.ReadinessHandler()).Methods("GET")
	router.HandleFunc("/health", healthHandler.HealthHandler()).Methods("GET")
	router.Handle("/metrics", metrics.Handler()).Methods("GET")

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	executionHandler := NewExecutionHandler(facade, log)
	executionHandler.RegisterRoutes(apiRouter)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// Start blocks serving HTTP until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully drains in-flight requests before returning.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered", "error", err)
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprint(w, `{"error":"internal server error"}`)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
