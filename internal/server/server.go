// Package server implements the kansoku HTTP API: demo routes that exercise
// traces, metrics and logs, a user CRUD surface over storage.UserStore, and
// the /health and /metrics operational endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashita-ai/kansoku/internal/logging"
	"github.com/ashita-ai/kansoku/internal/service/simulate"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// Server is the kansoku HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *logging.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): LogBuffer, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Store     storage.UserStore
	Logger    *logging.Logger
	Tracer    *telemetry.Tracer
	Metrics   *telemetry.Registry
	Simulator *simulate.Simulator

	// Optional dependencies.
	LogBuffer   *logging.BufferedSink
	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	WorkTimeout         time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) (*Server, error) {
	h, err := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Logger:              cfg.Logger,
		Tracer:              cfg.Tracer,
		Metrics:             cfg.Metrics,
		Simulator:           cfg.Simulator,
		LogBuffer:           cfg.LogBuffer,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		WorkTimeout:         cfg.WorkTimeout,
		OpenAPISpec:         cfg.OpenAPISpec,
	})
	if err != nil {
		return nil, err
	}
	httpMetrics, err := newHTTPMetrics(cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	promReg := prometheus.NewRegistry()
	if err := promReg.Register(cfg.Metrics); err != nil {
		return nil, fmt.Errorf("server: register metrics collector: %w", err)
	}
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()

	// Demo routes.
	mux.Handle("GET /{$}", h.route("root", h.HandleRoot))
	mux.Handle("GET /ping", h.route("ping", h.HandlePing))
	mux.Handle("GET /work", h.route("work", h.HandleWork))
	mux.Handle("GET /error", h.route("error", h.HandleError))
	mux.Handle("GET /complex", h.route("complex", h.HandleComplex))

	// User CRUD.
	mux.Handle("POST /users", h.route("users.create", h.HandleCreateUser))
	mux.Handle("GET /users", h.route("users.list", h.HandleListUsers))
	mux.Handle("GET /users/{id}", h.route("users.get", h.HandleGetUser))
	mux.Handle("PUT /users/{id}", h.route("users.update", h.HandleUpdateUser))
	mux.Handle("DELETE /users/{id}", h.route("users.delete", h.HandleDeleteUser))

	// Operational endpoints (not counted per route).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(cfg.Tracer, httpMetrics, handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}, nil
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "http server starting", map[string]any{"addr": s.httpServer.Addr})
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "http server shutting down", nil)
	return s.httpServer.Shutdown(ctx)
}
