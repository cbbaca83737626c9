package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ashita-ai/kansoku/internal/ctxutil"
	"github.com/ashita-ai/kansoku/internal/logging"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/service/simulate"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               storage.UserStore
	logger              *logging.Logger
	tracer              *telemetry.Tracer
	sim                 *simulate.Simulator
	logBuffer           *logging.BufferedSink
	requests            *telemetry.Counter
	workMS              *telemetry.Histogram
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	workTimeout         time.Duration
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): LogBuffer, reported by /health; OpenAPISpec, served at
// /openapi.yaml.
type HandlersDeps struct {
	Store               storage.UserStore
	Logger              *logging.Logger
	Tracer              *telemetry.Tracer
	Metrics             *telemetry.Registry
	Simulator           *simulate.Simulator
	LogBuffer           *logging.BufferedSink
	Version             string
	MaxRequestBodyBytes int64
	WorkTimeout         time.Duration
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers and registers its metric instruments.
func NewHandlers(d HandlersDeps) (*Handlers, error) {
	requests, err := d.Metrics.Counter("custom_request_count", "Count of handled requests by route")
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	workMS, err := d.Metrics.Histogram("custom_work_ms", "Simulated work latency in ms", "ms")
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	return &Handlers{
		store:               d.Store,
		logger:              d.Logger,
		tracer:              d.Tracer,
		sim:                 d.Simulator,
		logBuffer:           d.LogBuffer,
		requests:            requests,
		workMS:              workMS,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		workTimeout:         d.WorkTimeout,
		openapiSpec:         d.OpenAPISpec,
	}, nil
}

// route counts the request under name and tags its context with it, so every
// log line written while handling it carries the route.
func (h *Handlers) route(name string, next http.HandlerFunc) http.Handler {
	labels := telemetry.Labels{"route": name}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := ctxutil.WithRoute(r.Context(), name)
		h.requests.Add(ctx, 1, labels)
		next(w, r.WithContext(ctx))
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.pingStore(r.Context()); err != nil {
		h.logger.Warn(r.Context(), "health check: database ping failed", map[string]any{"error": err.Error()})
		dbStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	// Buffer health: >50% capacity = high, >75% capacity = critical.
	bufStatus := ""
	if h.logBuffer != nil {
		bufStatus = "ok"
		depth, capacity := h.logBuffer.Len(), h.logBuffer.Capacity()
		if depth > capacity*3/4 {
			bufStatus = "critical"
			if status == "healthy" {
				status = "degraded"
			}
		} else if depth > capacity/2 {
			bufStatus = "high"
		}
	}

	writeJSON(w, httpStatus, model.HealthResponse{
		OK:        httpStatus == http.StatusOK,
		Status:    status,
		Database:  dbStatus,
		LogBuffer: bufStatus,
		Version:   h.version,
		UptimeS:   int64(time.Since(h.startedAt).Seconds()),
	})
}

func (h *Handlers) pingStore(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return h.store.Ping(ctx)
}

// HandleOpenAPISpec handles GET /openapi.yaml.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, _ *http.Request) {
	if len(h.openapiSpec) == 0 {
		writeError(w, http.StatusNotFound, "openapi spec not available")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(h.openapiSpec)
}
