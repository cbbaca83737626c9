package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kansoku/internal/ctxutil"
	"github.com/ashita-ai/kansoku/internal/logging"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// maxRequestIDLen caps client-supplied X-Request-ID values.
const maxRequestIDLen = 128

// requestIDMiddleware assigns a unique request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := model.SanitizeAttribute(r.Header.Get("X-Request-ID"), maxRequestIDLen)
		if reqID == "" {
			reqID = uuid.New().String()
		}
		ctx := ctxutil.WithRequestID(r.Context(), reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs each request with structured fields.
func loggingMiddleware(logger *logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := newStatusWriter(w)
		next.ServeHTTP(wrapped, r)

		payload := map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
		}
		switch {
		case wrapped.statusCode >= 500:
			logger.Error(r.Context(), "http request", payload)
		case wrapped.statusCode >= 400:
			logger.Warn(r.Context(), "http request", payload)
		default:
			logger.Info(r.Context(), "http request", payload)
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func newStatusWriter(w http.ResponseWriter) *statusWriter {
	return &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// httpMetrics are the per-request server instruments.
type httpMetrics struct {
	requests *telemetry.Counter
	duration *telemetry.Histogram
}

func newHTTPMetrics(reg *telemetry.Registry) (*httpMetrics, error) {
	requests, err := reg.Counter("http.server.request_count", "Count of HTTP requests by method, route and status")
	if err != nil {
		return nil, err
	}
	duration, err := reg.Histogram("http.server.duration", "HTTP request latency", "ms")
	if err != nil {
		return nil, err
	}
	return &httpMetrics{requests: requests, duration: duration}, nil
}

// tracingMiddleware opens a server span for each HTTP request, continuing an
// incoming W3C trace context, and records request count and duration metrics.
// The span is named after the matched route once the mux has run.
func tracingMiddleware(tracer *telemetry.Tracer, m *httpMetrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.StartSpan(ctx, r.Method,
			telemetry.WithSpanKind(trace.SpanKindServer),
			telemetry.WithAttribute("http.method", r.Method),
			telemetry.WithAttribute("http.url", r.URL.Path),
			telemetry.WithAttribute("http.request_id", ctxutil.RequestIDFromContext(r.Context())),
		)
		defer span.End()

		start := time.Now()
		wrapped := newStatusWriter(w)
		req := r.WithContext(ctx)
		next.ServeHTTP(wrapped, req)

		// The mux records the matched pattern on the request it was given.
		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		span.SetName(serverSpanName(r.Method, req.Pattern))
		span.SetAttribute("http.route", route)
		span.SetAttribute("http.status_code", wrapped.statusCode)
		if wrapped.statusCode >= 500 && span.Snapshot().Status == telemetry.StatusUnset {
			span.SetStatus(telemetry.StatusError, http.StatusText(wrapped.statusCode))
		}

		labels := telemetry.Labels{
			"http.method":      r.Method,
			"http.route":       route,
			"http.status_code": strconv.Itoa(wrapped.statusCode),
		}
		m.requests.Add(ctx, 1, labels)
		m.duration.Record(ctx, float64(time.Since(start).Milliseconds()), labels)
	})
}

// serverSpanName returns "<METHOD> <pattern>", or just the method when no
// route matched.
func serverSpanName(method, pattern string) string {
	switch {
	case pattern == "":
		return method
	case strings.HasPrefix(pattern, method+" "):
		return pattern
	default:
		return method + " " + pattern
	}
}

// recoveryMiddleware turns a handler panic into a 500 response and records it
// on the request's span.
func recoveryMiddleware(logger *logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			span := telemetry.SpanFromContext(r.Context())
			span.RecordException(fmt.Errorf("panic: %v", rec))
			span.SetStatus(telemetry.StatusError, "panic")
			logger.Error(r.Context(), "panic recovered", map[string]any{
				"panic": fmt.Sprint(rec),
				"stack": string(debug.Stack()),
			})
			writeJSON(w, http.StatusInternalServerError, model.FailureResponse{OK: false, Error: "internal error"})
		}()
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes v as the JSON response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a {"error": message} body.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, model.ErrorResponse{Error: message})
}

// errBodyTooLarge is returned by decodeJSON when the body exceeds the limit.
var errBodyTooLarge = errors.New("request body too large")

// decodeJSON decodes a single JSON object from the request body into target.
// Unknown fields and trailing data are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, target any, maxBytes int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errBodyTooLarge
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("invalid request body: must contain a single JSON object")
	}
	return nil
}
