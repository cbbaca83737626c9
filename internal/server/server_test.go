package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/ashita-ai/kansoku/api"
	"github.com/ashita-ai/kansoku/internal/logging"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/server"
	"github.com/ashita-ai/kansoku/internal/service/simulate"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/telemetry"
	"github.com/ashita-ai/kansoku/internal/testutil"
)

// syncBuffer is a bytes.Buffer safe for the concurrent writes of a logger.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testEnv struct {
	handler http.Handler
	spans   *telemetry.Recorder
	metrics *telemetry.Registry
	store   storage.UserStore
	logs    *syncBuffer
}

type envOption func(*server.ServerConfig)

func withWorkTimeout(d time.Duration, realSleep bool) envOption {
	return func(cfg *server.ServerConfig) {
		cfg.WorkTimeout = d
		if realSleep {
			cfg.Simulator = simulate.New(cfg.Tracer)
		}
	}
}

func withStore(s storage.UserStore) envOption {
	return func(cfg *server.ServerConfig) {
		cfg.Store = s
	}
}

func withLogBuffer(b *logging.BufferedSink) envOption {
	return func(cfg *server.ServerConfig) {
		cfg.LogBuffer = b
	}
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	spans := telemetry.NewRecorder()
	tracer := telemetry.NewTracer(tracenoop.NewTracerProvider(), "test", telemetry.WithRecorder(spans))
	metrics := telemetry.NewRegistry(metricnoop.NewMeterProvider().Meter("test"))
	logs := &syncBuffer{}

	cfg := server.ServerConfig{
		Store:               testutil.NewSQLiteStore(t),
		Logger:              logging.NewLogger(logging.Options{Level: slog.LevelDebug, Console: logs, Fallback: logs}),
		Tracer:              tracer,
		Metrics:             metrics,
		Simulator:           simulate.New(tracer, simulate.WithSleep(noSleep)),
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		WorkTimeout:         5 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv, err := server.New(cfg)
	require.NoError(t, err)

	return &testEnv{handler: srv.Handler(), spans: spans, metrics: metrics, store: cfg.Store, logs: logs}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if r != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) routeCount(t *testing.T, route string) float64 {
	t.Helper()
	c, err := e.metrics.Counter("custom_request_count", "")
	require.NoError(t, err)
	return c.Value(telemetry.Labels{"route": route})
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func onlySpan(t *testing.T, rec *telemetry.Recorder, name string) telemetry.SpanData {
	t.Helper()
	spans := rec.ByName(name)
	require.Len(t, spans, 1, name)
	return spans[0]
}

func TestRootAndPing(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "GET", "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	root := decode[model.StatusResponse](t, rec)
	assert.True(t, root.OK)
	assert.Equal(t, server.RootMessage, root.Message)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(t, "GET", "/ping", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.StatusResponse{OK: true, Message: "pong"}, decode[model.StatusResponse](t, rec))

	assert.Contains(t, env.logs.String(), "root route hit")
	assert.Contains(t, env.logs.String(), "ping endpoint called")
}

func TestRouteCounterIncrementsOncePerRequest(t *testing.T) {
	env := newTestEnv(t)
	user := decode[model.User](t, env.do(t, "POST", "/users", map[string]string{"name": "A", "email": "a@x.com"}))
	id := fmt.Sprint(user.ID)

	tests := []struct {
		route, method, path string
		body                any
	}{
		{"root", "GET", "/", nil},
		{"ping", "GET", "/ping", nil},
		{"work", "GET", "/work", nil},
		{"error", "GET", "/error", nil},
		{"complex", "GET", "/complex", nil},
		{"users.list", "GET", "/users", nil},
		{"users.get", "GET", "/users/" + id, nil},
		{"users.update", "PUT", "/users/" + id, map[string]string{"name": "B"}},
		{"users.delete", "DELETE", "/users/" + id, nil},
	}
	for _, tt := range tests {
		t.Run(tt.route, func(t *testing.T) {
			before := env.routeCount(t, tt.route)
			env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, before+1, env.routeCount(t, tt.route))
		})
	}
	assert.Equal(t, 1.0, env.routeCount(t, "users.create"))

	// Operational endpoints are not counted.
	env.do(t, "GET", "/health", nil)
	assert.Equal(t, 0.0, env.routeCount(t, "health"))
}

func TestWorkTookMSInRange(t *testing.T) {
	env := newTestEnv(t)

	for range 20 {
		rec := env.do(t, "GET", "/work", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode[model.WorkResponse](t, rec)
		assert.True(t, body.OK)
		assert.GreaterOrEqual(t, body.TookMS, int64(100))
		assert.Less(t, body.TookMS, int64(500))
	}

	hist, err := env.metrics.Histogram("custom_work_ms", "", "ms")
	require.NoError(t, err)
	points := hist.Points()
	require.Len(t, points, 20, "one histogram point per request")
	for _, p := range points {
		assert.GreaterOrEqual(t, p.Value, 100.0)
		assert.Less(t, p.Value, 500.0)
	}

	span := env.spans.ByName("simulate-work")[0]
	assert.Equal(t, telemetry.StatusUnset, span.Status)
	_, ok := span.Attr("work.took_ms")
	assert.True(t, ok)
}

func TestWorkTimeoutCancelsSpan(t *testing.T) {
	env := newTestEnv(t, withWorkTimeout(time.Millisecond, true))

	rec := env.do(t, "GET", "/work", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode[model.FailureResponse](t, rec)
	assert.False(t, body.OK)
	assert.Equal(t, telemetry.StatusMessageCancelled, body.Error)

	span := onlySpan(t, env.spans, "simulate-work")
	assert.Equal(t, telemetry.StatusError, span.Status)
	assert.Equal(t, telemetry.StatusMessageCancelled, span.StatusMessage)

	hist, err := env.metrics.Histogram("custom_work_ms", "", "ms")
	require.NoError(t, err)
	assert.Empty(t, hist.Points())
}

func TestErrorAndComplexAlwaysFail(t *testing.T) {
	tests := []struct {
		path, span string
	}{
		{"/error", "simulate-error"},
		{"/complex", "complex-root"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			env := newTestEnv(t)
			for range 3 {
				rec := env.do(t, "GET", tt.path, nil)
				require.Equal(t, http.StatusInternalServerError, rec.Code)
				body := decode[model.FailureResponse](t, rec)
				assert.False(t, body.OK)
				assert.NotEmpty(t, body.Error)
			}
			spans := env.spans.ByName(tt.span)
			require.Len(t, spans, 3)
			for _, s := range spans {
				assert.True(t, s.Ended())
				assert.Equal(t, telemetry.StatusError, s.Status)
				assert.NotEmpty(t, s.StatusMessage)
				assert.NotEmpty(t, s.Exceptions)
			}
		})
	}
}

func TestComplexSpanHierarchy(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "GET", "/complex", nil)

	serverSpan := onlySpan(t, env.spans, "GET /complex")
	root := onlySpan(t, env.spans, "complex-root")
	assert.Equal(t, serverSpan.SpanID, root.ParentSpanID)

	for _, name := range []string{"db-call", "external-api", "cpu-work"} {
		child := onlySpan(t, env.spans, name)
		assert.Equal(t, root.SpanID, child.ParentSpanID, name)
		assert.Equal(t, root.TraceID, child.TraceID, name)
	}
	assert.Contains(t, env.logs.String(), "complex endpoint failed")
	assert.NotContains(t, env.logs.String(), "complex endpoint processed")
}

func TestUserCRUDRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/users", map[string]string{"name": "A", "email": "a@x.com"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[model.User](t, rec)
	assert.NotZero(t, created.ID)
	assert.Equal(t, "A", created.Name)
	assert.Equal(t, "a@x.com", created.Email)

	path := fmt.Sprintf("/users/%d", created.ID)
	rec = env.do(t, "GET", path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[model.User](t, rec)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, created.Name, got.Name)
	assert.Equal(t, created.Email, got.Email)
	assert.True(t, created.CreatedAt.Equal(got.CreatedAt))

	rec = env.do(t, "PUT", path, map[string]string{"email": "b@x.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decode[model.User](t, rec)
	assert.Equal(t, "A", updated.Name)
	assert.Equal(t, "b@x.com", updated.Email)

	rec = env.do(t, "GET", "/users", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.User](t, rec), 1)

	rec = env.do(t, "DELETE", path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.StatusResponse{OK: true}, decode[model.StatusResponse](t, rec))

	rec = env.do(t, "GET", path, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "user not found", decode[model.ErrorResponse](t, rec).Error)

	rec = env.do(t, "DELETE", path, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUserSpansNestUnderServerSpan(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "POST", "/users", map[string]string{"name": "A", "email": "a@x.com"})

	serverSpan := onlySpan(t, env.spans, "POST /users")
	create := onlySpan(t, env.spans, "users.create")
	insert := onlySpan(t, env.spans, "db.insert")

	assert.Equal(t, serverSpan.SpanID, create.ParentSpanID)
	assert.Equal(t, create.SpanID, insert.ParentSpanID)
	assert.Equal(t, serverSpan.TraceID, insert.TraceID)

	system, ok := insert.Attr("db.system")
	require.True(t, ok)
	assert.Equal(t, storage.SystemSQLite, system.AsString())
	route, ok := serverSpan.Attr("http.route")
	require.True(t, ok)
	assert.Equal(t, "POST /users", route.AsString())
	status, ok := serverSpan.Attr("http.status_code")
	require.True(t, ok)
	assert.Equal(t, int64(http.StatusCreated), status.AsInt64())
}

func TestServerSpanNamedByRoutePattern(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "POST", "/users", map[string]string{"name": "A", "email": "a@x.com"})
	env.do(t, "POST", "/users", map[string]string{"name": "B", "email": "b@x.com"})
	env.spans.Reset()

	env.do(t, "GET", "/users/1", nil)
	env.do(t, "GET", "/users/2", nil)

	spans := env.spans.ByName("GET /users/{id}")
	require.Len(t, spans, 2)
	for _, s := range spans {
		url, ok := s.Attr("http.url")
		require.True(t, ok)
		assert.Contains(t, []string{"/users/1", "/users/2"}, url.AsString())
	}
	assert.Empty(t, env.spans.ByName("GET /users/1"))
}

func TestUpdateMissingUserDoesNotMutate(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "POST", "/users", map[string]string{"name": "A", "email": "a@x.com"})
	before := env.do(t, "GET", "/users", nil).Body.String()

	rec := env.do(t, "PUT", "/users/999999", map[string]string{"name": "Ghost"})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "user not found", decode[model.ErrorResponse](t, rec).Error)

	assert.JSONEq(t, before, env.do(t, "GET", "/users", nil).Body.String())

	update := onlySpan(t, env.spans, "users.update")
	assert.Equal(t, telemetry.StatusUnset, update.Status, "a miss is not an error")
	assert.Empty(t, update.Exceptions)
}

func TestCreateUserRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, "POST", "/users", map[string]string{"name": "A", "email": "a@x.com"}).Code)

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"missing name", map[string]string{"email": "b@x.com"}, http.StatusBadRequest},
		{"bad email", map[string]string{"name": "B", "email": "nope"}, http.StatusBadRequest},
		{"unknown field", map[string]any{"name": "B", "email": "b@x.com", "admin": true}, http.StatusBadRequest},
		{"malformed", `{"name":`, http.StatusBadRequest},
		{"duplicate email", map[string]string{"name": "B", "email": "a@x.com"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, "POST", "/users", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[model.ErrorResponse](t, rec).Error)
		})
	}

	users := decode[[]model.User](t, env.do(t, "GET", "/users", nil))
	assert.Len(t, users, 1)
}

func TestUserIDMustBePositiveInteger(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"abc", "0", "-1", "1.5"} {
		rec := env.do(t, "GET", "/users/"+id, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, id)
		assert.Equal(t, "invalid user id", decode[model.ErrorResponse](t, rec).Error)
	}
}

func TestListUsersEmailFilter(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "POST", "/users", map[string]string{"name": "A", "email": "a@x.com"})
	env.do(t, "POST", "/users", map[string]string{"name": "B", "email": "b@x.com"})

	rec := env.do(t, "GET", "/users?email=%20b@x.com%20", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	users := decode[[]model.User](t, rec)
	require.Len(t, users, 1)
	assert.Equal(t, "B", users[0].Name)

	list := onlySpan(t, env.spans, "users.list")
	filter, ok := list.Attr("user.email_filter")
	require.True(t, ok)
	assert.Equal(t, "b@x.com", filter.AsString())

	rec = env.do(t, "GET", "/users?email=nobody@x.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	env.spans.Reset()
	rec = env.do(t, "GET", "/users?email=%0Anot-an-email", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	_, ok = onlySpan(t, env.spans, "users.list").Attr("user.email_filter")
	assert.False(t, ok, "invalid filters never reach the span")
}

func TestBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, func(cfg *server.ServerConfig) { cfg.MaxRequestBodyBytes = 32 })
	rec := env.do(t, "POST", "/users", map[string]string{"name": strings.Repeat("a", 64), "email": "a@x.com"})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

// failingStore fails every call with a driver-style error.
type failingStore struct {
	storage.UserStore
}

var errDriver = errors.New("pq: connection refused to 10.0.0.5")

func (failingStore) CreateUser(context.Context, string, string) (model.User, error) {
	return model.User{}, errDriver
}
func (failingStore) Ping(context.Context) error { return errDriver }
func (failingStore) System() string             { return "postgresql" }

func TestStoreFailureIsGeneric500(t *testing.T) {
	env := newTestEnv(t, withStore(failingStore{}))

	rec := env.do(t, "POST", "/users", map[string]string{"name": "A", "email": "a@x.com"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", decode[model.ErrorResponse](t, rec).Error)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")

	create := onlySpan(t, env.spans, "users.create")
	assert.Equal(t, telemetry.StatusError, create.Status)
	require.Len(t, create.Exceptions, 1)
	insert := onlySpan(t, env.spans, "db.insert")
	assert.Equal(t, telemetry.StatusError, insert.Status)
	assert.Contains(t, env.logs.String(), "failed to create user")
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[model.HealthResponse](t, rec)
	assert.True(t, health.OK)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Database)
	assert.Equal(t, "test", health.Version)
	assert.Empty(t, health.LogBuffer)

	env = newTestEnv(t, withStore(failingStore{}))
	rec = env.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	health = decode[model.HealthResponse](t, rec)
	assert.False(t, health.OK)
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "disconnected", health.Database)
}

type nopSink struct{}

func (nopSink) Write(context.Context, logging.Record) error { return nil }
func (nopSink) Close(context.Context) error                 { return nil }

func TestHealthReportsLogBuffer(t *testing.T) {
	buf := logging.NewBufferedSink(nopSink{}, logging.BufferOptions{Capacity: 4, Meter: metricnoop.NewMeterProvider().Meter("test")})
	for range 4 {
		require.NoError(t, buf.Write(context.Background(), logging.Record{Message: "queued"}))
	}
	env := newTestEnv(t, withLogBuffer(buf))

	rec := env.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[model.HealthResponse](t, rec)
	assert.Equal(t, "critical", health.LogBuffer)
	assert.Equal(t, "degraded", health.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "GET", "/work", nil)
	env.do(t, "GET", "/ping", nil)

	rec := env.do(t, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	text := rec.Body.String()
	assert.Contains(t, text, `custom_request_count{route="work"} 1`)
	assert.Contains(t, text, `custom_request_count{route="ping"} 1`)
	assert.Contains(t, text, "custom_work_ms_count 1")
	assert.Contains(t, text, `http_server_request_count{http_method="GET",http_route="GET /work",http_status_code="200"} 1`)
	assert.Contains(t, text, "go_goroutines")
}

func TestServerSpanContinuesIncomingTrace(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	env := newTestEnv(t)
	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	env.handler.ServeHTTP(httptest.NewRecorder(), req)

	span := onlySpan(t, env.spans, "GET /ping")
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", span.TraceID)
	assert.Equal(t, "00f067aa0ba902b7", span.ParentSpanID)
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	span := onlySpan(t, env.spans, "GET")
	route, ok := span.Attr("http.route")
	require.True(t, ok)
	assert.Equal(t, "unmatched", route.AsString())
}

func TestOpenAPISpec(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/openapi.yaml", nil).Code)

	env = newTestEnv(t, func(cfg *server.ServerConfig) { cfg.OpenAPISpec = api.OpenAPISpec })
	rec := env.do(t, "GET", "/openapi.yaml", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "/users/{id}:")
}
