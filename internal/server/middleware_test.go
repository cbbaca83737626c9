package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/ashita-ai/kansoku/internal/ctxutil"
	"github.com/ashita-ai/kansoku/internal/logging"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = ctxutil.RequestIDFromContext(r.Context())
	}))

	// Generated when absent.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	// Propagated when supplied, with control characters stripped.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "abc\x07-123")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestRecoveryMiddleware(t *testing.T) {
	var logs bytes.Buffer
	logger := logging.NewLogger(logging.Options{Console: &logs})
	recorder := telemetry.NewRecorder()
	tracer := telemetry.NewTracer(tracenoop.NewTracerProvider(), "test", telemetry.WithRecorder(recorder))

	handler := recoveryMiddleware(logger, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))

	ctx, span := tracer.StartSpan(t.Context(), "GET /boom")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/boom", nil).WithContext(ctx))
	span.End()

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body model.FailureResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.OK)
	assert.Equal(t, "internal error", body.Error)

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, telemetry.StatusError, ended[0].Status)
	require.Len(t, ended[0].Exceptions, 1)
	assert.Contains(t, ended[0].Exceptions[0].Message, "kaboom")
	assert.Contains(t, logs.String(), "panic recovered")
}

func TestStatusWriterKeepsFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	w := newStatusWriter(rec)
	w.WriteHeader(http.StatusCreated)
	w.WriteHeader(http.StatusInternalServerError)
	assert.Equal(t, http.StatusCreated, w.statusCode)

	w = newStatusWriter(httptest.NewRecorder())
	_, _ = w.Write([]byte("ok"))
	assert.Equal(t, http.StatusOK, w.statusCode)
}

func TestServerSpanName(t *testing.T) {
	assert.Equal(t, "GET /users/{id}", serverSpanName("GET", "GET /users/{id}"))
	assert.Equal(t, "GET /users/{id}", serverSpanName("GET", "/users/{id}"))
	assert.Equal(t, "HEAD /ping", serverSpanName("HEAD", "GET /ping"))
	assert.Equal(t, "GET", serverSpanName("GET", ""))
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		max     int64
		wantErr string
	}{
		{name: "valid", body: `{"name":"A","email":"a@x.com"}`, max: 1024},
		{name: "unknown field", body: `{"name":"A","admin":true}`, max: 1024, wantErr: "invalid request body"},
		{name: "trailing data", body: `{"name":"A"}{"name":"B"}`, max: 1024, wantErr: "single JSON object"},
		{name: "malformed", body: `{"name":`, max: 1024, wantErr: "invalid request body"},
		{name: "too large", body: `{"name":"` + strings.Repeat("a", 100) + `"}`, max: 16, wantErr: errBodyTooLarge.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req model.CreateUserRequest
			r := httptest.NewRequest("POST", "/users", strings.NewReader(tt.body))
			err := decodeJSON(httptest.NewRecorder(), r, &req, tt.max)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, "A", req.Name)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
