package server

import (
	"context"
	"net/http"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// RootMessage is the greeting returned by GET /.
const RootMessage = "Hello from kansoku"

// HandleRoot handles GET /.
func (h *Handlers) HandleRoot(w http.ResponseWriter, r *http.Request) {
	h.logger.Info(r.Context(), "root route hit", nil)
	writeJSON(w, http.StatusOK, model.StatusResponse{OK: true, Message: RootMessage})
}

// HandlePing handles GET /ping.
func (h *Handlers) HandlePing(w http.ResponseWriter, r *http.Request) {
	h.logger.Info(r.Context(), "ping endpoint called", nil)
	writeJSON(w, http.StatusOK, model.StatusResponse{OK: true, Message: "pong"})
}

// HandleWork handles GET /work: a random sleep in [100ms, 500ms) recorded as
// one custom_work_ms point. The sleep is bounded by the work timeout.
func (h *Handlers) HandleWork(w http.ResponseWriter, r *http.Request) {
	var tookMS int64
	err := h.tracer.StartActiveSpan(r.Context(), "simulate-work", func(ctx context.Context, span *telemetry.Span) error {
		d, err := h.sim.Work(ctx)
		if err != nil {
			return err
		}
		tookMS = d.Milliseconds()
		span.SetAttribute("work.took_ms", tookMS)
		h.workMS.Record(ctx, float64(tookMS), nil)
		h.logger.Info(ctx, "completed simulated work", map[string]any{"ms": tookMS})
		return nil
	}, telemetry.WithTimeout(h.workTimeout))
	if err != nil {
		h.logger.Error(r.Context(), "work failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, model.FailureResponse{OK: false, Error: telemetry.StatusMessageCancelled})
		return
	}
	writeJSON(w, http.StatusOK, model.WorkResponse{OK: true, TookMS: tookMS})
}

// HandleError handles GET /error. It always fails with HTTP 500.
func (h *Handlers) HandleError(w http.ResponseWriter, r *http.Request) {
	h.logger.Warn(r.Context(), "intentional error route called", nil)

	err := h.tracer.StartActiveSpan(r.Context(), "simulate-error", func(ctx context.Context, span *telemetry.Span) error {
		err := h.sim.Fail(ctx)
		span.RecordException(err)
		span.SetStatus(telemetry.StatusError, err.Error())
		h.logger.Error(ctx, "caught simulated error", map[string]any{"error": err.Error()})
		return err
	})
	writeJSON(w, http.StatusInternalServerError, model.FailureResponse{OK: false, Error: err.Error()})
}

// HandleComplex handles GET /complex: a root span with db-call, external-api
// and cpu-work children. The pipeline always fails with HTTP 500.
func (h *Handlers) HandleComplex(w http.ResponseWriter, r *http.Request) {
	ctx, root := h.tracer.StartSpan(r.Context(), "complex-root")
	defer root.End()

	res, err := h.sim.Complex(ctx, root)
	root.SetAttribute("complex.db_ms", res.DBTime.Milliseconds())
	root.SetAttribute("complex.api_ms", res.APITime.Milliseconds())

	msg := err.Error()
	if telemetry.IsCancellation(err) {
		msg = telemetry.StatusMessageCancelled
	}
	root.RecordException(err)
	root.SetStatus(telemetry.StatusError, msg)
	h.logger.Error(ctx, "complex endpoint failed", map[string]any{"error": err.Error()})
	writeJSON(w, http.StatusInternalServerError, model.FailureResponse{OK: false, Error: msg})
}
