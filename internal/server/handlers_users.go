package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// HandleCreateUser handles POST /users.
func (h *Handlers) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	_ = h.tracer.StartActiveSpan(r.Context(), "users.create", func(ctx context.Context, span *telemetry.Span) error {
		var req model.CreateUserRequest
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
			h.handleDecodeError(ctx, w, span, err)
			return nil
		}
		if err := req.Validate(); err != nil {
			h.clientError(ctx, w, span, http.StatusBadRequest, err, err.Error())
			return nil
		}

		var user model.User
		err := h.dbCall(ctx, "insert", func(ctx context.Context) error {
			var err error
			user, err = h.store.CreateUser(ctx, req.Name, req.Email)
			return err
		})
		switch {
		case errors.Is(err, storage.ErrDuplicate):
			h.clientError(ctx, w, span, http.StatusConflict, err, "email already exists")
		case err != nil:
			h.internalError(ctx, w, span, "failed to create user", err)
		default:
			span.SetAttribute("user.id", user.ID)
			h.logger.Info(ctx, "user created", map[string]any{"user_id": user.ID})
			writeJSON(w, http.StatusCreated, user)
		}
		return nil
	})
}

// HandleListUsers handles GET /users. An optional ?email= narrows the list
// to that exact address.
func (h *Handlers) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	_ = h.tracer.StartActiveSpan(r.Context(), "users.list", func(ctx context.Context, span *telemetry.Span) error {
		var filter model.UserFilter
		if q := r.URL.Query(); q.Has("email") {
			email, err := model.ParseEmailFilter(q.Get("email"))
			if err != nil {
				h.clientError(ctx, w, span, http.StatusBadRequest, err, err.Error())
				return nil
			}
			filter.Email = email
			span.SetAttribute("user.email_filter", email)
		}

		var users []model.User
		err := h.dbCall(ctx, "select", func(ctx context.Context) error {
			var err error
			users, err = h.store.ListUsers(ctx, filter)
			return err
		})
		if err != nil {
			h.internalError(ctx, w, span, "failed to list users", err)
			return nil
		}
		span.SetAttribute("users.count", len(users))
		h.logger.Info(ctx, "users listed", map[string]any{"count": len(users)})
		writeJSON(w, http.StatusOK, users)
		return nil
	})
}

// HandleGetUser handles GET /users/{id}.
func (h *Handlers) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	_ = h.tracer.StartActiveSpan(r.Context(), "users.get", func(ctx context.Context, span *telemetry.Span) error {
		id, ok := h.userID(ctx, w, r, span)
		if !ok {
			return nil
		}

		var user model.User
		err := h.dbCall(ctx, "select", func(ctx context.Context) error {
			var err error
			user, err = h.store.GetUser(ctx, id)
			return err
		})
		switch {
		case errors.Is(err, storage.ErrNotFound):
			h.notFound(ctx, w, id)
		case err != nil:
			h.internalError(ctx, w, span, "failed to get user", err)
		default:
			h.logger.Info(ctx, "user fetched", map[string]any{"user_id": id})
			writeJSON(w, http.StatusOK, user)
		}
		return nil
	})
}

// HandleUpdateUser handles PUT /users/{id}. Fields absent from the body are
// left unchanged.
func (h *Handlers) HandleUpdateUser(w http.ResponseWriter, r *http.Request) {
	_ = h.tracer.StartActiveSpan(r.Context(), "users.update", func(ctx context.Context, span *telemetry.Span) error {
		id, ok := h.userID(ctx, w, r, span)
		if !ok {
			return nil
		}
		var req model.UpdateUserRequest
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
			h.handleDecodeError(ctx, w, span, err)
			return nil
		}
		if err := req.Validate(); err != nil {
			h.clientError(ctx, w, span, http.StatusBadRequest, err, err.Error())
			return nil
		}

		var user model.User
		err := h.dbCall(ctx, "update", func(ctx context.Context) error {
			var err error
			user, err = h.store.UpdateUser(ctx, id, req.Patch())
			return err
		})
		switch {
		case errors.Is(err, storage.ErrNotFound):
			h.notFound(ctx, w, id)
		case errors.Is(err, storage.ErrDuplicate):
			h.clientError(ctx, w, span, http.StatusConflict, err, "email already exists")
		case err != nil:
			h.internalError(ctx, w, span, "failed to update user", err)
		default:
			h.logger.Info(ctx, "user updated", map[string]any{"user_id": id})
			writeJSON(w, http.StatusOK, user)
		}
		return nil
	})
}

// HandleDeleteUser handles DELETE /users/{id}.
func (h *Handlers) HandleDeleteUser(w http.ResponseWriter, r *http.Request) {
	_ = h.tracer.StartActiveSpan(r.Context(), "users.delete", func(ctx context.Context, span *telemetry.Span) error {
		id, ok := h.userID(ctx, w, r, span)
		if !ok {
			return nil
		}

		err := h.dbCall(ctx, "delete", func(ctx context.Context) error {
			return h.store.DeleteUser(ctx, id)
		})
		switch {
		case errors.Is(err, storage.ErrNotFound):
			h.notFound(ctx, w, id)
		case err != nil:
			h.internalError(ctx, w, span, "failed to delete user", err)
		default:
			h.logger.Info(ctx, "user deleted", map[string]any{"user_id": id})
			writeJSON(w, http.StatusOK, model.StatusResponse{OK: true})
		}
		return nil
	})
}

// dbCall runs fn in a db.<op> child span. Not-found is an expected outcome
// and leaves the span status unset.
func (h *Handlers) dbCall(ctx context.Context, op string, fn func(context.Context) error) error {
	return h.tracer.StartActiveSpan(ctx, "db."+op, func(ctx context.Context, span *telemetry.Span) error {
		span.SetAttribute("db.system", h.store.System())
		span.SetAttribute("db.operation", op)
		err := fn(ctx)
		if err != nil && !errors.Is(err, storage.ErrNotFound) && !telemetry.IsCancellation(err) {
			span.RecordException(err)
			span.SetStatus(telemetry.StatusError, err.Error())
		}
		return err
	}, telemetry.WithSpanKind(trace.SpanKindClient))
}

// userID parses the {id} path value, writing a 400 when it is not a positive
// integer.
func (h *Handlers) userID(ctx context.Context, w http.ResponseWriter, r *http.Request, span *telemetry.Span) (int64, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		if err == nil {
			err = errors.New("id must be positive")
		}
		h.clientError(ctx, w, span, http.StatusBadRequest, err, "invalid user id")
		return 0, false
	}
	span.SetAttribute("user.id", id)
	return id, true
}

func (h *Handlers) handleDecodeError(ctx context.Context, w http.ResponseWriter, span *telemetry.Span, err error) {
	if errors.Is(err, errBodyTooLarge) {
		h.clientError(ctx, w, span, http.StatusRequestEntityTooLarge, err, err.Error())
		return
	}
	h.clientError(ctx, w, span, http.StatusBadRequest, err, err.Error())
}

// clientError records err on span, logs at warn and writes status with
// message. The span status stays unset: the server did not fail.
func (h *Handlers) clientError(ctx context.Context, w http.ResponseWriter, span *telemetry.Span, status int, err error, message string) {
	span.RecordException(err)
	span.SetAttribute("http.status_code", status)
	h.logger.Warn(ctx, "request rejected", map[string]any{"status": status, "error": err.Error()})
	writeError(w, status, message)
}

// notFound answers a lookup miss. A miss is not an exception.
func (h *Handlers) notFound(ctx context.Context, w http.ResponseWriter, id int64) {
	h.logger.Warn(ctx, "user not found", map[string]any{"user_id": id})
	writeError(w, http.StatusNotFound, "user not found")
}

// internalError records err on span with Error status, logs it and writes a
// generic 500. The driver's error text never reaches the client.
func (h *Handlers) internalError(ctx context.Context, w http.ResponseWriter, span *telemetry.Span, msg string, err error) {
	span.RecordException(err)
	if telemetry.IsCancellation(err) {
		span.SetStatus(telemetry.StatusError, telemetry.StatusMessageCancelled)
	} else {
		span.SetStatus(telemetry.StatusError, msg)
	}
	h.logger.Error(ctx, msg, map[string]any{"error": err.Error()})
	writeError(w, http.StatusInternalServerError, "internal error")
}
