// Package ctxutil provides shared context key accessors.
//
// This package exists to break the dependency between server and logging:
// server's request ID middleware stores the ID, and the logging handler reads
// it back to enrich every record. Both packages import ctxutil instead of each
// other.
package ctxutil

import "context"

type contextKey string

const (
	keyRequestID contextKey = "request_id"
	keyRoute     contextKey = "route"
)

// WithRequestID returns a new context carrying the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}

// WithRoute returns a new context carrying the logical route name used as the
// metric label for the current request.
func WithRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, keyRoute, route)
}

// RouteFromContext extracts the route name from the context.
func RouteFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRoute).(string); ok {
		return v
	}
	return ""
}
