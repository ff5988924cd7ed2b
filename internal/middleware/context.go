// Package middleware provides the HTTP middleware chain of the marketplace
// API: tracing and request logging, rate limiting, CORS and authentication.
package middleware

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	traceIDKey  contextKey = "trace_id"
	identityKey contextKey = "identity"
)

// TraceHeader carries the request trace ID in both directions.
const TraceHeader = "X-Trace-ID"

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Email  string
	Role   string
	Admin  bool
}

// WithIdentity stores the caller on the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the caller. ok is false for anonymous requests.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok && id.UserID != ""
}

// GetUserID returns the caller's user ID or "".
func GetUserID(ctx context.Context) string {
	id, _ := IdentityFrom(ctx)
	return id.UserID
}

// IsAdmin reports whether the caller is a platform admin.
func IsAdmin(ctx context.Context) bool {
	id, _ := IdentityFrom(ctx)
	return id.Admin
}

// WithTraceID stores a trace ID on the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// GetTraceID returns the request trace ID or "".
func GetTraceID(ctx context.Context) string {
	traceID, _ := ctx.Value(traceIDKey).(string)
	return traceID
}

// NewTraceID generates a trace ID.
func NewTraceID() string {
	return uuid.NewString()
}
