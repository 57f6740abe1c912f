package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys carried across a run.
type ContextKey string

const (
	// TraceIDKey is the context key for the trace ID.
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey is the context key for the agent run ID.
	RunIDKey ContextKey = "run_id"
	// SessionKeyKey is the context key for the session key.
	SessionKeyKey ContextKey = "session_key"
	// RequestIDKey is the context key for the request ID used for idempotency.
	RequestIDKey ContextKey = "request_id"
)

// TraceContext holds the tracing fields attached to a run.
type TraceContext struct {
	TraceID    string
	RunID      string
	SessionKey string
	RequestID  string
}

// NewTraceID generates a new trace ID.
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID.
func NewRunID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRunID adds a run ID to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithSessionKey adds a session key to the context.
func WithSessionKey(ctx context.Context, sessionKey string) context.Context {
	return context.WithValue(ctx, SessionKeyKey, sessionKey)
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetTraceID retrieves the trace ID from the context.
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetRunID retrieves the run ID from the context.
func GetRunID(ctx context.Context) string {
	if runID, ok := ctx.Value(RunIDKey).(string); ok {
		return runID
	}
	return ""
}

// GetSessionKey retrieves the session key from the context.
func GetSessionKey(ctx context.Context) string {
	if sessionKey, ok := ctx.Value(SessionKeyKey).(string); ok {
		return sessionKey
	}
	return ""
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// FromContext extracts all tracing fields from the context.
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:    GetTraceID(ctx),
		RunID:      GetRunID(ctx),
		SessionKey: GetSessionKey(ctx),
		RequestID:  GetRequestID(ctx),
	}
}

// NewContext creates a context carrying the given tracing fields.
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RunID != "" {
		ctx = WithRunID(ctx, tc.RunID)
	}
	if tc.SessionKey != "" {
		ctx = WithSessionKey(ctx, tc.SessionKey)
	}
	if tc.RequestID != "" {
		ctx = WithRequestID(ctx, tc.RequestID)
	}
	return ctx
}

// NewRunContext creates a context for a fresh agent run: a new run ID,
// and a new trace ID unless the caller already carries one.
func NewRunContext(ctx context.Context) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	return WithRunID(ctx, NewRunID())
}
