package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds the tracing fields from the context to a zerolog
// logger so every line of a run carries its identifiers.
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.RunID != "" {
		logger = logger.With().Str("run_id", tc.RunID).Logger()
	}
	if tc.SessionKey != "" {
		logger = logger.With().Str("session_key", tc.SessionKey).Logger()
	}

	return logger
}

// LoggerFromContext creates a logger annotated with the context's tracing fields.
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// MergeContext copies tracing fields from source into target where the
// target does not already carry them.
func MergeContext(target, source context.Context) context.Context {
	tc := FromContext(source)

	if tc.TraceID != "" && GetTraceID(target) == "" {
		target = WithTraceID(target, tc.TraceID)
	}
	if tc.RunID != "" && GetRunID(target) == "" {
		target = WithRunID(target, tc.RunID)
	}
	if tc.SessionKey != "" && GetSessionKey(target) == "" {
		target = WithSessionKey(target, tc.SessionKey)
	}
	if tc.RequestID != "" && GetRequestID(target) == "" {
		target = WithRequestID(target, tc.RequestID)
	}

	return target
}

// CloneContext creates a detached context with the same tracing fields,
// for work that must outlive the caller's cancellation.
func CloneContext(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
