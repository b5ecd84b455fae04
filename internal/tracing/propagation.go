package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds tracing context to a zerolog logger
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
	if tc.ClientID != "" {
		logger = logger.With().Str("client_id", tc.ClientID).Logger()
	}

	return logger
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// MergeContext copies tracing values from source that target does not
// already carry.
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
	if tc.ClientID != "" && GetClientID(target) == "" {
		target = WithClientID(target, tc.ClientID)
	}

	return target
}

// DetachContext returns a background context carrying the tracing values of
// ctx but none of its cancellation.
func DetachContext(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
