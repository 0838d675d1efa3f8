package logger

import (
	"context"
)

// Logger is the structured logger used by every leasecoord component.
// Log methods take a message followed by alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a child logger that always carries the given key/value pairs.
	With(args ...any) Logger

	// WithContext returns a child logger enriched with the tick run id stored in ctx, if any.
	WithContext(ctx context.Context) Logger
}

type contextKey string

const runIDContextKey contextKey = "run_id"

// ContextWithRunID stores the identifier of the current coordinator tick in ctx.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, runIDContextKey, runID)
}

// RunIDFromContext returns the tick run id stored by ContextWithRunID.
func RunIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	runID, _ := ctx.Value(runIDContextKey).(string)
	return runID
}
