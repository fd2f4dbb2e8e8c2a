package logger

import (
	"context"
	"log/slog"
)

// contextKey is a private type to prevent collisions with other context keys.
type contextKey int

const (
	requestIDKey contextKey = iota
	taskIDKey
	agentIDKey
)

// WithRequestID returns a new context with the given request ID stored.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the request ID from the context.
// Returns an empty string if no request ID is set.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithTask stores the task and agent a lifecycle goroutine works on.
func WithTask(ctx context.Context, taskID, agentID string) context.Context {
	ctx = context.WithValue(ctx, taskIDKey, taskID)
	return context.WithValue(ctx, agentIDKey, agentID)
}

// From returns base enriched with the request, task and agent ids found in ctx.
func From(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	var attrs []any
	if id := RequestID(ctx); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	if id, _ := ctx.Value(taskIDKey).(string); id != "" {
		attrs = append(attrs, "task_id", id)
	}
	if id, _ := ctx.Value(agentIDKey).(string); id != "" {
		attrs = append(attrs, "agent_id", id)
	}
	if len(attrs) == 0 {
		return base
	}
	return base.With(attrs...)
}
