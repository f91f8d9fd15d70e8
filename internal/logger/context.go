package logger

import (
	"context"
	"log/slog"
)

type contextKey string

const RequestIDKey contextKey = "request_id"
const SessionIDKey contextKey = "session_id"

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}

func GetSessionID(ctx context.Context) string {
	if id, ok := ctx.Value(SessionIDKey).(string); ok {
		return id
	}
	return ""
}

// FromContext returns the default logger annotated with any IDs carried by ctx.
func FromContext(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := GetRequestID(ctx); id != "" {
		l = l.With("request_id", id)
	}
	if id := GetSessionID(ctx); id != "" {
		l = l.With("session_id", id)
	}
	return l
}
