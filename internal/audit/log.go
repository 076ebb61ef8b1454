// Package audit records privileged actions as structured log lines.
package audit

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"blueroots.org/internal/auth"
	"blueroots.org/internal/store"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Logger writes audit entries. Entries are emitted only once the surrounding
// request transaction has committed, so aborted actions leave no trace.
type Logger struct {
	log *zap.Logger
}

func NewLogger(log *zap.Logger) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{log: log.With(zap.String("type", "audit"))}
}

// Record logs event enriched with the request id and the acting identity.
func (l *Logger) Record(ctx context.Context, event string, fields ...zap.Field) error {
	if l == nil {
		return nil
	}
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := make([]zap.Field, 0, len(fields)+3)
	entry = append(entry, zap.String("event", event))
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry = append(entry, zap.String("request_id", rid))
	}
	if actor, ok := auth.IdentityFromContext(ctx); ok {
		entry = append(entry, zap.String("actor_id", actor.ID))
	}
	entry = append(entry, fields...)

	store.AfterCommit(ctx, func(context.Context) {
		l.log.Info("audit", entry...)
	})
	return nil
}
