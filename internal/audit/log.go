package audit

import (
	"context"
	"errors"
	"strings"

	"backfeed.org/internal/obs"
)

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	actorKey     ctxKey = "audit_actor"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withValue(ctx, requestIDKey, requestID)
}

// WithActor records who drives the operation (an operator, a service name).
func WithActor(ctx context.Context, actor string) context.Context {
	return withValue(ctx, actorKey, actor)
}

func withValue(ctx context.Context, key ctxKey, v string) context.Context {
	v = strings.TrimSpace(v)
	if v == "" {
		return ctx
	}
	return context.WithValue(ctx, key, v)
}

func fromContext(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with request and actor context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	l := obs.Component("audit")
	e := l.Info().Str("type", "audit").Str("event", event)
	if rid := fromContext(ctx, requestIDKey); rid != "" {
		e = e.Str("request_id", rid)
	}
	if actor := fromContext(ctx, actorKey); actor != "" {
		e = e.Str("actor", actor)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	e.Interface("fields", fields).Send()
	return nil
}
