package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"tollgate.org/internal/auth"
	"tollgate.org/internal/events"
	"tollgate.org/internal/obs"
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

// RequestIDFromContext extracts the request id if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	return logAt(ctx, logrus.InfoLevel, event, fields)
}

// LogNotable is LogEvent at warn level, used for rejected authentication.
func LogNotable(ctx context.Context, event string, fields map[string]any) error {
	return logAt(ctx, logrus.WarnLevel, event, fields)
}

func logAt(ctx context.Context, level logrus.Level, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := logrus.Fields{
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if id, ok := auth.IdentityFromContext(ctx); ok {
		entry["user_id"] = id.UserID
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	obs.Logger().WithFields(entry).Log(level, event)
	return nil
}

// Subscribe turns bus events into audit entries.
func Subscribe(bus *events.Bus) {
	bus.Subscribe(func(ctx context.Context, ev events.Event) {
		switch e := ev.(type) {
		case events.AuthSucceeded:
			_ = LogEvent(ctx, "auth."+e.Op+".success", map[string]any{
				"user_id":   e.UserID,
				"remote_ip": e.RemoteIP,
			})
		case events.AuthFailed:
			_ = LogNotable(ctx, "auth."+e.Op+".failure", map[string]any{
				"remote_ip": e.RemoteIP,
				"reason":    e.Reason,
			})
		case events.EntityCreated:
			_ = LogEvent(ctx, e.Kind+".created", map[string]any{"id": e.ID})
		case events.EntityUpdated:
			_ = LogEvent(ctx, e.Kind+".updated", map[string]any{"id": e.ID, "fields": e.Fields})
		case events.EntityDeleted:
			_ = LogEvent(ctx, e.Kind+".deleted", map[string]any{"id": e.ID})
		case events.GrantChanged:
			name := e.Relation + ".granted"
			if e.Revoked {
				name = e.Relation + ".revoked"
			}
			_ = LogEvent(ctx, name, map[string]any{"parent_id": e.ParentID, "ids": e.ChildIDs})
		}
	})
}
