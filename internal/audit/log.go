// Package audit writes security relevant events to a dedicated logger.
package audit

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.uber.org/zap"

	"qazna.org/authcore/internal/auth"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Event names emitted by the service.
const (
	EventJoin          = "identity.joined"
	EventLogin         = "session.started"
	EventLoginFailed   = "session.login_failed"
	EventRefresh       = "session.refreshed"
	EventRefreshDenied = "session.refresh_denied"
	EventLogout        = "session.logout"
	EventRevokeAll     = "session.revoked_all"
	EventStatus        = "identity.status_changed"
)

// sensitive field name fragments are dropped from every event.
var sensitive = []string{"password", "credential", "secret", "token", "hash"}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Logger emits audit entries.
type Logger struct {
	log *zap.Logger
}

// New returns a Logger writing through log. A nil log discards events.
func New(log *zap.Logger) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{log: log.With(zap.String("type", "audit"))}
}

// LogEvent writes an audit entry enriched with the request id and the
// authorized principal found in ctx.
func (l *Logger) LogEvent(ctx context.Context, event string, fields map[string]string) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	zf := []zap.Field{zap.String("event", event)}
	if rid := RequestIDFromContext(ctx); rid != "" {
		zf = append(zf, zap.String("request_id", rid))
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		zf = append(zf, zap.String("actor_id", p.SubjectID), zap.String("actor_role", string(p.Role)))
		if p.TenantID != "" {
			zf = append(zf, zap.String("actor_tenant", p.TenantID))
		}
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if !isSensitive(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		zf = append(zf, zap.String(k, fields[k]))
	}
	l.log.Info("audit", zf...)
	return nil
}

func isSensitive(key string) bool {
	key = strings.ToLower(key)
	for _, s := range sensitive {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}
