package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/davkeeper/credstore"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLogin          AuditEvent = "login"
	AuditLoginFailure   AuditEvent = "login_failure"
	AuditLogout         AuditEvent = "logout"
	AuditSessionExpired AuditEvent = "session_expired"
	AuditSessionEvicted AuditEvent = "session_evicted"
	AuditConfigUpdated  AuditEvent = "config_updated"
	AuditLockAcquired   AuditEvent = "lock_acquired"
	AuditLockReleased   AuditEvent = "lock_released"
)

// auditLogger wraps slog.Logger for structured security audit logging.
// Sessions appear only as fingerprints; secrets never appear.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	webhook *auditWebhook
}

func newAuditLogger(logger *slog.Logger, metrics *metricsCollector, webhook *auditWebhook) *auditLogger {
	return &auditLogger{
		logger:  logger.With("component", "audit"),
		metrics: metrics,
		webhook: webhook,
	}
}

func (al *auditLogger) close() {
	if al != nil && al.webhook != nil {
		al.webhook.close()
	}
}

func (al *auditLogger) log(ctx context.Context, event AuditEvent, sessionID credstore.SessionID, remoteAddr string, attrs ...slog.Attr) {
	now := time.Now().UTC().Format(time.RFC3339)
	session := credstore.Fingerprint(sessionID)
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("session", session),
		slog.String("timestamp", now),
	}
	if remoteAddr != "" {
		base = append(base, slog.String("remote_addr", remoteAddr))
	}
	base = append(base, attrs...)
	al.logger.LogAttrs(ctx, slog.LevelInfo, "audit", base...)

	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.webhook != nil {
		extra := make(map[string]string, len(attrs))
		for _, a := range attrs {
			extra[a.Key] = a.Value.String()
		}
		al.webhook.enqueue(webhookEvent{
			Event:      string(event),
			Session:    session,
			RemoteAddr: remoteAddr,
			Timestamp:  now,
			Attrs:      extra,
		})
	}
}

// logEvent records event for the session behind r.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, sessionID credstore.SessionID, extra ...slog.Attr) {
	al.log(r.Context(), event, sessionID, r.RemoteAddr, extra...)
}

// logFailure records a rejected authentication attempt.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, sessionID credstore.SessionID, reason string, extra ...slog.Attr) {
	attrs := append([]slog.Attr{slog.String("reason", reason)}, extra...)
	al.log(r.Context(), event, sessionID, r.RemoteAddr, attrs...)
}

// logSession records a session ending outside any request.
func (al *auditLogger) logSession(event AuditEvent, sessionID credstore.SessionID) {
	if al == nil {
		return
	}
	al.log(context.Background(), event, sessionID, "")
}
