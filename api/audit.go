package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies a security-relevant API action. Lifecycle changes
// are also written to the instance journal by the service; these events
// add who asked, from where, and what was downloaded.
type AuditEvent string

const (
	AuditAuthFailure       AuditEvent = "auth_failure"
	AuditAuthRateLimited   AuditEvent = "auth_rate_limited"
	AuditInstanceInit      AuditEvent = "instance_initialized"
	AuditClientAdded       AuditEvent = "client_added"
	AuditClientRevoked     AuditEvent = "client_revoked"
	AuditProfileDownloaded AuditEvent = "profile_downloaded"
	AuditCRLRefreshed      AuditEvent = "crl_refreshed"
	AuditBackupCreated     AuditEvent = "backup_created"
	AuditSnapshotRestored  AuditEvent = "snapshot_restored"
	AuditContainerStarted  AuditEvent = "container_started"
	AuditContainerStopped  AuditEvent = "container_stopped"
)

// auditLogger wraps slog.Logger for structured security audit logging and
// fans events out to the optional metrics collector and webhook.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	webhook *auditWebhook
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	now := time.Now().UTC()
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)

	if al.metrics != nil {
		al.metrics.recordEvent(event, now)
	}
	if al.webhook != nil {
		evt := webhookEvent{
			Event:      string(event),
			RemoteAddr: r.RemoteAddr,
			Timestamp:  now.Format(time.RFC3339),
		}
		if len(attrs) > 0 {
			evt.Attrs = make(map[string]string, len(attrs))
			for _, a := range attrs {
				evt.Attrs[a.Key] = a.Value.String()
			}
		}
		al.webhook.enqueue(evt)
	}
}

// logSubject records a successful action on a named subject, usually a
// client name or a snapshot location.
func (al *auditLogger) logSubject(event AuditEvent, r *http.Request, subject string, extra ...slog.Attr) {
	attrs := []slog.Attr{slog.String("subject", subject)}
	al.log(event, r, append(attrs, extra...)...)
}

func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{slog.String("reason", reason)}
	al.log(event, r, append(attrs, extra...)...)
}
