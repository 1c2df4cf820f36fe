package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/funagig/gigrelay/internal/telemetry"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess AuditEvent = "login_success"
	AuditLoginFailure AuditEvent = "login_failure"
	AuditLogout       AuditEvent = "logout"
	AuditRateLimited  AuditEvent = "rate_limited"
	AuditCSRFRejected AuditEvent = "csrf_rejected"
	AuditAccessDenied AuditEvent = "access_denied"
)

// auditLogger wraps slog.Logger for structured security audit logging.
// Entries are also counted, checked for spikes and, when configured,
// forwarded to an external webhook.
type auditLogger struct {
	logger  *slog.Logger
	events  metric.Int64Counter
	alerts  *metricsCollector
	webhook *auditWebhook
}

func newAuditLogger(logger *slog.Logger, webhook *auditWebhook, alertFn AlertFunc, now func() time.Time) *auditLogger {
	m := telemetry.Meter("api")
	al := &auditLogger{
		logger:  logger.With("component", "audit"),
		events:  telemetry.Counter(m, "gigrelay.audit.events", "Security audit events by type."),
		webhook: webhook,
	}
	al.alerts = newMetricsCollector(func(e AlertEvent) {
		al.logger.Warn("security alert",
			"alert", string(e.Type),
			"count", e.Count,
			"threshold", e.Threshold,
		)
		if al.webhook != nil {
			al.webhook.enqueue(webhookEvent{
				Event:     "alert." + string(e.Type),
				Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
				Attrs: map[string]string{
					"message":   e.Message,
					"count":     strconv.Itoa(e.Count),
					"threshold": strconv.Itoa(e.Threshold),
				},
			})
		}
		if alertFn != nil {
			alertFn(e)
		}
	}, now)
	return al
}

// log writes a structured audit log entry.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	id := identityFromContext(r.Context())
	now := time.Now().UTC()
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("path", r.URL.Path),
		slog.String("timestamp", now.Format(time.RFC3339)),
	}
	if id.ClientIP != "" {
		baseAttrs = append(baseAttrs, slog.String("client_ip", id.ClientIP))
	}
	baseAttrs = append(baseAttrs, attrs...)

	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	al.events.Add(context.WithoutCancel(r.Context()), 1, metric.WithAttributes(attribute.String("event", string(event))))

	if al.webhook != nil {
		evt := webhookEvent{
			Event:     string(event),
			UserID:    id.UserID,
			ClientIP:  id.ClientIP,
			Timestamp: now.Format(time.RFC3339),
			Attrs:     map[string]string{"path": r.URL.Path},
		}
		for _, a := range attrs {
			if a.Key == "user_id" {
				evt.UserID = a.Value.Int64()
				continue
			}
			evt.Attrs[a.Key] = a.Value.String()
		}
		al.webhook.enqueue(evt)
	}
	al.alerts.recordEvent(event)
}

// logEvent is a convenience for events with a known user.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, userID int64, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.Int64("user_id", userID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a refused request.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
