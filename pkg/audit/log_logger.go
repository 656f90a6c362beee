package audit

import (
	"context"

	"github.com/platinummonkey/authgate/pkg/observability"
)

// LogLogger writes audit events to the structured application log under
// msg "audit". It is the audit driver used when no database is configured.
type LogLogger struct {
	logger *observability.Logger
}

// NewLogLogger creates a log-backed audit logger
func NewLogLogger(logger *observability.Logger) *LogLogger {
	return &LogLogger{logger: logger.WithField("component", "audit")}
}

// Log writes event as one structured line
func (l *LogLogger) Log(ctx context.Context, event *AuditEvent) error {
	fields := map[string]interface{}{
		"event_type": string(event.EventType),
		"status":     string(event.Status),
		"timestamp":  event.Timestamp,
	}
	for k, v := range map[string]string{
		"user_id":    event.UserID,
		"email":      event.Email,
		"provider":   event.Provider,
		"ip_address": event.IPAddress,
		"user_agent": event.UserAgent,
		"request_id": event.RequestID,
		"message":    event.Message,
	} {
		if v != "" {
			fields[k] = v
		}
	}
	if len(event.Metadata) > 0 {
		fields["metadata"] = event.Metadata
	}

	entry := l.logger.WithFields(fields)
	if event.Status == EventStatusSuccess {
		entry.Info("audit")
	} else {
		entry.Warn("audit")
	}
	return nil
}

// Close is a no-op
func (l *LogLogger) Close() error { return nil }
