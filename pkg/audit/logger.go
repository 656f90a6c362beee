package audit

import (
	"context"
	"time"

	"github.com/platinummonkey/authgate/pkg/contextkeys"
	"github.com/platinummonkey/authgate/pkg/observability"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log records a single event
	Log(ctx context.Context, event *AuditEvent) error

	// Close flushes and releases the logger
	Close() error
}

// contextKey is the type for context keys
type contextKey string

// AuditLoggerKey is the context key for the audit logger
const AuditLoggerKey contextKey = "audit_logger"

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, AuditLoggerKey, logger)
}

// FromContext retrieves the audit logger from context
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(AuditLoggerKey).(Logger); ok {
		return logger
	}
	return NoOp()
}

// NoOp returns a logger that discards every event
func NoOp() Logger { return noOpLogger{} }

type noOpLogger struct{}

func (noOpLogger) Log(ctx context.Context, event *AuditEvent) error { return nil }
func (noOpLogger) Close() error                                     { return nil }

// NewEvent creates an event with the request context of ctx filled in:
// request id, caller user id, client address and user agent.
func NewEvent(ctx context.Context, eventType EventType, status EventStatus) *AuditEvent {
	client := contextkeys.GetClient(ctx)
	return &AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		UserID:    observability.GetUserID(ctx),
		IPAddress: client.IP,
		UserAgent: client.UserAgent,
		RequestID: observability.GetRequestID(ctx),
		Metadata:  make(map[string]interface{}),
	}
}

// Record logs event and reports a failure only to the application log.
// Audit delivery never fails the action being audited.
func Record(ctx context.Context, logger Logger, event *AuditEvent) {
	if logger == nil {
		logger = FromContext(ctx)
	}
	if err := logger.Log(ctx, event); err != nil {
		observability.FromContext(ctx).
			WithError(err).
			WithField("event_type", string(event.EventType)).
			Error("Failed to record audit event")
	}
}

// LogSuccess records a successful event for userID
func LogSuccess(ctx context.Context, logger Logger, eventType EventType, userID, email, message string) {
	event := NewEvent(ctx, eventType, EventStatusSuccess)
	if userID != "" {
		event.UserID = userID
	}
	event.Email = email
	event.Message = message
	Record(ctx, logger, event)
}

// LogFailure records a failed event; err is kept as metadata
func LogFailure(ctx context.Context, logger Logger, eventType EventType, email, message string, err error) {
	event := NewEvent(ctx, eventType, EventStatusFailure)
	event.Email = email
	event.Message = message
	if err != nil {
		event.Metadata["error"] = err.Error()
	}
	Record(ctx, logger, event)
}

// LogDenied records an access denial for the request path
func LogDenied(ctx context.Context, logger Logger, path, reason string) {
	event := NewEvent(ctx, EventTypeAccessDenied, EventStatusDenied)
	event.Message = "Access denied: " + reason
	event.Metadata["path"] = path
	Record(ctx, logger, event)
}
