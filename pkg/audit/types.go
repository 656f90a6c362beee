package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the type of audit event
type EventType string

const (
	// Authentication events
	EventTypeLogin       EventType = "auth.login"
	EventTypeLoginFailed EventType = "auth.login_failed"
	EventTypeLogout      EventType = "auth.logout"
	EventTypeSignup      EventType = "auth.signup"

	// One-time code events
	EventTypeOTPSent     EventType = "otp.sent"
	EventTypeOTPVerified EventType = "otp.verified"
	EventTypeOTPFailed   EventType = "otp.failed"

	// Passkey events
	EventTypePasskeyRegistered   EventType = "passkey.registered"
	EventTypePasskeyCloneWarning EventType = "passkey.clone_warning"

	// Elevated access events
	EventTypeSysadminVerified EventType = "sysadmin.verified"
	EventTypeAccessDenied     EventType = "authz.access_denied"
)

// EventStatus represents the outcome of an audited action
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// AuditEvent represents a single security event
type AuditEvent struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`

	// Channel that produced the event (google, saml, email-otp, webauthn)
	Provider string `json:"provider,omitempty"`

	// Request context
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	Message  string                 `json:"message,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ToJSON converts the audit event to JSON
func (e *AuditEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an audit event from JSON
func FromJSON(data []byte) (*AuditEvent, error) {
	var event AuditEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// SearchFilter represents filters for searching audit logs
type SearchFilter struct {
	StartTime *time.Time
	EndTime   *time.Time

	UserID string
	Email  string

	EventTypes []EventType
	Status     *EventStatus

	Limit  int
	Offset int
}

// RetentionPolicy defines how long audit logs are kept
type RetentionPolicy struct {
	// RetentionDays is the number of days to keep audit logs
	RetentionDays int

	// Archive receives expired logs before they are deleted. Nil deletes
	// without archiving.
	Archive Archiver
}

// DefaultRetentionDays is used when a policy does not set RetentionDays
const DefaultRetentionDays = 90
