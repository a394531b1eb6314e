package auth

import (
	"context"
	"time"
)

type EventType string

const (
	EventFingerprintMismatch EventType = "security.fingerprint_mismatch"
	EventSessionsRevoked     EventType = "security.sessions_revoked"
	EventConfirmCode         EventType = "mail.confirm_code"
	EventPasswordReset       EventType = "mail.password_reset"
)

// Event is published for operator alerting and outbound mail delivery.
type Event struct {
	Type      EventType         `json:"type"`
	At        time.Time         `json:"at"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Email     string            `json:"email,omitempty"`
	Code      string            `json:"code,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Notifier delivers events to whoever handles alerts and mail.
type Notifier interface {
	Publish(ctx context.Context, e Event) error
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, Event) error { return nil }
