package domain

import "time"

// EventType names an auth lifecycle event.
type EventType string

const (
	EventLoginSucceeded   EventType = "login_succeeded"
	EventLoginFailed      EventType = "login_failed"
	EventRefreshSucceeded EventType = "refresh_succeeded"
	EventRefreshFailed    EventType = "refresh_failed"
	EventRefreshReplay    EventType = "refresh_replay"
	EventLogout           EventType = "logout"
	EventRateLimited      EventType = "rate_limited"
)

// Source is the service name stamped on every auth event.
const Source = "memocrm-auth"

// AuthEvent is one auth lifecycle fact. It never carries secrets; Fingerprint is a truncated token hash.
type AuthEvent struct {
	Type        EventType `json:"event_type"`
	UserID      int64     `json:"user_id,omitempty"`
	DeviceName  string    `json:"device_name,omitempty"`
	IPAddress   string    `json:"ip_address,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Count       int64     `json:"count,omitempty"`
	Source      string    `json:"source"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewAuthEvent returns an event of type t stamped with Source and the current UTC time.
func NewAuthEvent(t EventType) *AuthEvent {
	return &AuthEvent{Type: t, Source: Source, CreatedAt: time.Now().UTC()}
}
