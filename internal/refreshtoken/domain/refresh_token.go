package domain

import (
	"time"
	"unicode/utf8"
)

// DefaultDeviceName labels tokens issued to clients that do not name their device.
const DefaultDeviceName = "mobile"

// Column limits; longer provenance values are truncated, never rejected.
const (
	MaxDeviceNameLen = 100
	MaxUserAgentLen  = 2000
	MaxIPAddressLen  = 45
)

// State is the lifecycle position of a refresh token at a given instant.
type State string

const (
	StateActive     State = "active"
	StateExpired    State = "expired"
	StateRevoked    State = "revoked"
	StateSuperseded State = "superseded"
)

// RefreshToken is a persisted refresh credential. Only the SHA-256 hash of the secret is stored.
type RefreshToken struct {
	SequenceID   int64
	OwnerID      int64
	TokenHash    string
	DeviceName   string
	UserAgent    string
	IPAddress    string
	ExpiresAt    time.Time
	RevokedAt    *time.Time // nil while the token may still be exchanged
	ReplacedByID *int64     // set once, when this token was rotated
	CreatedAt    time.Time
}

// IsActive reports whether the token is unrevoked and unexpired at now.
func (t *RefreshToken) IsActive(now time.Time) bool {
	return t != nil && t.RevokedAt == nil && t.ExpiresAt.After(now)
}

// IsSuperseded reports whether the token was rotated into a successor.
func (t *RefreshToken) IsSuperseded() bool {
	return t != nil && t.ReplacedByID != nil
}

// State classifies the token at now. Superseded takes precedence over plain revocation.
func (t *RefreshToken) State(now time.Time) State {
	switch {
	case t.IsSuperseded():
		return StateSuperseded
	case t.RevokedAt != nil:
		return StateRevoked
	case !t.ExpiresAt.After(now):
		return StateExpired
	default:
		return StateActive
	}
}

// Sanitize applies the column limits and the default device name in place.
func (t *RefreshToken) Sanitize() {
	t.DeviceName = DeviceName(t.DeviceName)
	t.UserAgent = Truncate(t.UserAgent, MaxUserAgentLen)
	t.IPAddress = Truncate(t.IPAddress, MaxIPAddressLen)
}

// DeviceName returns name truncated to the column limit, or DefaultDeviceName when blank.
func DeviceName(name string) string {
	if name == "" {
		return DefaultDeviceName
	}
	return Truncate(name, MaxDeviceNameLen)
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
