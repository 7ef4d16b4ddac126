package domain

import "time"

// AccessToken is the registry entry for an issued access JWT. ID is the token's jti.
type AccessToken struct {
	ID         string
	OwnerID    int64
	DeviceName string
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	CreatedAt  time.Time
}

// IsActive reports whether the token is unrevoked and unexpired at now.
func (t *AccessToken) IsActive(now time.Time) bool {
	return t != nil && t.RevokedAt == nil && t.ExpiresAt.After(now)
}
