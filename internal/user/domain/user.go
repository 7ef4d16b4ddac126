package domain

import (
	"errors"
	"strings"
	"time"
)

// User is an account that can sign in. Customer records and profile editing live elsewhere.
type User struct {
	ID           int64
	Name         string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    *time.Time
}

// NormalizeEmail lower-cases and trims an address for lookup and throttling keys.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Validate validates the user for persistence. Returns an error describing the first validation failure.
func (u *User) Validate() error {
	if u.Email == "" {
		return errors.New("email is required")
	}
	if u.PasswordHash == "" {
		return errors.New("password hash is required")
	}
	if u.Name == "" {
		u.Name = u.Email
	}
	return nil
}
