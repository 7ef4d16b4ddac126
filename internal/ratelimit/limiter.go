// Package ratelimit admits at most N requests per key in any rolling window (sliding log).
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/kunihei/memocrm-docker/internal/security"
	userdomain "github.com/kunihei/memocrm-docker/internal/user/domain"
)

var (
	// ErrRateLimited is returned to callers when a key has used its budget for the current window.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnavailable wraps backend failures. Callers fail open on it.
	ErrUnavailable = errors.New("rate limiter unavailable")
)

// Result is the admission decision for one request.
type Result struct {
	Allowed bool
	// Remaining is how many more requests the key may make in the current window.
	Remaining int
	// RetryAfter is how long until the oldest admitted request leaves the window. Zero when allowed.
	RetryAfter time.Duration
}

// Limiter records and checks requests per key. A rejected request is not counted.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// maxKeyEmailLen is the longest email accepted by login validation. Longer input is digested
// so unvalidated bodies cannot grow limiter keys.
const maxKeyEmailLen = 200

// LoginKey throttles login attempts per normalized email and client IP.
func LoginKey(email, ip string) string {
	email = userdomain.NormalizeEmail(email)
	if email == "" {
		return "login:no-email|" + ip
	}
	if len(email) > maxKeyEmailLen {
		sum := sha256.Sum256([]byte(email))
		email = "sha256:" + hex.EncodeToString(sum[:16])
	}
	return "login:" + email + "|" + ip
}

// RefreshKey throttles refresh attempts per presented token without putting the secret in the key.
func RefreshKey(refreshToken string) string {
	if refreshToken == "" {
		return "refresh:no-rt"
	}
	return "refresh:" + security.RefreshTokenFingerprint(refreshToken)
}
