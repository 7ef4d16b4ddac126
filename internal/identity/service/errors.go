package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kunihei/memocrm-docker/internal/db"
	refreshrepo "github.com/kunihei/memocrm-docker/internal/refreshtoken/repository"
)

// Sentinel errors for the auth service; the HTTP handler maps them to status codes.
var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
	ErrUnauthenticated     = errors.New("unauthenticated")
	// ErrRetriable means the credential store was contended or unavailable and nothing was committed.
	ErrRetriable = errors.New("temporary failure, retry")
	// ErrIssuance means a new token could not be minted or persisted, e.g. a token_hash collision.
	ErrIssuance = errors.New("token issuance failed")
)

// ValidationError reports malformed input per field.
type ValidationError struct {
	Fields map[string][]string
}

// NewValidationError returns a ValidationError with one message for field.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string][]string{field: {msg}}}
}

// Add appends msg to field.
func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = map[string][]string{}
	}
	e.Fields[field] = append(e.Fields[field], msg)
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(e.Fields[k], ", "))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// classify maps store and issuance errors onto the service taxonomy.
// Anything unrecognized inside a transaction was rolled back and is reported as retriable.
func classify(err error) error {
	var verr *ValidationError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrInvalidRefreshToken),
		errors.Is(err, ErrUnauthenticated),
		errors.Is(err, ErrRetriable),
		errors.Is(err, ErrIssuance),
		errors.As(err, &verr):
		return err
	case errors.Is(err, refreshrepo.ErrNotActive):
		return ErrInvalidRefreshToken
	case db.IsUniqueViolation(err):
		return fmt.Errorf("%w: %v", ErrIssuance, err)
	default:
		return fmt.Errorf("%w: %v", ErrRetriable, err)
	}
}
