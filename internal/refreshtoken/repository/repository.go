package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kunihei/memocrm-docker/internal/refreshtoken/domain"
)

// ErrNotActive is returned by MarkRotated when the row was already revoked by a concurrent writer.
var ErrNotActive = errors.New("refresh token is not active")

// Repository defines persistence for refresh tokens. Rows are never deleted.
type Repository interface {
	// Create inserts t and sets t.SequenceID and t.CreatedAt.
	Create(ctx context.Context, t *domain.RefreshToken) error
	// GetByHashForUpdate returns the row for tokenHash and holds a row lock until the transaction ends.
	// Returns (nil, nil) when no row matches.
	GetByHashForUpdate(ctx context.Context, tokenHash string) (*domain.RefreshToken, error)
	// MarkRotated revokes the row at `at` and links it to its successor. ErrNotActive if it was already revoked.
	MarkRotated(ctx context.Context, sequenceID int64, at time.Time, replacedByID int64) error
	// RevokeActive revokes every active token of ownerID on deviceName (all devices when empty) and returns the count.
	RevokeActive(ctx context.Context, ownerID int64, deviceName string, at time.Time) (int64, error)
}
