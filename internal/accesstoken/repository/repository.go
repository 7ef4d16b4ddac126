package repository

import (
	"context"
	"time"

	"github.com/kunihei/memocrm-docker/internal/accesstoken/domain"
)

// Repository defines persistence for the access token registry.
type Repository interface {
	Create(ctx context.Context, t *domain.AccessToken) error
	// GetByID returns the entry for jti, or (nil, nil) if unknown.
	GetByID(ctx context.Context, id string) (*domain.AccessToken, error)
	// RevokeByID revokes one entry. Revoking an already revoked entry is a no-op.
	RevokeByID(ctx context.Context, id string, at time.Time) error
	// RevokeActive revokes the owner's unrevoked entries on deviceName (all devices when empty).
	RevokeActive(ctx context.Context, ownerID int64, deviceName string, at time.Time) (int64, error)
}
