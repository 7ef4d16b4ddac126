package repository

import (
	"context"

	"github.com/kunihei/memocrm-docker/internal/user/domain"
)

// Repository defines persistence for users. Lookups return (nil, nil) when no row matches.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	// GetByIDForUpdate is GetByID with SELECT ... FOR UPDATE; only meaningful inside a transaction.
	GetByIDForUpdate(ctx context.Context, id int64) (*domain.User, error)
	// Create inserts u and sets u.ID. An existing email is left untouched and reported via created=false.
	Create(ctx context.Context, u *domain.User) (created bool, err error)
}
