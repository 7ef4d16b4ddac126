package service

import (
	"context"
	"time"

	accessdomain "github.com/kunihei/memocrm-docker/internal/accesstoken/domain"
	refreshdomain "github.com/kunihei/memocrm-docker/internal/refreshtoken/domain"
	userdomain "github.com/kunihei/memocrm-docker/internal/user/domain"
)

// UserRepo is the read-only user lookup needed by the auth service.
type UserRepo interface {
	GetByID(ctx context.Context, id int64) (*userdomain.User, error)
	GetByEmail(ctx context.Context, email string) (*userdomain.User, error)
	// GetByIDForUpdate row-locks the user until the transaction ends. Returns (nil, nil) when missing.
	GetByIDForUpdate(ctx context.Context, id int64) (*userdomain.User, error)
}

// RefreshTokenRepo is the credential store as seen by the rotation protocol.
type RefreshTokenRepo interface {
	Create(ctx context.Context, t *refreshdomain.RefreshToken) error
	GetByHashForUpdate(ctx context.Context, tokenHash string) (*refreshdomain.RefreshToken, error)
	MarkRotated(ctx context.Context, sequenceID int64, at time.Time, replacedByID int64) error
	RevokeActive(ctx context.Context, ownerID int64, deviceName string, at time.Time) (int64, error)
}

// AccessTokenRepo is the access token registry used for bearer checks and logout.
type AccessTokenRepo interface {
	Create(ctx context.Context, t *accessdomain.AccessToken) error
	GetByID(ctx context.Context, id string) (*accessdomain.AccessToken, error)
	RevokeByID(ctx context.Context, id string, at time.Time) error
	RevokeActive(ctx context.Context, ownerID int64, deviceName string, at time.Time) (int64, error)
}

// Repos groups repositories that share one connection or transaction.
type Repos struct {
	Users         UserRepo
	RefreshTokens RefreshTokenRepo
	AccessTokens  AccessTokenRepo
}

// Store is the unit of work over the credential store.
type Store interface {
	// Repos returns repositories outside any transaction, for plain reads.
	Repos() Repos
	// InTx runs fn in one transaction. fn's error rolls everything back and is returned unchanged.
	InTx(ctx context.Context, fn func(r Repos) error) error
}
