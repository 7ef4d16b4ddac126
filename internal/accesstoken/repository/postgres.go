package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/kunihei/memocrm-docker/internal/accesstoken/domain"
	"github.com/kunihei/memocrm-docker/internal/db"
)

type PostgresRepository struct {
	q db.Querier
}

// NewPostgresRepository returns an access token registry bound to q.
func NewPostgresRepository(q db.Querier) *PostgresRepository {
	return &PostgresRepository{q: q}
}

// Create inserts the registry entry and sets CreatedAt.
func (r *PostgresRepository) Create(ctx context.Context, t *domain.AccessToken) error {
	return r.q.QueryRowContext(ctx,
		`INSERT INTO access_tokens (token_id, owner_id, device_name, expires_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		t.ID, t.OwnerID, t.DeviceName, t.ExpiresAt,
	).Scan(&t.CreatedAt)
}

// GetByID returns the entry for id, or nil if not found.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.AccessToken, error) {
	var (
		t         domain.AccessToken
		revokedAt sql.NullTime
	)
	err := r.q.QueryRowContext(ctx,
		`SELECT token_id, owner_id, device_name, expires_at, revoked_at, created_at
		 FROM access_tokens WHERE token_id = $1`, id,
	).Scan(&t.ID, &t.OwnerID, &t.DeviceName, &t.ExpiresAt, &revokedAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if revokedAt.Valid {
		v := revokedAt.Time
		t.RevokedAt = &v
	}
	return &t, nil
}

// RevokeByID sets revoked_at on an unrevoked entry.
func (r *PostgresRepository) RevokeByID(ctx context.Context, id string, at time.Time) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE access_tokens SET revoked_at = $2 WHERE token_id = $1 AND revoked_at IS NULL`, id, at)
	return err
}

// RevokeActive revokes the owner's unrevoked entries, optionally restricted to one device.
func (r *PostgresRepository) RevokeActive(ctx context.Context, ownerID int64, deviceName string, at time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE access_tokens SET revoked_at = $2
		 WHERE owner_id = $1 AND revoked_at IS NULL
		   AND ($3::text = '' OR device_name = $3::text)`,
		ownerID, at, deviceName)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
