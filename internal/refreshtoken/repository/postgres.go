package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/kunihei/memocrm-docker/internal/db"
	"github.com/kunihei/memocrm-docker/internal/refreshtoken/domain"
)

const refreshTokenColumns = `sequence_id, owner_id, token_hash, device_name, user_agent, ip_address,
	expires_at, revoked_at, replaced_by_id, created_at`

type PostgresRepository struct {
	q db.Querier
}

// NewPostgresRepository returns a refresh token repository bound to q, normally the transaction of a unit of work.
func NewPostgresRepository(q db.Querier) *PostgresRepository {
	return &PostgresRepository{q: q}
}

// Create inserts the token. A duplicate token_hash surfaces as a unique violation from the driver.
func (r *PostgresRepository) Create(ctx context.Context, t *domain.RefreshToken) error {
	t.Sanitize()
	return r.q.QueryRowContext(ctx,
		`INSERT INTO refresh_tokens (owner_id, token_hash, device_name, user_agent, ip_address, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING sequence_id, created_at`,
		t.OwnerID, t.TokenHash, t.DeviceName,
		nullString(t.UserAgent), nullString(t.IPAddress), t.ExpiresAt,
	).Scan(&t.SequenceID, &t.CreatedAt)
}

// GetByHashForUpdate locks and returns the row for tokenHash, or nil if none exists.
func (r *PostgresRepository) GetByHashForUpdate(ctx context.Context, tokenHash string) (*domain.RefreshToken, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+refreshTokenColumns+` FROM refresh_tokens WHERE token_hash = $1 FOR UPDATE`, tokenHash)
	t, err := scanRefreshToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// MarkRotated sets revoked_at and replaced_by_id only while the row is still unrevoked.
func (r *PostgresRepository) MarkRotated(ctx context.Context, sequenceID int64, at time.Time, replacedByID int64) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = $2, replaced_by_id = $3
		 WHERE sequence_id = $1 AND revoked_at IS NULL`,
		sequenceID, at, replacedByID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrNotActive
	}
	return nil
}

// RevokeActive revokes the owner's active tokens, optionally restricted to one device.
func (r *PostgresRepository) RevokeActive(ctx context.Context, ownerID int64, deviceName string, at time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = $2
		 WHERE owner_id = $1 AND revoked_at IS NULL AND expires_at > $2
		   AND ($3::text = '' OR device_name = $3::text)`,
		ownerID, at, deviceName)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRefreshToken(row rowScanner) (*domain.RefreshToken, error) {
	var (
		t          domain.RefreshToken
		userAgent  sql.NullString
		ipAddress  sql.NullString
		revokedAt  sql.NullTime
		replacedBy sql.NullInt64
	)
	err := row.Scan(&t.SequenceID, &t.OwnerID, &t.TokenHash, &t.DeviceName, &userAgent, &ipAddress,
		&t.ExpiresAt, &revokedAt, &replacedBy, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.UserAgent = userAgent.String
	t.IPAddress = ipAddress.String
	if revokedAt.Valid {
		v := revokedAt.Time
		t.RevokedAt = &v
	}
	if replacedBy.Valid {
		v := replacedBy.Int64
		t.ReplacedByID = &v
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
