package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/kunihei/memocrm-docker/internal/db"
	"github.com/kunihei/memocrm-docker/internal/user/domain"
)

const userColumns = `user_id, name, email, password_hash, created_at, updated_at`

type PostgresRepository struct {
	q db.Querier
}

// NewPostgresRepository returns a user repository bound to q, which may be a *sql.DB or a *sql.Tx.
func NewPostgresRepository(q db.Querier) *PostgresRepository {
	return &PostgresRepository{q: q}
}

// GetByID returns the user for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = $1`, id)
	return scanUser(row)
}

// GetByIDForUpdate returns the user for id and holds its row lock until the surrounding
// transaction ends, or nil if not found.
func (r *PostgresRepository) GetByIDForUpdate(ctx context.Context, id int64) (*domain.User, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = $1 FOR UPDATE`, id)
	return scanUser(row)
}

// GetByEmail returns the user with the given email (compared case-insensitively), or nil if not found.
func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = $1`,
		domain.NormalizeEmail(email))
	return scanUser(row)
}

// Create inserts the user unless the email is already taken.
func (r *PostgresRepository) Create(ctx context.Context, u *domain.User) (bool, error) {
	if err := u.Validate(); err != nil {
		return false, err
	}
	err := r.q.QueryRowContext(ctx,
		`INSERT INTO users (name, email, password_hash)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (email) DO NOTHING
		 RETURNING user_id, created_at`,
		u.Name, domain.NormalizeEmail(u.Email), u.PasswordHash,
	).Scan(&u.ID, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*domain.User, error) {
	var (
		u         domain.User
		updatedAt sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.CreatedAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if updatedAt.Valid {
		t := updatedAt.Time
		u.UpdatedAt = &t
	}
	return &u, nil
}
