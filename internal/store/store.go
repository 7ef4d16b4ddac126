// Package store is the Postgres unit of work behind the auth service.
package store

import (
	"context"
	"database/sql"

	accessrepo "github.com/kunihei/memocrm-docker/internal/accesstoken/repository"
	"github.com/kunihei/memocrm-docker/internal/db"
	"github.com/kunihei/memocrm-docker/internal/identity/service"
	refreshrepo "github.com/kunihei/memocrm-docker/internal/refreshtoken/repository"
	userrepo "github.com/kunihei/memocrm-docker/internal/user/repository"
)

// Store binds the user, refresh token and access token repositories to one connection pool.
type Store struct {
	conn *sql.DB
	opts db.TxOptions
}

var _ service.Store = (*Store)(nil)

// New returns a Store. opts sets lock and statement timeouts for every transaction.
func New(conn *sql.DB, opts db.TxOptions) *Store {
	return &Store{conn: conn, opts: opts}
}

// Repos returns repositories on the pool, outside any transaction.
func (s *Store) Repos() service.Repos {
	return reposFor(s.conn)
}

// InTx runs fn with repositories bound to a single transaction.
func (s *Store) InTx(ctx context.Context, fn func(r service.Repos) error) error {
	return db.WithTx(ctx, s.conn, s.opts, func(tx *sql.Tx) error {
		return fn(reposFor(tx))
	})
}

// PingContext checks the pool for the health endpoints.
func (s *Store) PingContext(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func reposFor(q db.Querier) service.Repos {
	return service.Repos{
		Users:         userrepo.NewPostgresRepository(q),
		RefreshTokens: refreshrepo.NewPostgresRepository(q),
		AccessTokens:  accessrepo.NewPostgresRepository(q),
	}
}
