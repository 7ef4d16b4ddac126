package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TxOptions bounds how long a transaction may wait on row locks and on any single statement.
// Zero values leave the server defaults in place.
type TxOptions struct {
	LockTimeout      time.Duration
	StatementTimeout time.Duration
}

// WithTx runs fn inside a transaction. fn returning nil commits; an error or a panic rolls back.
// Timeouts are applied with SET LOCAL so they end with the transaction.
func WithTx(ctx context.Context, conn *sql.DB, opts TxOptions, fn func(tx *sql.Tx) error) (err error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if opts.LockTimeout > 0 {
		if _, err = tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", opts.LockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("set lock_timeout: %w", err)
		}
	}
	if opts.StatementTimeout > 0 {
		if _, err = tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", opts.StatementTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("set statement_timeout: %w", err)
		}
	}

	if err = fn(tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
