package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// exclusiveLockKey identifies the advisory lock that serializes every
// state-changing transaction on clinic data.
const exclusiveLockKey int64 = 0x636c696e6963

// Transactor runs fn inside a single exclusive transaction. Repositories
// pick the transaction up through TxFromContext.
type Transactor interface {
	InExclusiveTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Runner is the Postgres Transactor. Each transaction takes a
// transaction-scoped advisory lock before running fn, so at most one
// writer observes and mutates procedure state at a time. The lock is
// released on commit or rollback.
type Runner struct {
	pool *pgxpool.Pool
}

func NewRunner(pool *pgxpool.Pool) *Runner {
	return &Runner{pool: pool}
}

func (r *Runner) InExclusiveTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", exclusiveLockKey); err != nil {
		return fmt.Errorf("acquire exclusive lock: %w", err)
	}

	if err := fn(WithTx(ctx, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
