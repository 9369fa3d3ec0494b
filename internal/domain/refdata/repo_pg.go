package refdata

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teaclinic/clinic/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func table(kind Kind) (string, error) {
	switch kind {
	case KindSpecialties:
		return "specialties", nil
	case KindLocations:
		return "locations", nil
	}
	return "", fmt.Errorf("unknown reference kind %q", kind)
}

func (r *repoPG) Names(ctx context.Context, kind Kind) ([]string, error) {
	t, err := table(kind)
	if err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT name FROM `+t+` ORDER BY position, name`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *repoPG) Insert(ctx context.Context, kind Kind, names []string) (int, error) {
	t, err := table(kind)
	if err != nil {
		return 0, err
	}
	inserted := 0
	for i, name := range names {
		tag, err := r.conn(ctx).Exec(ctx,
			`INSERT INTO `+t+` (name, position) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
			name, i+1)
		if err != nil {
			return inserted, fmt.Errorf("insert %s %q: %w", t, name, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}
