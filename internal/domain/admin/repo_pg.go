package admin

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teaclinic/clinic/internal/platform/db"
)

type queryable interface {
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
	return r.pool
}

// DeletePatientData deletes children before parents; run it inside a
// transaction so a failure leaves every table intact.
func (r *repoPG) DeletePatientData(ctx context.Context) (*ResetResult, error) {
	var res ResetResult
	steps := []struct {
		table string
		count *int64
	}{
		{"procedures", &res.Procedures},
		{"evaluation_therapies", &res.Therapies},
		{"evaluations", &res.Evaluations},
		{"patients", &res.Patients},
	}
	for _, s := range steps {
		tag, err := r.conn(ctx).Exec(ctx, "DELETE FROM "+s.table)
		if err != nil {
			return nil, fmt.Errorf("delete %s: %w", s.table, err)
		}
		*s.count = tag.RowsAffected()
	}
	return &res, nil
}
