package evaluation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teaclinic/clinic/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
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

const viewFrom = `evaluations e
	JOIN patients pt ON pt.id = e.patient_id
	JOIN clinicians c ON c.id = e.clinician_id`

const viewCols = `e.id, e.patient_id, e.clinician_id, e.specialty, e.location, e.notes, e.created_at, pt.name, c.name`

func scanView(row pgx.Row) (*View, error) {
	var (
		e Evaluation
		v View
	)
	err := row.Scan(&e.ID, &e.PatientID, &e.ClinicianID, &e.Specialty, &e.Location, &e.Notes, &e.CreatedAt,
		&v.PatientName, &v.ClinicianName)
	v.Evaluation = &e
	return &v, err
}

func (r *repoPG) Create(ctx context.Context, e *Evaluation) error {
	e.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO evaluations (id, patient_id, clinician_id, specialty, location, notes)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		e.ID, e.PatientID, e.ClinicianID, e.Specialty, e.Location, e.Notes,
	).Scan(&e.CreatedAt)
	if err != nil {
		return err
	}
	for i, therapy := range e.Therapies {
		if _, err := r.conn(ctx).Exec(ctx,
			`INSERT INTO evaluation_therapies (evaluation_id, position, therapy) VALUES ($1, $2, $3)`,
			e.ID, i+1, therapy); err != nil {
			return fmt.Errorf("insert therapy %q: %w", therapy, err)
		}
	}
	return nil
}

// attachTherapies loads therapy names for all views in one round trip.
func (r *repoPG) attachTherapies(ctx context.Context, views []*View) error {
	if len(views) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(views))
	index := make(map[uuid.UUID]*View, len(views))
	for i, v := range views {
		ids[i] = v.ID
		v.Therapies = []string{}
		index[v.ID] = v
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT evaluation_id, therapy FROM evaluation_therapies
		WHERE evaluation_id = ANY($1)
		ORDER BY evaluation_id, position`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id      uuid.UUID
			therapy string
		)
		if err := rows.Scan(&id, &therapy); err != nil {
			return err
		}
		if v, ok := index[id]; ok {
			v.Therapies = append(v.Therapies, therapy)
		}
	}
	return rows.Err()
}

func (r *repoPG) list(ctx context.Context, sql string, args ...interface{}) ([]*View, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*View
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	return out, r.attachTherapies(ctx, out)
}

func (r *repoPG) GetView(ctx context.Context, id uuid.UUID) (*View, error) {
	q := db.NewQuery(viewFrom, viewCols).Where("e.id = ?", id)
	v, err := scanView(r.conn(ctx).QueryRow(ctx, q.SQL(), q.Args()...))
	if err != nil {
		return nil, err
	}
	return v, r.attachTherapies(ctx, []*View{v})
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*View, error) {
	q := db.NewQuery(viewFrom, viewCols).
		Where("e.patient_id = ?", patientID).
		OrderBy("e.created_at DESC")
	return r.list(ctx, q.SQL(), q.Args()...)
}

func (r *repoPG) Search(ctx context.Context, f Filter, limit, offset int) ([]*View, int, error) {
	q := db.NewQuery(viewFrom, viewCols).
		WhereIf(f.ClinicianID != nil, "e.clinician_id = ?", f.ClinicianID).
		WhereIf(f.Specialty != "", "e.specialty = ?", f.Specialty).
		WhereIf(f.From != nil, "e.created_at >= ?", f.From).
		WhereIf(f.To != nil, "e.created_at < ?", f.To).
		OrderBy("e.created_at DESC, e.id")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, q.CountSQL(), q.Args()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	items, err := r.list(ctx, q.PageSQL(), q.PageArgs(limit, offset)...)
	return items, total, err
}
