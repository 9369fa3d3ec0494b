package procedure

import (
	"context"

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

const procCols = `id, patient_id, specialty, state, responsible_id, return_reason, created_at, updated_at`

func scanProcedure(row pgx.Row) (*Procedure, error) {
	var p Procedure
	err := row.Scan(&p.ID, &p.PatientID, &p.Specialty, &p.State, &p.ResponsibleID, &p.ReturnReason, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

const viewFrom = `procedures p
	JOIN patients pt ON pt.id = p.patient_id
	LEFT JOIN clinicians c ON c.id = p.responsible_id`

const viewCols = `p.id, p.patient_id, p.specialty, p.state, p.responsible_id, p.return_reason, p.created_at, p.updated_at,
	pt.name, pt.cpf, c.name`

// stateRank orders board columns: pending, allocated, in progress, completed.
const stateRank = `CASE p.state WHEN 'pending' THEN 0 WHEN 'allocated' THEN 1 WHEN 'in_progress' THEN 2 ELSE 3 END`

func scanView(row pgx.Row) (*View, error) {
	var (
		p Procedure
		v View
	)
	err := row.Scan(&p.ID, &p.PatientID, &p.Specialty, &p.State, &p.ResponsibleID, &p.ReturnReason, &p.CreatedAt, &p.UpdatedAt,
		&v.PatientName, &v.PatientCPF, &v.ResponsibleName)
	v.Procedure = &p
	v.StateLabel = p.State.Label()
	return &v, err
}

func collectViews(rows pgx.Rows) ([]*View, error) {
	defer rows.Close()
	var out []*View
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *repoPG) Create(ctx context.Context, p *Procedure) error {
	p.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO procedures (id, patient_id, specialty, state, responsible_id, return_reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		p.ID, p.PatientID, p.Specialty, p.State, p.ResponsibleID, p.ReturnReason,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *repoPG) Update(ctx context.Context, p *Procedure) error {
	return r.conn(ctx).QueryRow(ctx, `
		UPDATE procedures SET state = $2, responsible_id = $3, return_reason = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.State, p.ResponsibleID, p.ReturnReason,
	).Scan(&p.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Procedure, error) {
	return scanProcedure(r.conn(ctx).QueryRow(ctx, `SELECT `+procCols+` FROM procedures WHERE id = $1`, id))
}

func (r *repoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Procedure, error) {
	return scanProcedure(r.conn(ctx).QueryRow(ctx, `SELECT `+procCols+` FROM procedures WHERE id = $1 FOR UPDATE`, id))
}

func (r *repoPG) LatestForPair(ctx context.Context, patientID uuid.UUID, specialty string) (*Procedure, error) {
	return scanProcedure(r.conn(ctx).QueryRow(ctx, `
		SELECT `+procCols+` FROM procedures
		WHERE patient_id = $1 AND specialty = $2
		ORDER BY (state <> 'completed') DESC, updated_at DESC
		LIMIT 1
		FOR UPDATE`, patientID, specialty))
}

func (r *repoPG) FindOpen(ctx context.Context, patientID uuid.UUID, specialty string, excludeID uuid.UUID) (*Procedure, error) {
	return scanProcedure(r.conn(ctx).QueryRow(ctx, `
		SELECT `+procCols+` FROM procedures
		WHERE patient_id = $1 AND specialty = $2 AND state <> 'completed' AND id <> $3
		LIMIT 1`, patientID, specialty, excludeID))
}

func (r *repoPG) GetView(ctx context.Context, id uuid.UUID) (*View, error) {
	q := db.NewQuery(viewFrom, viewCols).Where("p.id = ?", id)
	return scanView(r.conn(ctx).QueryRow(ctx, q.SQL(), q.Args()...))
}

func (r *repoPG) List(ctx context.Context, f Filter) ([]*View, error) {
	q := db.NewQuery(viewFrom, viewCols).
		WhereIf(f.Specialty != "", "p.specialty = ?", f.Specialty).
		WhereIf(f.ClinicianID != nil, "p.responsible_id = ?", f.ClinicianID).
		OrderBy("p.specialty, " + stateRank + ", p.updated_at")
	if f.State != "" {
		q.Where("p.state = ?", f.State)
	} else {
		q.Where("p.state <> 'completed'")
	}
	rows, err := r.conn(ctx).Query(ctx, q.SQL(), q.Args()...)
	if err != nil {
		return nil, err
	}
	return collectViews(rows)
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*View, error) {
	q := db.NewQuery(viewFrom, viewCols).
		Where("p.patient_id = ?", patientID).
		OrderBy("p.specialty, p.updated_at DESC")
	rows, err := r.conn(ctx).Query(ctx, q.SQL(), q.Args()...)
	if err != nil {
		return nil, err
	}
	return collectViews(rows)
}

func (r *repoPG) CountBySpecialty(ctx context.Context) ([]SpecialtyCount, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT specialty, state, COUNT(*) FROM procedures
		GROUP BY specialty, state
		ORDER BY specialty`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SpecialtyCount
	for rows.Next() {
		var sc SpecialtyCount
		if err := rows.Scan(&sc.Specialty, &sc.State, &sc.Count); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// CountByClinician groups by the clinician currently or last responsible.
// Procedures never claimed are not counted.
func (r *repoPG) CountByClinician(ctx context.Context) ([]ClinicianCount, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT c.id, c.name, COALESCE(c.specialty, ''), p.state, COUNT(*)
		FROM procedures p
		JOIN clinicians c ON c.id = p.responsible_id
		GROUP BY c.id, c.name, c.specialty, p.state
		ORDER BY c.name, c.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ClinicianCount
	for rows.Next() {
		var cc ClinicianCount
		if err := rows.Scan(&cc.ClinicianID, &cc.Name, &cc.Specialty, &cc.State, &cc.Count); err != nil {
			return nil, err
		}
		out = append(out, cc)
	}
	return out, rows.Err()
}
