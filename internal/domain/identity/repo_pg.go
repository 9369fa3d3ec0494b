package identity

import (
	"context"
	"strings"

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

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// -- Patients --

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const patientCols = `id, name, cpf, birth_date, phone, location, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.CPF, &p.BirthDate, &p.Phone, &p.Location, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patients (id, name, cpf, birth_date, phone, location)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.CPF, p.BirthDate, p.Phone, p.Location,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
}

func (r *patientRepoPG) GetByCPF(ctx context.Context, cpf string) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE cpf = $1`, cpf))
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	return r.conn(ctx).QueryRow(ctx, `
		UPDATE patients SET name = $2, phone = $3, location = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.Name, p.Phone, p.Location,
	).Scan(&p.UpdatedAt)
}

// Search matches q against the name (case-insensitive), the CPF digits and
// the phone digits.
func (r *patientRepoPG) Search(ctx context.Context, q string, limit, offset int) ([]*Patient, int, error) {
	query := db.NewQuery("patients", patientCols).OrderBy("name, id")
	if q = strings.TrimSpace(q); q != "" {
		digits := digitsOnly(q)
		if digits == "" {
			query.Where("name ILIKE ?", "%"+q+"%")
		} else {
			query.Where("(name ILIKE ? OR cpf LIKE ? OR regexp_replace(COALESCE(phone, ''), '\\D', '', 'g') LIKE ?)",
				"%"+q+"%", "%"+digits+"%", "%"+digits+"%")
		}
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, query.CountSQL(), query.Args()...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, query.PageSQL(), query.PageArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *patientRepoPG) Count(ctx context.Context) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patients`).Scan(&n)
	return n, err
}

// -- Clinicians --

type clinicianRepoPG struct{ pool *pgxpool.Pool }

func NewClinicianRepoPG(pool *pgxpool.Pool) ClinicianRepository {
	return &clinicianRepoPG{pool: pool}
}

func (r *clinicianRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const clinicianCols = `id, name, email, password_hash, role, specialty, active, created_at, updated_at`

func scanClinician(row pgx.Row) (*Clinician, error) {
	var c Clinician
	err := row.Scan(&c.ID, &c.Name, &c.Email, &c.PasswordHash, &c.Role, &c.Specialty, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	return &c, err
}

func (r *clinicianRepoPG) Create(ctx context.Context, c *Clinician) error {
	c.ID = uuid.New()
	c.Active = true
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO clinicians (id, name, email, password_hash, role, specialty, active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		RETURNING created_at, updated_at`,
		c.ID, c.Name, c.Email, c.PasswordHash, c.Role, c.Specialty,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *clinicianRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Clinician, error) {
	return scanClinician(r.conn(ctx).QueryRow(ctx,
		`SELECT `+clinicianCols+` FROM clinicians WHERE id = $1 AND active`, id))
}

func (r *clinicianRepoPG) GetByEmail(ctx context.Context, email string) (*Clinician, error) {
	return scanClinician(r.conn(ctx).QueryRow(ctx,
		`SELECT `+clinicianCols+` FROM clinicians WHERE LOWER(email) = LOWER($1) AND active`, email))
}

func (r *clinicianRepoPG) EmailTaken(ctx context.Context, email string, exceptID uuid.UUID) (bool, error) {
	var taken bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM clinicians WHERE LOWER(email) = LOWER($1) AND id <> $2)`,
		email, exceptID).Scan(&taken)
	return taken, err
}

func (r *clinicianRepoPG) list(ctx context.Context, sql string, args ...interface{}) ([]*Clinician, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Clinician
	for rows.Next() {
		c, err := scanClinician(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *clinicianRepoPG) ListActive(ctx context.Context) ([]*Clinician, error) {
	return r.list(ctx, `SELECT `+clinicianCols+` FROM clinicians WHERE active ORDER BY name, id`)
}

func (r *clinicianRepoPG) ListBySpecialty(ctx context.Context, specialty string) ([]*Clinician, error) {
	return r.list(ctx, `SELECT `+clinicianCols+` FROM clinicians
		WHERE active AND role = 'clinician' AND specialty = $1 ORDER BY name, id`, specialty)
}

func (r *clinicianRepoPG) Update(ctx context.Context, c *Clinician) error {
	return r.conn(ctx).QueryRow(ctx, `
		UPDATE clinicians SET name = $2, email = $3, role = $4, specialty = $5, updated_at = NOW()
		WHERE id = $1 AND active
		RETURNING updated_at`,
		c.ID, c.Name, c.Email, c.Role, c.Specialty,
	).Scan(&c.UpdatedAt)
}

func (r *clinicianRepoPG) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE clinicians SET active = FALSE, updated_at = NOW() WHERE id = $1 AND active`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *clinicianRepoPG) SetPasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE clinicians SET password_hash = $2, updated_at = NOW() WHERE id = $1 AND active`, id, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
