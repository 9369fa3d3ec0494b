package identity

import (
	"context"

	"github.com/google/uuid"
)

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByCPF(ctx context.Context, cpf string) (*Patient, error)
	Update(ctx context.Context, p *Patient) error
	Search(ctx context.Context, q string, limit, offset int) ([]*Patient, int, error)
	Count(ctx context.Context) (int, error)
}

// ClinicianRepository lookups return active rows only, except EmailTaken
// which checks every row.
type ClinicianRepository interface {
	Create(ctx context.Context, c *Clinician) error
	GetByID(ctx context.Context, id uuid.UUID) (*Clinician, error)
	GetByEmail(ctx context.Context, email string) (*Clinician, error)
	EmailTaken(ctx context.Context, email string, exceptID uuid.UUID) (bool, error)
	ListActive(ctx context.Context) ([]*Clinician, error)
	ListBySpecialty(ctx context.Context, specialty string) ([]*Clinician, error)
	Update(ctx context.Context, c *Clinician) error
	Deactivate(ctx context.Context, id uuid.UUID) error
	SetPasswordHash(ctx context.Context, id uuid.UUID, hash string) error
}
