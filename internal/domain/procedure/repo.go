package procedure

import (
	"context"

	"github.com/google/uuid"
)

// Repository returns pgx.ErrNoRows for missing single rows.
type Repository interface {
	Create(ctx context.Context, p *Procedure) error
	Update(ctx context.Context, p *Procedure) error
	GetByID(ctx context.Context, id uuid.UUID) (*Procedure, error)
	// GetForUpdate locks the row for the rest of the transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Procedure, error)
	// LatestForPair locks and returns the open procedure for the pair, or
	// the most recently updated completed one when none is open.
	LatestForPair(ctx context.Context, patientID uuid.UUID, specialty string) (*Procedure, error)
	// FindOpen returns a non-completed procedure for the pair other than
	// excludeID.
	FindOpen(ctx context.Context, patientID uuid.UUID, specialty string, excludeID uuid.UUID) (*Procedure, error)

	GetView(ctx context.Context, id uuid.UUID) (*View, error)
	List(ctx context.Context, f Filter) ([]*View, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*View, error)
	CountBySpecialty(ctx context.Context) ([]SpecialtyCount, error)
	CountByClinician(ctx context.Context) ([]ClinicianCount, error)
}
