package admin

import (
	"context"

	"github.com/teaclinic/clinic/internal/platform/audit"
)

type Repository interface {
	// DeletePatientData removes every procedure, evaluation therapy,
	// evaluation and patient. Clinicians are untouched.
	DeletePatientData(ctx context.Context) (*ResetResult, error)
}

// AuditLog is the read side of the audit trail.
type AuditLog interface {
	List(ctx context.Context, f audit.Filter, limit, offset int) ([]*audit.Event, int, error)
}
