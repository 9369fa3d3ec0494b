package evaluation

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Create inserts the evaluation and its therapies in order.
	Create(ctx context.Context, e *Evaluation) error
	GetView(ctx context.Context, id uuid.UUID) (*View, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*View, error)
	Search(ctx context.Context, f Filter, limit, offset int) ([]*View, int, error)
}
