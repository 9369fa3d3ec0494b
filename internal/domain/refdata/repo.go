package refdata

import "context"

type Repository interface {
	// Names returns the stored names of kind, ordered by position then name.
	Names(ctx context.Context, kind Kind) ([]string, error)
	// Insert adds names that are not yet present, keeping the given order.
	Insert(ctx context.Context, kind Kind, names []string) (int, error)
}
