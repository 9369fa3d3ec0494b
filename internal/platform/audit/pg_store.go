package audit

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

// Filter narrows the audit viewer.
type Filter struct {
	ActorID *uuid.UUID
	Action  string
}

// PGStore persists events to audit_log and serves the admin viewer.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

func (s *PGStore) Record(ctx context.Context, e Event) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO audit_log (id, actor_id, action, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.ActorID, e.Action, e.Detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit_log: %w", err)
	}
	return nil
}

func (s *PGStore) List(ctx context.Context, f Filter, limit, offset int) ([]*Event, int, error) {
	q := db.NewQuery("audit_log", "id, actor_id, action, detail, created_at").
		WhereIf(f.ActorID != nil, "actor_id = ?", f.ActorID).
		WhereIf(f.Action != "", "action = ?", f.Action).
		OrderBy("created_at DESC, id")

	var total int
	if err := s.conn(ctx).QueryRow(ctx, q.CountSQL(), q.Args()...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.conn(ctx).Query(ctx, q.PageSQL(), q.PageArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.Detail, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &e)
	}
	return items, total, rows.Err()
}
