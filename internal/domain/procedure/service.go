package procedure

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/teaclinic/clinic/internal/domain/identity"
	"github.com/teaclinic/clinic/internal/platform/apperr"
	"github.com/teaclinic/clinic/internal/platform/audit"
	"github.com/teaclinic/clinic/internal/platform/db"
)

type Service struct {
	repo   Repository
	tx     db.Transactor
	audit  *audit.Recorder
	logger zerolog.Logger
}

func NewService(repo Repository, tx db.Transactor, rec *audit.Recorder, logger zerolog.Logger) *Service {
	return &Service{repo: repo, tx: tx, audit: rec, logger: logger}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Service) save(ctx context.Context, p *Procedure) error {
	if err := s.repo.Update(ctx, p); err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("another open procedure exists for this patient and specialty")
		}
		return fmt.Errorf("update procedure: %w", err)
	}
	return nil
}

func (s *Service) refreshed(ctx context.Context, id uuid.UUID) (*View, error) {
	v, err := s.repo.GetView(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reload procedure: %w", err)
	}
	return v, nil
}

// Pull assigns a pending procedure to the clinician. Every failure is a
// Conflict, including a missing procedure: the board the clinician pulled
// from is stale either way.
func (s *Service) Pull(ctx context.Context, id, clinicianID uuid.UUID, specialty string) (*View, error) {
	if strings.TrimSpace(specialty) == "" {
		return nil, apperr.Forbidden("only clinicians with a specialty can pull procedures")
	}

	events := s.audit.Begin()
	var view *View
	err := s.tx.InExclusiveTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.GetForUpdate(ctx, id)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.Conflict("procedure %s no longer exists", id)
		}
		if err != nil {
			return fmt.Errorf("load procedure: %w", err)
		}
		if p.State != StatePending {
			return apperr.Conflict("procedure is %s, only pending procedures can be pulled", p.State.Label())
		}
		if p.Specialty != specialty {
			return apperr.Conflict("procedure specialty %s does not match clinician specialty %s", p.Specialty, specialty)
		}

		other, err := s.repo.FindOpen(ctx, p.PatientID, p.Specialty, p.ID)
		switch {
		case err == nil && other.State.Held():
			return apperr.Conflict("patient already has a %s procedure held by another clinician", p.Specialty)
		case err != nil && !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("check competing procedures: %w", err)
		}

		p.State = StateAllocated
		p.ResponsibleID = &clinicianID
		p.ReturnReason = nil
		if err := s.save(ctx, p); err != nil {
			return err
		}

		if view, err = s.refreshed(ctx, id); err != nil {
			return err
		}
		events.Add(&clinicianID, audit.ActionProcedurePulled,
			fmt.Sprintf("patient %s, %s: pulled, now %s", view.PatientName, p.Specialty, p.State))
		return nil
	})
	if err != nil {
		return nil, err
	}
	events.Flush(ctx)
	s.logger.Info().
		Str("procedure_id", id.String()).
		Str("clinician_id", clinicianID.String()).
		Msg("procedure pulled")
	return view, nil
}

// Release returns a held procedure to the pool. The responsible clinician
// and coordination or admin may release.
func (s *Service) Release(ctx context.Context, id uuid.UUID, reason string, caller identity.Caller) (*View, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("a reason is required to release a procedure")
	}

	events := s.audit.Begin()
	var view *View
	err := s.tx.InExclusiveTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.GetForUpdate(ctx, id)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("procedure %s not found", id)
		}
		if err != nil {
			return fmt.Errorf("load procedure: %w", err)
		}
		if !p.State.Held() {
			return apperr.Conflict("procedure is %s, only allocated or in-progress procedures can be released", p.State.Label())
		}
		if !isResponsible(p, caller) && !caller.CanOverride() {
			return apperr.Forbidden("only the responsible clinician or coordination can release this procedure")
		}

		p.State = StatePending
		p.ResponsibleID = nil
		p.ReturnReason = &reason
		if err := s.save(ctx, p); err != nil {
			return err
		}

		if view, err = s.refreshed(ctx, id); err != nil {
			return err
		}
		events.Add(caller.ActorID(), audit.ActionProcedureReleased,
			fmt.Sprintf("patient %s, %s: released to pending, reason: %s", view.PatientName, p.Specialty, reason))
		return nil
	})
	if err != nil {
		return nil, err
	}
	events.Flush(ctx)
	s.logger.Info().
		Str("procedure_id", id.String()).
		Str("actor_id", caller.ID.String()).
		Msg("procedure released")
	return view, nil
}

// UpdateState sets any of the four states directly. Only the responsible
// clinician or an admin may do so; coordination cannot set state and frees a
// procedure with Release instead. Moving to pending drops the responsible
// clinician; completed keeps it so finished work still counts for that
// clinician.
func (s *Service) UpdateState(ctx context.Context, id uuid.UUID, state string, caller identity.Caller) (*View, error) {
	target, err := ParseState(state)
	if err != nil {
		return nil, err
	}

	events := s.audit.Begin()
	var view *View
	err = s.tx.InExclusiveTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.GetForUpdate(ctx, id)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("procedure %s not found", id)
		}
		if err != nil {
			return fmt.Errorf("load procedure: %w", err)
		}
		if !isResponsible(p, caller) && caller.Role != identity.RoleAdmin {
			return apperr.Forbidden("only the responsible clinician or an admin can change this procedure's state")
		}
		if target.Held() && p.ResponsibleID == nil {
			return apperr.Conflict("procedure has no responsible clinician; pull it instead")
		}
		if target != StateCompleted {
			other, err := s.repo.FindOpen(ctx, p.PatientID, p.Specialty, p.ID)
			if err == nil {
				return apperr.Conflict("patient already has an open %s procedure (%s)", p.Specialty, other.State.Label())
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("check competing procedures: %w", err)
			}
		}

		from := p.State
		p.State = target
		p.ReturnReason = nil
		if target == StatePending {
			p.ResponsibleID = nil
		}
		if err := s.save(ctx, p); err != nil {
			return err
		}

		if view, err = s.refreshed(ctx, id); err != nil {
			return err
		}
		events.Add(caller.ActorID(), audit.ActionProcedureStateUpdated,
			fmt.Sprintf("patient %s, %s: %s -> %s", view.PatientName, p.Specialty, from, target))
		return nil
	})
	if err != nil {
		return nil, err
	}
	events.Flush(ctx)
	s.logger.Info().
		Str("procedure_id", id.String()).
		Str("state", string(target)).
		Msg("procedure state updated")
	return view, nil
}

func isResponsible(p *Procedure, caller identity.Caller) bool {
	return p.ResponsibleID != nil && caller.ID != uuid.Nil && *p.ResponsibleID == caller.ID
}

// Materialize makes sure every therapy has an open procedure for the
// patient: missing pairs get a new pending procedure, completed ones are
// reopened, open ones are left alone. It joins the caller's transaction
// when there is one.
func (s *Service) Materialize(ctx context.Context, patientID uuid.UUID, therapies []string) ([]Materialized, error) {
	var out []Materialized
	err := s.tx.InExclusiveTx(ctx, func(ctx context.Context) error {
		out = out[:0]
		for _, therapy := range therapies {
			therapy = strings.TrimSpace(therapy)
			if therapy == "" {
				continue
			}
			m, err := s.materializeOne(ctx, patientID, therapy)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) materializeOne(ctx context.Context, patientID uuid.UUID, therapy string) (Materialized, error) {
	m := Materialized{Therapy: therapy}
	p, err := s.repo.LatestForPair(ctx, patientID, therapy)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		p = &Procedure{PatientID: patientID, Specialty: therapy, State: StatePending}
		if err := s.repo.Create(ctx, p); err != nil {
			if isUniqueViolation(err) {
				return m, apperr.Conflict("an open %s procedure already exists for this patient", therapy)
			}
			return m, fmt.Errorf("create procedure: %w", err)
		}
		m.Outcome = OutcomeCreated
	case err != nil:
		return m, fmt.Errorf("lookup procedure: %w", err)
	case p.State == StateCompleted:
		p.State = StatePending
		p.ResponsibleID = nil
		p.ReturnReason = nil
		if err := s.save(ctx, p); err != nil {
			return m, err
		}
		m.Outcome = OutcomeReopened
	default:
		m.Outcome = OutcomeUnchanged
	}
	m.ProcedureID = p.ID
	return m, nil
}

// -- Read side --

func (s *Service) GetView(ctx context.Context, id uuid.UUID) (*View, error) {
	v, err := s.repo.GetView(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("procedure %s not found", id)
	}
	return v, err
}

func (s *Service) ListForDistribution(ctx context.Context, f Filter) ([]*View, error) {
	if f.State != "" && !f.State.Valid() {
		return nil, apperr.Validation("invalid state filter %q", f.State)
	}
	return s.repo.List(ctx, f)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*View, error) {
	return s.repo.ListByPatient(ctx, patientID)
}

// Board groups the open distribution list into one lane per specialty.
// Completed procedures never appear on the board.
func (s *Service) Board(ctx context.Context, f Filter) ([]*BoardColumn, error) {
	if f.State == StateCompleted {
		f.State = ""
	}
	views, err := s.ListForDistribution(ctx, f)
	if err != nil {
		return nil, err
	}
	var (
		cols  []*BoardColumn
		index = make(map[string]*BoardColumn)
	)
	for _, v := range views {
		col, ok := index[v.Specialty]
		if !ok {
			col = &BoardColumn{Specialty: v.Specialty, Pending: []*View{}, Allocated: []*View{}, InProgress: []*View{}}
			index[v.Specialty] = col
			cols = append(cols, col)
		}
		switch v.State {
		case StatePending:
			col.Pending = append(col.Pending, v)
		case StateAllocated:
			col.Allocated = append(col.Allocated, v)
		case StateInProgress:
			col.InProgress = append(col.InProgress, v)
		}
	}
	sort.SliceStable(cols, func(i, j int) bool { return cols[i].Specialty < cols[j].Specialty })
	return cols, nil
}

func (s *Service) StatsBySpecialty(ctx context.Context) (map[string]*StateCounts, error) {
	rows, err := s.repo.CountBySpecialty(ctx)
	if err != nil {
		return nil, fmt.Errorf("count by specialty: %w", err)
	}
	out := make(map[string]*StateCounts)
	for _, r := range rows {
		c, ok := out[r.Specialty]
		if !ok {
			c = &StateCounts{}
			out[r.Specialty] = c
		}
		c.Add(r.State, r.Count)
	}
	return out, nil
}

// StatsByClinician returns one entry per clinician in name order, labelled
// "name (specialty)".
func (s *Service) StatsByClinician(ctx context.Context) ([]*ClinicianStats, error) {
	rows, err := s.repo.CountByClinician(ctx)
	if err != nil {
		return nil, fmt.Errorf("count by clinician: %w", err)
	}
	var (
		out   []*ClinicianStats
		index = make(map[uuid.UUID]*ClinicianStats)
	)
	for _, r := range rows {
		cs, ok := index[r.ClinicianID]
		if !ok {
			label := r.Name
			if r.Specialty != "" {
				label = fmt.Sprintf("%s (%s)", r.Name, r.Specialty)
			}
			cs = &ClinicianStats{ClinicianID: r.ClinicianID, Name: r.Name, Specialty: r.Specialty, Label: label}
			index[r.ClinicianID] = cs
			out = append(out, cs)
		}
		cs.Add(r.State, r.Count)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ClinicianCounters are the personal totals shown on a clinician's dashboard.
func (s *Service) ClinicianCounters(ctx context.Context, clinicianID uuid.UUID) (*StateCounts, error) {
	stats, err := s.StatsByClinician(ctx)
	if err != nil {
		return nil, err
	}
	for _, cs := range stats {
		if cs.ClinicianID == clinicianID {
			c := cs.StateCounts
			return &c, nil
		}
	}
	return &StateCounts{}, nil
}
