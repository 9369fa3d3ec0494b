package evaluation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/teaclinic/clinic/internal/domain/identity"
	"github.com/teaclinic/clinic/internal/domain/procedure"
	"github.com/teaclinic/clinic/internal/platform/apperr"
	"github.com/teaclinic/clinic/internal/platform/audit"
	"github.com/teaclinic/clinic/internal/platform/db"
)

type PatientLookup interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*identity.Patient, error)
}

type ClinicianLookup interface {
	GetClinician(ctx context.Context, id uuid.UUID) (*identity.Clinician, error)
}

// Procedures is the part of the procedure engine evaluations drive.
type Procedures interface {
	Materialize(ctx context.Context, patientID uuid.UUID, therapies []string) ([]procedure.Materialized, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*procedure.View, error)
}

type Service struct {
	repo       Repository
	tx         db.Transactor
	procedures Procedures
	patients   PatientLookup
	clinicians ClinicianLookup
	audit      *audit.Recorder
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(repo Repository, tx db.Transactor, procedures Procedures, patients PatientLookup,
	clinicians ClinicianLookup, rec *audit.Recorder, logger zerolog.Logger) *Service {
	return &Service{
		repo:       repo,
		tx:         tx,
		procedures: procedures,
		patients:   patients,
		clinicians: clinicians,
		audit:      rec,
		logger:     logger,
		now:        time.Now,
	}
}

func cleanTherapies(in []string) []string {
	out := make([]string, 0, len(in))
	for _, t := range in {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func validate(in Input) (Input, error) {
	in.Specialty = strings.TrimSpace(in.Specialty)
	in.Location = strings.TrimSpace(in.Location)
	in.Notes = strings.TrimSpace(in.Notes)
	in.Therapies = cleanTherapies(in.Therapies)
	switch {
	case in.PatientID == uuid.Nil:
		return in, apperr.Validation("patient_id is required")
	case in.Specialty == "":
		return in, apperr.Validation("specialty is required")
	case in.Location == "":
		return in, apperr.Validation("location is required")
	case len(in.Therapies) == 0:
		return in, apperr.Validation("at least one therapy must be recommended")
	}
	return in, nil
}

// Create records the evaluation authored by clinicianID and materializes
// its therapies as procedures, all in one exclusive transaction.
func (s *Service) Create(ctx context.Context, in Input, clinicianID uuid.UUID) (*Created, error) {
	in, err := validate(in)
	if err != nil {
		return nil, err
	}

	events := s.audit.Begin()
	var out *Created
	err = s.tx.InExclusiveTx(ctx, func(ctx context.Context) error {
		patient, err := s.patients.GetPatient(ctx, in.PatientID)
		if err != nil {
			return err
		}
		clinician, err := s.clinicians.GetClinician(ctx, clinicianID)
		if err != nil {
			return err
		}

		e := &Evaluation{
			PatientID:   patient.ID,
			ClinicianID: clinician.ID,
			Specialty:   in.Specialty,
			Location:    in.Location,
			Notes:       in.Notes,
			Therapies:   in.Therapies,
		}
		if err := s.repo.Create(ctx, e); err != nil {
			return fmt.Errorf("insert evaluation: %w", err)
		}

		materialized, err := s.procedures.Materialize(ctx, patient.ID, in.Therapies)
		if err != nil {
			return err
		}

		out = &Created{
			View:       &View{Evaluation: e, PatientName: patient.Name, ClinicianName: clinician.Name},
			Procedures: materialized,
		}
		events.Add(&clinician.ID, audit.ActionEvaluationCreated,
			fmt.Sprintf("patient %s, %s evaluation at %s by %s; therapies: %s",
				patient.Name, e.Specialty, e.Location, clinician.Name, summarize(materialized)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	events.Flush(ctx)
	s.logger.Info().
		Str("evaluation_id", out.ID.String()).
		Str("patient_id", out.PatientID.String()).
		Int("therapies", len(out.Therapies)).
		Msg("evaluation created")
	return out, nil
}

func summarize(ms []procedure.Materialized) string {
	parts := make([]string, 0, len(ms))
	for _, m := range ms {
		parts = append(parts, fmt.Sprintf("%s (%s)", m.Therapy, m.Outcome))
	}
	return strings.Join(parts, ", ")
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*View, error) {
	v, err := s.repo.GetView(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("evaluation %s not found", id)
	}
	return v, err
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*View, error) {
	return s.repo.ListByPatient(ctx, patientID)
}

func (s *Service) Search(ctx context.Context, f Filter, limit, offset int) ([]*View, int, error) {
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, 0, apperr.Validation("date range ends before it starts")
	}
	return s.repo.Search(ctx, f, limit, offset)
}

func (s *Service) PatientDetail(ctx context.Context, patientID uuid.UUID) (*PatientDetail, error) {
	p, err := s.patients.GetPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	evals, err := s.repo.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	procs, err := s.procedures.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list procedures: %w", err)
	}
	if evals == nil {
		evals = []*View{}
	}
	if procs == nil {
		procs = []*procedure.View{}
	}
	return &PatientDetail{
		Patient:     identity.NewPatientView(p, s.now()),
		Evaluations: evals,
		Procedures:  procs,
	}, nil
}
