package admin

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/teaclinic/clinic/internal/domain/identity"
	"github.com/teaclinic/clinic/internal/platform/apperr"
	"github.com/teaclinic/clinic/internal/platform/audit"
	"github.com/teaclinic/clinic/internal/platform/db"
)

type Service struct {
	repo   Repository
	log    AuditLog
	tx     db.Transactor
	audit  *audit.Recorder
	logger zerolog.Logger
}

func NewService(repo Repository, log AuditLog, tx db.Transactor, rec *audit.Recorder, logger zerolog.Logger) *Service {
	return &Service{repo: repo, log: log, tx: tx, audit: rec, logger: logger}
}

// ResetPatients hard-deletes all patient data in one exclusive transaction.
// It is the only hard-delete path and requires the literal confirmation.
func (s *Service) ResetPatients(ctx context.Context, confirmation string, caller identity.Caller) (*ResetResult, error) {
	if strings.TrimSpace(confirmation) != ResetConfirmation {
		return nil, apperr.Validation("type %s to confirm the reset", ResetConfirmation)
	}

	events := s.audit.Begin()
	var res *ResetResult
	err := s.tx.InExclusiveTx(ctx, func(ctx context.Context) error {
		var err error
		if res, err = s.repo.DeletePatientData(ctx); err != nil {
			return err
		}
		events.Add(caller.ActorID(), audit.ActionPatientsReset, fmt.Sprintf(
			"removed %d patients, %d evaluations, %d evaluation therapies, %d procedures",
			res.Patients, res.Evaluations, res.Therapies, res.Procedures))
		return nil
	})
	if err != nil {
		return nil, err
	}
	events.Flush(ctx)
	s.logger.Warn().
		Int64("patients", res.Patients).
		Int64("procedures", res.Procedures).
		Msg("patients reset")
	return res, nil
}

func (s *Service) AuditLog(ctx context.Context, f audit.Filter, limit, offset int) ([]*audit.Event, int, error) {
	return s.log.List(ctx, f, limit, offset)
}
