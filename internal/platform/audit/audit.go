// Package audit is the append-only trail of clinic actions. Domain
// services hand events to a Recorder, which forwards them to one or more
// sinks and never reports failures back to the caller.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	ActionProcedurePulled       = "procedure_pulled"
	ActionProcedureReleased     = "procedure_released"
	ActionProcedureStateUpdated = "procedure_state_updated"
	ActionEvaluationCreated     = "evaluation_created"
	ActionPatientCreated        = "patient_created"
	ActionPatientUpdated        = "patient_updated"
	ActionClinicianCreated      = "clinician_created"
	ActionClinicianUpdated      = "clinician_updated"
	ActionClinicianDeactivated  = "clinician_deactivated"
	ActionPasswordChanged       = "password_changed"
	ActionLogin                 = "login"
	ActionLoginFailed           = "login_failed"
	ActionPatientsReset         = "patients_reset"
)

// Event is one audit record. ActorID is nil for system or anonymous actions.
type Event struct {
	ID        uuid.UUID  `json:"id"`
	ActorID   *uuid.UUID `json:"actor_id,omitempty"`
	Action    string     `json:"action"`
	Detail    string     `json:"detail"`
	CreatedAt time.Time  `json:"created_at"`
}

type Sink interface {
	Record(ctx context.Context, e Event) error
}

type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Record(ctx context.Context, e Event) error { return f(ctx, e) }

// Fanout delivers each event to every sink, attempting all of them.
type Fanout []Sink

func (f Fanout) Record(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder is the fire-and-forget front of the audit trail.
type Recorder struct {
	sink   Sink
	logger zerolog.Logger
	now    func() time.Time
}

func NewRecorder(sink Sink, logger zerolog.Logger) *Recorder {
	return &Recorder{sink: sink, logger: logger, now: time.Now}
}

// NewEvent stamps an event with an id and the current time.
func (r *Recorder) NewEvent(actorID *uuid.UUID, action, detail string) Event {
	return Event{
		ID:        uuid.New(),
		ActorID:   actorID,
		Action:    action,
		Detail:    detail,
		CreatedAt: r.now().UTC(),
	}
}

// Log records an action. Sink failures are logged and swallowed.
func (r *Recorder) Log(ctx context.Context, actorID *uuid.UUID, action, detail string) {
	r.Emit(ctx, r.NewEvent(actorID, action, detail))
}

// Emit forwards already-built events, typically ones collected inside a
// transaction and released after it commits.
func (r *Recorder) Emit(ctx context.Context, events ...Event) {
	if r == nil || r.sink == nil {
		return
	}
	// Detached so a cancelled request cannot drop a committed action's record.
	ctx = context.WithoutCancel(ctx)
	for _, e := range events {
		if err := r.sink.Record(ctx, e); err != nil {
			r.logger.Error().Err(err).
				Str("action", e.Action).
				Str("event_id", e.ID.String()).
				Msg("audit sink failed")
		}
	}
}

// Pending collects events inside a unit of work. Nothing is recorded
// unless Flush is called, so rolled-back work leaves no trace.
type Pending struct {
	rec    *Recorder
	events []Event
}

func (r *Recorder) Begin() *Pending {
	return &Pending{rec: r}
}

func (p *Pending) Add(actorID *uuid.UUID, action, detail string) {
	if p.rec == nil {
		return
	}
	p.events = append(p.events, p.rec.NewEvent(actorID, action, detail))
}

func (p *Pending) Events() []Event {
	return p.events
}

func (p *Pending) Flush(ctx context.Context) {
	p.rec.Emit(ctx, p.events...)
	p.events = nil
}
