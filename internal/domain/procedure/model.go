// Package procedure owns the lifecycle of therapy work items: creation and
// reopening on behalf of evaluations, claiming by clinicians, release back
// to the pool, direct state updates and the read-side rollups built on them.
package procedure

import (
	"time"

	"github.com/google/uuid"

	"github.com/teaclinic/clinic/internal/platform/apperr"
)

type State string

const (
	StatePending    State = "pending"
	StateAllocated  State = "allocated"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
)

// States lists every state in board order.
var States = []State{StatePending, StateAllocated, StateInProgress, StateCompleted}

var stateLabels = map[State]string{
	StatePending:    "Pendente",
	StateAllocated:  "Alocado",
	StateInProgress: "Em andamento",
	StateCompleted:  "Concluído",
}

func (s State) Valid() bool {
	_, ok := stateLabels[s]
	return ok
}

// Held reports whether a clinician must be responsible in this state.
func (s State) Held() bool {
	return s == StateAllocated || s == StateInProgress
}

func (s State) Label() string {
	if l, ok := stateLabels[s]; ok {
		return l
	}
	return string(s)
}

// ParseState rejects anything outside the four known states.
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", apperr.Validation("invalid state %q: must be one of pending, allocated, in_progress, completed", s)
	}
	return st, nil
}

type Procedure struct {
	ID            uuid.UUID  `json:"id"`
	PatientID     uuid.UUID  `json:"patient_id"`
	Specialty     string     `json:"specialty"`
	State         State      `json:"state"`
	ResponsibleID *uuid.UUID `json:"responsible_id,omitempty"`
	ReturnReason  *string    `json:"return_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// View is a procedure joined with the display names shown on the
// distribution board and patient pages.
type View struct {
	*Procedure
	PatientName     string  `json:"patient_name"`
	PatientCPF      string  `json:"patient_cpf"`
	ResponsibleName *string `json:"responsible_name,omitempty"`
	StateLabel      string  `json:"state_label"`
}

// Filter narrows the distribution list. Zero values match everything;
// completed procedures are only listed when State asks for them.
type Filter struct {
	Specialty   string
	State       State
	ClinicianID *uuid.UUID
}

// StateCounts tallies procedures per state. Total is kept by Add and always
// equals the sum of the four states.
type StateCounts struct {
	Pending    int `json:"pending"`
	Allocated  int `json:"allocated"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Total      int `json:"total"`
}

func (c *StateCounts) Add(s State, n int) {
	switch s {
	case StatePending:
		c.Pending += n
	case StateAllocated:
		c.Allocated += n
	case StateInProgress:
		c.InProgress += n
	case StateCompleted:
		c.Completed += n
	default:
		return
	}
	c.Total += n
}

func (c StateCounts) Get(s State) int {
	switch s {
	case StatePending:
		return c.Pending
	case StateAllocated:
		return c.Allocated
	case StateInProgress:
		return c.InProgress
	case StateCompleted:
		return c.Completed
	}
	return 0
}

// SpecialtyCount and ClinicianCount are the raw grouped rows behind the
// statistics.
type SpecialtyCount struct {
	Specialty string
	State     State
	Count     int
}

type ClinicianCount struct {
	ClinicianID uuid.UUID
	Name        string
	Specialty   string
	State       State
	Count       int
}

type ClinicianStats struct {
	ClinicianID uuid.UUID `json:"clinician_id"`
	Name        string    `json:"name"`
	Specialty   string    `json:"specialty"`
	Label       string    `json:"label"`
	StateCounts
}

// BoardColumn is one specialty lane of the distribution board.
type BoardColumn struct {
	Specialty  string  `json:"specialty"`
	Pending    []*View `json:"pending"`
	Allocated  []*View `json:"allocated"`
	InProgress []*View `json:"in_progress"`
}

// Outcome says what Materialize did for one therapy.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeReopened  Outcome = "reopened"
	OutcomeUnchanged Outcome = "unchanged"
)

type Materialized struct {
	Therapy     string    `json:"therapy"`
	ProcedureID uuid.UUID `json:"procedure_id"`
	Outcome     Outcome   `json:"outcome"`
}
