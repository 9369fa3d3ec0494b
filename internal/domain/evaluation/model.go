// Package evaluation records clinical evaluations. Creating one also makes
// sure each recommended therapy has an open procedure for the patient.
package evaluation

import (
	"time"

	"github.com/google/uuid"

	"github.com/teaclinic/clinic/internal/domain/identity"
	"github.com/teaclinic/clinic/internal/domain/procedure"
)

// Evaluation is immutable once created.
type Evaluation struct {
	ID          uuid.UUID `json:"id"`
	PatientID   uuid.UUID `json:"patient_id"`
	ClinicianID uuid.UUID `json:"clinician_id"`
	Specialty   string    `json:"specialty"`
	Location    string    `json:"location"`
	Notes       string    `json:"notes"`
	Therapies   []string  `json:"therapies"`
	CreatedAt   time.Time `json:"created_at"`
}

type View struct {
	*Evaluation
	PatientName   string `json:"patient_name"`
	ClinicianName string `json:"clinician_name"`
}

type Input struct {
	PatientID uuid.UUID `json:"patient_id"`
	Specialty string    `json:"specialty"`
	Location  string    `json:"location"`
	Notes     string    `json:"notes"`
	Therapies []string  `json:"therapies"`
}

type Filter struct {
	ClinicianID *uuid.UUID
	Specialty   string
	From        *time.Time
	To          *time.Time
}

// Created is the evaluation plus what happened to each therapy's procedure.
type Created struct {
	*View
	Procedures []procedure.Materialized `json:"procedures"`
}

// PatientDetail is the patient page: record, evaluations newest first and
// procedures by specialty.
type PatientDetail struct {
	Patient     *identity.PatientView `json:"patient"`
	Evaluations []*View               `json:"evaluations"`
	Procedures  []*procedure.View     `json:"procedures"`
}
