package identity

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/teaclinic/clinic/internal/platform/auth"
)

type Role string

const (
	RoleAdmin        Role = auth.RoleAdmin
	RoleClinician    Role = auth.RoleClinician
	RoleCoordination Role = auth.RoleCoordination
)

var validRoles = map[Role]bool{
	RoleAdmin:        true,
	RoleClinician:    true,
	RoleCoordination: true,
}

func (r Role) Valid() bool { return validRoles[r] }

type Patient struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CPF       string    `json:"cpf"`
	BirthDate time.Time `json:"birth_date"`
	Phone     *string   `json:"phone,omitempty"`
	Location  *string   `json:"location,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PatientView is the display projection returned by the API.
type PatientView struct {
	*Patient
	CPFFormatted   string `json:"cpf_formatted"`
	PhoneFormatted string `json:"phone_formatted,omitempty"`
	BirthDateText  string `json:"birth_date_text"`
	Age            int    `json:"age"`
}

func NewPatientView(p *Patient, now time.Time) *PatientView {
	v := &PatientView{
		Patient:       p,
		CPFFormatted:  FormatCPF(p.CPF),
		BirthDateText: p.BirthDate.Format("02/01/2006"),
		Age:           Age(p.BirthDate, now),
	}
	if p.Phone != nil {
		v.PhoneFormatted = FormatPhone(*p.Phone)
	}
	return v
}

type PatientInput struct {
	Name      string  `json:"name"`
	CPF       string  `json:"cpf"`
	BirthDate string  `json:"birth_date"` // YYYY-MM-DD
	Phone     *string `json:"phone"`
	Location  *string `json:"location"`
}

type PatientUpdate struct {
	Name     string  `json:"name"`
	Phone    *string `json:"phone"`
	Location *string `json:"location"`
}

type Clinician struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	Specialty    *string   `json:"specialty,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SpecialtyName returns the specialty or "" for non-clinicians.
func (c *Clinician) SpecialtyName() string {
	if c.Specialty == nil {
		return ""
	}
	return *c.Specialty
}

type ClinicianInput struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	Role      Role   `json:"role"`
	Specialty string `json:"specialty"`
}

type ClinicianUpdate struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
	Specialty string `json:"specialty"`
}

// Caller is the authenticated staff member performing an operation.
type Caller struct {
	ID        uuid.UUID
	Role      Role
	Specialty string
}

// CanOverride reports whether the caller may act on work held by others.
func (c Caller) CanOverride() bool {
	return c.Role == RoleAdmin || c.Role == RoleCoordination
}

// ActorID returns the caller id for audit records, nil when anonymous.
func (c Caller) ActorID() *uuid.UUID {
	if c.ID == uuid.Nil {
		return nil
	}
	id := c.ID
	return &id
}

// CallerFromContext builds a Caller from the authenticated request. Non-UUID
// subjects (the development user) yield a zero ID.
func CallerFromContext(ctx context.Context) Caller {
	id, _ := uuid.Parse(auth.UserIDFromContext(ctx))
	return Caller{
		ID:        id,
		Role:      Role(auth.RoleFromContext(ctx)),
		Specialty: auth.SpecialtyFromContext(ctx),
	}
}
