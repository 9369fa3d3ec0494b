package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/teaclinic/clinic/internal/platform/apperr"
	"github.com/teaclinic/clinic/internal/platform/audit"
)

const minPasswordLen = 6

// ErrInvalidCredentials is returned by Authenticate for unknown emails,
// inactive accounts and wrong passwords alike.
var ErrInvalidCredentials = errors.New("invalid email or password")

type Service struct {
	patients   PatientRepository
	clinicians ClinicianRepository
	audit      *audit.Recorder
	logger     zerolog.Logger
	now        func() time.Time
	bcryptCost int
}

func NewService(patients PatientRepository, clinicians ClinicianRepository, rec *audit.Recorder, logger zerolog.Logger) *Service {
	return &Service{
		patients:   patients,
		clinicians: clinicians,
		audit:      rec,
		logger:     logger,
		now:        time.Now,
		bcryptCost: bcrypt.DefaultCost,
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(format, args...)
	}
	return err
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

// -- Patients --

func (s *Service) CreatePatient(ctx context.Context, in PatientInput, caller Caller) (*Patient, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.Validation("name is required")
	}
	if strings.TrimSpace(in.CPF) == "" {
		return nil, apperr.Validation("cpf is required")
	}
	if !ValidateCPF(in.CPF) {
		return nil, apperr.Validation("invalid cpf")
	}
	birth, err := time.Parse("2006-01-02", strings.TrimSpace(in.BirthDate))
	if err != nil {
		return nil, apperr.Validation("birth_date must be YYYY-MM-DD")
	}
	if birth.After(s.now()) {
		return nil, apperr.Validation("birth_date cannot be in the future")
	}

	cpf := CleanCPF(in.CPF)
	if _, err := s.patients.GetByCPF(ctx, cpf); err == nil {
		return nil, apperr.Conflict("cpf already registered")
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lookup cpf: %w", err)
	}

	p := &Patient{
		Name:      name,
		CPF:       cpf,
		BirthDate: birth,
		Phone:     trimmedOrNil(in.Phone),
		Location:  trimmedOrNil(in.Location),
	}
	if err := s.patients.Create(ctx, p); err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Conflict("cpf already registered")
		}
		return nil, fmt.Errorf("create patient: %w", err)
	}

	s.audit.Log(ctx, caller.ActorID(), audit.ActionPatientCreated,
		fmt.Sprintf("patient %s (%s) created", p.Name, FormatCPF(p.CPF)))
	return p, nil
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := s.patients.GetByID(ctx, id)
	if err != nil {
		return nil, notFound(err, "patient %s not found", id)
	}
	return p, nil
}

func (s *Service) GetPatientByCPF(ctx context.Context, cpf string) (*Patient, error) {
	clean := CleanCPF(cpf)
	if len(clean) != 11 {
		return nil, apperr.Validation("invalid cpf")
	}
	p, err := s.patients.GetByCPF(ctx, clean)
	if err != nil {
		return nil, notFound(err, "patient with cpf %s not found", FormatCPF(clean))
	}
	return p, nil
}

func (s *Service) SearchPatients(ctx context.Context, q string, limit, offset int) ([]*Patient, int, error) {
	return s.patients.Search(ctx, q, limit, offset)
}

func (s *Service) CountPatients(ctx context.Context) (int, error) {
	return s.patients.Count(ctx)
}

// UpdatePatient changes name, phone and location. The CPF never changes.
func (s *Service) UpdatePatient(ctx context.Context, id uuid.UUID, in PatientUpdate, caller Caller) (*Patient, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.Validation("name is required")
	}
	p, err := s.GetPatient(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Name = name
	p.Phone = trimmedOrNil(in.Phone)
	p.Location = trimmedOrNil(in.Location)
	if err := s.patients.Update(ctx, p); err != nil {
		return nil, notFound(err, "patient %s not found", id)
	}
	s.audit.Log(ctx, caller.ActorID(), audit.ActionPatientUpdated, fmt.Sprintf("patient %s updated", p.ID))
	return p, nil
}

// -- Clinicians --

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", apperr.Validation("email is required")
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return "", apperr.Validation("invalid email")
	}
	return email, nil
}

// roleSpecialty enforces that clinicians carry a specialty and nobody
// else does.
func roleSpecialty(role Role, specialty string) (*string, error) {
	if !role.Valid() {
		return nil, apperr.Validation("invalid role: %s", role)
	}
	specialty = strings.TrimSpace(specialty)
	if role != RoleClinician {
		return nil, nil
	}
	if specialty == "" {
		return nil, apperr.Validation("specialty is required for clinicians")
	}
	return &specialty, nil
}

func (s *Service) hash(password string) (string, error) {
	if len(password) < minPasswordLen {
		return "", apperr.Validation("password must be at least %d characters", minPasswordLen)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

func (s *Service) CreateClinician(ctx context.Context, in ClinicianInput, caller Caller) (*Clinician, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.Validation("name is required")
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	specialty, err := roleSpecialty(in.Role, in.Specialty)
	if err != nil {
		return nil, err
	}
	hash, err := s.hash(in.Password)
	if err != nil {
		return nil, err
	}

	taken, err := s.clinicians.EmailTaken(ctx, email, uuid.Nil)
	if err != nil {
		return nil, fmt.Errorf("check email: %w", err)
	}
	if taken {
		return nil, apperr.Conflict("email already registered")
	}

	c := &Clinician{Name: name, Email: email, PasswordHash: hash, Role: in.Role, Specialty: specialty}
	if err := s.clinicians.Create(ctx, c); err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Conflict("email already registered")
		}
		return nil, fmt.Errorf("create clinician: %w", err)
	}

	s.audit.Log(ctx, caller.ActorID(), audit.ActionClinicianCreated,
		fmt.Sprintf("clinician %s <%s> created with role %s", c.Name, c.Email, c.Role))
	return c, nil
}

func (s *Service) GetClinician(ctx context.Context, id uuid.UUID) (*Clinician, error) {
	c, err := s.clinicians.GetByID(ctx, id)
	if err != nil {
		return nil, notFound(err, "clinician %s not found", id)
	}
	return c, nil
}

func (s *Service) GetClinicianByEmail(ctx context.Context, email string) (*Clinician, error) {
	c, err := s.clinicians.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, notFound(err, "clinician %s not found", email)
	}
	return c, nil
}

func (s *Service) ListClinicians(ctx context.Context) ([]*Clinician, error) {
	return s.clinicians.ListActive(ctx)
}

func (s *Service) ListCliniciansBySpecialty(ctx context.Context, specialty string) ([]*Clinician, error) {
	return s.clinicians.ListBySpecialty(ctx, specialty)
}

func (s *Service) UpdateClinician(ctx context.Context, id uuid.UUID, in ClinicianUpdate, caller Caller) (*Clinician, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.Validation("name is required")
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	specialty, err := roleSpecialty(in.Role, in.Specialty)
	if err != nil {
		return nil, err
	}

	c, err := s.GetClinician(ctx, id)
	if err != nil {
		return nil, err
	}
	taken, err := s.clinicians.EmailTaken(ctx, email, id)
	if err != nil {
		return nil, fmt.Errorf("check email: %w", err)
	}
	if taken {
		return nil, apperr.Conflict("email already registered")
	}

	c.Name, c.Email, c.Role, c.Specialty = name, email, in.Role, specialty
	if err := s.clinicians.Update(ctx, c); err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Conflict("email already registered")
		}
		return nil, notFound(err, "clinician %s not found", id)
	}
	s.audit.Log(ctx, caller.ActorID(), audit.ActionClinicianUpdated, fmt.Sprintf("clinician %s updated", c.ID))
	return c, nil
}

// DeactivateClinician soft-deletes the account. The row stays for history.
func (s *Service) DeactivateClinician(ctx context.Context, id uuid.UUID, caller Caller) error {
	if caller.ID == id {
		return apperr.Conflict("you cannot deactivate your own account")
	}
	c, err := s.GetClinician(ctx, id)
	if err != nil {
		return err
	}
	if err := s.clinicians.Deactivate(ctx, id); err != nil {
		return notFound(err, "clinician %s not found", id)
	}
	s.audit.Log(ctx, caller.ActorID(), audit.ActionClinicianDeactivated,
		fmt.Sprintf("clinician %s <%s> deactivated", c.Name, c.Email))
	s.logger.Info().Str("clinician_id", id.String()).Msg("clinician deactivated")
	return nil
}

// Authenticate checks email and password. Every failure looks the same to
// the caller and is recorded as login_failed.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*Clinician, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	c, err := s.clinicians.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("lookup clinician: %w", err)
		}
		s.audit.Log(ctx, nil, audit.ActionLoginFailed, "unknown email "+email)
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(password)); err != nil {
		s.audit.Log(ctx, &c.ID, audit.ActionLoginFailed, "wrong password for "+email)
		return nil, ErrInvalidCredentials
	}
	s.audit.Log(ctx, &c.ID, audit.ActionLogin, "login "+email)
	return c, nil
}

func (s *Service) ChangePassword(ctx context.Context, id uuid.UUID, current, next string) error {
	c, err := s.GetClinician(ctx, id)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(current)); err != nil {
		return apperr.Validation("current password is incorrect")
	}
	hash, err := s.hash(next)
	if err != nil {
		return err
	}
	if err := s.clinicians.SetPasswordHash(ctx, id, hash); err != nil {
		return notFound(err, "clinician %s not found", id)
	}
	s.audit.Log(ctx, &c.ID, audit.ActionPasswordChanged, "password changed")
	return nil
}
