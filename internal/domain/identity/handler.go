package identity

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/teaclinic/clinic/internal/platform/apperr"
	"github.com/teaclinic/clinic/internal/platform/auth"
	"github.com/teaclinic/clinic/internal/platform/middleware"
	"github.com/teaclinic/clinic/pkg/pagination"
)

type Handler struct {
	svc    *Service
	tokens *auth.TokenIssuer
}

func NewHandler(svc *Service, tokens *auth.TokenIssuer) *Handler {
	return &Handler{svc: svc, tokens: tokens}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/auth/login", h.Login, middleware.RateLimit(middleware.LoginRateLimitConfig()))

	staff := api.Group("", auth.RequireRole(auth.RoleClinician, auth.RoleCoordination))
	staff.GET("/patients", h.SearchPatients)
	staff.POST("/patients", h.CreatePatient)
	staff.GET("/patients/:id", h.GetPatient)
	staff.PUT("/patients/:id", h.UpdatePatient)
	staff.GET("/clinicians", h.ListClinicians)
	staff.GET("/clinicians/:id", h.GetClinician)
	staff.GET("/me", h.Me)
	staff.POST("/me/password", h.ChangePassword)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/clinicians", h.CreateClinician)
	admin.PUT("/clinicians/:id", h.UpdateClinician)
	admin.POST("/clinicians/:id/deactivate", h.DeactivateClinician)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Auth --

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	Clinician *Clinician `json:"clinician"`
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cl, err := h.svc.Authenticate(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
		}
		return apperr.HTTPError(err)
	}
	token, exp, err := h.tokens.Issue(cl.ID.String(), string(cl.Role), cl.SpecialtyName())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not issue token")
	}
	return c.JSON(http.StatusOK, loginResponse{Token: token, ExpiresAt: exp, Clinician: cl})
}

// -- Patients --

func (h *Handler) CreatePatient(c echo.Context) error {
	var in PatientInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	p, err := h.svc.CreatePatient(ctx, in, CallerFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, NewPatientView(p, time.Now()))
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, NewPatientView(p, time.Now()))
}

func (h *Handler) SearchPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.SearchPatients(c.Request().Context(), c.QueryParam("q"), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	now := time.Now()
	views := make([]*PatientView, 0, len(items))
	for _, p := range items {
		views = append(views, NewPatientView(p, now))
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in PatientUpdate
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	p, err := h.svc.UpdatePatient(ctx, id, in, CallerFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, NewPatientView(p, time.Now()))
}

// -- Clinicians --

func (h *Handler) CreateClinician(c echo.Context) error {
	var in ClinicianInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	cl, err := h.svc.CreateClinician(ctx, in, CallerFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, cl)
}

func (h *Handler) GetClinician(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	cl, err := h.svc.GetClinician(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

func (h *Handler) ListClinicians(c echo.Context) error {
	ctx := c.Request().Context()
	var (
		items []*Clinician
		err   error
	)
	if specialty := c.QueryParam("specialty"); specialty != "" {
		items, err = h.svc.ListCliniciansBySpecialty(ctx, specialty)
	} else {
		items, err = h.svc.ListClinicians(ctx)
	}
	if err != nil {
		return apperr.HTTPError(err)
	}
	if items == nil {
		items = []*Clinician{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) UpdateClinician(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in ClinicianUpdate
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	cl, err := h.svc.UpdateClinician(ctx, id, in, CallerFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

func (h *Handler) DeactivateClinician(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.DeactivateClinician(ctx, id, CallerFromContext(ctx)); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Me(c echo.Context) error {
	caller := CallerFromContext(c.Request().Context())
	if caller.ID == uuid.Nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "no clinician account bound to this session")
	}
	cl, err := h.svc.GetClinician(c.Request().Context(), caller.ID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

type passwordRequest struct {
	Current string `json:"current_password"`
	New     string `json:"new_password"`
}

func (h *Handler) ChangePassword(c echo.Context) error {
	var req passwordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	caller := CallerFromContext(c.Request().Context())
	if caller.ID == uuid.Nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "no clinician account bound to this session")
	}
	if err := h.svc.ChangePassword(c.Request().Context(), caller.ID, req.Current, req.New); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
