package procedure

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/teaclinic/clinic/internal/domain/identity"
	"github.com/teaclinic/clinic/internal/platform/apperr"
	"github.com/teaclinic/clinic/internal/platform/auth"
)

// ClinicianLookup resolves the active account behind a session, so pulls,
// releases and state changes use the role and specialty on record rather
// than the ones in the token.
type ClinicianLookup interface {
	GetClinician(ctx context.Context, id uuid.UUID) (*identity.Clinician, error)
}

type Handler struct {
	svc        *Service
	clinicians ClinicianLookup
}

func NewHandler(svc *Service, clinicians ClinicianLookup) *Handler {
	return &Handler{svc: svc, clinicians: clinicians}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := api.Group("", auth.RequireRole(auth.RoleClinician, auth.RoleCoordination))
	staff.GET("/distribution", h.Distribution)
	staff.GET("/procedures/:id", h.GetProcedure)
	staff.POST("/procedures/:id/pull", h.Pull)
	staff.POST("/procedures/:id/release", h.Release)
	staff.POST("/procedures/:id/state", h.UpdateState)
	staff.GET("/stats/specialties", h.StatsBySpecialty)
	staff.GET("/stats/clinicians", h.StatsByClinician)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// Distribution lists open procedures. Query parameters: specialty, state,
// clinician_id, mine=1 (the caller's own work) and view=board.
func (h *Handler) Distribution(c echo.Context) error {
	ctx := c.Request().Context()
	f := Filter{Specialty: c.QueryParam("specialty")}
	if s := c.QueryParam("state"); s != "" {
		st, err := ParseState(s)
		if err != nil {
			return apperr.HTTPError(err)
		}
		f.State = st
	}
	if v := c.QueryParam("clinician_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid clinician_id")
		}
		f.ClinicianID = &id
	}
	if c.QueryParam("mine") == "1" {
		caller := identity.CallerFromContext(ctx)
		if caller.ID == uuid.Nil {
			return echo.NewHTTPError(http.StatusBadRequest, "mine=1 requires a clinician session")
		}
		f.ClinicianID = &caller.ID
	}

	if c.QueryParam("view") == "board" {
		board, err := h.svc.Board(ctx, f)
		if err != nil {
			return apperr.HTTPError(err)
		}
		if board == nil {
			board = []*BoardColumn{}
		}
		return c.JSON(http.StatusOK, board)
	}

	items, err := h.svc.ListForDistribution(ctx, f)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if items == nil {
		items = []*View{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetProcedure(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.GetView(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

// account resolves the token subject to an active clinician record. Role and
// specialty come from the record, so deactivated or demoted accounts lose
// their rights before their token expires.
func (h *Handler) account(ctx context.Context) (identity.Caller, error) {
	caller := identity.CallerFromContext(ctx)
	if caller.ID == uuid.Nil {
		return caller, apperr.Forbidden("this action requires a staff account")
	}
	cl, err := h.clinicians.GetClinician(ctx, caller.ID)
	if err != nil {
		return caller, err
	}
	return identity.Caller{ID: cl.ID, Role: cl.Role, Specialty: cl.SpecialtyName()}, nil
}

func (h *Handler) Pull(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	caller, err := h.account(ctx)
	if err != nil {
		return apperr.HTTPError(err)
	}
	v, err := h.svc.Pull(ctx, id, caller.ID, caller.Specialty)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

type releaseRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Release(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req releaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	caller, err := h.account(ctx)
	if err != nil {
		return apperr.HTTPError(err)
	}
	v, err := h.svc.Release(ctx, id, req.Reason, caller)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

type stateRequest struct {
	State string `json:"state"`
}

func (h *Handler) UpdateState(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req stateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	caller, err := h.account(ctx)
	if err != nil {
		return apperr.HTTPError(err)
	}
	v, err := h.svc.UpdateState(ctx, id, req.State, caller)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) StatsBySpecialty(c echo.Context) error {
	stats, err := h.svc.StatsBySpecialty(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) StatsByClinician(c echo.Context) error {
	stats, err := h.svc.StatsByClinician(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	if stats == nil {
		stats = []*ClinicianStats{}
	}
	return c.JSON(http.StatusOK, stats)
}
