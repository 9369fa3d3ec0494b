package admin

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/teaclinic/clinic/internal/domain/identity"
	"github.com/teaclinic/clinic/internal/platform/apperr"
	"github.com/teaclinic/clinic/internal/platform/audit"
	"github.com/teaclinic/clinic/internal/platform/auth"
	"github.com/teaclinic/clinic/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	g.POST("/reset-patients", h.ResetPatients)
	g.GET("/audit", h.AuditLog)
}

type resetRequest struct {
	Confirmation string `json:"confirmation"`
}

func (h *Handler) ResetPatients(c echo.Context) error {
	var req resetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	res, err := h.svc.ResetPatients(ctx, req.Confirmation, identity.CallerFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) AuditLog(c echo.Context) error {
	f := audit.Filter{Action: c.QueryParam("action")}
	if v := c.QueryParam("actor_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid actor_id")
		}
		f.ActorID = &id
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.AuditLog(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if items == nil {
		items = []*audit.Event{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
