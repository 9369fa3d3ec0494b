package refdata

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reference")
	g.GET("/specialties", h.Specialties)
	g.GET("/locations", h.Locations)
}

func (h *Handler) Specialties(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Specialties(c.Request().Context()))
}

func (h *Handler) Locations(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Locations(c.Request().Context()))
}
