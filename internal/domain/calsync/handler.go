package calsync

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicsync/clinicsync/internal/domain/vault"
	"github.com/clinicsync/clinicsync/internal/platform/auth"
	"github.com/clinicsync/clinicsync/internal/platform/gcal"
)

const maxBlockWindow = 366 * 24 * time.Hour

type Handler struct {
	runner    *Runner
	blocks    BlockRepository
	renewLead time.Duration
}

func NewHandler(runner *Runner, blocks BlockRepository, renewLead time.Duration) *Handler {
	return &Handler{runner: runner, blocks: blocks, renewLead: renewLead}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	own := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleConsultant))
	own.POST("/calendar/sync", h.Sync)
	own.POST("/resources/:id/calendar/watch", h.Watch)
	own.GET("/resources/:id/external-blocks", h.ListExternalBlocks)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/calendar/channels/renew", h.RenewChannels)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrBusy):
		return echo.NewHTTPError(http.StatusConflict, map[string]string{"error": err.Error()})
	case vault.NeedsReconnect(err):
		return echo.NewHTTPError(http.StatusConflict, map[string]string{"error": "reconnect_calendar"})
	case errors.Is(err, ErrClinicNotResolved):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, map[string]string{"error": "resource not found"})
	case errors.Is(err, gcal.ErrExternalService), errors.Is(err, gcal.ErrSyncTokenInvalid):
		return echo.NewHTTPError(http.StatusBadGateway, map[string]string{"error": err.Error()})
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func ownedResource(c echo.Context, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid resource_id")
	}
	if !auth.CanActForResource(c.Request().Context(), id.String()) {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "not allowed for this resource")
	}
	return id, nil
}

type syncRequest struct {
	ResourceID string `json:"resource_id"`
}

// Sync runs one import cycle synchronously.
func (h *Handler) Sync(c echo.Context) error {
	var req syncRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	resourceID, err := ownedResource(c, req.ResourceID)
	if err != nil {
		return err
	}
	result, err := h.runner.RunCycle(c.Request().Context(), resourceID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) Watch(c echo.Context) error {
	resourceID, err := ownedResource(c, c.Param("id"))
	if err != nil {
		return err
	}
	if err := h.runner.EnsureChannel(c.Request().Context(), resourceID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) RenewChannels(c echo.Context) error {
	renewed, failed, err := h.runner.RenewExpiring(c.Request().Context(), h.renewLead)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"renewed": renewed, "failed": failed})
}

func (h *Handler) ListExternalBlocks(c echo.Context) error {
	resourceID, err := ownedResource(c, c.Param("id"))
	if err != nil {
		return err
	}
	from, err := time.Parse(time.RFC3339, c.QueryParam("from"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "from must be RFC3339")
	}
	to, err := time.Parse(time.RFC3339, c.QueryParam("to"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "to must be RFC3339")
	}
	if !to.After(from) || to.Sub(from) > maxBlockWindow {
		return echo.NewHTTPError(http.StatusBadRequest, "window must be positive and at most 366 days")
	}
	blocks, err := h.blocks.List(c.Request().Context(), resourceID, from, to)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": blocks, "total": len(blocks)})
}
