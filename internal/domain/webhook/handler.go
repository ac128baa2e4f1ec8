package webhook

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/foresight/rcm/internal/platform/auth"
	"github.com/foresight/rcm/pkg/pagination"
)

// RoleWebhookAdmin may manage an organization's webhooks.
const RoleWebhookAdmin = "webhook_admin"

// Handler provides HTTP endpoints for webhook management.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the webhook routes on api.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/webhooks", auth.RequireRole(RoleWebhookAdmin))
	g.POST("", h.CreateWebhook)
	g.GET("", h.ListWebhooks)
	g.GET("/:id", h.GetWebhook)
	g.PUT("/:id", h.UpdateWebhook)
	g.DELETE("/:id", h.DeactivateWebhook)
	g.POST("/:id/reactivate", h.ReactivateWebhook)
	g.POST("/:id/test", h.TestWebhook)
	g.GET("/:id/deliveries", h.ListDeliveries)
	g.POST("/:id/deliveries/:deliveryId/retry", h.RetryDelivery)
}

func orgID(c echo.Context) (string, error) {
	org := auth.OrgFromContext(c.Request().Context())
	if org == "" {
		return "", echo.NewHTTPError(http.StatusForbidden, "organization required")
	}
	return org, nil
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// toHTTPError maps service errors to status codes.
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDeliveryNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicate):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
}

func (h *Handler) CreateWebhook(c echo.Context) error {
	org, err := orgID(c)
	if err != nil {
		return err
	}
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	w, err := h.svc.Create(c.Request().Context(), org, req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, w)
}

func (h *Handler) ListWebhooks(c echo.Context) error {
	org, err := orgID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), org, pg.Limit, pg.Offset)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) GetWebhook(c echo.Context) error {
	org, err := orgID(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	w, err := h.svc.Get(c.Request().Context(), org, id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, w)
}

func (h *Handler) UpdateWebhook(c echo.Context) error {
	org, err := orgID(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req UpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	w, err := h.svc.Update(c.Request().Context(), org, id, req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, w)
}

func (h *Handler) DeactivateWebhook(c echo.Context) error {
	org, err := orgID(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Deactivate(c.Request().Context(), org, id); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ReactivateWebhook(c echo.Context) error {
	org, err := orgID(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	w, err := h.svc.Reactivate(c.Request().Context(), org, id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, w)
}

func (h *Handler) TestWebhook(c echo.Context) error {
	org, err := orgID(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	job, err := h.svc.SendTest(ctx, org, auth.UserIDFromContext(ctx), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"queued":     true,
		"event_type": job.EventType,
		"timestamp":  job.Timestamp,
	})
}

func (h *Handler) ListDeliveries(c echo.Context) error {
	org, err := orgID(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListDeliveries(c.Request().Context(), org, id, pg.Limit, pg.Offset)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) RetryDelivery(c echo.Context) error {
	org, err := orgID(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	deliveryID, err := uuid.Parse(c.Param("deliveryId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid delivery id")
	}
	job, err := h.svc.RetryDelivery(c.Request().Context(), org, id, deliveryID)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"queued":      true,
		"delivery_id": deliveryID,
		"event_type":  job.EventType,
		"timestamp":   job.Timestamp,
	})
}
