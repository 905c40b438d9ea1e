package integration

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/devicelink/internal/domain/clinical"
	"github.com/ehr/devicelink/internal/domain/registry"
	"github.com/ehr/devicelink/internal/platform/auth"
)

type Handler struct {
	dispatcher *Dispatcher
}

func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/orders", auth.RequireRole(auth.RoleOperator))
	g.POST("/:id/dispatch", h.DispatchOrder)
}

type dispatchRequest struct {
	DeviceClass string `json:"device_class"`
}

// DispatchOrder queues an order for sending and answers 202. With
// ?wait=true the send happens inline and the ledger entry is returned.
func (h *Handler) DispatchOrder(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	var req dispatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	class := registry.DeviceClass(strings.ToUpper(strings.TrimSpace(req.DeviceClass)))
	if !class.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "device_class must be LAB or RADIOLOGY")
	}

	if c.QueryParam("wait") != "true" {
		h.dispatcher.SendOrder(c.Request().Context(), orderID, class)
		return c.JSON(http.StatusAccepted, map[string]string{
			"order_id":     orderID.String(),
			"device_class": string(class),
			"status":       "accepted",
		})
	}

	entry, err := h.dispatcher.Dispatch(c.Request().Context(), orderID, class)
	switch {
	case errors.Is(err, clinical.ErrOrderNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "order not found")
	case errors.Is(err, registry.ErrNoDevice):
		return echo.NewHTTPError(http.StatusConflict, "no active device of that class")
	case errors.Is(err, ErrNothingToSend), errors.Is(err, ErrUnsupportedOrderType):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		return err
	}
	return c.JSON(http.StatusOK, entry)
}
