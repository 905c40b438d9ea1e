package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/devicelink/internal/platform/auth"
	"github.com/ehr/devicelink/internal/platform/hl7v2"
	"github.com/ehr/devicelink/pkg/pagination"
)

// Resubmitter puts a requeued inbound entry back on the processing queue.
type Resubmitter interface {
	Resubmit(ctx context.Context, e *Entry) error
}

type Handler struct {
	svc      *Service
	resubmit Resubmitter
}

func NewHandler(svc *Service, resubmit Resubmitter) *Handler {
	return &Handler{svc: svc, resubmit: resubmit}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/ledger", auth.RequireRole(auth.RoleViewer, auth.RoleOperator))
	read.GET("", h.ListEntries)
	read.GET("/stats", h.Stats)
	read.GET("/:id", h.GetEntry)
	read.GET("/:id/parsed", h.GetParsed)

	write := api.Group("/ledger", auth.RequireRole(auth.RoleOperator))
	write.POST("/:id/requeue", h.Requeue)
}

func (h *Handler) ListEntries(c echo.Context) error {
	pg := pagination.FromContext(c)

	f := Filter{
		Status:    Status(c.QueryParam("status")),
		Direction: Direction(c.QueryParam("direction")),
	}
	if v := c.QueryParam("device_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid device_id")
		}
		f.DeviceID = &id
	}
	if v := c.QueryParam("order_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid order_id")
		}
		f.OrderID = &id
	}

	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	resp := pagination.NewResponse(items, total, pg).WithLinks(c.Request().URL.Path, c.QueryParams())
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Stats(c echo.Context) error {
	counts, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"counts": counts})
}

func (h *Handler) GetEntry(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

type parsedView struct {
	EntryID uuid.UUID          `json:"entry_id"`
	Summary json.RawMessage    `json:"summary,omitempty"`
	Message *hl7v2.MessageJSON `json:"message,omitempty"`
	Error   string             `json:"parse_error,omitempty"`
}

// GetParsed returns the segment view of an entry's raw message together with
// the summary stored by the processor.
func (h *Handler) GetParsed(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}

	view := parsedView{EntryID: e.ID, Summary: e.ParsedSummary}
	msg, err := hl7v2.Parse(e.RawMessage)
	if err != nil {
		view.Error = err.Error()
	} else {
		out := hl7v2.ToJSON(msg)
		view.Message = &out
	}
	return c.JSON(http.StatusOK, view)
}

// Requeue moves a failed inbound entry back to PENDING and resubmits it.
func (h *Handler) Requeue(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()

	e, err := h.svc.Requeue(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if h.resubmit != nil {
		if err := h.resubmit.Resubmit(ctx, e); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "entry is PENDING but could not be enqueued: "+err.Error())
		}
	}
	return c.JSON(http.StatusAccepted, e)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "entry not found")
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidFilter):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return err
}
