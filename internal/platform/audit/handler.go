package audit

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/compliance/internal/platform/auth"
)

// Handler exposes the audit trail on the admin API.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/audit", auth.RequireRole(auth.RoleComplianceOfficer, auth.RoleAdmin))
	g.GET("/events", h.ListEvents)
	g.GET("/events/:id", h.GetEvent)
	g.GET("/events/:id/verify", h.VerifyEvent)
	g.GET("/violations", h.ListViolations)
	g.GET("/metrics", h.GetMetrics)
	g.POST("/flush", h.Flush)
}

func (h *Handler) GetEvent(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.svc.GetEvent(c.Request().Context(), id)
	if errors.Is(err, ErrEventNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "audit event not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, struct {
		*Event
		Metadata map[string]any `json:"metadata,omitempty"`
	}{e, e.Metadata})
}

func (h *Handler) VerifyEvent(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ok, err := h.svc.VerifyIntegrity(c.Request().Context(), id)
	if errors.Is(err, ErrEventNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "audit event not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"id": id, "valid": ok})
}

func (h *Handler) ListEvents(c echo.Context) error {
	f, err := filterFromQuery(c)
	if err != nil {
		return err
	}
	if t := c.QueryParam("type"); t != "" {
		f.Types = []EventType{EventType(t)}
	}
	f.ActorID = c.QueryParam("actor")
	f.SubjectID = c.QueryParam("subject")
	f.Outcome = Outcome(c.QueryParam("outcome"))
	if r := c.QueryParam("min_risk"); r != "" {
		lvl, err := ParseRiskLevel(r)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		f.MinRisk = &lvl
	}

	items, err := h.svc.ListEvents(c.Request().Context(), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"data": items, "count": len(items)})
}

func (h *Handler) ListViolations(c echo.Context) error {
	f, err := filterFromQuery(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListViolations(c.Request().Context(), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"data": items, "count": len(items)})
}

func (h *Handler) GetMetrics(c echo.Context) error {
	period := c.QueryParam("period")
	if period == "" {
		period = "30d"
	}
	m, err := h.svc.GetComplianceMetrics(c.Request().Context(), period, c.QueryParam("tenant_id"))
	if errors.Is(err, ErrInvalidPeriod) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) Flush(c echo.Context) error {
	if err := h.svc.Flush(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"pending": h.svc.Pending()})
}

func filterFromQuery(c echo.Context) (Filter, error) {
	f := Filter{TenantID: c.QueryParam("tenant_id"), Limit: 100}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			return f, echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 1000")
		}
		f.Limit = n
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, echo.NewHTTPError(http.StatusBadRequest, "invalid offset")
		}
		f.Offset = n
	}
	for name, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if v := c.QueryParam(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+": expected RFC3339")
			}
			*dst = t
		}
	}
	return f, nil
}
