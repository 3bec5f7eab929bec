package retention

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/compliance/internal/platform/auth"
)

// Handler exposes the retention engine on the admin API.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/retention", auth.RequireRole(auth.RoleComplianceOfficer, auth.RoleAdmin))
	g.GET("/rules", h.ListRules)
	g.POST("/scan", h.Scan)
	g.POST("/purge", h.Purge)
	g.GET("/report", h.Report)
	g.GET("/holds", h.ListHolds)
	g.POST("/holds", h.PlaceHold)
	g.DELETE("/holds/:subject", h.ReleaseHold)
}

// actor builds the acting identity from the authenticated request.
func actor(c echo.Context) Actor {
	ctx := c.Request().Context()
	role := ""
	if roles := auth.RolesFromContext(ctx); len(roles) > 0 {
		role = roles[0]
	}
	return Actor{ID: auth.UserIDFromContext(ctx), Role: role}
}

func (h *Handler) ListRules(c echo.Context) error {
	rules := h.svc.Rules()
	return c.JSON(http.StatusOK, map[string]any{"rules": rules, "total": len(rules)})
}

type scanRequest struct {
	Rules  []string `json:"rules"`
	DryRun *bool    `json:"dry_run"`
}

// Scan runs a scan. Requests are dry runs unless dry_run is explicitly false.
func (h *Handler) Scan(c echo.Context) error {
	var req scanRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	dryRun := req.DryRun == nil || *req.DryRun
	candidates, err := h.svc.Scan(c.Request().Context(), ScanOptions{Rules: req.Rules, DryRun: dryRun})
	if errors.Is(err, ErrUnknownRule) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"candidates": candidates,
		"total":      len(candidates),
		"by_risk":    riskCounts(candidates),
		"dry_run":    dryRun,
	})
}

type purgeRequest struct {
	Candidates []PurgeCandidate `json:"candidates"`
	Approvers  []string         `json:"approvers"`
	Force      bool             `json:"force"`
}

func (h *Handler) Purge(c echo.Context) error {
	var req purgeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Candidates) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no candidates given")
	}
	by := actor(c)
	if by.ID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}
	res, err := h.svc.ExecutePurge(c.Request().Context(), PurgeRequest{
		Candidates: req.Candidates,
		Initiator:  by,
		Approvers:  req.Approvers,
		Force:      req.Force,
	})
	if err != nil && res == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err != nil {
		// The purges happened; only sealing the record failed.
		return c.JSON(http.StatusInternalServerError, map[string]any{"error": err.Error(), "result": res})
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Report(c echo.Context) error {
	period := c.QueryParam("period")
	if period == "" {
		period = "30d"
	}
	r, err := h.svc.GenerateReport(c.Request().Context(), period)
	if errors.Is(err, ErrInvalidPeriod) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) ListHolds(c echo.Context) error {
	holds := h.svc.Holds().Active()
	return c.JSON(http.StatusOK, map[string]any{"holds": holds, "total": len(holds)})
}

type holdRequest struct {
	SubjectID string `json:"subject_id"`
	Reason    string `json:"reason"`
}

func (h *Handler) PlaceHold(c echo.Context) error {
	var req holdRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	if req.SubjectID == "" || strings.TrimSpace(req.Reason) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "subject_id and reason are required")
	}
	by := actor(c)
	if by.ID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}
	hold, err := h.svc.PlaceHold(c.Request().Context(), req.SubjectID, req.Reason, by)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, hold)
}

func (h *Handler) ReleaseHold(c echo.Context) error {
	by := actor(c)
	if by.ID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}
	err := h.svc.ReleaseHold(c.Request().Context(), c.Param("subject"), c.QueryParam("reason"), by)
	if errors.Is(err, ErrHoldNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no legal hold for subject")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
