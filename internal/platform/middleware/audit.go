package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/audit"
	"github.com/ehr/compliance/internal/platform/auth"
	"github.com/ehr/compliance/internal/platform/db"
)

// EventLogger is the part of the audit service the middleware writes to.
type EventLogger interface {
	LogEvent(ctx context.Context, in audit.EventInput) (uuid.UUID, error)
}

const anonymousActor = "anonymous"

// Audit records every admin API call in the audit trail. It must wrap the
// authentication middleware so rejected tokens are recorded as failed
// logins; the identity set by auth is read back after the handler runs.
func Audit(logger zerolog.Logger, events EventLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !isAuditablePath(c.Request().URL.Path) {
				return next(c)
			}

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}

			req := c.Request()
			ctx := req.Context()
			rid, _ := c.Get("request_id").(string)

			in := audit.EventInput{
				ActorID:   auth.UserIDFromContext(ctx),
				SubjectID: c.Param("subject"),
				Outcome:   outcomeFor(status),
				Resource:  req.Method + " " + routeOf(c),
				Origin:    c.RealIP(),
				UserAgent: req.UserAgent(),
				SessionID: rid,
				TenantID:  db.TenantFromContext(ctx),
				Duration:  time.Since(start),
				Metadata: map[string]any{
					"request_id": rid,
					"status":     status,
				},
			}
			if roles := auth.RolesFromContext(ctx); len(roles) > 0 {
				in.ActorRole = roles[0]
			}
			if in.ActorID == "" {
				in.ActorID = anonymousActor
			}
			in.Type = eventTypeFor(req.Method, routeOf(c), status, in.ActorID == anonymousActor)

			// The trail must be written even when the caller has gone away.
			if _, logErr := events.LogEvent(context.WithoutCancel(ctx), in); logErr != nil {
				logger.Error().Err(logErr).
					Str("request_id", rid).
					Str("resource", in.Resource).
					Msg("failed to record admin api audit event")
			}

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/")
}

// routeOf prefers the matched route template so ids in the URL do not
// fragment the resource descriptor.
func routeOf(c echo.Context) string {
	if p := c.Path(); p != "" {
		return p
	}
	return c.Request().URL.Path
}

func outcomeFor(status int) audit.Outcome {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return audit.OutcomeDenied
	case status >= 500:
		return audit.OutcomeError
	case status >= 400:
		return audit.OutcomeFailure
	default:
		return audit.OutcomeSuccess
	}
}

func eventTypeFor(method, route string, status int, anonymous bool) audit.EventType {
	if status == http.StatusUnauthorized && anonymous {
		return audit.EventFailedLogin
	}
	switch {
	case strings.HasSuffix(route, "/retention/purge"):
		return audit.EventBulkOperation
	case strings.HasSuffix(route, "/report") || strings.HasSuffix(route, "/audit/metrics"):
		return audit.EventReportGeneration
	}
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return audit.EventSystemAccess
	default:
		return audit.EventAdminAction
	}
}
