package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// infraRoutes are the liveness, database and scrape endpoints. They carry no
// audit or retention data and are polled by orchestrators without tokens.
var infraRoutes = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
}

// AuthSkipper lets unauthenticated reads of the infrastructure routes through.
// It matches the registered route, so /metrics/extra or a write to /health
// still needs a token. Pass it as JWTConfig.Skipper.
func AuthSkipper(c echo.Context) bool {
	switch c.Request().Method {
	case http.MethodGet, http.MethodHead:
		return infraRoutes[c.Path()]
	}
	return false
}
