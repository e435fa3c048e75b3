// Package auth authenticates host requests to the guest agent.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/opensandbox/vmctl/internal/metrics"
)

// HeaderToken carries the agent token on every host request.
const HeaderToken = "X-API-Key"

// TokenMiddleware validates the X-API-Key header against the agent token.
// If the configured token is empty, authentication is disabled (development mode).
func TokenMiddleware(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" {
				return next(c)
			}

			provided := c.Request().Header.Get(HeaderToken)
			if provided == "" {
				metrics.AuthAttemptsTotal.WithLabelValues("missing").Inc()
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "missing agent token",
				})
			}

			if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				metrics.AuthAttemptsTotal.WithLabelValues("invalid").Inc()
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": "invalid agent token",
				})
			}

			metrics.AuthAttemptsTotal.WithLabelValues("ok").Inc()
			return next(c)
		}
	}
}
