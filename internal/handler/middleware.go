package handler

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/matrixci/matrixci/internal"
)

// WebhookKeyMiddleware guards webhook trigger endpoints with a shared
// key. An empty configured key disables webhook triggering entirely.
func WebhookKeyMiddleware(key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			got := c.Request().Header.Get(internal.WebhookTriggerKeyHeader)
			if key == "" ||
				subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid webhook key")
			}
			return next(c)
		}
	}
}
