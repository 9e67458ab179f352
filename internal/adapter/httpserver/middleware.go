package httpserver

import (
	"github.com/illuminautical/spyglass/internal/platform/correlation"
	"github.com/labstack/echo/v4"
)

// correlationMiddleware tags every request with a correlation ID, reusing the
// caller's X-Correlation-Id when present, and echoes it back.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, id := correlation.Ensure(c.Request().Context(), c.Request().Header.Get(correlation.Header))
		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Header().Set(correlation.Header, id)
		return next(c)
	}
}

// correlationFromHeader replaces the request's correlation ID with the value
// of header when the request carries it.
func correlationFromHeader(header string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if id := c.Request().Header.Get(header); id != "" {
				c.SetRequest(c.Request().WithContext(correlation.WithID(c.Request().Context(), id)))
				c.Response().Header().Set(correlation.Header, id)
			}
			return next(c)
		}
	}
}
