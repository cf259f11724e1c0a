package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ehrlink/internal/platform/hipaa"
)

// Logger writes one structured line per request. Query strings are left out
// since OAuth callbacks carry codes and state in them.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)

			rid, _ := c.Get("request_id").(string)
			tid, _ := c.Get("tenant_id").(string)
			status := c.Response().Status
			evt := logger.Info()
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			if err != nil {
				evt = logger.Warn().Str("error", hipaa.Redact(err.Error()))
				if status >= 500 {
					evt = logger.Error().Str("error", hipaa.Redact(err.Error()))
				}
			}

			evt.
				Str("request_id", rid).
				Str("tenant_id", tid).
				Str("method", req.Method).
				Str("route", c.Path()).
				Str("path", req.URL.Path).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}
