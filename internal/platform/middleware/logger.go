package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Logger writes one access line per request. It renders handler errors
// itself so the logged status is the one the client receives; 5xx lines are
// logged at error level and 4xx at warn. When the request carries a sampled
// span its trace id is included.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			status := c.Response().Status

			var evt *zerolog.Event
			switch {
			case status >= 500:
				evt = logger.Error().Err(err)
			case status >= 400:
				evt = logger.Warn().Err(err)
			default:
				evt = logger.Info()
			}

			if rid, ok := c.Get("request_id").(string); ok {
				evt = evt.Str("request_id", rid)
			}
			if uid, ok := c.Get("user_id").(string); ok {
				role, _ := c.Get("role").(string)
				evt = evt.Str("user_id", uid).Str("role", role)
			}
			if sc := trace.SpanContextFromContext(req.Context()); sc.IsValid() {
				evt = evt.Str("trace_id", sc.TraceID().String())
			}

			evt.Str("method", req.Method).
				Str("path", req.URL.Path).
				Str("route", c.Path()).
				Int("status", status).
				Int64("bytes_out", c.Response().Size).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")
			return nil
		}
	}
}
