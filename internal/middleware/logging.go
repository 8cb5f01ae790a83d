// Package middleware provides Echo middleware for request tracing, logging,
// metrics, and response hardening.
package middleware

import (
	"errors"
	"log/slog"

	"github.com/labstack/echo/v4"

	"policy-proxy-go/internal/model"
)

const traceKey = "proxy_trace"

// Trace returns the request's trace, creating it on first use.
func Trace(c echo.Context) *model.Trace {
	if t, ok := c.Get(traceKey).(*model.Trace); ok {
		return t
	}
	t := model.NewTrace()
	c.Set(traceKey, t)
	return t
}

// RequestLogger returns an Echo middleware that closes each request's trace
// and logs it with slog. Requests that ended abnormally are logged at warn.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tr := Trace(c)

			err := next(c)

			last := tr.State()
			tr.Close()

			req := c.Request()
			res := c.Response()

			level := slog.LevelInfo
			if tr.Abnormal {
				level = slog.LevelWarn
			}

			args := []any{
				"method", req.Method,
				"mode", modeLabel(tr.Mode),
				"routing_key", tr.RoutingKey,
				"decision", tr.Decision.String(),
				"upstream", tr.Upstream,
				"status", statusOf(c, tr, err),
				"duration_ms", tr.Duration().Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_in", tr.BytesIn,
				"bytes_out", bytesOut(res, tr),
				"state", last.String(),
			}
			if tr.Err != nil {
				args = append(args, "err", tr.Err)
			}

			logger.Log(req.Context(), level, "request", args...)

			return err
		}
	}
}

// statusOf resolves the status the client saw. When a handler returns an
// *echo.HTTPError, the response status hasn't been written yet; Echo's
// central error handler will do that later. Hijacked connections report
// through the trace.
func statusOf(c echo.Context, tr *model.Trace, err error) int {
	if tr.Status != 0 {
		return tr.Status
	}
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he.Code
		}
	}
	return c.Response().Status
}

func bytesOut(res *echo.Response, tr *model.Trace) int64 {
	if tr.BytesOut != 0 {
		return tr.BytesOut
	}
	return res.Size
}

func modeLabel(m model.Mode) string {
	if m == 0 {
		return "none"
	}
	return m.String()
}
