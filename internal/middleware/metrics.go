package middleware

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"policy-proxy-go/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request, labelled with the listener mode and the policy
// decision taken.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			tr := Trace(c)

			err := next(c)

			status := strconv.Itoa(statusOf(c, tr, err))
			method := metrics.NormalizeMethod(c.Request().Method)
			mode := modeLabel(tr.Mode)
			decision := tr.Decision.String()

			m.RequestsTotal.WithLabelValues(method, mode, decision, status).Inc()
			m.RequestDuration.WithLabelValues(method, mode, decision, status).Observe(tr.Duration().Seconds())

			return err
		}
	}
}
