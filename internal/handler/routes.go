package handler

import (
	"github.com/labstack/echo/v4"

	"policy-proxy-go/internal/middleware"
)

// RegisterReverseRoutes sends every path on the reverse listener through the
// proxy pipeline.
func RegisterReverseRoutes(e *echo.Echo, proxy *ProxyHandler) {
	e.Any("/*", proxy.Reverse)
}

// RegisterForwardRoutes sends every request on the forward listener,
// including CONNECT, through the proxy pipeline.
func RegisterForwardRoutes(e *echo.Echo, proxy *ProxyHandler) {
	e.Pre(middleware.RootPath())
	e.Any("/*", proxy.Forward)
}

// RegisterAdminRoutes wires the health, status, and metrics endpoints.
func RegisterAdminRoutes(e *echo.Echo, health *HealthHandler, metricsPath string, metrics echo.HandlerFunc) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)
	if metrics != nil {
		e.GET(metricsPath, metrics)
	}
}
