package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"policy-proxy-go/internal/config"
	"policy-proxy-go/internal/model"
	"policy-proxy-go/internal/policy"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	table   *policy.Table
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, table *policy.Table, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, table: table, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status  string         `json:"status"`
	Version string         `json:"version"`
	HopName string         `json:"hop_name"`
	Modes   map[string]int `json:"modes"`
}

// Status reports which modes are enabled and how many rules each has. Rule
// matchers and upstreams are not exposed.
func (h *HealthHandler) Status(c echo.Context) error {
	modes := make(map[string]int)
	if h.cfg.Reverse.Enabled() {
		modes[model.ModeReverse.String()] = h.table.Count(model.ModeReverse)
	}
	if h.cfg.Forward.Enabled() {
		modes[model.ModeForward.String()] = h.table.Count(model.ModeForward)
	}

	return c.JSON(http.StatusOK, statusResponse{
		Status:  "ok",
		Version: string(h.version),
		HopName: h.cfg.Proxy.HopName,
		Modes:   modes,
	})
}
