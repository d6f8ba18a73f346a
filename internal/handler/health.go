package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"tareks-proxy/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

type nativeStatus struct {
	AllowInsecure            bool `json:"allow_insecure"`
	AllowLegacyRenegotiation bool `json:"allow_legacy_renegotiation"`
	TimeoutSeconds           int  `json:"timeout_seconds"`
}

type statusResponse struct {
	Status        string       `json:"status"`
	Version       string       `json:"version"`
	Environment   string       `json:"environment"`
	Route         string       `json:"route"`
	AllowedHosts  []string     `json:"allowed_hosts"`
	RewriteEngine string       `json:"rewrite_engine"`
	Native        nativeStatus `json:"native"`
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information. Nothing here is secret.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:        "ok",
		Version:       string(h.version),
		Environment:   h.cfg.Environment,
		Route:         h.cfg.Proxy.Route,
		AllowedHosts:  h.cfg.Proxy.AllowedHosts,
		RewriteEngine: h.cfg.Rewrite.Engine,
		Native: nativeStatus{
			AllowInsecure:            h.cfg.Native.AllowInsecure,
			AllowLegacyRenegotiation: h.cfg.Native.AllowLegacyRenegotiation,
			TimeoutSeconds:           h.cfg.Native.TimeoutSeconds,
		},
	})
}
