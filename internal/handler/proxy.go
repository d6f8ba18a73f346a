package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"tareks-proxy/internal/client"
	"tareks-proxy/internal/config"
	"tareks-proxy/internal/model"
	"tareks-proxy/internal/service"
)

// errorResponse is the JSON body of every failed proxy call.
type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// probeResponse is one entry of the self-test result map.
type probeResponse struct {
	OK     bool   `json:"ok"`
	Status int    `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
	Native string `json:"native,omitempty"`
}

type selfTestResponse struct {
	OK      bool                     `json:"ok"`
	Results map[string]probeResponse `json:"results"`
}

// ProxyHandler serves the proxy route and its connectivity self-test.
type ProxyHandler struct {
	service    *service.ProxyService
	production bool
	logger     *slog.Logger
}

// NewProxyHandler creates a ProxyHandler. Error detail is only exposed outside production.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:    svc,
		production: cfg.IsProduction(),
		logger:     logger.With("component", "proxy_handler"),
	}
}

// Handle fetches the url query parameter and writes the rewritten or passthrough body.
// Upstream headers are dropped; only Content-Type is set, plus a proxied Location
// on redirects.
func (h *ProxyHandler) Handle(c echo.Context) error {
	resp, err := h.service.Proxy(c.Request().Context(), c.QueryParam("url"), c.QueryParam("force"))
	if err != nil {
		return h.mapError(c, err)
	}
	if resp.Location != "" {
		c.Response().Header().Set(echo.HeaderLocation, resp.Location)
	}
	return c.Blob(resp.StatusCode, resp.ContentType, resp.Body)
}

// SelfTest probes every configured URL and reports each result independently.
func (h *ProxyHandler) SelfTest(c echo.Context) error {
	results := h.service.SelfTest(c.Request().Context())

	out := selfTestResponse{OK: true, Results: make(map[string]probeResponse, len(results))}
	for _, r := range results {
		out.Results[r.URL] = h.probeResponse(r)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *ProxyHandler) probeResponse(r model.ProbeResult) probeResponse {
	p := probeResponse{OK: r.OK, Status: r.Status}
	if r.OK {
		return p
	}
	if r.PrimaryErr != nil {
		p.Error = h.errorText(r.PrimaryErr)
	}
	if r.NativeErr != nil {
		p.Native = h.errorText(r.NativeErr)
	}
	return p
}

// errorText hides raw transport errors in production behind their kind.
func (h *ProxyHandler) errorText(err error) string {
	if h.production {
		return "fetch failed: " + client.Classify(err)
	}
	return err.Error()
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrMissingURL):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "url param required"})
	case errors.Is(err, service.ErrInvalidURL):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid url"})
	case errors.Is(err, service.ErrHostNotAllowed):
		return c.JSON(http.StatusForbidden, errorResponse{Error: "host not allowed"})
	}

	var fetchErr *service.FetchError
	if errors.As(err, &fetchErr) {
		h.logger.Error("proxy fetch failed",
			"err", err,
			"kind", client.Classify(fetchErr.Secondary),
			"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
		)
		return c.JSON(http.StatusBadGateway, h.withDetail("proxy fetch failed", err))
	}

	h.logger.Error("proxy error", "err", err, "path", c.Request().URL.Path)
	return c.JSON(http.StatusInternalServerError, h.withDetail("proxy error", err))
}

func (h *ProxyHandler) withDetail(msg string, err error) errorResponse {
	resp := errorResponse{Error: msg}
	if !h.production {
		resp.Detail = err.Error()
	}
	return resp
}
