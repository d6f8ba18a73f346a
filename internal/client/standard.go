package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"tareks-proxy/internal/config"
	"tareks-proxy/internal/metrics"
	"tareks-proxy/internal/model"
)

// maxRedirects matches the net/http default.
const maxRedirects = 10

// StandardClient is the primary transport: a plain net/http client that follows
// redirects and uses the default TLS settings.
type StandardClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewStandardClient creates a StandardClient. Keep-alives are disabled so no
// connection to an upstream outlives the request that opened it.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewStandardClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *StandardClient {
	transport := &http.Transport{
		DisableKeepAlives: true,
		DialContext: (&net.Dialer{
			Timeout: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Proxy.TimeoutSeconds) * time.Second,
	}

	return &StandardClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Proxy.TimeoutSeconds) * time.Second,
		},
		logger:  logger.With("component", "standard_client"),
		metrics: m,
	}
}

// Name implements Transport.
func (c *StandardClient) Name() string { return NameStandard }

// Fetch issues a GET for u and buffers the response. Redirects are followed only
// while the guard allows the next hop; a redirect off the allow-list is returned
// to the caller as the final response instead of being followed.
func (c *StandardClient) Fetch(ctx context.Context, u *url.URL, guard Guard) (*model.UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	hc := *c.httpClient
	hc.CheckRedirect = func(next *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return errors.New("stopped after 10 redirects")
		}
		if guard != nil && !guard.Allows(next.URL) {
			c.logger.Warn("redirect off allow-list not followed", "from", via[len(via)-1].URL.Host, "to", next.URL.Host)
			return http.ErrUseLastResponse
		}
		return nil
	}

	c.logger.Debug("upstream request", "host", u.Host, "path", u.Path)

	start := time.Now()
	out, err := c.do(&hc, req)
	observe(c.metrics, NameStandard, start, out, err)
	return out, err
}

func (c *StandardClient) do(hc *http.Client, req *http.Request) (*model.UpstreamResponse, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Transport:  NameStandard,
	}, nil
}
