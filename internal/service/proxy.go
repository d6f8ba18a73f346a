// Package service implements the proxy gateway: allow-list guard, transport
// fallback, response classification and HTML rewriting.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/go-zoox/headers"
	"golang.org/x/net/html/charset"

	"tareks-proxy/internal/allowlist"
	"tareks-proxy/internal/client"
	"tareks-proxy/internal/config"
	"tareks-proxy/internal/metrics"
	"tareks-proxy/internal/model"
	"tareks-proxy/internal/rewrite"
)

const (
	htmlContentType     = "text/html; charset=utf-8"
	fallbackContentType = "application/octet-stream"
)

// ErrMissingURL is returned when the url query parameter is absent or blank.
var ErrMissingURL = errors.New("url param required")

// Re-exported so callers need not import allowlist to map errors.
var (
	ErrInvalidURL     = allowlist.ErrInvalidURL
	ErrHostNotAllowed = allowlist.ErrHostNotAllowed
)

// FetchError reports that every transport tried for a target failed.
// Primary is nil when the standard client was skipped.
type FetchError struct {
	Primary   error
	Secondary error
}

func (e *FetchError) Error() string {
	if e.Primary == nil {
		return "native: " + e.Secondary.Error()
	}
	return "primary: " + e.Primary.Error() + "; native: " + e.Secondary.Error()
}

// Unwrap exposes both transport errors to errors.Is and errors.As.
func (e *FetchError) Unwrap() []error {
	var errs []error
	for _, err := range []error{e.Primary, e.Secondary} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// ProxyService runs the per-request pipeline. It holds no mutable state.
type ProxyService struct {
	primary  client.Transport
	native   client.Transport
	allow    *allowlist.AllowList
	probes   []string
	route    string
	rewriter rewrite.Rewriter
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewProxyService creates a ProxyService over the two concrete clients.
func NewProxyService(
	cfg *config.Config,
	std *client.StandardClient,
	native *client.NativeClient,
	logger *slog.Logger,
	m *metrics.Metrics,
) *ProxyService {
	return NewProxyServiceWithTransports(cfg, std, native, logger, m)
}

// NewProxyServiceWithTransports creates a ProxyService over arbitrary transports.
// The metrics parameter is optional.
func NewProxyServiceWithTransports(
	cfg *config.Config,
	primary, native client.Transport,
	logger *slog.Logger,
	m *metrics.Metrics,
) *ProxyService {
	return &ProxyService{
		primary:  primary,
		native:   native,
		allow:    allowlist.New(cfg.Proxy.AllowedHosts...),
		probes:   append([]string(nil), cfg.Proxy.ProbeURLs...),
		route:    cfg.Proxy.Route,
		rewriter: rewrite.New(cfg.Rewrite.Engine),
		logger:   logger.With("component", "proxy_service"),
		metrics:  m,
	}
}

// AllowList returns the guard applied to every proxied target.
func (s *ProxyService) AllowList() *allowlist.AllowList { return s.allow }

// Proxy validates raw, fetches it and prepares the outbound response.
// force is the raw value of the force query parameter.
func (s *ProxyService) Proxy(ctx context.Context, raw, force string) (*model.ProxyResponse, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMissingURL
	}

	u, err := s.allow.Check(raw)
	if err != nil {
		if errors.Is(err, ErrHostNotAllowed) {
			s.logger.Warn("target host not allowed", "host", u.Hostname())
		}
		return nil, err
	}

	target := model.TargetRequest{RawURL: raw, URL: u, Mode: model.ParseMode(force)}

	resp, err := s.fetch(ctx, target.URL, target.Mode, s.allow)
	if err != nil {
		return nil, err
	}

	return s.respond(target, resp)
}

// fetch tries the standard client, then the native one. Both see the same guard
// and are never run concurrently.
func (s *ProxyService) fetch(ctx context.Context, u *url.URL, mode model.Mode, guard client.Guard) (*model.UpstreamResponse, error) {
	var primaryErr error
	if mode != model.ModeForceNative {
		resp, err := s.primary.Fetch(ctx, u, guard)
		if err == nil {
			return resp, nil
		}
		primaryErr = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &FetchError{Primary: err, Secondary: ctxErr}
		}

		s.logger.Warn("primary transport failed, trying native",
			"host", u.Host,
			"kind", client.Classify(err),
			"error", err,
		)
		if s.metrics != nil {
			s.metrics.Fallbacks.Inc()
		}
	}

	resp, err := s.native.Fetch(ctx, u, guard)
	if err != nil {
		s.logger.Error("native transport failed",
			"host", u.Host,
			"mode", mode.String(),
			"kind", client.Classify(err),
			"error", err,
		)
		return nil, &FetchError{Primary: primaryErr, Secondary: err}
	}
	return resp, nil
}

// respond passes non-HTML bodies through untouched and rewrites HTML ones.
func (s *ProxyService) respond(target model.TargetRequest, resp *model.UpstreamResponse) (*model.ProxyResponse, error) {
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	location, err := s.redirectLocation(target, status, resp.Header.Get("Location"))
	if err != nil {
		return nil, err
	}

	contentType := resp.Header.Get(headers.ContentType)
	if !strings.Contains(strings.ToLower(contentType), "text/html") {
		if contentType == "" {
			contentType = fallbackContentType
		}
		return &model.ProxyResponse{StatusCode: status, ContentType: contentType, Location: location, Body: resp.Body}, nil
	}

	text, err := decodeHTML(resp.Body, contentType)
	if err != nil {
		return nil, err
	}

	out, err := s.rewriter.Rewrite(text, rewrite.Options{
		Origin:    origin(target.URL),
		Hosts:     s.allow.Hosts(),
		ProxyPath: s.route,
		Mode:      target.Mode,
	})
	if err != nil {
		return nil, fmt.Errorf("rewrite html: %w", err)
	}
	if s.metrics != nil {
		s.metrics.Rewrites.WithLabelValues(s.rewriter.Name()).Inc()
	}

	return &model.ProxyResponse{
		StatusCode:  status,
		ContentType: htmlContentType,
		Location:    location,
		Body:        []byte(out),
		Rewritten:   true,
	}, nil
}

// redirectLocation routes an upstream redirect back through the proxy. A redirect
// leaving the allow-list is refused like any other disallowed target.
func (s *ProxyService) redirectLocation(target model.TargetRequest, status int, loc string) (string, error) {
	if loc == "" || status < 300 || status > 399 {
		return "", nil
	}
	ref, err := target.URL.Parse(loc)
	if err != nil {
		s.logger.Warn("unparseable redirect location dropped", "host", target.URL.Host)
		return "", nil
	}
	next, err := s.allow.Check(ref.String())
	if err != nil {
		s.logger.Warn("redirect off allow-list refused", "from", target.URL.Host, "to", ref.Host)
		return "", fmt.Errorf("redirect to %q: %w", ref.Host, ErrHostNotAllowed)
	}
	return rewrite.ProxyURL(s.route, next.String(), target.Mode), nil
}

// origin mirrors the browser's URL.origin: default ports are omitted.
func origin(u *url.URL) string {
	host := u.Host
	switch port := u.Port(); {
	case u.Scheme == "https" && port == "443", u.Scheme == "http" && port == "80":
		host = strings.TrimSuffix(host, ":"+port)
	}
	return u.Scheme + "://" + host
}

// decodeHTML converts body to UTF-8. A charset from the header or a BOM always
// wins. Otherwise a body that is already valid UTF-8 is kept as is, since the
// sniffer only sees the first 1024 bytes and would default to windows-1252.
func decodeHTML(body []byte, contentType string) (string, error) {
	enc, name, certain := charset.DetermineEncoding(body, contentType)
	if name == "utf-8" || (!certain && utf8.Valid(body)) {
		return string(body), nil
	}
	b, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return "", fmt.Errorf("decode html as %s: %w", name, err)
	}
	return string(b), nil
}

// SelfTest fetches every configured probe URL with the same fallback strategy
// and reports each outcome. Probes run one after another.
func (s *ProxyService) SelfTest(ctx context.Context) []model.ProbeResult {
	guard := allowlist.FromURLs(s.probes)
	results := make([]model.ProbeResult, 0, len(s.probes))

	for _, raw := range s.probes {
		results = append(results, s.probe(ctx, raw, guard))
	}
	return results
}

func (s *ProxyService) probe(ctx context.Context, raw string, guard *allowlist.AllowList) model.ProbeResult {
	res := model.ProbeResult{URL: raw}

	u, err := allowlist.Parse(raw)
	if err != nil {
		res.PrimaryErr = err
		return res
	}

	resp, err := s.primary.Fetch(ctx, u, guard)
	if err == nil {
		res.OK = resp.StatusCode >= 200 && resp.StatusCode < 300
		res.Status = resp.StatusCode
		res.Transport = resp.Transport
		return res
	}
	res.PrimaryErr = err

	resp, err = s.native.Fetch(ctx, u, guard)
	if err != nil {
		res.NativeErr = err
		return res
	}
	res.OK = true
	res.Status = resp.StatusCode
	res.Transport = resp.Transport
	return res
}
