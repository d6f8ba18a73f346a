package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/go-zoox/headers"

	"tareks-proxy/internal/config"
	"tareks-proxy/internal/metrics"
	"tareks-proxy/internal/model"
)

// TLSPolicy controls how far the native client relaxes TLS. The zero value is the
// secure default: verified certificates, TLS 1.2 minimum, no renegotiation.
type TLSPolicy struct {
	// AllowInsecure skips certificate verification.
	AllowInsecure bool
	// AllowLegacyRenegotiation accepts TLS 1.0/1.1, server-initiated renegotiation
	// and RSA key exchange suites for hosts stuck on old stacks.
	AllowLegacyRenegotiation bool
}

// Config builds the tls.Config for one connection to serverName.
func (p TLSPolicy) Config(serverName string) *tls.Config {
	cfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: p.AllowInsecure, //nolint:gosec // opt-in operator toggle
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
	}
	if p.AllowLegacyRenegotiation {
		cfg.MinVersion = tls.VersionTLS10 //nolint:gosec // opt-in operator toggle
		cfg.Renegotiation = tls.RenegotiateFreelyAsClient
		cfg.CipherSuites = legacyCipherSuites()
	}
	return cfg
}

// legacyCipherSuites lists every non-insecure suite usable below TLS 1.3,
// including the RSA key exchange suites dropped from Go's defaults.
func legacyCipherSuites() []uint16 {
	var ids []uint16
	for _, s := range tls.CipherSuites() {
		if slices.ContainsFunc(s.SupportedVersions, func(v uint16) bool { return v < tls.VersionTLS13 }) {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// NativeClient is the fallback transport. It dials a fresh TCP socket, layers TLS
// with its own policy, writes a single HTTP/1.1 GET and reads the response.
// Redirects are not followed.
type NativeClient struct {
	dialer    transport.StreamDialer
	policy    TLSPolicy
	timeout   time.Duration
	userAgent string
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewNativeClient creates a NativeClient from the [native] config section.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewNativeClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *NativeClient {
	timeout := time.Duration(cfg.Native.TimeoutSeconds) * time.Second
	policy := TLSPolicy{
		AllowInsecure:            cfg.Native.AllowInsecure,
		AllowLegacyRenegotiation: cfg.Native.AllowLegacyRenegotiation,
	}
	c := &NativeClient{
		dialer:    &transport.TCPDialer{Dialer: net.Dialer{Timeout: timeout}},
		policy:    policy,
		timeout:   timeout,
		userAgent: cfg.Native.UserAgent,
		logger:    logger.With("component", "native_client"),
		metrics:   m,
	}
	if policy.AllowInsecure || policy.AllowLegacyRenegotiation {
		c.logger.Warn("native client TLS policy relaxed",
			"allow_insecure", policy.AllowInsecure,
			"allow_legacy_renegotiation", policy.AllowLegacyRenegotiation,
		)
	}
	return c
}

// Name implements Transport.
func (c *NativeClient) Name() string { return NameNative }

// Policy returns the TLS policy the client was built with.
func (c *NativeClient) Policy() TLSPolicy { return c.policy }

// Fetch implements Transport. The guard is checked before any socket is opened.
// When the timeout fires the connection is closed and the error wraps ErrTimeout.
func (c *NativeClient) Fetch(ctx context.Context, u *url.URL, guard Guard) (*model.UpstreamResponse, error) {
	if guard != nil && !guard.Allows(u) {
		return nil, fmt.Errorf("native fetch: host %q not allowed", u.Hostname())
	}

	c.logger.Debug("upstream request", "host", u.Host, "path", u.Path)

	start := time.Now()
	resp, err := c.fetch(ctx, u)
	observe(c.metrics, NameNative, start, resp, err)
	return resp, err
}

func (c *NativeClient) fetch(parent context.Context, u *url.URL) (*model.UpstreamResponse, error) {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	addr := hostPort(u)
	conn, err := c.dialer.DialStream(ctx, addr)
	if err != nil {
		return nil, c.wrap(ctx, parent, fmt.Errorf("dial %s: %w", addr, err))
	}
	defer func() { _ = conn.Close() }()

	// Tear the socket down as soon as the deadline passes or the caller goes away.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var rw net.Conn = conn
	if u.Scheme == "https" {
		tlsConn := tls.Client(conn, c.policy.Config(u.Hostname()))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, c.wrap(ctx, parent, fmt.Errorf("tls handshake with %s: %w", addr, err))
		}
		rw = tlsConn
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set(headers.UserAgent, c.userAgent)
	req.Close = true

	if err := req.Write(rw); err != nil {
		return nil, c.wrap(ctx, parent, fmt.Errorf("write request: %w", err))
	}

	resp, err := http.ReadResponse(bufio.NewReader(rw), req)
	if err != nil {
		return nil, c.wrap(ctx, parent, fmt.Errorf("read response: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.wrap(ctx, parent, fmt.Errorf("read upstream body: %w", err))
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Transport:  NameNative,
	}, nil
}

// wrap tags errors caused by the client's own deadline with ErrTimeout. Errors
// caused by the caller canceling parent are returned unchanged.
func (c *NativeClient) wrap(ctx, parent context.Context, err error) error {
	if parent.Err() != nil {
		return errors.Join(err, parent.Err())
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || isNetTimeout(err) {
		return fmt.Errorf("%w after %s: %w", ErrTimeout, c.timeout, err)
	}
	return err
}

func isNetTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// hostPort returns the dial address for u, filling in the scheme's default port.
func hostPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}
