// Package client provides the two upstream transports used by the gateway: the
// standard net/http client and a native raw-socket client with a relaxable TLS policy.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"tareks-proxy/internal/metrics"
	"tareks-proxy/internal/model"
)

// Transport names, also used as metric labels.
const (
	NameStandard = "standard"
	NameNative   = "native"
)

// Error kinds reported by Classify.
const (
	KindTimeout  = "timeout"
	KindRefused  = "refused"
	KindDNS      = "dns"
	KindTLS      = "tls"
	KindCanceled = "canceled"
	KindOther    = "other"
)

// ErrTimeout marks a fetch aborted by the transport's own deadline (ETIMEDOUT).
var ErrTimeout = errors.New("ETIMEDOUT")

// Guard decides whether a URL may be fetched. *allowlist.AllowList implements it.
type Guard interface {
	Allows(u *url.URL) bool
}

// Transport fetches a single URL and buffers the whole response.
type Transport interface {
	Name() string
	Fetch(ctx context.Context, u *url.URL, guard Guard) (*model.UpstreamResponse, error)
}

// Classify maps a transport error onto a small set of kinds so operators can tell
// slow upstreams from blocked ones.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNS
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindRefused
	}
	if isTLSError(err) {
		return KindTLS
	}
	return KindOther
}

func isTLSError(err error) bool {
	var (
		verifyErr    *tls.CertificateVerificationError
		recordErr    tls.RecordHeaderError
		alertErr     tls.AlertError
		authorityErr x509.UnknownAuthorityError
		hostErr      x509.HostnameError
		invalidErr   x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &verifyErr), errors.As(err, &recordErr), errors.As(err, &alertErr),
		errors.As(err, &authorityErr), errors.As(err, &hostErr), errors.As(err, &invalidErr):
		return true
	}
	return strings.Contains(err.Error(), "tls:")
}

// observe records the outcome of one fetch. m may be nil.
func observe(m *metrics.Metrics, transport string, start time.Time, resp *model.UpstreamResponse, err error) {
	if m == nil {
		return
	}
	m.UpstreamDuration.WithLabelValues(transport).Observe(time.Since(start).Seconds())
	if err != nil {
		m.UpstreamErrors.WithLabelValues(transport, Classify(err)).Inc()
		return
	}
	m.UpstreamResponses.WithLabelValues(transport, strconv.Itoa(resp.StatusCode)).Inc()
}
