// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec
	Fallbacks         prometheus.Counter
	Rewrites          *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tareks_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tareks_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tareks_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tareks_proxy_upstream_request_duration_seconds",
			Help:    "Upstream fetch latency in seconds by transport.",
			Buckets: defaultBuckets,
		}, []string{"transport"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tareks_proxy_upstream_responses_total",
			Help: "Total upstream responses by transport and status code.",
		}, []string{"transport", "status_code"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tareks_proxy_upstream_errors_total",
			Help: "Total failed upstream fetches by transport and error kind.",
		}, []string{"transport", "kind"}),

		Fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tareks_proxy_native_fallbacks_total",
			Help: "Times the native client was tried after the standard client failed.",
		}),

		Rewrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tareks_proxy_html_rewrites_total",
			Help: "Total HTML documents rewritten by engine.",
		}, []string{"engine"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
		m.Fallbacks,
		m.Rewrites,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// PathNormalizer maps request paths onto a bounded set of prefixes.
type PathNormalizer struct {
	prefixes []string
}

// NewPathNormalizer returns a normalizer for the given prefixes. Longer prefixes are
// matched first so "/api/proxy/test" wins over "/api/proxy".
func NewPathNormalizer(prefixes ...string) *PathNormalizer {
	p := slices.Clone(prefixes)
	slices.SortStableFunc(p, func(a, b string) int { return len(b) - len(a) })
	return &PathNormalizer{prefixes: p}
}

// Normalize returns a bounded path label for Prometheus metrics.
func (n *PathNormalizer) Normalize(path string) string {
	for _, prefix := range n.prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
