package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tareks-proxy/internal/client"
	"tareks-proxy/internal/config"
	"tareks-proxy/internal/metrics"
	"tareks-proxy/internal/model"
)

// fakeTransport records every call and replays a canned outcome per host.
type fakeTransport struct {
	name string

	mu    sync.Mutex
	calls []string
	resp  map[string]*model.UpstreamResponse
	err   map[string]error
}

func newFake(name string) *fakeTransport {
	return &fakeTransport{
		name: name,
		resp: make(map[string]*model.UpstreamResponse),
		err:  make(map[string]error),
	}
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Fetch(_ context.Context, u *url.URL, guard client.Guard) (*model.UpstreamResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, u.String())

	if guard != nil && !guard.Allows(u) {
		return nil, errors.New("guard rejected " + u.Hostname())
	}
	if err, ok := f.err[u.Hostname()]; ok {
		return nil, err
	}
	if resp, ok := f.resp[u.Hostname()]; ok {
		out := *resp
		out.Transport = f.name
		return &out, nil
	}
	return nil, errors.New("no canned response for " + u.Hostname())
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func htmlResponse(body string) *model.UpstreamResponse {
	return &model.UpstreamResponse{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:       []byte(body),
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: config.EnvDevelopment,
		Proxy: config.ProxyConfig{
			Route:        "/api/proxy",
			AllowedHosts: []string{"eortak.dtm.gov.tr", "giris.turkiye.gov.tr"},
			ProbeURLs:    []string{"https://example.com", "https://eortak.dtm.gov.tr"},
		},
		Rewrite: config.RewriteConfig{Engine: config.EngineRegex},
	}
}

func newTestService(t *testing.T, cfg *config.Config) (*ProxyService, *fakeTransport, *fakeTransport, *metrics.Metrics) {
	t.Helper()
	primary := newFake(client.NameStandard)
	native := newFake(client.NameNative)
	m := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProxyServiceWithTransports(cfg, primary, native, logger, m), primary, native, m
}

func TestProxy_MissingURL(t *testing.T) {
	svc, primary, native, _ := newTestService(t, testConfig())

	for _, raw := range []string{"", "   "} {
		_, err := svc.Proxy(context.Background(), raw, "")
		assert.ErrorIs(t, err, ErrMissingURL)
	}
	assert.Zero(t, primary.callCount())
	assert.Zero(t, native.callCount())
}

func TestProxy_InvalidURL(t *testing.T) {
	svc, primary, native, _ := newTestService(t, testConfig())

	for _, raw := range []string{"not a url", "/relative/path", "ftp://eortak.dtm.gov.tr/x", "https://", "%zz"} {
		t.Run(raw, func(t *testing.T) {
			_, err := svc.Proxy(context.Background(), raw, "")
			assert.ErrorIs(t, err, ErrInvalidURL)
		})
	}
	assert.Zero(t, primary.callCount())
	assert.Zero(t, native.callCount())
}

func TestProxy_HostNotAllowedMakesNoCalls(t *testing.T) {
	svc, primary, native, _ := newTestService(t, testConfig())

	for _, raw := range []string{
		"https://evil.example/",
		"https://eortak.dtm.gov.tr.evil.example/",
		"https://sub.eortak.dtm.gov.tr/",
		"http://127.0.0.1/",
	} {
		for _, force := range []string{"", "native"} {
			_, err := svc.Proxy(context.Background(), raw, force)
			assert.ErrorIs(t, err, ErrHostNotAllowed, raw)
		}
	}
	assert.Zero(t, primary.callCount())
	assert.Zero(t, native.callCount())
}

func TestProxy_HostMatchIsCaseInsensitiveViaParsing(t *testing.T) {
	svc, primary, _, _ := newTestService(t, testConfig())
	primary.resp["eortak.dtm.gov.tr"] = htmlResponse("<html></html>")

	_, err := svc.Proxy(context.Background(), "https://EORTAK.dtm.gov.tr/", "")
	require.NoError(t, err)
}

func TestProxy_BinaryPassthrough(t *testing.T) {
	svc, primary, native, _ := newTestService(t, testConfig())
	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0xff}
	primary.resp["eortak.dtm.gov.tr"] = &model.UpstreamResponse{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"image/png"}, "X-Frame-Options": {"DENY"}},
		Body:       png,
	}

	resp, err := svc.Proxy(context.Background(), "https://eortak.dtm.gov.tr/logo.png", "")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.ContentType)
	assert.Equal(t, png, resp.Body)
	assert.False(t, resp.Rewritten)
	assert.Zero(t, native.callCount())
}

func TestProxy_MissingContentTypeIsOctetStream(t *testing.T) {
	svc, primary, _, _ := newTestService(t, testConfig())
	primary.resp["eortak.dtm.gov.tr"] = &model.UpstreamResponse{StatusCode: http.StatusOK, Body: []byte("raw")}

	resp, err := svc.Proxy(context.Background(), "https://eortak.dtm.gov.tr/blob", "")
	require.NoError(t, err)

	assert.Equal(t, "application/octet-stream", resp.ContentType)
	assert.Equal(t, []byte("raw"), resp.Body)
}

func TestProxy_RewritesHTML(t *testing.T) {
	svc, primary, _, m := newTestService(t, testConfig())
	primary.resp["eortak.dtm.gov.tr"] = htmlResponse(
		`<html><head class="x"><meta http-equiv="Content-Security-Policy" content="default-src 'none'"><title>T</title></head>` +
			`<body><a href="https://eortak.dtm.gov.tr/some/path?x=1">go</a></body></html>`)

	resp, err := svc.Proxy(context.Background(), "https://eortak.dtm.gov.tr/index", "")
	require.NoError(t, err)

	body := string(resp.Body)
	assert.True(t, resp.Rewritten)
	assert.Equal(t, "text/html; charset=utf-8", resp.ContentType)
	assert.Contains(t, body, `<head class="x">`+"\n    "+`<base href="https://eortak.dtm.gov.tr" />`)
	assert.NotContains(t, strings.ToLower(body), "content-security-policy")
	assert.Contains(t, body, `/api/proxy?url=https%3A%2F%2Feortak.dtm.gov.tr%2Fsome%2Fpath%3Fx%3D1"`)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rewrites.WithLabelValues("regex")))
}

func TestProxy_DecodesLegacyCharset(t *testing.T) {
	svc, primary, _, _ := newTestService(t, testConfig())
	// "ş" in windows-1254 is 0xFE.
	primary.resp["eortak.dtm.gov.tr"] = &model.UpstreamResponse{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/html; charset=windows-1254"}},
		Body:       []byte("<html><head></head><body>i\xfelem</body></html>"),
	}

	resp, err := svc.Proxy(context.Background(), "https://eortak.dtm.gov.tr/", "")
	require.NoError(t, err)
	assert.Contains(t, string(resp.Body), "işlem")
}

func TestProxy_KeepsUTF8WithoutDeclaredCharset(t *testing.T) {
	svc, primary, _, _ := newTestService(t, testConfig())
	body := "<html><head><title>T</title></head><body>" + strings.Repeat("a", 1100) + " işlem</body></html>"
	primary.resp["eortak.dtm.gov.tr"] = &model.UpstreamResponse{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/html"}},
		Body:       []byte(body),
	}

	resp, err := svc.Proxy(context.Background(), "https://eortak.dtm.gov.tr/", "")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(resp.Body), " işlem</body></html>"), "UTF-8 text past the sniff window must survive")
}

func TestProxy_DecodesMetaDeclaredCharset(t *testing.T) {
	svc, primary, _, _ := newTestService(t, testConfig())
	primary.resp["eortak.dtm.gov.tr"] = &model.UpstreamResponse{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/html"}},
		Body:       []byte(`<html><head><meta charset="windows-1254"></head><body>i` + "\xfe" + `lem</body></html>`),
	}

	resp, err := svc.Proxy(context.Background(), "https://eortak.dtm.gov.tr/", "")
	require.NoError(t, err)
	assert.Contains(t, string(resp.Body), "işlem")
}

func TestProxy_BaseOmitsDefaultPort(t *testing.T) {
	svc, primary, _, _ := newTestService(t, testConfig())
	primary.resp["eortak.dtm.gov.tr"] = htmlResponse("<html><head></head></html>")

	tests := map[string]string{
		"https://eortak.dtm.gov.tr:443/a": `<base href="https://eortak.dtm.gov.tr" />`,
		"http://eortak.dtm.gov.tr:80/a":   `<base href="http://eortak.dtm.gov.tr" />`,
	}
	for raw, want := range tests {
		resp, err := svc.Proxy(context.Background(), raw, "")
		require.NoError(t, err)
		assert.Contains(t, string(resp.Body), want, raw)
	}

	resp, err := svc.Proxy(context.Background(), "https://eortak.dtm.gov.tr:8443/a", "")
	require.NoError(t, err)
	assert.Contains(t, string(resp.Body), `<base href="https://eortak.dtm.gov.tr:8443" />`)
}

func TestProxy_RedirectRoutedThroughProxy(t *testing.T) {
	svc, _, native, _ := newTestService(t, testConfig())
	native.resp["eortak.dtm.gov.tr"] = &model.UpstreamResponse{
		StatusCode: http.StatusFound,
		Header:     http.Header{"Location": {"/login?x=1"}},
	}

	resp, err := svc.Proxy(context.Background(), "https://eortak.dtm.gov.tr/start", "native")
	require.NoError(t, err)

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/api/proxy?url=https%3A%2F%2Feortak.dtm.gov.tr%2Flogin%3Fx%3D1&force=native", resp.Location)
}

func TestProxy_RedirectOffAllowListRefused(t *testing.T) {
	svc, primary, _, _ := newTestService(t, testConfig())
	primary.resp["eortak.dtm.gov.tr"] = &model.UpstreamResponse{
		StatusCode: http.StatusFound,
		Header:     http.Header{"Location": {"https://evil.example/phish"}},
	}

	_, err := svc.Proxy(context.Background(), "https://eortak.dtm.gov.tr/", "")
	assert.ErrorIs(t, err, ErrHostNotAllowed)
}

func TestProxy_LocationIgnoredOutsideRedirects(t *testing.T) {
	svc, primary, _, _ := newTestService(t, testConfig())
	primary.resp["eortak.dtm.gov.tr"] = &model.UpstreamResponse{
		StatusCode: http.StatusCreated,
		Header:     http.Header{"Location": {"https://evil.example/"}, "Content-Type": {"text/plain"}},
	}

	resp, err := svc.Proxy(context.Background(), "https://eortak.dtm.gov.tr/", "")
	require.NoError(t, err)
	assert.Empty(t, resp.Location)
}

func TestProxy_PassesUpstreamStatus(t *testing.T) {
	svc, primary, _, _ := newTestService(t, testConfig())
	nf := htmlResponse("<html><head></head>missing</html>")
	nf.StatusCode = http.StatusNotFound
	primary.resp["eortak.dtm.gov.tr"] = nf

	resp, err := svc.Proxy(context.Background(), "https://eortak.dtm.gov.tr/nope", "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProxy_FallsBackToNative(t *testing.T) {
	svc, primary, native, m := newTestService(t, testConfig())
	primary.err["eortak.dtm.gov.tr"] = errors.New("remote error: tls: handshake failure")
	native.resp["eortak.dtm.gov.tr"] = htmlResponse("<html><head></head>ok</html>")

	resp, err := svc.Proxy(context.Background(), "https://eortak.dtm.gov.tr/", "")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, primary.callCount())
	assert.Equal(t, 1, native.callCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Fallbacks))
}

func TestProxy_BothFail(t *testing.T) {
	svc, primary, native, _ := newTestService(t, testConfig())
	primary.err["eortak.dtm.gov.tr"] = errors.New("tls: handshake failure")
	native.err["eortak.dtm.gov.tr"] = client.ErrTimeout

	_, err := svc.Proxy(context.Background(), "https://eortak.dtm.gov.tr/", "")
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, err.Error(), "primary: tls: handshake failure")
	assert.Contains(t, err.Error(), "native: ETIMEDOUT")
	assert.ErrorIs(t, err, client.ErrTimeout)
	assert.Equal(t, 1, native.callCount())
}

func TestProxy_ForceNativeSkipsPrimary(t *testing.T) {
	svc, primary, native, m := newTestService(t, testConfig())
	primary.resp["eortak.dtm.gov.tr"] = htmlResponse("<html><head></head>primary</html>")
	native.resp["eortak.dtm.gov.tr"] = htmlResponse(
		`<html><head></head><a href="https://giris.turkiye.gov.tr/login">in</a></html>`)

	resp, err := svc.Proxy(context.Background(), "https://eortak.dtm.gov.tr/", "native")
	require.NoError(t, err)

	assert.Zero(t, primary.callCount())
	assert.Equal(t, 1, native.callCount())
	assert.Contains(t, string(resp.Body), "/api/proxy?url=https%3A%2F%2Fgiris.turkiye.gov.tr%2Flogin&force=native")
	assert.Zero(t, testutil.ToFloat64(m.Fallbacks))
}

func TestProxy_ForceNativeFailureHasNoPrimary(t *testing.T) {
	svc, primary, native, _ := newTestService(t, testConfig())
	native.err["eortak.dtm.gov.tr"] = errors.New("connection refused")

	_, err := svc.Proxy(context.Background(), "https://eortak.dtm.gov.tr/", "native")

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Nil(t, fe.Primary)
	assert.Equal(t, "native: connection refused", err.Error())
	assert.Zero(t, primary.callCount())
}

func TestProxy_UnknownForceValueIsAuto(t *testing.T) {
	svc, primary, _, _ := newTestService(t, testConfig())
	primary.resp["eortak.dtm.gov.tr"] = htmlResponse("<html><head></head></html>")

	_, err := svc.Proxy(context.Background(), "https://eortak.dtm.gov.tr/", "standard")
	require.NoError(t, err)
	assert.Equal(t, 1, primary.callCount())
}

func TestProxy_CanceledSkipsFallback(t *testing.T) {
	svc, primary, native, _ := newTestService(t, testConfig())
	primary.err["eortak.dtm.gov.tr"] = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Proxy(ctx, "https://eortak.dtm.gov.tr/", "")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, primary.callCount())
	assert.Zero(t, native.callCount())
}

func TestProxy_DOMEngine(t *testing.T) {
	cfg := testConfig()
	cfg.Rewrite.Engine = config.EngineDOM
	svc, primary, _, m := newTestService(t, cfg)
	primary.resp["eortak.dtm.gov.tr"] = htmlResponse(`<html><head><title>x</title></head><body></body></html>`)

	resp, err := svc.Proxy(context.Background(), "https://eortak.dtm.gov.tr/", "")
	require.NoError(t, err)

	assert.Contains(t, string(resp.Body), `<head><base href="https://eortak.dtm.gov.tr"/>`)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rewrites.WithLabelValues("dom")))
}

func TestSelfTest(t *testing.T) {
	svc, primary, native, _ := newTestService(t, testConfig())
	primary.resp["example.com"] = &model.UpstreamResponse{StatusCode: http.StatusOK}
	primary.err["eortak.dtm.gov.tr"] = errors.New("tls: handshake failure")
	native.resp["eortak.dtm.gov.tr"] = &model.UpstreamResponse{StatusCode: http.StatusFound}

	results := svc.SelfTest(context.Background())
	require.Len(t, results, 2)

	assert.Equal(t, "https://example.com", results[0].URL)
	assert.True(t, results[0].OK)
	assert.Equal(t, http.StatusOK, results[0].Status)
	assert.Equal(t, client.NameStandard, results[0].Transport)
	assert.NoError(t, results[0].PrimaryErr)

	assert.True(t, results[1].OK)
	assert.Equal(t, http.StatusFound, results[1].Status)
	assert.Equal(t, client.NameNative, results[1].Transport)
	assert.Error(t, results[1].PrimaryErr)
}

func TestSelfTest_ReportsBothErrors(t *testing.T) {
	svc, primary, native, _ := newTestService(t, testConfig())
	primary.resp["example.com"] = &model.UpstreamResponse{StatusCode: http.StatusServiceUnavailable}
	primary.err["eortak.dtm.gov.tr"] = errors.New("dial tcp: lookup eortak.dtm.gov.tr: no such host")
	native.err["eortak.dtm.gov.tr"] = errors.New("dial tcp: lookup eortak.dtm.gov.tr: no such host")

	results := svc.SelfTest(context.Background())
	require.Len(t, results, 2)

	assert.False(t, results[0].OK, "non-2xx primary response is not ok")
	assert.Equal(t, http.StatusServiceUnavailable, results[0].Status)

	assert.False(t, results[1].OK)
	assert.Error(t, results[1].PrimaryErr)
	assert.Error(t, results[1].NativeErr)
	assert.Equal(t, 1, native.callCount())
}

func TestSelfTest_GuardCoversProbeHostsOnly(t *testing.T) {
	svc, primary, _, _ := newTestService(t, testConfig())
	primary.resp["example.com"] = &model.UpstreamResponse{StatusCode: http.StatusOK}
	primary.resp["eortak.dtm.gov.tr"] = &model.UpstreamResponse{StatusCode: http.StatusOK}

	results := svc.SelfTest(context.Background())
	for _, r := range results {
		assert.True(t, r.OK, r.URL)
	}
	// example.com is not a proxy target even though it is probed.
	_, err := svc.Proxy(context.Background(), "https://example.com/", "")
	assert.ErrorIs(t, err, ErrHostNotAllowed)
}

func TestFetchError_Unwrap(t *testing.T) {
	primaryErr := errors.New("p")
	fe := &FetchError{Primary: primaryErr, Secondary: client.ErrTimeout}

	assert.ErrorIs(t, fe, primaryErr)
	assert.ErrorIs(t, fe, client.ErrTimeout)
	assert.Len(t, (&FetchError{Secondary: client.ErrTimeout}).Unwrap(), 1)
}
