// Package rewrite makes a third-party HTML page embeddable behind the proxy.
//
// Two engines are provided. Regex works on raw text and is the default; DOM parses
// the document with goquery. Both apply the same three steps in order:
// base-tag injection, CSP meta removal, and allow-listed link rewriting.
package rewrite

import (
	"regexp"
	"strings"
	"sync"

	"tareks-proxy/internal/model"
)

// Options describes one rewrite.
type Options struct {
	// Origin of the fetched page, e.g. "https://eortak.dtm.gov.tr".
	Origin string
	// Hosts whose absolute URLs are routed back through the proxy.
	Hosts []string
	// ProxyPath is the same-origin proxy route, e.g. "/api/proxy".
	ProxyPath string
	// Mode of the current request; ModeForceNative is carried onto rewritten links.
	Mode model.Mode
}

// Rewriter transforms an HTML document.
type Rewriter interface {
	Name() string
	Rewrite(body string, opts Options) (string, error)
}

var (
	headTagPattern = regexp.MustCompile(`(?i)<head(?:\s[^>]*)?>`)
	cspMetaPattern = regexp.MustCompile(`(?i)<meta[^>]+http-equiv=["']?content-security-policy["']?[^>]*>`)
)

// BaseTag returns the tag injected for origin.
func BaseTag(origin string) string {
	return `<base href="` + origin + `" />`
}

// InjectBase inserts the base tag as the first child of <head>, or prepends it to
// the document when there is no <head>. A body already carrying the tag is unchanged.
func InjectBase(body, origin string) string {
	tag := BaseTag(origin)
	if loc := headTagPattern.FindStringIndex(body); loc != nil {
		if strings.HasPrefix(body[loc[1]:], "\n    "+tag) {
			return body
		}
		return body[:loc[1]] + "\n    " + tag + body[loc[1]:]
	}
	if strings.HasPrefix(body, tag+"\n") {
		return body
	}
	return tag + "\n" + body
}

// StripCSPMeta removes every <meta http-equiv="content-security-policy"> tag.
func StripCSPMeta(body string) string {
	return cspMetaPattern.ReplaceAllString(body, "")
}

// RewriteLinks routes every absolute http(s) URL on an allow-listed host through the proxy.
// Matching is case-insensitive and not anchored to attributes: URLs inside scripts,
// comments and plain text are rewritten as well. The injected base tag for
// opts.Origin is left as is so relative URLs keep resolving against the origin.
func RewriteLinks(body string, opts Options) string {
	if opts.Origin == "" {
		return rewriteLinks(body, opts)
	}
	tag := BaseTag(opts.Origin)
	parts := strings.Split(body, tag)
	for i, p := range parts {
		parts[i] = rewriteLinks(p, opts)
	}
	return strings.Join(parts, tag)
}

func rewriteLinks(body string, opts Options) string {
	for _, host := range opts.Hosts {
		re := hostPattern(host)
		body = re.ReplaceAllStringFunc(body, func(m string) string {
			rest := re.FindStringSubmatch(m)[1]
			return ProxyURL(opts.ProxyPath, "https://"+host+rest, opts.Mode)
		})
	}
	return body
}

// hostPatterns caches the compiled link pattern per allow-listed host.
var hostPatterns sync.Map

func hostPattern(host string) *regexp.Regexp {
	if re, ok := hostPatterns.Load(host); ok {
		return re.(*regexp.Regexp)
	}
	re := regexp.MustCompile(`(?i)https?://` + regexp.QuoteMeta(host) + `([^"'<>\s]*)`)
	actual, _ := hostPatterns.LoadOrStore(host, re)
	return actual.(*regexp.Regexp)
}

// ProxyURL builds the same-origin proxy link for target.
func ProxyURL(proxyPath, target string, mode model.Mode) string {
	u := proxyPath + "?url=" + EncodeURIComponent(target)
	if mode == model.ModeForceNative {
		u += "&force=" + model.ForceNativeValue
	}
	return u
}

// HTML runs the full regex pipeline. It is a pure function of its inputs.
func HTML(body string, opts Options) string {
	body = InjectBase(body, opts.Origin)
	body = StripCSPMeta(body)
	return RewriteLinks(body, opts)
}

// Regex is the text-based engine.
type Regex struct{}

// Name implements Rewriter.
func (Regex) Name() string { return "regex" }

// Rewrite implements Rewriter. It never fails.
func (Regex) Rewrite(body string, opts Options) (string, error) {
	return HTML(body, opts), nil
}

// EncodeURIComponent escapes s the way browsers' encodeURIComponent does:
// everything except A-Z a-z 0-9 - _ . ! ~ * ' ( ) is percent-encoded as UTF-8.
func EncodeURIComponent(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s) * 3)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("-_.!~*'()", c) >= 0
}

// New returns the engine registered under name, defaulting to Regex.
func New(name string) Rewriter {
	if name == (DOM{}).Name() {
		return DOM{}
	}
	return Regex{}
}
