// Package model defines shared types for the proxy.
package model

import (
	"net/http"
	"net/url"
)

// Mode selects which transports a fetch may use.
type Mode int

const (
	// ModeAuto tries the standard client first and falls back to the native one.
	ModeAuto Mode = iota
	// ModeForceNative skips the standard client entirely.
	ModeForceNative
)

// ForceNativeValue is the value of the force query parameter that selects ModeForceNative.
const ForceNativeValue = "native"

// ParseMode maps the force query parameter to a Mode. Unknown values mean ModeAuto.
func ParseMode(force string) Mode {
	if force == ForceNativeValue {
		return ModeForceNative
	}
	return ModeAuto
}

func (m Mode) String() string {
	if m == ModeForceNative {
		return "force_native"
	}
	return "auto"
}

// TargetRequest is the validated target of a single inbound proxy call.
type TargetRequest struct {
	RawURL string
	URL    *url.URL
	Mode   Mode
}

// UpstreamResponse is the fully buffered response of whichever transport succeeded.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Transport  string
}

// ProxyResponse is what the gateway sends back to the caller.
// Location is set for upstream redirects and already points back through the proxy.
type ProxyResponse struct {
	StatusCode  int
	ContentType string
	Location    string
	Body        []byte
	Rewritten   bool
}

// ProbeResult is the outcome of one self-test probe. OK with a nil PrimaryErr
// means the standard client answered; OK with a PrimaryErr means the native
// client recovered.
type ProbeResult struct {
	URL        string
	OK         bool
	Status     int
	Transport  string
	PrimaryErr error
	NativeErr  error
}
