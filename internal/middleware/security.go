package middleware

import (
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that strips hop-by-hop request headers
// and sets nosniff plus the given X-Frame-Options value on every response.
// Proxied pages are framed by the portal, so frameOptions is usually SAMEORIGIN.
func SecurityHeaders(frameOptions string) echo.MiddlewareFunc {
	if frameOptions == "" {
		frameOptions = "SAMEORIGIN"
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			// Set before the handler writes; headers added after the body are lost.
			c.Response().Header().Set(echo.HeaderXContentTypeOptions, "nosniff")
			c.Response().Header().Set(echo.HeaderXFrameOptions, frameOptions)

			return next(c)
		}
	}
}
