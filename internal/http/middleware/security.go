// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides SecurityHeaders, a hardening middleware for a JSON API
// behind a reverse proxy: baseline browser headers, opt-in HSTS, and cache
// directives. Webhook acknowledgements are never cacheable; execution reads
// may be cached but must be revalidated so the weak ETag drives polling.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// SecurityOptions configures SecurityHeaders.
//
// HSTS is only sent on HTTPS requests and only when EnableHSTS is set; enable
// it when traffic is HTTPS end-to-end. HSTSMaxAge defaults to 180 days.
//
// Requests whose path starts with one of NoStorePrefixes get
// Cache-Control: no-store. GET requests under RevalidatePrefix get
// Cache-Control: private, no-cache.
type SecurityOptions struct {
	EnableHSTS       bool
	HSTSMaxAge       time.Duration
	NoStorePrefixes  []string
	RevalidatePrefix string
}

// SecurityHeaders returns a Gin middleware that adds the configured headers
// before the handler runs.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := int(opt.HSTSMaxAge.Seconds())
	if maxAge <= 0 {
		maxAge = int((180 * 24 * time.Hour).Seconds())
	}
	hsts := "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains"

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		path := c.Request.URL.Path
		switch {
		case hasAnyPrefix(path, opt.NoStorePrefixes):
			h.Set("Cache-Control", "no-store")
		case opt.RevalidatePrefix != "" && c.Request.Method == http.MethodGet && strings.HasPrefix(path, opt.RevalidatePrefix):
			h.Set("Cache-Control", "private, no-cache")
		}

		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}

		// Let browser observers read the correlation id.
		if h.Get("X-Request-ID") != "" {
			const hdr = "Access-Control-Expose-Headers"
			if cur := h.Get(hdr); cur == "" {
				h.Set(hdr, "X-Request-ID, ETag")
			} else if !strings.Contains(cur, "X-Request-ID") {
				h.Set(hdr, cur+", X-Request-ID")
			}
		}

		c.Next()
	}
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// isHTTPS reports whether the request used HTTPS directly or via a proxy
// that set X-Forwarded-Proto: https.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
