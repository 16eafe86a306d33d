// Package security provides response hardening and CORS middleware for the API.
package security

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/blocki/blocki/internal/auth"
)

// The API serves JSON and WebSocket only, so the content policy forbids
// everything else.
const contentPolicy = "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'"

// HeaderOptions tunes HeadersMiddleware.
type HeaderOptions struct {
	// HSTSMaxAge sets Strict-Transport-Security when positive. Only enable
	// it where the API is reached over TLS.
	HSTSMaxAge int
}

// HeadersMiddleware adds security headers to all responses.
func HeadersMiddleware(opts HeaderOptions) gin.HandlerFunc {
	fixed := [][2]string{
		{"X-Content-Type-Options", "nosniff"},
		{"X-Frame-Options", "DENY"},
		{"Referrer-Policy", "no-referrer"},
		{"Content-Security-Policy", contentPolicy},
		{"Cross-Origin-Resource-Policy", "same-site"},
		{"Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()"},
		{"Cache-Control", "no-store"},
	}
	if opts.HSTSMaxAge > 0 {
		fixed = append(fixed, [2]string{
			"Strict-Transport-Security",
			"max-age=" + strconv.Itoa(opts.HSTSMaxAge) + "; includeSubDomains",
		})
	}

	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range fixed {
			h.Set(kv[0], kv[1])
		}
		c.Next()
	}
}

// Headers a browser client must be allowed to send: the signed-request pair
// plus request correlation.
var allowedHeaders = strings.Join([]string{
	"Content-Type",
	"X-Request-ID",
	auth.HeaderSignature,
	auth.HeaderTimestamp,
}, ", ")

// Headers a browser client may read from responses.
var exposedHeaders = strings.Join([]string{
	"X-Request-ID",
	"Retry-After",
}, ", ")

// CORSMiddleware handles CORS for API endpoints. An empty list, or one
// containing "*", allows any origin without credentials.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	open := len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		preflight := c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != ""

		if origin != "" && (open || slices.Contains(allowedOrigins, origin)) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Expose-Headers", exposedHeaders)
			if !open {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			if preflight {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", allowedHeaders)
				h.Set("Access-Control-Max-Age", "86400")
			}
		}

		if preflight {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
