// Package security provides response-hardening and CORS middleware for the
// registry API.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/magic8ball/internal/auth"
	"github.com/mbd888/magic8ball/internal/logging"
)

// ContentSecurityPolicy allows nothing to render; browsers may only open
// API and WebSocket connections back to this origin.
const ContentSecurityPolicy = "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'"

// HeadersMiddleware adds security headers to all responses. Responses carry
// balances and signed-request results, so nothing is cached.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", ContentSecurityPolicy)
		h.Set("Cache-Control", "no-store")
		c.Next()
	}
}

var (
	// AllowedHeaders lists the request headers browsers may send: the
	// signed-request headers plus content type and request id.
	AllowedHeaders = strings.Join([]string{
		"Content-Type",
		logging.RequestIDHeader,
		auth.HeaderAddress,
		auth.HeaderTimestamp,
		auth.HeaderNonce,
		auth.HeaderSignature,
	}, ", ")

	// ExposedHeaders are readable by browser clients: the request id for
	// support and Retry-After on 429/503.
	ExposedHeaders = strings.Join([]string{logging.RequestIDHeader, "Retry-After"}, ", ")

	// AllowedMethods covers every route the API registers.
	AllowedMethods = "GET, POST, DELETE, OPTIONS"
)

// CORSMiddleware answers preflights and tags responses for allowed origins.
// "*" allows any origin and an empty list allows none; credentials are only
// advertised for an explicit list. Preflights from other origins get 403.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	var allowAny bool
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAny = true
		}
		origins[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		allowed := origin != "" && (allowAny || origins[origin])

		if allowed {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", AllowedMethods)
			h.Set("Access-Control-Allow-Headers", AllowedHeaders)
			h.Set("Access-Control-Expose-Headers", ExposedHeaders)
			h.Set("Access-Control-Max-Age", "86400")
			if !allowAny {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			if origin != "" && !allowed {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "origin_not_allowed",
					"message": "Origin is not allowed",
				})
				return
			}
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
