package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"securechat/internal/observability"
	"securechat/internal/ratelimit"
)

// RateLimit rejects requests once the client IP exhausts its bucket for the route.
func RateLimit(limiter ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		key := observability.IPFromRequest(c.Request) + "|" + route
		if !limiter.Allow(c.Request.Context(), key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
