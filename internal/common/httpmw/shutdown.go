package httpmw

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

// ShutdownGuard rejects new requests with 503 once graceful shutdown
// has begun. Health and metrics stay reachable so orchestrators can
// watch the drain.
type ShutdownGuard struct {
	draining atomic.Bool
}

// Trip marks the server as draining. Idempotent.
func (g *ShutdownGuard) Trip() {
	g.draining.Store(true)
}

// Middleware returns the gin handler enforcing the guard.
func (g *ShutdownGuard) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.draining.Load() {
			c.Next()
			return
		}
		path := c.FullPath()
		if path == "/health" || path == "/metrics" {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error": gin.H{"kind": "cancelled", "message": "server is shutting down"},
		})
	}
}
