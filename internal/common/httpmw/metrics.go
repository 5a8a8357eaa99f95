package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taskstream/taskstream/internal/common/metrics"
)

// Metrics records a duration histogram sample per request, labeled by
// method and route template.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequestDuration.
			WithLabelValues(c.Request.Method, path).
			Observe(time.Since(start).Seconds())
	}
}
