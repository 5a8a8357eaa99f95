package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/taskstream/taskstream/internal/common/logger"
	"go.uber.org/zap"
)

// RequestLogger logs each HTTP request after its handler completes.
// Health and metrics probes are skipped, and stream reconnects record
// the Last-Event-ID cursor they resumed from.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if path == "/health" || path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int("bytes", size),
		}
		if cursor := c.GetHeader("Last-Event-ID"); cursor != "" {
			fields = append(fields, zap.String("last_event_id", cursor))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		if status >= 500 {
			log.Error("http", fields...)
		} else {
			log.Debug("http", fields...)
		}
	}
}
