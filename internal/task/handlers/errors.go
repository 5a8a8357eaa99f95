package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskstream/taskstream/internal/common/logger"
	"github.com/taskstream/taskstream/internal/task/models"
)

// statusFor maps an error kind to its HTTP status code.
func statusFor(kind models.Kind) int {
	switch kind {
	case models.KindConflict, models.KindNotRunning:
		return http.StatusConflict
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindRateLimited:
		return http.StatusTooManyRequests
	case models.KindBadRequest:
		return http.StatusBadRequest
	case models.KindUnauthenticated:
		return http.StatusUnauthorized
	case models.KindForbidden:
		return http.StatusForbidden
	case models.KindCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// renderError writes the error body {"error": {"kind", "message"}} with
// the status code derived from the error's kind.
func renderError(c *gin.Context, log *logger.Logger, err error) {
	kind := models.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": gin.H{
		"kind":    string(kind),
		"message": err.Error(),
	}})
}
