package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskstream/taskstream/internal/common/logger"
	"github.com/taskstream/taskstream/internal/task/dto"
	"github.com/taskstream/taskstream/internal/task/service"
)

// SystemHandlers serves the liveness probe and the operator-initiated
// shutdown endpoint.
type SystemHandlers struct {
	service  *service.Service
	shutdown func()
	logger   *logger.Logger
}

func NewSystemHandlers(svc *service.Service, shutdown func(), log *logger.Logger) *SystemHandlers {
	return &SystemHandlers{
		service:  svc,
		shutdown: shutdown,
		logger:   log.WithFields(zap.String("component", "system-handlers")),
	}
}

func RegisterSystemRoutes(router *gin.Engine, svc *service.Service, shutdown func(), log *logger.Logger) {
	handlers := NewSystemHandlers(svc, shutdown, log)
	router.GET("/health", handlers.httpHealth)
	router.POST("/shutdown", handlers.httpShutdown)
}

func (h *SystemHandlers) httpHealth(c *gin.Context) {
	adm := h.service.Admission()
	c.JSON(http.StatusOK, dto.HealthResponse{
		OK:       true,
		Active:   adm.InUse(),
		Capacity: adm.Capacity(),
	})
}

// httpShutdown acknowledges before triggering so the response beats the
// listener teardown.
func (h *SystemHandlers) httpShutdown(c *gin.Context) {
	h.logger.Info("shutdown requested over HTTP")
	c.JSON(http.StatusOK, dto.ShutdownResponse{ShuttingDown: true})
	if h.shutdown != nil {
		h.shutdown()
	}
}
