package attachments

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskstream/taskstream/internal/common/logger"
	"github.com/taskstream/taskstream/internal/task/models"
)

type Handlers struct {
	service *Service
	logger  *logger.Logger
}

type CleanupResponse struct {
	Deleted int `json:"deleted"`
}

func NewHandlers(svc *Service, log *logger.Logger) *Handlers {
	return &Handlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "attachment-handlers")),
	}
}

func RegisterRoutes(router *gin.Engine, svc *Service, log *logger.Logger) {
	handlers := NewHandlers(svc, log)
	router.POST("/attachments", handlers.httpUpload)
	router.DELETE("/attachments/:thread_id", handlers.httpDeleteThread)
}

// httpUpload accepts a multipart form with a "file" part and a
// "thread_id" field and responds with the stored path and size.
func (h *Handlers) httpUpload(c *gin.Context) {
	threadID := c.PostForm("thread_id")
	if threadID == "" {
		h.renderError(c, models.NewError(models.KindBadRequest, "thread_id form field is required"))
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		h.renderError(c, models.NewError(models.KindBadRequest, "file form field is required"))
		return
	}

	f, err := header.Open()
	if err != nil {
		h.renderError(c, models.WrapError(models.KindInternal, err, "failed to open upload"))
		return
	}
	defer func() {
		_ = f.Close()
	}()

	stored, err := h.service.Save(threadID, header.Filename, f)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, stored)
}

func (h *Handlers) httpDeleteThread(c *gin.Context) {
	deleted, err := h.service.DeleteThread(c.Param("thread_id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, CleanupResponse{Deleted: deleted})
}

func (h *Handlers) renderError(c *gin.Context, err error) {
	kind := models.KindOf(err)
	status := http.StatusBadRequest
	switch kind {
	case models.KindNotFound:
		status = http.StatusNotFound
	case models.KindInternal:
		status = http.StatusInternalServerError
		h.logger.Error("attachment request failed", zap.Error(err))
	}
	c.JSON(status, gin.H{"error": gin.H{
		"kind":    string(kind),
		"message": err.Error(),
	}})
}
