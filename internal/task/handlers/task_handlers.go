package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskstream/taskstream/internal/common/logger"
	"github.com/taskstream/taskstream/internal/task/dto"
	"github.com/taskstream/taskstream/internal/task/models"
	"github.com/taskstream/taskstream/internal/task/service"
)

type TaskHandlers struct {
	service *service.Service
	logger  *logger.Logger
}

func NewTaskHandlers(svc *service.Service, log *logger.Logger) *TaskHandlers {
	return &TaskHandlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "task-handlers")),
	}
}

func RegisterTaskRoutes(router *gin.Engine, svc *service.Service, log *logger.Logger) {
	handlers := NewTaskHandlers(svc, log)
	handlers.registerHTTP(router)
}

func (h *TaskHandlers) registerHTTP(router *gin.Engine) {
	router.POST("/execute", h.httpExecute)
	router.GET("/tasks", h.httpListTasks)
	router.GET("/tasks/:client/:req", h.httpGetTask)
	router.GET("/tasks/:client/:req/reconnect", h.httpReconnect)
	router.POST("/tasks/:client/:req/ack", h.httpAck)
	router.POST("/tasks/:client/:req/intervene", h.httpIntervene)
	router.POST("/sessions/:session/intervene", h.httpInterveneSession)
}

// httpExecute creates the task and immediately streams its events. The
// 202 goes out with the stream headers; a disconnecting client does not
// cancel the execution.
func (h *TaskHandlers) httpExecute(c *gin.Context) {
	var req dto.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, h.logger, models.NewError(models.KindBadRequest, "invalid payload"))
		return
	}

	task, err := h.service.Create(c.Request.Context(), service.CreateTaskRequest{
		ClientID:        req.ClientID,
		RequestID:       req.RequestID,
		Prompt:          req.Prompt,
		ResumeSessionID: req.ResumeSessionID,
		AllowedTools:    req.AllowedTools,
		DisallowedTools: req.DisallowedTools,
		UseMCP:          req.UseMCP,
	})
	if err != nil {
		renderError(c, h.logger, err)
		return
	}

	h.streamTask(c, task.ClientID, task.RequestID, 0, http.StatusAccepted, false)
}

func (h *TaskHandlers) httpListTasks(c *gin.Context) {
	clientID := c.Query("client_id")
	if clientID == "" {
		renderError(c, h.logger, models.NewError(models.KindBadRequest, "client_id query parameter is required"))
		return
	}

	tasks := h.service.ListByClient(clientID)
	taskDTOs := make([]dto.TaskDTO, 0, len(tasks))
	for _, task := range tasks {
		taskDTOs = append(taskDTOs, dto.FromTask(task))
	}
	c.JSON(http.StatusOK, dto.ListTasksResponse{
		Tasks: taskDTOs,
		Total: len(tasks),
	})
}

func (h *TaskHandlers) httpGetTask(c *gin.Context) {
	task, err := h.service.Get(c.Param("client"), c.Param("req"))
	if err != nil {
		renderError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromTask(task))
}

func (h *TaskHandlers) httpAck(c *gin.Context) {
	if err := h.service.Ack(c.Request.Context(), c.Param("client"), c.Param("req")); err != nil {
		renderError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.AckResponse{Deleted: true})
}

func (h *TaskHandlers) httpIntervene(c *gin.Context) {
	iv, ok := h.bindIntervention(c)
	if !ok {
		return
	}
	if err := h.service.AddIntervention(c.Param("client"), c.Param("req"), iv); err != nil {
		renderError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.InterveneResponse{Queued: true})
}

func (h *TaskHandlers) httpInterveneSession(c *gin.Context) {
	iv, ok := h.bindIntervention(c)
	if !ok {
		return
	}
	if err := h.service.AddInterventionBySession(c.Param("session"), iv); err != nil {
		renderError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.InterveneResponse{Queued: true})
}

func (h *TaskHandlers) bindIntervention(c *gin.Context) (models.Intervention, bool) {
	var req dto.InterveneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, h.logger, models.NewError(models.KindBadRequest, "invalid payload"))
		return models.Intervention{}, false
	}
	return models.Intervention{
		Text:            req.Text,
		User:            req.User,
		AttachmentPaths: req.AttachmentPaths,
		QueuedAt:        time.Now().UTC(),
	}, true
}
