package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskstream/taskstream/internal/task/models"
)

// httpReconnect reattaches an SSE stream to an existing task. The
// Last-Event-ID header names the last event the client saw; replay
// starts after it. An absent or unparseable header replays the whole
// log, which may duplicate events but never loses them.
func (h *TaskHandlers) httpReconnect(c *gin.Context) {
	afterID := parseLastEventID(c.GetHeader("Last-Event-ID"))
	h.streamTask(c, c.Param("client"), c.Param("req"), afterID, http.StatusOK, true)
}

func parseLastEventID(raw string) int64 {
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

// streamTask attaches a listener and writes the task's events as SSE
// frames until the terminal event, a client disconnect, or a dropped
// listener. Persisted history past afterID is replayed before live
// events; events that raced into the listener queue during replay are
// deduplicated by id.
func (h *TaskHandlers) streamTask(c *gin.Context, clientID, requestID string, afterID int64, code int, withStatus bool) {
	l, task, err := h.service.AddListener(clientID, requestID)
	if err != nil {
		renderError(c, h.logger, err)
		return
	}
	defer h.service.RemoveListener(clientID, requestID, l)

	stream := openSSE(c, code)
	if withStatus {
		if err := stream.writeStatus(task); err != nil {
			return
		}
	}

	lastID := afterID
	replay, err := h.service.ReplayEvents(clientID, requestID, afterID)
	if err != nil {
		// Headers are already out; close the stream and let the client
		// retry with its cursor intact.
		h.logger.Error("event replay failed",
			zap.String("task", clientID+"/"+requestID),
			zap.Error(err))
		return
	}
	for i := range replay {
		ev := replay[i]
		if err := stream.writeEvent(ev); err != nil {
			return
		}
		lastID = ev.ID
		if isTerminalEvent(&ev) {
			h.markDelivered(clientID, requestID)
			return
		}
	}

	if task.IsTerminal() {
		// The log held no terminal frame past the client's cursor, so the
		// client already consumed it. Nothing live will follow.
		return
	}

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-l.Events():
			if !ok {
				return
			}
			if ev.ID > 0 && ev.ID <= lastID {
				continue
			}
			if err := stream.writeEvent(ev); err != nil {
				return
			}
			if ev.ID > 0 {
				lastID = ev.ID
			}
			if isTerminalEvent(&ev) {
				h.markDelivered(clientID, requestID)
				return
			}
		}
	}
}

// markDelivered records that a terminal frame reached this client. A
// concurrent stream may have recorded it first; that refusal is
// expected.
func (h *TaskHandlers) markDelivered(clientID, requestID string) {
	if err := h.service.MarkDelivered(clientID, requestID); err != nil {
		if models.KindOf(err) != models.KindConflict {
			h.logger.Warn("failed to record delivery",
				zap.String("task", clientID+"/"+requestID),
				zap.Error(err))
		}
	}
}
