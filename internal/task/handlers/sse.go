package handlers

import (
	"encoding/json"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/taskstream/taskstream/internal/task/models"
)

// sseStream frames task events as Server-Sent Events on a gin response.
// Every write is flushed immediately; buffering would defeat live
// progress delivery.
type sseStream struct {
	w gin.ResponseWriter
}

// openSSE sets the stream headers and status line and returns a writer
// bound to the connection.
func openSSE(c *gin.Context, code int) *sseStream {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(code)
	c.Writer.Flush()
	return &sseStream{w: c.Writer}
}

// writeEvent emits one event frame. Logged events carry their id so
// clients can resume with Last-Event-ID; the synthetic status event
// has id 0 and is framed without an id line.
func (s *sseStream) writeEvent(ev models.Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	if ev.ID > 0 {
		if _, err := fmt.Fprintf(s.w, "id: %d\n", ev.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type(), data); err != nil {
		return err
	}
	s.w.Flush()
	return nil
}

// writeStatus emits the status snapshot a reconnecting client renders
// before replayed history arrives. It is never persisted and must not
// advance the client's Last-Event-ID cursor.
func (s *sseStream) writeStatus(t *models.Task) error {
	return s.writeEvent(models.Event{Payload: models.StatusEvent(t)})
}

// isTerminalEvent reports whether the event ends the stream.
func isTerminalEvent(ev *models.Event) bool {
	t := ev.Type()
	return t == models.EventTypeComplete || t == models.EventTypeError
}
