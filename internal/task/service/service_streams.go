package service

import (
	"strings"

	"github.com/taskstream/taskstream/internal/task/models"
)

// AddListener attaches a new event listener to the task and returns it
// together with a snapshot of the task at attach time. The listener is
// registered before the snapshot is taken, so an event arriving in
// between is visible either on the listener or in the snapshot's
// status, never lost to both.
func (s *Service) AddListener(clientID, requestID string) (*Listener, *models.Task, error) {
	key := taskKey(clientID, requestID)

	s.mu.Lock()
	t, ok := s.tasks[key]
	if !ok {
		s.mu.Unlock()
		return nil, nil, models.NewError(models.KindNotFound, "task %s not found", key)
	}
	s.mu.Unlock()

	l := s.listeners.Add(key)

	// Re-read after attaching: the snapshot must not predate events the
	// listener will never see.
	s.mu.Lock()
	if cur, ok := s.tasks[key]; ok {
		t = cur
	}
	view := t.Clone()
	s.mu.Unlock()
	return l, view, nil
}

// RemoveListener detaches a listener and closes its channel.
func (s *Service) RemoveListener(clientID, requestID string, l *Listener) {
	s.listeners.Remove(taskKey(clientID, requestID), l)
}

// SendReconnectStatus enqueues the synthetic status event describing
// the task's current state. It carries no id and is never persisted;
// reconnecting clients render it before the replayed history arrives.
func (s *Service) SendReconnectStatus(l *Listener, t *models.Task) bool {
	return s.listeners.Send(l, models.Event{Payload: models.StatusEvent(t)})
}

// ReplayEvents returns the task's persisted events with id > afterID,
// in order. Pass 0 to read the whole log.
func (s *Service) ReplayEvents(clientID, requestID string, afterID int64) ([]models.Event, error) {
	return s.events.ReadSince(clientID, requestID, afterID)
}

// PostProgress appends a progress event to a running task's log and
// fans it out. It backs the MCP post_progress tool agents use to
// surface working notes to viewers mid-execution.
func (s *Service) PostProgress(clientID, requestID, text string) (int64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, models.NewError(models.KindBadRequest, "progress text is required")
	}
	key := taskKey(clientID, requestID)

	s.mu.Lock()
	t, ok := s.tasks[key]
	if !ok {
		s.mu.Unlock()
		return 0, models.NewError(models.KindNotFound, "task %s not found", key)
	}
	if !t.IsRunning() {
		s.mu.Unlock()
		return 0, models.NewError(models.KindNotRunning, "task %s is not running", key)
	}
	s.mu.Unlock()

	return s.appendAndBroadcast(t, models.ProgressEvent(text))
}
