package service

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taskstream/taskstream/internal/common/metrics"
	"github.com/taskstream/taskstream/internal/task/models"
)

// AddIntervention queues a follow-up instruction for a running task.
// The engine picks it up at its next polling point; an
// intervention_sent event is broadcast once it has been handed over.
func (s *Service) AddIntervention(clientID, requestID string, iv models.Intervention) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueInterventionLocked(taskKey(clientID, requestID), iv)
}

// AddInterventionBySession queues an intervention through the
// agent-session index. The live session id recorded during execution
// takes priority over any resume id the task was created with.
func (s *Service) AddInterventionBySession(sessionID string, iv models.Intervention) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.sessions[sessionID]
	if !ok {
		return models.NewError(models.KindNotFound, "no task for session %s", sessionID)
	}
	return s.enqueueInterventionLocked(key, iv)
}

// enqueueInterventionLocked validates the target task and appends to
// its queue. Caller must hold s.mu.
func (s *Service) enqueueInterventionLocked(key string, iv models.Intervention) error {
	if strings.TrimSpace(iv.Text) == "" {
		return models.NewError(models.KindBadRequest, "intervention text is required")
	}
	t, ok := s.tasks[key]
	if !ok {
		return models.NewError(models.KindNotFound, "task %s not found", key)
	}
	if !t.IsRunning() {
		return models.NewError(models.KindNotRunning, "task %s is not running", key)
	}

	if iv.QueuedAt.IsZero() {
		iv.QueuedAt = time.Now().UTC()
	}
	s.interventions[key] = append(s.interventions[key], &iv)
	metrics.InterventionsTotal.Inc()
	s.logger.Debug("Intervention queued",
		zap.String("task", key),
		zap.String("user", iv.User),
		zap.Int("queue_len", len(s.interventions[key])))
	return nil
}

// GetIntervention pops the next queued intervention for the task, or
// returns nil when the queue is empty. It never blocks; the engine
// polls it between events.
func (s *Service) GetIntervention(clientID, requestID string) *models.Intervention {
	key := taskKey(clientID, requestID)

	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.interventions[key]
	if len(queue) == 0 {
		return nil
	}
	iv := queue[0]
	if len(queue) == 1 {
		delete(s.interventions, key)
	} else {
		s.interventions[key] = queue[1:]
	}
	return iv
}
