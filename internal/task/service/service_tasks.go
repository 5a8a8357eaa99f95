package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taskstream/taskstream/internal/events"
	"github.com/taskstream/taskstream/internal/task/models"
	"github.com/taskstream/taskstream/internal/task/store"
)

// CreateTaskRequest carries the inputs for starting a new task.
type CreateTaskRequest struct {
	ClientID        string
	RequestID       string
	Prompt          string
	ResumeSessionID string
	AllowedTools    []string
	DisallowedTools []string
	UseMCP          bool
}

func (r *CreateTaskRequest) validate() error {
	if strings.TrimSpace(r.ClientID) == "" {
		return models.NewError(models.KindBadRequest, "client_id is required")
	}
	if strings.TrimSpace(r.RequestID) == "" {
		return models.NewError(models.KindBadRequest, "request_id is required")
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return models.NewError(models.KindBadRequest, "prompt is required")
	}
	return nil
}

// Create registers a new task and starts its execution. The key must
// not name a running task; a terminal record left by an earlier run of
// the same key is replaced, including its event log.
func (s *Service) Create(ctx context.Context, req CreateTaskRequest) (*models.Task, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	// Reject keys that cannot name an event file before any state changes.
	if _, err := store.NewSessionRef(req.ClientID, req.RequestID); err != nil {
		return nil, err
	}

	task := &models.Task{
		ClientID:        req.ClientID,
		RequestID:       req.RequestID,
		Status:          models.TaskStatusRunning,
		Prompt:          req.Prompt,
		ResumeSessionID: req.ResumeSessionID,
		AllowedTools:    append([]string(nil), req.AllowedTools...),
		DisallowedTools: append([]string(nil), req.DisallowedTools...),
		UseMCP:          req.UseMCP,
		CreatedAt:       time.Now().UTC(),
	}
	key := task.Key()

	execCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		return nil, models.NewError(models.KindCancelled, "server is shutting down")
	}
	if existing, ok := s.tasks[key]; ok && existing.IsRunning() {
		s.mu.Unlock()
		cancel()
		return nil, models.NewError(models.KindConflict, "task %s is already running", key)
	}
	replaced := s.tasks[key]
	if replaced != nil {
		s.forgetLocked(replaced)
	}
	s.tasks[key] = task
	// A resume id is a provisional session index entry; the live id
	// reported by the engine replaces it.
	if req.ResumeSessionID != "" {
		s.sessions[req.ResumeSessionID] = key
	}
	s.cancels[key] = cancel
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if replaced != nil {
		s.listeners.CloseAll(key)
		if err := s.events.DeleteSession(req.ClientID, req.RequestID); err != nil {
			s.logger.Warn("Failed to delete replaced task's event log",
				zap.String("task", key),
				zap.Error(err))
		}
		s.publishLifecycle(ctx, events.TaskDeleted, replaced, map[string]interface{}{"reason": "replaced"})
	}

	if s.hooks.PreExecute != nil {
		s.hooks.PreExecute(task.Clone())
	}

	s.snapshots.ScheduleSave(snapshot)
	s.publishLifecycle(ctx, events.TaskCreated, task, nil)
	s.updateGauges()
	s.logger.Info("Task created",
		zap.String("task", key),
		zap.Bool("resumed", req.ResumeSessionID != ""))

	s.wg.Add(1)
	go s.execute(execCtx, task)

	return task.Clone(), nil
}

// Get returns the task for the key.
func (s *Service) Get(clientID, requestID string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskKey(clientID, requestID)]
	if !ok {
		return nil, models.NewError(models.KindNotFound, "task %s not found", taskKey(clientID, requestID))
	}
	return t.Clone(), nil
}

// GetBySession resolves a task through the agent-session index.
func (s *Service) GetBySession(sessionID string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.sessions[sessionID]
	if !ok {
		return nil, models.NewError(models.KindNotFound, "no task for session %s", sessionID)
	}
	t, ok := s.tasks[key]
	if !ok {
		return nil, models.NewError(models.KindNotFound, "no task for session %s", sessionID)
	}
	return t.Clone(), nil
}

// ListByClient returns all of a client's tasks, newest first.
func (s *Service) ListByClient(clientID string) []*models.Task {
	s.mu.Lock()
	var tasks []*models.Task
	for _, t := range s.tasks {
		if t.ClientID == clientID {
			tasks = append(tasks, t.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks
}

// Complete transitions the task to completed. The executor calls this
// when the engine reports success; it is exposed for embedding
// applications that finish tasks out of band.
func (s *Service) Complete(ctx context.Context, clientID, requestID, result, sessionID string) error {
	return s.finalize(ctx, taskKey(clientID, requestID), terminalState{
		status:    models.TaskStatusCompleted,
		result:    result,
		sessionID: sessionID,
	})
}

// Error transitions the task to error.
func (s *Service) Error(ctx context.Context, clientID, requestID, message string) error {
	return s.finalize(ctx, taskKey(clientID, requestID), terminalState{
		status: models.TaskStatusError,
		kind:   models.KindAgentFailed,
		errMsg: message,
	})
}

// Ack deletes a terminal task and its event log after the client has
// consumed the result. The result must have been delivered over SSE
// first; acking blind would lose it.
func (s *Service) Ack(ctx context.Context, clientID, requestID string) error {
	key := taskKey(clientID, requestID)

	s.mu.Lock()
	t, ok := s.tasks[key]
	if !ok {
		s.mu.Unlock()
		return models.NewError(models.KindNotFound, "task %s not found", key)
	}
	if !t.IsTerminal() {
		s.mu.Unlock()
		return models.NewError(models.KindConflict, "task %s is still running", key)
	}
	if t.DeliveredAt == nil {
		s.mu.Unlock()
		return models.NewError(models.KindConflict, "task %s result has not been delivered", key)
	}
	s.forgetLocked(t)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.listeners.CloseAll(key)
	if err := s.events.DeleteSession(clientID, requestID); err != nil {
		s.logger.Warn("Failed to delete acked task's event log",
			zap.String("task", key),
			zap.Error(err))
	}
	s.snapshots.ScheduleSave(snapshot)
	s.publishLifecycle(ctx, events.TaskDeleted, t, map[string]interface{}{"reason": "acked"})
	s.updateGauges()
	s.logger.Info("Task acknowledged and deleted", zap.String("task", key))
	return nil
}

// MarkDelivered records that a terminal event reached a client. Called
// by the SSE layer after writing a complete or error frame.
func (s *Service) MarkDelivered(clientID, requestID string) error {
	key := taskKey(clientID, requestID)

	s.mu.Lock()
	t, ok := s.tasks[key]
	if !ok {
		s.mu.Unlock()
		return models.NewError(models.KindNotFound, "task %s not found", key)
	}
	if !t.IsTerminal() {
		s.mu.Unlock()
		return models.NewError(models.KindConflict, "task %s is not finished", key)
	}
	if t.DeliveredAt != nil {
		s.mu.Unlock()
		return models.NewError(models.KindConflict, "task %s already delivered", key)
	}
	now := time.Now().UTC()
	t.DeliveredAt = &now
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.snapshots.ScheduleSave(snapshot)
	return nil
}

// CancelRunning cancels every running execution and waits for the
// executors to finalize, up to the context deadline. It returns the
// number of cancellations issued.
func (s *Service) CancelRunning(ctx context.Context) int {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, cancel := range s.cancels {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for executors to finish",
			zap.Int("cancelled", len(cancels)))
	}
	return len(cancels)
}

// CleanupOld deletes terminal tasks whose terminal time is older than
// maxAge, along with their event logs. It returns how many were removed.
func (s *Service) CleanupOld(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	s.mu.Lock()
	var victims []*models.Task
	for _, t := range s.tasks {
		if t.IsTerminal() && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			victims = append(victims, t)
		}
	}
	for _, t := range victims {
		s.forgetLocked(t)
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if len(victims) == 0 {
		return 0, nil
	}

	for _, t := range victims {
		s.listeners.CloseAll(t.Key())
		if err := s.events.DeleteSession(t.ClientID, t.RequestID); err != nil {
			s.logger.Warn("Failed to delete old task's event log",
				zap.String("task", t.Key()),
				zap.Error(err))
		}
		s.publishLifecycle(ctx, events.TaskDeleted, t, map[string]interface{}{"reason": "expired"})
	}
	s.snapshots.ScheduleSave(snapshot)
	s.updateGauges()
	return len(victims), nil
}

// forgetLocked removes a task from the map and every index entry that
// points at it. Caller must hold s.mu.
func (s *Service) forgetLocked(t *models.Task) {
	key := t.Key()
	delete(s.tasks, key)
	delete(s.interventions, key)
	if t.ClaudeSessionID != "" && s.sessions[t.ClaudeSessionID] == key {
		delete(s.sessions, t.ClaudeSessionID)
	}
	if t.ResumeSessionID != "" && s.sessions[t.ResumeSessionID] == key {
		delete(s.sessions, t.ResumeSessionID)
	}
	if cancel, ok := s.cancels[key]; ok {
		delete(s.cancels, key)
		cancel()
	}
}

func taskKey(clientID, requestID string) string {
	return clientID + "/" + requestID
}
