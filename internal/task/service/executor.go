package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/taskstream/taskstream/internal/common/tracing"
	"github.com/taskstream/taskstream/internal/events"
	"github.com/taskstream/taskstream/internal/task/models"
)

// engineResult is the terminal summary collected from the engine's
// result event.
type engineResult struct {
	success bool
	output  string
	errMsg  string
}

// terminalState describes the transition finalize applies.
type terminalState struct {
	status    models.TaskStatus
	result    string      // completed only
	kind      models.Kind // error only
	errMsg    string      // error only
	sessionID string      // binds a late session id when non-empty
}

// execute runs one task to completion: admission, engine streaming,
// event persistence and fan-out, then the terminal transition. Engine
// events are persisted and fanned out in arrival order.
func (s *Service) execute(ctx context.Context, task *models.Task) {
	defer s.wg.Done()

	key := task.Key()
	ctx, span := tracing.Tracer("taskstream.executor").Start(ctx, "task.execute",
		trace.WithAttributes(
			attribute.String("task.client_id", task.ClientID),
			attribute.String("task.request_id", task.RequestID),
			attribute.Bool("task.resumed", task.ResumeSessionID != ""),
		))
	defer span.End()

	if err := s.admission.Acquire(ctx, s.cfg.AcquireTimeout()); err != nil {
		span.RecordError(err)
		s.logger.Warn("Task rejected by admission",
			zap.String("task", key),
			zap.Error(err))
		s.finalizeFromError(key, err)
		return
	}
	defer s.admission.Release()

	req := EngineRequest{
		Prompt:          task.Prompt,
		ResumeSessionID: task.ResumeSessionID,
		AllowedTools:    task.AllowedTools,
		DisallowedTools: task.DisallowedTools,
		UseMCP:          task.UseMCP,
		GetIntervention: func() *models.Intervention {
			return s.GetIntervention(task.ClientID, task.RequestID)
		},
		OnInterventionSent: func(iv *models.Intervention) {
			s.interventionSent(task, iv)
		},
	}

	stream, err := s.engine.Execute(ctx, req)
	if err != nil {
		span.RecordError(err)
		s.finalizeFromError(key, err)
		return
	}

	var res *engineResult
	for payload := range stream {
		s.handleEngineEvent(task, payload, &res)
	}

	// The stream is drained; decide the terminal state. Finalization
	// runs on a fresh context so a cancelled execution can still
	// persist and publish its terminal event.
	switch {
	case ctx.Err() != nil:
		s.finalizeNoted(key, terminalState{
			status: models.TaskStatusError,
			kind:   models.KindCancelled,
			errMsg: "task cancelled",
		})
	case res == nil:
		s.finalizeNoted(key, terminalState{
			status: models.TaskStatusError,
			kind:   models.KindAgentFailed,
			errMsg: "agent stream ended without a result",
		})
	case res.success:
		s.finalizeNoted(key, terminalState{
			status: models.TaskStatusCompleted,
			result: res.output,
		})
	default:
		msg := res.errMsg
		if msg == "" {
			msg = "agent reported failure"
		}
		s.finalizeNoted(key, terminalState{
			status: models.TaskStatusError,
			kind:   models.KindAgentFailed,
			errMsg: msg,
		})
	}
}

// handleEngineEvent persists and fans out one engine event, applying
// its side effects on the task. The result event is collected rather
// than logged on success; its content surfaces as the complete event.
func (s *Service) handleEngineEvent(task *models.Task, payload map[string]interface{}, res **engineResult) {
	event := models.Event{Payload: payload}
	switch event.Type() {
	case "":
		s.logger.Warn("Dropping engine event without type", zap.String("task", task.Key()))
		return
	case models.EventTypeSession:
		if sid, _ := payload["session_id"].(string); sid != "" {
			s.bindSession(task, sid)
		}
	case models.EventTypeResult:
		success, _ := payload["success"].(bool)
		output, _ := payload["output"].(string)
		errMsg, _ := payload["error"].(string)
		*res = &engineResult{success: success, output: output, errMsg: errMsg}
		if success {
			return
		}
		// Failure summaries stay in the log ahead of the terminal
		// error event; they carry the engine's own diagnostics.
	}

	if _, err := s.appendAndBroadcast(task, payload); err != nil {
		s.logger.Error("Failed to persist engine event",
			zap.String("task", task.Key()),
			zap.String("event_type", event.Type()),
			zap.Error(err))
	}
}

// bindSession records the agent conversation id on the task and in the
// session index, displacing the provisional resume-id entry.
func (s *Service) bindSession(task *models.Task, sessionID string) {
	key := task.Key()

	s.mu.Lock()
	if task.ClaudeSessionID == sessionID {
		s.mu.Unlock()
		return
	}
	if task.ClaudeSessionID != "" && s.sessions[task.ClaudeSessionID] == key {
		delete(s.sessions, task.ClaudeSessionID)
	}
	if task.ResumeSessionID != "" && task.ResumeSessionID != sessionID && s.sessions[task.ResumeSessionID] == key {
		delete(s.sessions, task.ResumeSessionID)
	}
	task.ClaudeSessionID = sessionID
	s.sessions[sessionID] = key
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.snapshots.ScheduleSave(snapshot)
	s.logger.WithSessionID(sessionID).Debug("Bound agent session", zap.String("task", key))
}

// interventionSent records that the engine handed an intervention to
// the agent: its attachments become task attachments and the event is
// logged and broadcast.
func (s *Service) interventionSent(task *models.Task, iv *models.Intervention) {
	s.mu.Lock()
	task.Attachments = append(task.Attachments, iv.AttachmentPaths...)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	s.snapshots.ScheduleSave(snapshot)

	if _, err := s.appendAndBroadcast(task, models.InterventionSentEvent(iv.User, iv.Text)); err != nil {
		s.logger.Error("Failed to persist intervention event",
			zap.String("task", task.Key()),
			zap.Error(err))
	}
}

// finalizeFromError derives the terminal state from an error's kind.
func (s *Service) finalizeFromError(key string, err error) {
	s.finalizeNoted(key, terminalState{
		status: models.TaskStatusError,
		kind:   models.KindOf(err),
		errMsg: err.Error(),
	})
}

// finalizeNoted applies finalize and logs any refusal. A not-running
// refusal is expected when an external Complete or Error call won the
// race against the executor.
func (s *Service) finalizeNoted(key string, ts terminalState) {
	if err := s.finalize(context.Background(), key, ts); err != nil {
		s.logger.Debug("Terminal transition skipped",
			zap.String("task", key),
			zap.Error(err))
	}
}

// finalize performs the one-and-only terminal transition of a task:
// status and timestamps under the lock, then the terminal event, the
// listener close, the snapshot, and the bus notification. The first
// caller wins; later attempts get a not-running error.
func (s *Service) finalize(ctx context.Context, key string, ts terminalState) error {
	s.mu.Lock()
	t, ok := s.tasks[key]
	if !ok {
		s.mu.Unlock()
		return models.NewError(models.KindNotFound, "task %s not found", key)
	}
	if t.IsTerminal() {
		s.mu.Unlock()
		return models.NewError(models.KindNotRunning, "task %s already finished", key)
	}

	if ts.sessionID != "" && t.ClaudeSessionID == "" {
		t.ClaudeSessionID = ts.sessionID
		s.sessions[ts.sessionID] = key
	}
	now := time.Now().UTC()
	t.Status = ts.status
	t.CompletedAt = &now
	if ts.status == models.TaskStatusCompleted {
		t.Result = ts.result
	} else {
		t.Error = ts.errMsg
	}

	cancel := s.cancels[key]
	delete(s.cancels, key)
	attachments := append([]string(nil), t.Attachments...)
	view := t.Clone()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var payload map[string]interface{}
	busType := events.TaskCompleted
	if ts.status == models.TaskStatusCompleted {
		payload = models.CompleteEvent(ts.result, attachments)
	} else {
		kind := ts.kind
		if kind == "" {
			kind = models.KindInternal
		}
		payload = models.ErrorEvent(kind, ts.errMsg)
		busType = events.TaskError
	}

	id, err := s.events.Append(view.ClientID, view.RequestID, payload)
	if err != nil {
		// Broadcast anyway: live listeners still learn the task ended,
		// and the status event covers reconnects.
		s.logger.Error("Failed to persist terminal event",
			zap.String("task", key),
			zap.Error(err))
	}
	s.listeners.Broadcast(key, models.Event{ID: id, Payload: payload})
	s.listeners.CloseAll(key)

	s.snapshots.ScheduleSave(snapshot)
	s.publishLifecycle(ctx, busType, view, nil)
	s.updateGauges()

	if ts.status == models.TaskStatusCompleted {
		s.logger.Info("Task completed", zap.String("task", key))
	} else {
		s.logger.Info("Task errored",
			zap.String("task", key),
			zap.String("kind", string(ts.kind)),
			zap.String("error", ts.errMsg))
	}

	if s.hooks.PostExecute != nil {
		s.hooks.PostExecute(view)
	}
	return nil
}
