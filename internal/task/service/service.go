// Package service implements the task lifecycle: creation, execution,
// event fan-out, interventions, and cleanup. The Service is the single
// owner of the in-memory task map; everything else (event log, snapshot
// store, engine, listeners) hangs off it.
package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskstream/taskstream/internal/common/config"
	"github.com/taskstream/taskstream/internal/common/logger"
	"github.com/taskstream/taskstream/internal/common/metrics"
	"github.com/taskstream/taskstream/internal/events"
	"github.com/taskstream/taskstream/internal/events/bus"
	"github.com/taskstream/taskstream/internal/task/models"
	"github.com/taskstream/taskstream/internal/task/store"
)

// Hooks are optional callbacks fired synchronously around task
// execution. PreExecute runs after the task is registered but before
// the executor starts; PostExecute runs after the terminal transition.
// Both receive a copy of the task.
type Hooks struct {
	PreExecute  func(task *models.Task)
	PostExecute func(task *models.Task)
}

// Service owns the task map and composes the stores, the listener
// registry, the admission gate, and the engine into the public task
// lifecycle API used by the HTTP and MCP layers.
type Service struct {
	cfg       *config.TasksConfig
	logger    *logger.Logger
	events    *store.EventLog
	snapshots *store.SnapshotStore
	engine    Engine
	eventBus  bus.EventBus
	listeners *Listeners
	admission *Admission
	hooks     Hooks

	// mu guards the maps below. File I/O, broadcasts, and bus publishes
	// happen outside it.
	mu            sync.Mutex
	tasks         map[string]*models.Task
	sessions      map[string]string // claude_session_id -> task key
	interventions map[string][]*models.Intervention
	cancels       map[string]context.CancelFunc
	stopped       bool

	wg sync.WaitGroup // running executors
}

// NewService wires the task manager. The event bus is optional; all
// other dependencies are required.
func NewService(cfg *config.TasksConfig, eventLog *store.EventLog, snapshots *store.SnapshotStore, engine Engine, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		cfg:           cfg,
		logger:        log,
		events:        eventLog,
		snapshots:     snapshots,
		engine:        engine,
		eventBus:      eventBus,
		listeners:     NewListeners(cfg.ListenerBuffer, log),
		admission:     NewAdmission(cfg.MaxConcurrent),
		tasks:         make(map[string]*models.Task),
		sessions:      make(map[string]string),
		interventions: make(map[string][]*models.Intervention),
		cancels:       make(map[string]context.CancelFunc),
	}
}

// SetHooks installs the pre-/post-execute callbacks. Must be called
// before Start.
func (s *Service) SetHooks(h Hooks) {
	s.hooks = h
}

// Admission exposes the admission gate for health reporting.
func (s *Service) Admission() *Admission {
	return s.admission
}

// Start loads the persisted task snapshot, reconciles it with the event
// logs on disk, and begins the cleanup loop.
func (s *Service) Start(ctx context.Context) error {
	if err := s.restore(); err != nil {
		return err
	}
	s.startCleanupLoop(ctx)
	return nil
}

// restore rebuilds the task map from the snapshot. Tasks that were
// running when the previous process died are finalized as errored, with
// a terminal event appended so reconnecting clients see a proper end of
// stream.
func (s *Service) restore() error {
	tasks, err := s.snapshots.Load()
	if err != nil {
		return err
	}

	var interrupted []*models.Task
	s.mu.Lock()
	for _, t := range tasks {
		if t.IsRunning() {
			now := time.Now().UTC()
			t.Status = models.TaskStatusError
			t.Error = "interrupted by server restart"
			t.CompletedAt = &now
			interrupted = append(interrupted, t)
		}
		s.tasks[t.Key()] = t
		if t.ClaudeSessionID != "" {
			s.sessions[t.ClaudeSessionID] = t.Key()
		}
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	for _, t := range interrupted {
		payload := models.ErrorEvent(models.KindCancelled, t.Error)
		if _, err := s.events.Append(t.ClientID, t.RequestID, payload); err != nil {
			s.logger.Warn("Failed to append restart-interruption event",
				zap.String("task", t.Key()),
				zap.Error(err))
		}
	}
	if len(interrupted) > 0 {
		s.snapshots.ScheduleSave(snapshot)
	}

	s.removeOrphanLogs()
	s.updateGauges()
	s.logger.Info("Restored task snapshot",
		zap.Int("tasks", len(tasks)),
		zap.Int("interrupted", len(interrupted)))
	return nil
}

// removeOrphanLogs deletes event files that no known task references,
// which can be left behind by a crash between an ack's two deletes.
func (s *Service) removeOrphanLogs() {
	refs, err := s.events.ListSessions()
	if err != nil {
		s.logger.Warn("Failed to list event logs for reconciliation", zap.Error(err))
		return
	}

	known := make(map[string]struct{}, len(s.tasks))
	s.mu.Lock()
	for _, t := range s.tasks {
		if ref, err := store.NewSessionRef(t.ClientID, t.RequestID); err == nil {
			known[ref.ClientID+"/"+ref.RequestID] = struct{}{}
		}
	}
	s.mu.Unlock()

	for _, ref := range refs {
		if _, ok := known[ref.ClientID+"/"+ref.RequestID]; ok {
			continue
		}
		log := s.logger.WithTaskKey(ref.ClientID, ref.RequestID)
		if err := s.events.DeleteSession(ref.ClientID, ref.RequestID); err != nil {
			log.Warn("Failed to delete orphan event log", zap.Error(err))
			continue
		}
		log.Info("Deleted orphan event log")
	}
}

// startCleanupLoop starts a background goroutine that periodically
// deletes terminal tasks older than the configured retention.
func (s *Service) startCleanupLoop(ctx context.Context) {
	interval := s.cfg.CleanupInterval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.CleanupOld(ctx, s.cfg.CleanupMaxAge())
				if err != nil {
					s.logger.Error("Cleanup pass failed", zap.Error(err))
					continue
				}
				if n > 0 {
					s.logger.Info("Cleaned up old tasks", zap.Int("count", n))
				}
			}
		}
	}()
	s.logger.Info("Task cleanup loop started",
		zap.Duration("interval", interval),
		zap.Duration("max_age", s.cfg.CleanupMaxAge()))
}

// Shutdown stops accepting new tasks, cancels running executions, and
// flushes the pending snapshot. It waits up to the context deadline for
// executors to finish.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cancelled := s.CancelRunning(ctx)
	if cancelled > 0 {
		s.logger.Info("Cancelled running tasks for shutdown", zap.Int("count", cancelled))
	}

	if err := s.snapshots.Flush(); err != nil {
		s.logger.Error("Failed to flush task snapshot", zap.Error(err))
	}
	return s.events.Close()
}

// snapshotLocked clones the current task list for the snapshot store.
// Caller must hold s.mu.
func (s *Service) snapshotLocked() []*models.Task {
	tasks := make([]*models.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t.Clone())
	}
	return tasks
}

// updateGauges recomputes the per-status task gauges.
func (s *Service) updateGauges() {
	counts := map[models.TaskStatus]int{
		models.TaskStatusRunning:   0,
		models.TaskStatusCompleted: 0,
		models.TaskStatusError:     0,
	}
	s.mu.Lock()
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	s.mu.Unlock()
	for status, n := range counts {
		metrics.TasksTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}

// publishLifecycle emits a task lifecycle event on the bus. Data is
// kept minimal: subscribers fetch detail through the API if they need it.
func (s *Service) publishLifecycle(ctx context.Context, eventType string, t *models.Task, extra map[string]interface{}) {
	if s.eventBus == nil {
		return
	}

	data := map[string]interface{}{
		"client_id":  t.ClientID,
		"request_id": t.RequestID,
		"status":     string(t.Status),
		"created_at": t.CreatedAt.Format(time.RFC3339),
	}
	if t.CompletedAt != nil {
		data["completed_at"] = t.CompletedAt.Format(time.RFC3339)
	}
	for k, v := range extra {
		data[k] = v
	}

	event := bus.NewEvent(eventType, events.Source, data)
	if err := s.eventBus.Publish(ctx, eventType, event); err != nil {
		s.logger.Error("Failed to publish task lifecycle event",
			zap.String("event_type", eventType),
			zap.String("task", t.Key()),
			zap.Error(err))
	}
}

// appendAndBroadcast persists one event and fans it out to the task's
// listeners. The event is durable before any listener sees it.
func (s *Service) appendAndBroadcast(t *models.Task, payload map[string]interface{}) (int64, error) {
	id, err := s.events.Append(t.ClientID, t.RequestID, payload)
	if err != nil {
		return 0, err
	}
	s.listeners.Broadcast(t.Key(), models.Event{ID: id, Payload: payload})
	return id, nil
}
