package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskstream/taskstream/internal/common/logger"
	"github.com/taskstream/taskstream/internal/task/models"
)

// snapshotVersion is the envelope version this build reads and writes.
// Snapshots from a newer build are refused rather than silently dropped.
const snapshotVersion = 1

type snapshotEnvelope struct {
	Version int            `json:"version"`
	Tasks   []*models.Task `json:"tasks"`
}

// SnapshotStore persists the full task map as one JSON file. Saves are
// debounced so bursts of mutations coalesce into a single write, and every
// write is atomic: temp file in the same directory, fsync, rename.
type SnapshotStore struct {
	path     string
	debounce time.Duration
	logger   *logger.Logger

	// mu guards the pending snapshot and timer; writeMu serializes the
	// actual disk writes so a slow save cannot overwrite a newer one.
	mu      sync.Mutex
	timer   *time.Timer
	pending []*models.Task
	writeMu sync.Mutex
}

// NewSnapshotStore returns a store writing to path with the given
// debounce window.
func NewSnapshotStore(path string, debounce time.Duration, log *logger.Logger) *SnapshotStore {
	return &SnapshotStore{
		path:     path,
		debounce: debounce,
		logger:   log,
	}
}

// Load reads the snapshot from disk. A missing or unparsable file yields
// an empty list; an envelope from a newer version is an error.
func (s *SnapshotStore) Load() ([]*models.Task, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Debug("No task snapshot found", zap.String("path", s.path))
			return nil, nil
		}
		return nil, fmt.Errorf("read task snapshot: %w", err)
	}

	var env snapshotEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn("Task snapshot is unparsable, starting empty",
			zap.String("path", s.path),
			zap.Error(err))
		return nil, nil
	}
	if env.Version != snapshotVersion {
		return nil, fmt.Errorf("task snapshot version %d is not supported (expected %d)", env.Version, snapshotVersion)
	}
	return env.Tasks, nil
}

// Save writes the snapshot immediately and atomically.
func (s *SnapshotStore) Save(tasks []*models.Task) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.write(tasks)
}

// ScheduleSave records the snapshot and arms the debounce timer. Further
// schedules within the window replace the pending snapshot without
// re-arming, so the save happens at most once per window.
func (s *SnapshotStore) ScheduleSave(tasks []*models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = tasks
	if s.timer == nil {
		s.timer = time.AfterFunc(s.debounce, s.fire)
	}
}

// Flush stops any armed timer and writes the pending snapshot, if one
// exists. Called on shutdown.
func (s *SnapshotStore) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	tasks := s.pending
	s.pending = nil
	s.mu.Unlock()

	if tasks == nil {
		return nil
	}
	return s.Save(tasks)
}

func (s *SnapshotStore) fire() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	tasks := s.pending
	s.pending = nil
	s.timer = nil
	s.mu.Unlock()

	if tasks == nil {
		return
	}
	if err := s.write(tasks); err != nil {
		s.logger.Error("Failed to save task snapshot",
			zap.String("path", s.path),
			zap.Error(err))
	}
}

// write performs the atomic temp + fsync + rename sequence. Caller must
// hold writeMu.
func (s *SnapshotStore) write(tasks []*models.Task) error {
	if tasks == nil {
		tasks = []*models.Task{}
	}
	data, err := json.Marshal(snapshotEnvelope{Version: snapshotVersion, Tasks: tasks})
	if err != nil {
		return fmt.Errorf("marshal task snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op when the rename succeeded
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename snapshot into place: %w", err)
	}

	s.logger.Debug("Saved task snapshot",
		zap.String("path", s.path),
		zap.Int("tasks", len(tasks)))
	return nil
}
