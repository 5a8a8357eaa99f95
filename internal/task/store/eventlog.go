// Package store persists task state: an append-only JSONL event log per
// task and a debounced atomic snapshot of the task map.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/taskstream/taskstream/internal/common/logger"
	"github.com/taskstream/taskstream/internal/common/metrics"
	"github.com/taskstream/taskstream/internal/task/models"
)

// File system constants.
const (
	dirPermissions  = 0750
	filePermissions = 0600
	scannerBufSize  = 1024 * 1024 // 1MB buffer for large events
)

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// sanitizeComponent strips everything outside [A-Za-z0-9._-] from a path
// component. Empty results and the dot directories are rejected.
func sanitizeComponent(raw string) (string, error) {
	clean := unsafePathChars.ReplaceAllString(raw, "")
	if clean == "" || clean == "." || clean == ".." {
		return "", models.NewError(models.KindBadRequest, "invalid path component %q", raw)
	}
	return clean, nil
}

// SessionRef identifies one task's event log on disk. Components are the
// sanitized forms of the original ids.
type SessionRef struct {
	ClientID  string
	RequestID string
}

// NewSessionRef sanitizes a task key into its on-disk form. It fails
// with a bad-request error when either component sanitizes to nothing,
// which callers use to reject unusable keys up front.
func NewSessionRef(clientID, requestID string) (SessionRef, error) {
	client, err := sanitizeComponent(clientID)
	if err != nil {
		return SessionRef{}, err
	}
	request, err := sanitizeComponent(requestID)
	if err != nil {
		return SessionRef{}, err
	}
	return SessionRef{ClientID: client, RequestID: request}, nil
}

// EventLog stores each task's events as one JSONL file at
// <dir>/<client_id>/<request_id>.jsonl. Event ids are dense and
// monotonic from 1, unique within a task, and survive restarts: the
// first append after startup scans the existing file for the maximum id.
type EventLog struct {
	dir    string
	logger *logger.Logger

	// mu guards the two maps only; file I/O happens under the per-task
	// lock so appends and reads on one key are serialized without
	// blocking other keys.
	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	nextID map[string]int64
	files  map[string]*os.File
}

// NewEventLog creates the base directory and returns an empty log.
func NewEventLog(dir string, log *logger.Logger) (*EventLog, error) {
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("create events directory: %w", err)
	}
	return &EventLog{
		dir:    dir,
		logger: log,
		locks:  make(map[string]*sync.Mutex),
		nextID: make(map[string]int64),
		files:  make(map[string]*os.File),
	}, nil
}

// resolve sanitizes the key into a file path and lock key.
func (l *EventLog) resolve(clientID, requestID string) (path, key string, err error) {
	client, err := sanitizeComponent(clientID)
	if err != nil {
		return "", "", err
	}
	request, err := sanitizeComponent(requestID)
	if err != nil {
		return "", "", err
	}
	return filepath.Join(l.dir, client, request+".jsonl"), client + "/" + request, nil
}

// lockFor returns the per-task mutex, creating it on first use. Locks are
// never garbage-collected; their count is bounded by the number of keys.
func (l *EventLog) lockFor(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[key] = lock
	}
	return lock
}

// Append writes one event to the task's log and returns its id.
func (l *EventLog) Append(clientID, requestID string, payload map[string]interface{}) (int64, error) {
	path, key, err := l.resolve(clientID, requestID)
	if err != nil {
		return 0, err
	}

	lock := l.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	id, err := l.reserveID(key, path)
	if err != nil {
		return 0, err
	}

	data, err := json.Marshal(models.Event{ID: id, Payload: payload})
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}

	f, err := l.fileFor(key, path)
	if err != nil {
		return 0, err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}

	// The counter advances only after the line is written, so a failed
	// write never leaves a gap in the id sequence.
	l.mu.Lock()
	l.nextID[key] = id + 1
	l.mu.Unlock()

	metrics.EventsAppended.Inc()
	return id, nil
}

// reserveID returns the next id for the key, scanning the existing file
// on first use. Caller must hold the per-task lock.
func (l *EventLog) reserveID(key, path string) (int64, error) {
	l.mu.Lock()
	next, ok := l.nextID[key]
	l.mu.Unlock()
	if ok {
		return next, nil
	}

	maxID, err := l.scanMaxID(path)
	if err != nil {
		return 0, err
	}
	return maxID + 1, nil
}

// scanMaxID reads the file once and returns the largest event id, or 0
// when the file is absent or holds no parseable lines.
func (l *EventLog) scanMaxID(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open event log: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	var maxID int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, scannerBufSize), scannerBufSize)
	for scanner.Scan() {
		var line struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue // Skip malformed lines
		}
		if line.ID > maxID {
			maxID = line.ID
		}
	}
	return maxID, scanner.Err()
}

// fileFor returns the cached append handle for a key, creating the file
// and its client directory on first use. Caller must hold the per-task lock.
func (l *EventLog) fileFor(key, path string) (*os.File, error) {
	l.mu.Lock()
	f, ok := l.files[key]
	l.mu.Unlock()
	if ok {
		return f, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, fmt.Errorf("create client directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, filePermissions)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	l.mu.Lock()
	l.files[key] = f
	l.mu.Unlock()
	return f, nil
}

// ReadAll returns every event of a task in id order. A missing file is an
// empty sequence, not an error.
func (l *EventLog) ReadAll(clientID, requestID string) ([]models.Event, error) {
	return l.ReadSince(clientID, requestID, 0)
}

// ReadSince returns the events with id > afterID in id order. Corrupted
// or partial lines (e.g. after a crash) are skipped.
func (l *EventLog) ReadSince(clientID, requestID string, afterID int64) ([]models.Event, error) {
	path, key, err := l.resolve(clientID, requestID)
	if err != nil {
		return nil, err
	}

	lock := l.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	var events []models.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, scannerBufSize), scannerBufSize)
	for scanner.Scan() {
		var event models.Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			l.logger.Warn("Skipping corrupt event line",
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		if event.ID > afterID {
			events = append(events, event)
		}
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("read event log: %w", err)
	}
	return events, nil
}

// DeleteSession removes a task's event file and forgets its id counter.
// The client directory is removed too once it is empty.
func (l *EventLog) DeleteSession(clientID, requestID string) error {
	path, key, err := l.resolve(clientID, requestID)
	if err != nil {
		return err
	}

	lock := l.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	l.mu.Lock()
	if f, ok := l.files[key]; ok {
		_ = f.Close()
		delete(l.files, key)
	}
	delete(l.nextID, key)
	l.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete event log: %w", err)
	}
	// Best effort: fails while the client still has other logs
	_ = os.Remove(filepath.Dir(path))
	return nil
}

// ListSessions walks the base directory and returns a ref for every event
// log found, ordered by client then request.
func (l *EventLog) ListSessions() ([]SessionRef, error) {
	clients, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list events directory: %w", err)
	}

	var refs []SessionRef
	for _, client := range clients {
		if !client.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(l.dir, client.Name()))
		if err != nil {
			continue
		}
		for _, file := range files {
			name := file.Name()
			if file.IsDir() || filepath.Ext(name) != ".jsonl" {
				continue
			}
			refs = append(refs, SessionRef{
				ClientID:  client.Name(),
				RequestID: name[:len(name)-len(".jsonl")],
			})
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].ClientID != refs[j].ClientID {
			return refs[i].ClientID < refs[j].ClientID
		}
		return refs[i].RequestID < refs[j].RequestID
	})
	return refs, nil
}

// Close releases every cached file handle.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for _, f := range l.files {
		if err := f.Sync(); err != nil {
			errs = append(errs, err)
		}
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	l.files = make(map[string]*os.File)

	if len(errs) > 0 {
		return fmt.Errorf("close event logs: %v", errs)
	}
	return nil
}
