package store

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/taskstream/taskstream/internal/common/logger"
	"github.com/taskstream/taskstream/internal/task/models"
)

func newTestLog(t *testing.T) *EventLog {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	el, err := NewEventLog(t.TempDir(), log)
	if err != nil {
		t.Fatalf("failed to create event log: %v", err)
	}
	t.Cleanup(func() {
		if err := el.Close(); err != nil {
			t.Errorf("failed to close event log: %v", err)
		}
	})
	return el
}

func TestEventLogAppendAssignsDenseIDs(t *testing.T) {
	el := newTestLog(t)

	for want := int64(1); want <= 5; want++ {
		id, err := el.Append("bot", "t1", models.ProgressEvent("step"))
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if id != want {
			t.Errorf("expected id %d, got %d", want, id)
		}
	}

	// A different key gets its own sequence
	id, err := el.Append("bot", "t2", models.ProgressEvent("other"))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if id != 1 {
		t.Errorf("expected id 1 for new key, got %d", id)
	}
}

func TestEventLogReadSince(t *testing.T) {
	el := newTestLog(t)

	payloads := []map[string]interface{}{
		models.SessionEvent("s-A"),
		models.TextStartEvent("c1"),
		models.TextDeltaEvent("c1", "hello"),
		models.TextEndEvent("c1"),
	}
	for _, p := range payloads {
		if _, err := el.Append("bot", "t1", p); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	events, err := el.ReadSince("bot", "t1", 2)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events after id 2, got %d", len(events))
	}
	if events[0].ID != 3 || events[1].ID != 4 {
		t.Errorf("expected ids 3,4 got %d,%d", events[0].ID, events[1].ID)
	}
	if events[0].Type() != models.EventTypeTextDelta {
		t.Errorf("expected text_delta, got %s", events[0].Type())
	}

	all, err := el.ReadAll("bot", "t1")
	if err != nil {
		t.Fatalf("read all failed: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("expected 4 events, got %d", len(all))
	}
}

func TestEventLogMissingFileIsEmpty(t *testing.T) {
	el := newTestLog(t)

	events, err := el.ReadAll("bot", "never-created")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}

func TestEventLogResumesIDsAfterRestart(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	dir := t.TempDir()

	first, err := NewEventLog(dir, log)
	if err != nil {
		t.Fatalf("failed to create event log: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := first.Append("bot", "t1", models.ProgressEvent("x")); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// A fresh instance over the same directory continues the sequence
	second, err := NewEventLog(dir, log)
	if err != nil {
		t.Fatalf("failed to create event log: %v", err)
	}
	defer func() {
		_ = second.Close()
	}()

	id, err := second.Append("bot", "t1", models.ProgressEvent("y"))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if id != 4 {
		t.Errorf("expected id 4 after restart, got %d", id)
	}
}

func TestEventLogSkipsCorruptLines(t *testing.T) {
	el := newTestLog(t)

	if _, err := el.Append("bot", "t1", models.ProgressEvent("one")); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	// Simulate a torn write by appending garbage directly to the file
	path := filepath.Join(el.dir, "bot", "t1.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, filePermissions)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := f.WriteString("{\"id\": 2, \"event\": {\"type\":"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	events, err := el.ReadAll("bot", "t1")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 parseable event, got %d", len(events))
	}
	if events[0].ID != 1 {
		t.Errorf("expected id 1, got %d", events[0].ID)
	}
}

func TestEventLogSanitizesPathComponents(t *testing.T) {
	el := newTestLog(t)

	if _, err := el.Append("bot name!", "req/1", models.ProgressEvent("x")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(el.dir, "botname", "req1.jsonl")); err != nil {
		t.Errorf("expected sanitized file: %v", err)
	}

	// Components that sanitize to nothing or to dot dirs are rejected
	for _, bad := range []string{"///", "..", "??!!"} {
		if _, err := el.Append(bad, "t1", models.ProgressEvent("x")); err == nil {
			t.Errorf("expected error for client id %q", bad)
		} else if models.KindOf(err) != models.KindBadRequest {
			t.Errorf("expected bad-request for %q, got %s", bad, models.KindOf(err))
		}
	}
}

func TestEventLogDeleteSession(t *testing.T) {
	el := newTestLog(t)

	if _, err := el.Append("bot", "t1", models.ProgressEvent("x")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	path := filepath.Join(el.dir, "bot", "t1.jsonl")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected event file: %v", err)
	}

	if err := el.DeleteSession("bot", "t1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected event file to be removed")
	}

	// Deleting again is a no-op
	if err := el.DeleteSession("bot", "t1"); err != nil {
		t.Errorf("second delete should not fail: %v", err)
	}

	// Recreating the key restarts ids from 1
	id, err := el.Append("bot", "t1", models.ProgressEvent("again"))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if id != 1 {
		t.Errorf("expected id 1 after delete, got %d", id)
	}
}

func TestEventLogListSessions(t *testing.T) {
	el := newTestLog(t)

	keys := [][2]string{{"alpha", "r2"}, {"alpha", "r1"}, {"beta", "r1"}}
	for _, k := range keys {
		if _, err := el.Append(k[0], k[1], models.ProgressEvent("x")); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	refs, err := el.ListSessions()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	want := []SessionRef{
		{ClientID: "alpha", RequestID: "r1"},
		{ClientID: "alpha", RequestID: "r2"},
		{ClientID: "beta", RequestID: "r1"},
	}
	if len(refs) != len(want) {
		t.Fatalf("expected %d refs, got %d", len(want), len(refs))
	}
	for i := range want {
		if refs[i] != want[i] {
			t.Errorf("ref %d: expected %v, got %v", i, want[i], refs[i])
		}
	}
}

func TestEventLogConcurrentAppends(t *testing.T) {
	el := newTestLog(t)

	const goroutines = 8
	const perGoroutine = 25

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				if _, err := el.Append("bot", "t1", models.ProgressEvent("x")); err != nil {
					t.Errorf("append failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	events, err := el.ReadAll("bot", "t1")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(events) != goroutines*perGoroutine {
		t.Fatalf("expected %d events, got %d", goroutines*perGoroutine, len(events))
	}
	// Ids must be dense and strictly increasing from 1
	for i, ev := range events {
		if ev.ID != int64(i+1) {
			t.Fatalf("expected id %d at position %d, got %d", i+1, i, ev.ID)
		}
	}
}
