package service

import (
	"testing"
	"time"

	"github.com/taskstream/taskstream/internal/common/logger"
	"github.com/taskstream/taskstream/internal/task/models"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func testEvent(id int64) models.Event {
	return models.Event{ID: id, Payload: models.ProgressEvent("tick")}
}

func TestListenersBroadcast(t *testing.T) {
	ls := NewListeners(8, newTestLogger(t))

	a := ls.Add("bot/1")
	b := ls.Add("bot/1")
	other := ls.Add("bot/2")

	ls.Broadcast("bot/1", testEvent(1))
	ls.Broadcast("bot/1", testEvent(2))

	for name, l := range map[string]*Listener{"a": a, "b": b} {
		for want := int64(1); want <= 2; want++ {
			select {
			case ev := <-l.Events():
				if ev.ID != want {
					t.Errorf("listener %s: got event id %d, want %d", name, ev.ID, want)
				}
			case <-time.After(time.Second):
				t.Fatalf("listener %s: timed out waiting for event %d", name, want)
			}
		}
	}

	select {
	case ev := <-other.Events():
		t.Errorf("listener on other task received event %d", ev.ID)
	default:
	}
}

func TestListenersSlowConsumerDropped(t *testing.T) {
	ls := NewListeners(2, newTestLogger(t))

	slow := ls.Add("bot/1")
	fast := ls.Add("bot/1")

	// Fill the slow listener's buffer, then overflow it.
	for i := int64(1); i <= 3; i++ {
		ls.Broadcast("bot/1", testEvent(i))
		// Keep the fast listener drained so only slow overflows.
		select {
		case <-fast.Events():
		case <-time.After(time.Second):
			t.Fatalf("fast listener missed event %d", i)
		}
	}

	if got := ls.Count("bot/1"); got != 1 {
		t.Errorf("Count = %d after drop, want 1", got)
	}

	// The slow listener keeps its buffered events and then sees a close.
	var received int
	for range slow.Events() {
		received++
	}
	if received != 2 {
		t.Errorf("slow listener received %d events, want 2 buffered", received)
	}

	// The fast listener is still attached and receiving.
	ls.Broadcast("bot/1", testEvent(4))
	select {
	case ev := <-fast.Events():
		if ev.ID != 4 {
			t.Errorf("fast listener got id %d after drop, want 4", ev.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("fast listener stopped receiving after slow drop")
	}
}

func TestListenersRemove(t *testing.T) {
	ls := NewListeners(4, newTestLogger(t))
	l := ls.Add("bot/1")

	ls.Remove("bot/1", l)
	if _, open := <-l.Events(); open {
		t.Error("expected closed channel after Remove")
	}
	if got := ls.Count("bot/1"); got != 0 {
		t.Errorf("Count = %d after Remove, want 0", got)
	}

	// Removing twice must not panic.
	ls.Remove("bot/1", l)

	// Broadcast to a task whose set is now empty is a no-op.
	ls.Broadcast("bot/1", testEvent(1))
}

func TestListenersCloseAll(t *testing.T) {
	ls := NewListeners(4, newTestLogger(t))
	a := ls.Add("bot/1")
	b := ls.Add("bot/1")

	ls.Broadcast("bot/1", testEvent(1))
	ls.CloseAll("bot/1")

	// Buffered events remain readable, then the channel closes.
	for name, l := range map[string]*Listener{"a": a, "b": b} {
		ev, open := <-l.Events()
		if !open || ev.ID != 1 {
			t.Errorf("listener %s: got (%v, %v), want buffered event 1", name, ev.ID, open)
		}
		if _, open := <-l.Events(); open {
			t.Errorf("listener %s: channel still open after CloseAll", name)
		}
	}

	if got := ls.Count("bot/1"); got != 0 {
		t.Errorf("Count = %d after CloseAll, want 0", got)
	}

	// A listener added after CloseAll starts a fresh set; it receives
	// nothing from the finished run but is usable for replay-style reads.
	late := ls.Add("bot/1")
	if ok := ls.Send(late, testEvent(0)); !ok {
		t.Error("Send to fresh listener failed")
	}
	select {
	case ev := <-late.Events():
		if ev.ID != 0 {
			t.Errorf("late listener got id %d, want 0", ev.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("late listener did not receive sent event")
	}
}

func TestListenersSendAfterClose(t *testing.T) {
	ls := NewListeners(4, newTestLogger(t))
	l := ls.Add("bot/1")
	ls.CloseAll("bot/1")

	// Send on a closed listener reports failure instead of panicking.
	if ok := ls.Send(l, testEvent(1)); ok {
		t.Error("Send succeeded on closed listener")
	}
}
