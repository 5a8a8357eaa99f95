package service

import (
	"sync"

	"go.uber.org/zap"

	"github.com/taskstream/taskstream/internal/common/logger"
	"github.com/taskstream/taskstream/internal/common/metrics"
	"github.com/taskstream/taskstream/internal/task/models"
)

// defaultListenerBuffer is how many events a listener may lag behind
// before it is dropped.
const defaultListenerBuffer = 256

// Listener receives the live event stream of a single task. Its channel
// is closed when the task finalizes, the listener is removed, or it
// falls too far behind.
type Listener struct {
	mu     sync.Mutex
	closed bool
	events chan models.Event
}

// Events returns the channel the listener's events arrive on. The
// channel is closed when no further events will be delivered.
func (l *Listener) Events() <-chan models.Event {
	return l.events
}

// send offers the event without blocking. It reports false when the
// buffer is full or the listener is already closed.
func (l *Listener) send(event models.Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	select {
	case l.events <- event:
		return true
	default:
		return false
	}
}

// close closes the event channel exactly once.
func (l *Listener) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	close(l.events)
}

// listenerSet holds the active listeners of one task.
type listenerSet struct {
	mu        sync.Mutex
	listeners map[*Listener]struct{}
	closed    bool
}

// Listeners fans task events out to per-task listener sets. Sends never
// block: a listener whose buffer is full is closed and dropped so one
// stalled consumer cannot hold back the others.
type Listeners struct {
	logger *logger.Logger
	buffer int

	mu   sync.Mutex
	sets map[string]*listenerSet
}

// NewListeners creates an empty listener registry. buffer is the
// per-listener channel capacity; zero selects the default.
func NewListeners(buffer int, log *logger.Logger) *Listeners {
	if buffer <= 0 {
		buffer = defaultListenerBuffer
	}
	return &Listeners{
		logger: log,
		buffer: buffer,
		sets:   make(map[string]*listenerSet),
	}
}

// Add registers a new listener for the task key and returns it. When
// the task has already finalized the returned listener is closed.
func (ls *Listeners) Add(key string) *Listener {
	l := &Listener{events: make(chan models.Event, ls.buffer)}

	ls.mu.Lock()
	set, ok := ls.sets[key]
	if !ok {
		set = &listenerSet{listeners: make(map[*Listener]struct{})}
		ls.sets[key] = set
	}
	ls.mu.Unlock()

	set.mu.Lock()
	if set.closed {
		set.mu.Unlock()
		l.close()
		return l
	}
	set.listeners[l] = struct{}{}
	set.mu.Unlock()
	return l
}

// Remove detaches the listener and closes its channel. Removing a
// listener that is already gone is a no-op.
func (ls *Listeners) Remove(key string, l *Listener) {
	ls.mu.Lock()
	set := ls.sets[key]
	ls.mu.Unlock()

	if set != nil {
		set.mu.Lock()
		delete(set.listeners, l)
		set.mu.Unlock()
	}
	l.close()
}

// Broadcast delivers the event to every listener of the task. Listeners
// that cannot take the event immediately are closed and dropped.
func (ls *Listeners) Broadcast(key string, event models.Event) {
	ls.mu.Lock()
	set := ls.sets[key]
	ls.mu.Unlock()
	if set == nil {
		return
	}

	var dropped []*Listener
	set.mu.Lock()
	for l := range set.listeners {
		if !l.send(event) {
			delete(set.listeners, l)
			dropped = append(dropped, l)
		}
	}
	set.mu.Unlock()

	for _, l := range dropped {
		l.close()
		metrics.ListenersDropped.Inc()
		ls.logger.Warn("Dropped slow task listener",
			zap.String("task", key),
			zap.Int64("event_id", event.ID))
	}
}

// Send delivers an event to a single listener without blocking. It
// reports whether the event was accepted.
func (ls *Listeners) Send(l *Listener, event models.Event) bool {
	return l.send(event)
}

// CloseAll closes every listener of the task and marks the set closed
// so late Add calls hand back an already-closed listener.
func (ls *Listeners) CloseAll(key string) {
	ls.mu.Lock()
	set := ls.sets[key]
	delete(ls.sets, key)
	ls.mu.Unlock()
	if set == nil {
		return
	}

	set.mu.Lock()
	set.closed = true
	listeners := set.listeners
	set.listeners = make(map[*Listener]struct{})
	set.mu.Unlock()

	for l := range listeners {
		l.close()
	}
}

// Count reports how many listeners the task currently has.
func (ls *Listeners) Count(key string) int {
	ls.mu.Lock()
	set := ls.sets[key]
	ls.mu.Unlock()
	if set == nil {
		return 0
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.listeners)
}
