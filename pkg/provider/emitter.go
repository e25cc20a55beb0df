package provider

import (
	"log/slog"
	"sync"
	"time"
)

// Handler receives events of the kind it was registered for
type Handler func(Event)

// ListenerID identifies a registered handler or subscription
type ListenerID uint64

type handlerEntry struct {
	id ListenerID
	h  Handler
}

// Emitter is the typed pub/sub hub adapters embed. Emit is synchronous:
// handlers run on the emitting goroutine, outside the emitter's lock, so a
// handler may call back into the adapter.
type Emitter struct {
	logger *slog.Logger

	mu       sync.RWMutex
	nextID   ListenerID
	handlers map[EventKind][]handlerEntry
	subs     map[ListenerID]chan Event
	sealed   bool
}

// NewEmitter creates an open emitter
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		logger:   logger,
		handlers: make(map[EventKind][]handlerEntry),
		subs:     make(map[ListenerID]chan Event),
	}
}

// On registers h for kind
func (e *Emitter) On(kind EventKind, h Handler) ListenerID {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	e.handlers[kind] = append(e.handlers[kind], handlerEntry{id: e.nextID, h: h})
	return e.nextID
}

// Off removes the handler registered under id. Unknown ids are ignored.
func (e *Emitter) Off(kind EventKind, id ListenerID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	list := e.handlers[kind]
	for i, entry := range list {
		if entry.id == id {
			e.handlers[kind] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Subscribe returns a channel receiving every event. A full channel drops
// the event for that subscriber only. cancel unsubscribes and closes the
// channel; it is safe to call more than once.
func (e *Emitter) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs[id] = ch
	e.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Emit delivers ev to subscribers and then to the handlers of ev.Kind.
// A panicking handler is logged and does not stop delivery to the others.
func (e *Emitter) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	e.mu.RLock()
	if e.sealed {
		e.mu.RUnlock()
		return
	}
	for id, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			e.logger.Warn("event subscriber full, dropping event", "subscriber", id, "event", ev.Kind)
		}
	}
	list := make([]handlerEntry, len(e.handlers[ev.Kind]))
	copy(list, e.handlers[ev.Kind])
	e.mu.RUnlock()

	for _, entry := range list {
		e.call(entry, ev)
	}
}

// call runs one handler, recovering a panic
func (e *Emitter) call(entry handlerEntry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked", "event", ev.Kind, "listener", entry.id, "panic", r)
		}
	}()
	entry.h(ev)
}

// Close seals the emitter: later Emit calls are no-ops. Registered handlers
// and subscriptions are kept for the next session.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sealed = true
}

// Reopen re-enables emission after Close
func (e *Emitter) Reopen() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sealed = false
}

// Sealed reports whether emission is disabled
func (e *Emitter) Sealed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sealed
}
