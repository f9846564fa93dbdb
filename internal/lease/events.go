package lease

import (
	"sync"
	"time"
)

// ErrorEvent is delivered to OnError listeners: query timeouts and
// connection faults observed on a leased handle.
type ErrorEvent struct {
	PoolID  string
	LeaseID string
	PID     int64
	Err     error
	At      time.Time
}

// StatusKind names a lease lifecycle transition.
type StatusKind string

const (
	StatusAcquired      StatusKind = "acquired"
	StatusAcquireFailed StatusKind = "acquire_failed"
	StatusReleased      StatusKind = "released"
	StatusDiscarded     StatusKind = "discarded"
	StatusDisposed      StatusKind = "disposed"
)

// StatusEvent is delivered to OnStatusChanged listeners.
type StatusEvent struct {
	PoolID  string
	LeaseID string
	Kind    StatusKind
	Active  int
	At      time.Time
}

// listeners is a registry of typed callbacks. Callbacks run synchronously
// on the goroutine that produced the event, outside any manager lock.
type listeners[E any] struct {
	mu     sync.Mutex
	nextID uint64
	fns    map[uint64]func(E)
}

func (l *listeners[E]) add(fn func(E)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[uint64]func(E))
	}
	l.nextID++
	id := l.nextID
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners[E]) emit(ev E) {
	l.mu.Lock()
	fns := make([]func(E), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// OnError registers fn for error events and returns a function that
// unregisters it.
func (m *Manager) OnError(fn func(ErrorEvent)) (unsubscribe func()) {
	return m.errorListeners.add(fn)
}

// OnStatusChanged registers fn for lease status events and returns a
// function that unregisters it.
func (m *Manager) OnStatusChanged(fn func(StatusEvent)) (unsubscribe func()) {
	return m.statusListeners.add(fn)
}
