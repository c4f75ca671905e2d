package events

import (
	"sync"
	"time"
)

// Kind names an observable state transition.
type Kind string

const (
	CircuitTripped  Kind = "circuit_tripped"
	CircuitHalfOpen Kind = "circuit_half_open"
	CircuitClosed   Kind = "circuit_closed"
	TreasuryHealth  Kind = "treasury_health"
)

// Event is emitted on circuit transitions and treasury health crossings.
type Event struct {
	Kind    Kind
	Reason  string
	At      time.Time
	Message string
	Fields  map[string]string
}

// Listener receives events synchronously on the emitting goroutine.
// Implementations must not block.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

// OnEvent calls f(e).
func (f ListenerFunc) OnEvent(e Event) { f(e) }

// Bus holds a set of listeners. The zero value is ready to use.
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
}

// Subscribe registers l for all future events.
func (b *Bus) Subscribe(l Listener) {
	if l == nil {
		return
	}
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

// Emit delivers each event to every listener in registration order.
func (b *Bus) Emit(evs ...Event) {
	if len(evs) == 0 {
		return
	}
	b.mu.RLock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, e := range evs {
		for _, l := range listeners {
			l.OnEvent(e)
		}
	}
}
