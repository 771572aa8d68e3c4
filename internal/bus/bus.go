// Package bus implements the Change Bus: a process-local fan-out of
// object mutations to every interested listener, keyed by serial. Built
// on a mutex-guarded subscriber slice and a non-blocking publish loop.
// The element type is a Listener interface rather than a bare value
// channel, because a Change Bus subscriber here (the Subscription
// Manager, the Integration Fan-out) needs the serial alongside the batch
// to do its own per-serial matching.
package bus

import (
	"sync"

	"github.com/cjserio/nolongerevil/internal/model"
)

// Listener receives every batch published to the bus. Implementations
// must not block: delivery is non-blocking and best-effort. The
// Subscription Manager and each Integration Fan-out sink satisfy this
// interface.
type Listener interface {
	Notify(serial string, changed []model.Object)
}

// Bus fans out publishes to every registered Listener. It is safe for
// concurrent use by multiple publishers and Subscribe/Unsubscribe
// callers.
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
}

// New creates a ready-to-use Bus.
func New() *Bus { return &Bus{} }

// Subscribe registers a Listener to receive all future publishes. There
// is no replay of past publishes.
func (b *Bus) Subscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Unsubscribe removes a previously registered Listener. It is a no-op if
// l was never subscribed.
func (b *Bus) Unsubscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.listeners {
		if existing == l {
			b.listeners[i] = b.listeners[len(b.listeners)-1]
			b.listeners = b.listeners[:len(b.listeners)-1]
			return
		}
	}
}

// Notify publishes changed to every registered listener. It implements
// store.Publisher so a *Store can be constructed with a *Bus directly.
// A single call corresponds to one Change Bus publish: every listener
// sees the whole batch atomically or not at all.
func (b *Bus) Notify(serial string, changed []model.Object) {
	if len(changed) == 0 {
		return
	}
	b.mu.RLock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		l.Notify(serial, changed)
	}
}
