// Package eventbus is a small typed pub/sub for the four events the
// crawler core emits: migrating, aborting, persistState, and
// configChanged. Constructed explicitly and passed to the crawler
// core, rather than a process-wide singleton, per the "event bus as an
// explicit capability" design note.
package eventbus

import "sync"

// Event names the four signals the core emits.
type Event string

const (
	// Migrating signals an imminent host migration; subscribers should
	// persist their state.
	Migrating Event = "migrating"
	// Aborting signals the crawler is aborting; subscribers should
	// stop issuing new work.
	Aborting Event = "aborting"
	// PersistState is a periodic request to snapshot state.
	PersistState Event = "persistState"
	// ConfigChanged signals a hot-reloaded configuration change.
	ConfigChanged Event = "configChanged"
)

// Bus is a typed, channel-based broadcast hub: each Subscribe call
// gets its own buffered channel, the same connection-keyed broadcast
// shape adminserver.Hub uses for websocket connections, generalized to
// plain Go channels.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]chan struct{}
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{subs: make(map[Event][]chan struct{})}
}

// Subscribe returns a channel that receives a value each time Publish
// is called for event. unsubscribe must be called to release the
// channel when the subscriber is done.
func (b *Bus) Subscribe(event Event) (ch <-chan struct{}, unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := make(chan struct{}, 1)
	b.subs[event] = append(b.subs[event], c)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[event]
		for i, sub := range subs {
			if sub == c {
				b.subs[event] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return c, unsub
}

// Publish notifies all current subscribers of event. Delivery is
// non-blocking: a subscriber that hasn't drained its previous
// notification does not block the publisher.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[event] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
