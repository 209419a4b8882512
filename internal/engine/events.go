// Broadcaster fans lifecycle events out to admin observers, supplementing
// the polling-only contract §6 mandates. It is grounded on
// original_source/src/ops.rs's Broadcasters type, which keys one
// tokio::broadcast channel per operation id (subscribe(id)/notify(id, ...))
// rather than one global channel; Broadcaster mirrors that with a single
// fan-out list of buffered Go channels plus SubscribeOperation, which
// filters that fan-out down to one operation id the way the original's
// per-id channel scoped delivery. It is purely additive: nothing in the
// engine depends on a subscriber being present.
package engine

import (
	"encoding/json"
	"sync"
	"time"
)

// LifecycleEvent is one item in the admin event feed.
type LifecycleEvent struct {
	Kind      string          `json:"kind"`
	Item      json.RawMessage `json:"item,omitempty"`
	Operation string          `json:"operation_id,omitempty"`
	State     string          `json:"state,omitempty"`
	Message   string          `json:"message,omitempty"`
	At        time.Time       `json:"at"`
}

// Broadcaster fans LifecycleEvents out to any number of listeners. Each
// listener gets its own buffered channel; a slow or absent listener never
// blocks publication (the channel send is non-blocking and drops on a
// full buffer).
type Broadcaster struct {
	mu        sync.Mutex
	listeners map[chan LifecycleEvent]struct{}
}

// NewBroadcaster builds an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{listeners: make(map[chan LifecycleEvent]struct{})}
}

// Subscribe registers a new listener and returns a channel of events plus
// an unsubscribe function.
func (b *Broadcaster) Subscribe(buffer int) (<-chan LifecycleEvent, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan LifecycleEvent, buffer)

	b.mu.Lock()
	b.listeners[ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.listeners, ch)
		b.mu.Unlock()
		close(ch)
	}
	return ch, unsubscribe
}

// SubscribeOperation registers a listener scoped to a single operation id,
// mirroring the original's per-id broadcast channel: callers only see
// LifecycleEvents carrying that Operation id, never the full feed.
func (b *Broadcaster) SubscribeOperation(id string, buffer int) (<-chan LifecycleEvent, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	all, unsubscribeAll := b.Subscribe(buffer)
	filtered := make(chan LifecycleEvent, buffer)
	done := make(chan struct{})

	go func() {
		defer close(filtered)
		for {
			select {
			case ev, ok := <-all:
				if !ok {
					return
				}
				if ev.Operation != id {
					continue
				}
				select {
				case filtered <- ev:
				default:
				}
			case <-done:
				return
			}
		}
	}()

	unsubscribe := func() {
		unsubscribeAll()
		close(done)
	}
	return filtered, unsubscribe
}

// Publish fans out ev to every current listener, dropping it for any
// listener whose buffer is full rather than blocking the caller.
func (b *Broadcaster) Publish(ev LifecycleEvent) {
	ev.At = time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}
