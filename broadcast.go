package unison

import "sync"

// ConnectionEventKind distinguishes the two lifecycle events a Server
// publishes for every accepted QUIC connection.
type ConnectionEventKind uint8

const (
	ConnectionEstablished ConnectionEventKind = iota
	ConnectionClosed
)

// ConnectionEvent is delivered to every subscriber registered via
// Server.SubscribeConnectionEvents.
type ConnectionEvent struct {
	Kind       ConnectionEventKind
	RemoteAddr string
	Context    *ConnectionContext // nil for ConnectionClosed
}

// eventBroadcaster is a small multi-subscriber fan-out used to deliver
// ConnectionEvent notifications. No pack example library offers a typed
// broadcast primitive (Rust's tokio::sync::broadcast has no direct Go
// ecosystem analogue in this corpus), so this is hand-rolled: a mutex-
// guarded set of per-subscriber buffered channels, each independently
// drained. A slow subscriber drops events rather than blocking the
// publisher, since connection events are advisory.
type eventBroadcaster struct {
	mu   sync.Mutex
	subs map[int]chan ConnectionEvent
	next int
}

func newEventBroadcaster() *eventBroadcaster {
	return &eventBroadcaster{subs: make(map[int]chan ConnectionEvent)}
}

// EventSubscription is a single subscriber's view of the broadcaster.
type EventSubscription struct {
	C      <-chan ConnectionEvent
	cancel func()
}

// Unsubscribe stops delivery to this subscription and releases its
// channel. Idempotent.
func (s *EventSubscription) Unsubscribe() {
	s.cancel()
}

func (b *eventBroadcaster) subscribe() *EventSubscription {
	ch := make(chan ConnectionEvent, 32)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return &EventSubscription{
		C: ch,
		cancel: func() {
			once.Do(func() {
				b.mu.Lock()
				delete(b.subs, id)
				b.mu.Unlock()
			})
		},
	}
}

func (b *eventBroadcaster) publish(ev ConnectionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
