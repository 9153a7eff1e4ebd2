package client

import (
	"sync"
	"time"

	"github.com/terrafield/relay/internal/domain"
)

// Event identifies a connection lifecycle notification.
type Event string

const (
	// EventConnecting fires when negotiation of any transport begins.
	EventConnecting Event = "connecting"

	// EventConnected fires when a transport reaches open.
	EventConnected Event = "connected"

	// EventDisconnected fires when the active transport closes, cleanly
	// or not.
	EventDisconnected Event = "disconnected"

	// EventReconnectAttempt fires when a scheduled reconnect runs.
	EventReconnectAttempt Event = "reconnect_attempt"

	// EventConnectionFailed fires when a transport exhausts its retry
	// budget. Terminal is set when the permanent fallback itself is
	// unreachable and auto-retry has stopped.
	EventConnectionFailed Event = "connection_failed"
)

// EventInfo carries the details of a lifecycle notification.
type EventInfo struct {
	Transport domain.Transport
	Attempt   int
	Delay     time.Duration
	CloseCode int
	Terminal  bool
	Reason    string
}

// Listener receives lifecycle notifications. Listeners run synchronously
// on the manager's goroutine and must not block.
type Listener func(info EventInfo)

// eventBus is a minimal per-manager subscription table.
type eventBus struct {
	mu        sync.RWMutex
	listeners map[Event][]Listener
}

func newEventBus() *eventBus {
	return &eventBus{listeners: make(map[Event][]Listener)}
}

func (b *eventBus) on(ev Event, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[ev] = append(b.listeners[ev], l)
}

func (b *eventBus) emit(ev Event, info EventInfo) {
	b.mu.RLock()
	ls := b.listeners[ev]
	b.mu.RUnlock()
	for _, l := range ls {
		l(info)
	}
}
