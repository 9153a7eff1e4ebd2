// Package registry holds the authoritative set of live connections on the
// server. It supports lookup, snapshot iteration for broadcast, and idle
// eviction. A registry is owned by one endpoint instance and passed by
// reference; there are no package-level singletons.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/terrafield/relay/internal/domain"
)

// Link is the transport half of a connection: what the registry and the
// heartbeat monitor need in order to deliver frames and close the channel.
// The endpoint supplies one per accepted transport.
type Link interface {
	// Deliver queues a frame for the peer. It never blocks; a full
	// buffer is a delivery failure for this frame only.
	Deliver(data []byte) error

	// Close terminates the underlying transport with the given close
	// code and reason. Safe to call more than once.
	Close(code int, reason string) error
}

// Connection is a live server-side connection. It is created on successful
// transport negotiation and mutated only by the heartbeat monitor (status,
// last activity) and by explicit close or eviction.
type Connection struct {
	id        string
	clientID  string
	transport domain.Transport
	createdAt time.Time
	link      Link

	status       atomic.String
	lastActivity atomic.Time
	reconnects   atomic.Int32

	closeOnce sync.Once
}

// NewConnection creates a connection in the connecting state with a fresh
// server-assigned id. clientID is the client-chosen correlation id from the
// negotiation query string.
func NewConnection(clientID string, transport domain.Transport, link Link, now time.Time) *Connection {
	c := &Connection{
		id:        uuid.New().String(),
		clientID:  clientID,
		transport: transport,
		createdAt: now,
		link:      link,
	}
	c.status.Store(string(domain.StatusConnecting))
	c.lastActivity.Store(now)
	return c
}

// ID returns the server-assigned connection id.
func (c *Connection) ID() string { return c.id }

// ClientID returns the client-chosen correlation id.
func (c *Connection) ClientID() string { return c.clientID }

// Transport returns the transport kind carrying this connection.
func (c *Connection) Transport() domain.Transport { return c.transport }

// CreatedAt returns when the connection was negotiated.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// Link returns the transport half of the connection.
func (c *Connection) Link() Link { return c.link }

// Status returns the current lifecycle state.
func (c *Connection) Status() domain.Status {
	return domain.Status(c.status.Load())
}

// SetStatus moves the connection through its state machine. Transitions the
// machine does not permit are ignored, so a late heartbeat cannot resurrect
// a closed connection.
func (c *Connection) SetStatus(to domain.Status) bool {
	for {
		from := domain.Status(c.status.Load())
		if !domain.CanTransition(from, to) {
			return false
		}
		if c.status.CompareAndSwap(string(from), string(to)) {
			if to == domain.StatusOpen {
				c.reconnects.Store(0)
			}
			return true
		}
	}
}

// LastActivity returns the time of the most recent frame or heartbeat.
func (c *Connection) LastActivity() time.Time {
	return c.lastActivity.Load()
}

// Touch records peer activity.
func (c *Connection) Touch(now time.Time) {
	c.lastActivity.Store(now)
}

// IsOpen reports whether the connection accepts deliveries.
func (c *Connection) IsOpen() bool {
	return c.Status() == domain.StatusOpen
}

// Deliver sends a frame if the connection is open or degraded.
func (c *Connection) Deliver(data []byte) error {
	switch c.Status() {
	case domain.StatusOpen, domain.StatusDegraded:
		return c.link.Deliver(data)
	default:
		return domain.ErrConnectionClosed
	}
}

// Close moves the connection to closed and releases the transport exactly
// once. Later calls are no-ops.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.SetStatus(domain.StatusClosing)
		c.SetStatus(domain.StatusClosed)
		_ = c.link.Close(code, reason)
	})
}
