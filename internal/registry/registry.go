package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/terrafield/relay/internal/clock"
	"github.com/terrafield/relay/internal/domain"
	"github.com/terrafield/relay/internal/protocol"
)

// Registry is the authoritative set of live connections. All iteration for
// broadcast or cleanup happens over a snapshot copy, never the live map, so
// handlers may add or remove connections while a sweep is in progress.
type Registry struct {
	clk         clock.Clock
	idleTimeout time.Duration

	mu    sync.RWMutex
	conns map[string]*Connection

	// evicted remembers every id that has ever been removed. A removed
	// id can never be reinserted; reconnection allocates a new id.
	evicted map[string]struct{}

	onRemove func(*Connection)

	sweeper  clock.Ticker
	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a Registry.
type Option func(*Registry)

// WithIdleTimeout overrides the idle eviction threshold.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) { r.idleTimeout = d }
}

// WithOnRemove sets a callback invoked after a connection is removed, for
// presence broadcasts and heartbeat teardown.
func WithOnRemove(fn func(*Connection)) Option {
	return func(r *Registry) { r.onRemove = fn }
}

// SetOnRemove replaces the removal callback. The endpoint binds this after
// construction, once both sides exist.
func (r *Registry) SetOnRemove(fn func(*Connection)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = fn
}

// DefaultIdleTimeout is how long a connection may stay silent before it is
// evicted and closed with the clean-close code.
const DefaultIdleTimeout = 2 * time.Minute

// New creates an empty registry.
func New(clk clock.Clock, opts ...Option) *Registry {
	r := &Registry{
		clk:         clk,
		idleTimeout: DefaultIdleTimeout,
		conns:       make(map[string]*Connection),
		evicted:     make(map[string]struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers a connection. It rejects duplicate ids and ids that were
// previously removed.
func (r *Registry) Add(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, gone := r.evicted[c.ID()]; gone {
		return domain.ErrConnectionEvicted
	}
	if _, dup := r.conns[c.ID()]; dup {
		return domain.ErrDuplicateConnection
	}
	r.conns[c.ID()] = c
	return nil
}

// Get returns the connection with the given id, if registered.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// GetByClientID returns the most recently created connection for a client
// correlation id. Poll delivery is keyed by client, not connection.
func (r *Registry) GetByClientID(clientID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Connection
	for _, c := range r.conns {
		if c.ClientID() != clientID {
			continue
		}
		if best == nil || c.CreatedAt().After(best.CreatedAt()) {
			best = c
		}
	}
	return best, best != nil
}

// Remove unregisters a connection and tombstones its id. It returns the
// removed connection, or nil if the id was not registered.
func (r *Registry) Remove(id string) *Connection {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.evicted[id] = struct{}{}
	onRemove := r.onRemove
	r.mu.Unlock()

	if ok && onRemove != nil {
		onRemove(c)
	}
	return c
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// OpenCount returns the number of connections currently open.
func (r *Registry) OpenCount() int {
	n := 0
	for _, c := range r.Snapshot() {
		if c.IsOpen() {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of the current connection set. Safe to iterate
// while the registry is concurrently mutated.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// StartSweeper begins periodic idle eviction.
func (r *Registry) StartSweeper(interval time.Duration) {
	r.sweeper = r.clk.NewTicker(interval)
	go func() {
		for {
			select {
			case <-r.done:
				return
			case <-r.sweeper.C():
				r.SweepIdle()
			}
		}
	}()
}

// SweepIdle evicts every connection whose last activity is older than the
// idle timeout, closing it with the clean-close code.
func (r *Registry) SweepIdle() int {
	now := r.clk.Now()
	evicted := 0
	for _, c := range r.Snapshot() {
		if now.Sub(c.LastActivity()) <= r.idleTimeout {
			continue
		}
		log.Info().
			Str("connection_id", c.ID()).
			Str("client_id", c.ClientID()).
			Time("last_activity", c.LastActivity()).
			Msg("evicting idle connection")
		c.Close(protocol.CloseNormal, "idle timeout")
		r.Remove(c.ID())
		evicted++
	}
	return evicted
}

// Clear removes every connection without closing links; callers close them
// first during shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	for id := range r.conns {
		r.evicted[id] = struct{}{}
		delete(r.conns, id)
	}
	r.mu.Unlock()
}

// Stop halts the sweeper.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		if r.sweeper != nil {
			r.sweeper.Stop()
		}
	})
}
