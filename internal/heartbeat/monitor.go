// Package heartbeat implements the per-connection application-level
// liveness probe. Both peers run a monitor: it sends a ping envelope on a
// fixed interval, arms a timeout, and force-closes the connection with a
// distinguished close code when no matching pong arrives.
//
// The application-level heartbeat is authoritative for liveness decisions;
// transport-native ping/pong frames are an optional keep-alive on top.
package heartbeat

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/terrafield/relay/internal/clock"
	"github.com/terrafield/relay/internal/protocol"
)

// Default probe timing.
const (
	DefaultInterval = 25 * time.Second
	DefaultTimeout  = 8 * time.Second
)

// Target is the connection a monitor probes. The server side binds this to
// a registry connection; the client side binds it to the active transport.
type Target interface {
	// SendPing transmits a heartbeat ping envelope with the given id.
	SendPing(pingID string) error

	// MarkDegraded flags the connection as suspect after a missed pong.
	MarkDegraded()

	// MarkAlive records a successful round trip and its measured time.
	MarkAlive(rtt time.Duration)

	// ForceClose terminates the connection; the owning side reacts
	// (client schedules a reconnect, server lets eviction observe it).
	ForceClose(code int, reason string)
}

// record tracks one in-flight ping. It exists only between ping send and
// pong receipt or timeout, and is never persisted.
type record struct {
	pingID string
	sentAt time.Time
	timer  clock.Timer
}

// Monitor probes a single Target. At most one ping is in flight at any
// time; a tick that finds one outstanding does nothing.
type Monitor struct {
	clk      clock.Clock
	interval time.Duration
	timeout  time.Duration
	target   Target
	connID   string

	mu          sync.Mutex
	outstanding *record
	ticker      clock.Ticker
	running     bool
	done        chan struct{}

	lastRTT time.Duration
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval overrides the ping interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithTimeout overrides the pong wait.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.timeout = d }
}

// NewMonitor creates a monitor for one connection.
func NewMonitor(clk clock.Clock, connID string, target Target, opts ...Option) *Monitor {
	m := &Monitor{
		clk:      clk,
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
		target:   target,
		connID:   connID,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins the probe loop. Calling Start on a running monitor is a
// no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.ticker = m.clk.NewTicker(m.interval)
	ticker := m.ticker
	m.mu.Unlock()

	go func() {
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C():
				m.Tick()
			}
		}
	}()
}

// Tick sends one ping unless a record is already outstanding.
func (m *Monitor) Tick() {
	m.mu.Lock()
	if !m.running || m.outstanding != nil {
		m.mu.Unlock()
		return
	}

	rec := &record{
		pingID: uuid.New().String(),
		sentAt: m.clk.Now(),
	}
	rec.timer = m.clk.AfterFunc(m.timeout, func() { m.expire(rec.pingID) })
	m.outstanding = rec
	m.mu.Unlock()

	if err := m.target.SendPing(rec.pingID); err != nil {
		log.Debug().Err(err).Str("connection_id", m.connID).Msg("heartbeat ping failed")
		// Leave the record armed; the timeout escalates the failure.
	}
}

// HandlePong clears the outstanding record if the ping id matches. Pongs
// for stale or unknown pings are ignored.
func (m *Monitor) HandlePong(pingID string) {
	m.mu.Lock()
	rec := m.outstanding
	if rec == nil || rec.pingID != pingID {
		m.mu.Unlock()
		return
	}
	m.outstanding = nil
	rec.timer.Stop()
	rtt := m.clk.Now().Sub(rec.sentAt)
	m.lastRTT = rtt
	m.mu.Unlock()

	m.target.MarkAlive(rtt)
}

// expire fires when the pong deadline passes with no matching pong.
func (m *Monitor) expire(pingID string) {
	m.mu.Lock()
	rec := m.outstanding
	if !m.running || rec == nil || rec.pingID != pingID {
		m.mu.Unlock()
		return
	}
	m.outstanding = nil
	m.mu.Unlock()

	log.Warn().
		Str("connection_id", m.connID).
		Str("ping_id", pingID).
		Dur("timeout", m.timeout).
		Msg("heartbeat timed out")

	m.target.MarkDegraded()
	m.target.ForceClose(protocol.CloseHeartbeatTimeout, "heartbeat timeout")
}

// Outstanding reports whether a ping is in flight.
func (m *Monitor) Outstanding() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outstanding != nil
}

// LastRTT returns the most recent measured round-trip time.
func (m *Monitor) LastRTT() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRTT
}

// Stop cancels the probe loop and any armed timeout. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	if m.outstanding != nil {
		m.outstanding.timer.Stop()
		m.outstanding = nil
	}
	if m.ticker != nil {
		m.ticker.Stop()
	}
	close(m.done)
	m.mu.Unlock()
}
