// Package client implements the connection manager used by browser and
// mobile shells of the field-mapping app. It selects a transport in fixed
// priority order, runs its own heartbeat, reconnects with exponential
// backoff, and falls through to HTTP polling when sockets cannot survive
// the network in between.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/terrafield/relay/internal/clock"
	"github.com/terrafield/relay/internal/domain"
	"github.com/terrafield/relay/internal/heartbeat"
	"github.com/terrafield/relay/internal/protocol"
)

// dialTimeout bounds one transport negotiation.
const dialTimeout = 15 * time.Second

// DefaultMaxAttempts is how many consecutive failures one transport gets
// before the manager advances to the next in priority order.
const DefaultMaxAttempts = 3

type state int

const (
	stateDisconnected state = iota
	stateConnecting
	stateConnected
)

// MessageHandler receives every non-control inbound envelope.
type MessageHandler func(env *protocol.Envelope)

// Manager is the client-side connection state machine.
type Manager struct {
	baseURL  string
	clientID string
	clk      clock.Clock

	backoff      Backoff
	maxAttempts  int
	hbInterval   time.Duration
	hbTimeout    time.Duration
	pollInterval time.Duration

	dial DialFunc

	bus       *eventBus
	onMessage MessageHandler

	mu            sync.Mutex
	st            state
	active        Transport
	gen           uint64 // invalidates callbacks from replaced transports
	transportIdx  int
	attempt       int
	usingFallback bool
	terminated    bool
	manualClose   bool

	reconnectTimer   clock.Timer
	reconnectPending bool

	opened       chan struct{}
	openedClosed bool

	hb     *heartbeat.Monitor
	connID string

	// Abnormal closures are counted separately for diagnostics; they
	// are handled like any other unclean close.
	abnormalCloses int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithBackoff overrides the reconnect delay policy.
func WithBackoff(b Backoff) Option {
	return func(m *Manager) { m.backoff = b }
}

// WithMaxAttempts overrides the per-transport retry budget.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) { m.maxAttempts = n }
}

// WithHeartbeat overrides heartbeat timing.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(m *Manager) {
		m.hbInterval = interval
		m.hbTimeout = timeout
	}
}

// WithPollInterval overrides the HTTP fallback cadence.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.pollInterval = d }
}

// WithDialFunc replaces transport negotiation, for tests.
func WithDialFunc(dial DialFunc) Option {
	return func(m *Manager) { m.dial = dial }
}

// NewManager creates a manager for one client identity. clientID is the
// client-chosen correlation id sent on every negotiation.
func NewManager(baseURL, clientID string, clk clock.Clock, opts ...Option) *Manager {
	m := &Manager{
		baseURL:      baseURL,
		clientID:     clientID,
		clk:          clk,
		backoff:      DefaultBackoff,
		maxAttempts:  DefaultMaxAttempts,
		hbInterval:   heartbeat.DefaultInterval,
		hbTimeout:    heartbeat.DefaultTimeout,
		pollInterval: DefaultPollInterval,
		bus:          newEventBus(),
		st:           stateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dial == nil {
		m.dial = m.defaultDial
	}
	return m
}

// defaultDial negotiates against the real server.
func (m *Manager) defaultDial(ctx context.Context, kind domain.Transport) (Transport, error) {
	switch kind {
	case domain.TransportPrimarySocket, domain.TransportAlternateSocket:
		return dialSocket(ctx, kind, m.baseURL, m.clientID, m.clk.Now())
	case domain.TransportPushStream:
		return dialStream(ctx, m.baseURL, m.clientID, m.clk.Now())
	default:
		return dialPoll(ctx, m.baseURL, m.clientID, m.clk, m.pollInterval)
	}
}

// On subscribes a listener to a lifecycle event.
func (m *Manager) On(ev Event, l Listener) {
	m.bus.on(ev, l)
}

// SetMessageHandler binds the receiver for non-control envelopes.
func (m *Manager) SetMessageHandler(h MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = h
}

// Connect starts transport negotiation in priority order and blocks until
// any transport reaches open (true) or ctx is cancelled (false). The
// manager itself never gives up while ctx lives: it keeps retrying per the
// backoff policy, advancing through the fallback order.
func (m *Manager) Connect(ctx context.Context) bool {
	m.mu.Lock()
	switch m.st {
	case stateConnected:
		m.mu.Unlock()
		return true
	case stateConnecting:
		ch := m.opened
		m.mu.Unlock()
		select {
		case <-ch:
			return true
		case <-ctx.Done():
			return false
		}
	}

	m.st = stateConnecting
	m.manualClose = false
	m.terminated = false
	m.transportIdx = 0
	m.attempt = 0
	m.usingFallback = false
	m.opened = make(chan struct{})
	m.openedClosed = false
	ch := m.opened
	m.mu.Unlock()

	m.bus.emit(EventConnecting, EventInfo{Transport: domain.FallbackOrder[0]})
	go m.attemptConnect()

	select {
	case <-ch:
		return true
	case <-ctx.Done():
		m.Disconnect()
		return false
	}
}

// Disconnect cancels all pending timers and reconnect attempts, closes the
// active transport with the clean-close code, and returns the manager to
// disconnected. Calling it again is a no-op.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	alreadyIdle := m.st == stateDisconnected && m.active == nil && !m.reconnectPending
	m.manualClose = true
	m.st = stateDisconnected
	m.gen++
	timer := m.reconnectTimer
	m.reconnectTimer = nil
	m.reconnectPending = false
	hb := m.hb
	m.hb = nil
	active := m.active
	m.active = nil
	m.mu.Unlock()

	if alreadyIdle {
		return
	}
	if timer != nil {
		timer.Stop()
	}
	if hb != nil {
		hb.Stop()
	}
	if active != nil {
		active.Close(protocol.CloseNormal, "client disconnect")
	}
	m.bus.emit(EventDisconnected, EventInfo{CloseCode: protocol.CloseNormal, Reason: "manual disconnect"})
}

// Send serializes and transmits a message on the active transport.
// Returns false, without error, when no transport is open.
func (m *Manager) Send(msgType string, payload interface{}) bool {
	env, err := protocol.New(msgType, m.clientID, payload)
	if err != nil {
		log.Warn().Err(err).Str("type", msgType).Msg("send payload rejected")
		return false
	}
	return m.SendEnvelope(env)
}

// SendEnvelope transmits an already-constructed envelope.
func (m *Manager) SendEnvelope(env *protocol.Envelope) bool {
	m.mu.Lock()
	active := m.active
	open := m.st == stateConnected
	m.mu.Unlock()

	if !open || active == nil {
		return false
	}

	data, err := env.Encode()
	if err != nil {
		log.Warn().Err(err).Msg("envelope encode failed")
		return false
	}
	if err := active.Send(data); err != nil {
		log.Debug().Err(err).Msg("send failed")
		return false
	}
	return true
}

// Connected reports whether a transport is open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st == stateConnected
}

// UsingFallback reports whether the manager has left the primary
// transport.
func (m *Manager) UsingFallback() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usingFallback
}

// ActiveTransport returns the kind of the open transport, if any.
func (m *Manager) ActiveTransport() (domain.Transport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return "", false
	}
	return m.active.Kind(), true
}

// ConnectionID returns the server-assigned connection id of the current
// session, empty until connection_established arrives.
func (m *Manager) ConnectionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connID
}

// AbnormalCloses returns the diagnostic count of closures observed with no
// closing handshake.
func (m *Manager) AbnormalCloses() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.abnormalCloses
}

// attemptConnect negotiates the currently selected transport once.
func (m *Manager) attemptConnect() {
	m.mu.Lock()
	if m.manualClose || m.terminated || m.st == stateConnected {
		m.mu.Unlock()
		return
	}
	kind := domain.FallbackOrder[m.transportIdx]
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	t, err := m.dial(ctx, kind)
	cancel()
	if err != nil {
		log.Debug().Err(err).Str("transport", string(kind)).Msg("negotiation failed")
		m.handleFailure(kind, 0)
		return
	}
	m.adopt(t)
}

// adopt installs a freshly negotiated transport as active.
func (m *Manager) adopt(t Transport) {
	m.mu.Lock()
	if m.manualClose || m.terminated {
		m.mu.Unlock()
		t.Close(protocol.CloseNormal, "client disconnect")
		return
	}
	m.gen++
	gen := m.gen
	m.active = t
	m.st = stateConnected
	m.attempt = 0 // resets the moment the connection is open
	m.usingFallback = m.transportIdx > 0
	if !m.openedClosed && m.opened != nil {
		close(m.opened)
		m.openedClosed = true
	}
	m.mu.Unlock()

	t.Run(
		func(data []byte) { m.handleFrame(gen, data) },
		func(code int) { m.handleClosed(gen, t.Kind(), code) },
	)

	mon := heartbeat.NewMonitor(m.clk, m.clientID, &clientTarget{m: m, gen: gen},
		heartbeat.WithInterval(m.hbInterval),
		heartbeat.WithTimeout(m.hbTimeout),
	)
	m.mu.Lock()
	m.hb = mon
	m.mu.Unlock()
	mon.Start()

	log.Info().Str("transport", string(t.Kind())).Msg("connected")
	m.bus.emit(EventConnected, EventInfo{Transport: t.Kind()})
}

// handleFrame processes one inbound frame from the active transport.
func (m *Manager) handleFrame(gen uint64, data []byte) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	hb := m.hb
	onMessage := m.onMessage
	m.mu.Unlock()

	env, err := protocol.Decode(data)
	if err != nil {
		log.Debug().Err(err).Msg("malformed inbound frame")
		return
	}

	switch env.Type {
	case protocol.TypeHeartbeat:
		var p protocol.HeartbeatPayload
		if err := env.DecodePayload(&p); err != nil {
			return
		}
		switch p.Action {
		case protocol.HeartbeatPing:
			pong := protocol.NewHeartbeat(m.clientID, protocol.HeartbeatPong, p.PingID)
			m.SendEnvelope(pong)
		case protocol.HeartbeatPong:
			if hb != nil {
				hb.HandlePong(p.PingID)
			}
		}

	case protocol.TypeConnectionEstablished:
		var p protocol.ConnectionEstablishedPayload
		if err := env.DecodePayload(&p); err == nil {
			m.mu.Lock()
			m.connID = p.ConnectionID
			m.mu.Unlock()
		}

	case protocol.TypeServerReconnecting, protocol.TypeServerShutdown:
		// The server will close the transport; reconnection is driven
		// by the close itself.
		log.Info().Str("type", env.Type).Msg("server notice")

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := env.DecodePayload(&p); err == nil {
			log.Warn().Int("code", p.Code).Str("message", p.Message).Msg("server error")
		}

	default:
		if onMessage != nil {
			onMessage(env)
		}
	}
}

// handleClosed reacts to the active transport dying.
func (m *Manager) handleClosed(gen uint64, kind domain.Transport, code int) {
	m.mu.Lock()
	if gen != m.gen || m.manualClose {
		m.mu.Unlock()
		return
	}
	m.active = nil
	m.connID = ""
	hb := m.hb
	m.hb = nil
	if code == protocol.CloseAbnormal {
		m.abnormalCloses++
	}
	clean := protocol.IsCleanClose(code)
	if clean {
		m.st = stateDisconnected
	} else {
		m.st = stateConnecting
	}
	m.mu.Unlock()

	if hb != nil {
		hb.Stop()
	}

	log.Info().Str("transport", string(kind)).Int("code", code).Msg("disconnected")
	m.bus.emit(EventDisconnected, EventInfo{Transport: kind, CloseCode: code})

	if clean {
		return
	}
	m.handleFailure(kind, code)
}

// handleFailure counts one failure on a transport and decides what happens
// next: a backoff-delayed retry, advancing to the next transport, or, once
// the permanent fallback itself is exhausted, giving up until the caller
// reconnects manually.
func (m *Manager) handleFailure(kind domain.Transport, code int) {
	m.mu.Lock()
	if m.manualClose || m.terminated || m.reconnectPending || m.st == stateConnected {
		m.mu.Unlock()
		return
	}
	m.attempt++
	failures := m.attempt

	if failures >= m.maxAttempts {
		lastTransport := m.transportIdx == len(domain.FallbackOrder)-1
		if lastTransport {
			m.terminated = true
			m.st = stateDisconnected
			m.mu.Unlock()
			log.Warn().Str("transport", string(kind)).Int("failures", failures).
				Msg("permanent fallback unreachable, stopping auto-retry")
			m.bus.emit(EventConnectionFailed, EventInfo{
				Transport: kind,
				Attempt:   failures,
				CloseCode: code,
				Terminal:  true,
				Reason:    "all transports exhausted",
			})
			return
		}

		m.transportIdx++
		m.attempt = 0
		m.usingFallback = true
		next := domain.FallbackOrder[m.transportIdx]
		m.mu.Unlock()

		log.Warn().
			Str("transport", string(kind)).
			Str("next", string(next)).
			Int("failures", failures).
			Msg("transport exhausted, advancing to fallback")
		m.bus.emit(EventConnectionFailed, EventInfo{
			Transport: kind,
			Attempt:   failures,
			CloseCode: code,
			Reason:    "transport exhausted",
		})
		m.armReconnect(m.backoff.Delay(1), 1)
		return
	}

	delay := m.backoff.Delay(failures)
	m.mu.Unlock()
	m.armReconnect(delay, failures)
}

// armReconnect schedules one reconnect attempt. The pending guard keeps
// two concurrent schedules from racing.
func (m *Manager) armReconnect(delay time.Duration, attempt int) {
	m.mu.Lock()
	if m.manualClose || m.terminated || m.reconnectPending {
		m.mu.Unlock()
		return
	}
	m.reconnectPending = true
	m.st = stateConnecting
	kind := domain.FallbackOrder[m.transportIdx]
	m.reconnectTimer = m.clk.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectPending = false
		m.reconnectTimer = nil
		m.mu.Unlock()

		m.bus.emit(EventReconnectAttempt, EventInfo{
			Transport: kind,
			Attempt:   attempt,
			Delay:     delay,
		})
		m.attemptConnect()
	})
	m.mu.Unlock()

	log.Debug().
		Str("transport", string(kind)).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("reconnect scheduled")
}

// clientTarget adapts the manager's active transport to the heartbeat
// monitor.
type clientTarget struct {
	m   *Manager
	gen uint64
}

func (t *clientTarget) SendPing(pingID string) error {
	ping := protocol.NewHeartbeat(t.m.clientID, protocol.HeartbeatPing, pingID)
	if !t.m.SendEnvelope(ping) {
		return domain.ErrNoTransport
	}
	return nil
}

func (t *clientTarget) MarkDegraded() {
	log.Warn().Msg("connection degraded: heartbeat missed")
}

func (t *clientTarget) MarkAlive(rtt time.Duration) {
	log.Trace().Dur("rtt", rtt).Msg("heartbeat round trip")
}

func (t *clientTarget) ForceClose(code int, reason string) {
	t.m.mu.Lock()
	if t.gen != t.m.gen {
		t.m.mu.Unlock()
		return
	}
	active := t.m.active
	t.m.mu.Unlock()

	if active != nil {
		active.Close(code, reason)
	}
}
