// Package endpoint implements the server-side transport multiplexer. A
// single negotiation entry point routes upgrade and fallback requests by
// logical path (primary socket, alternate socket, push stream, HTTP poll)
// and hands every accepted connection to the registry. Access control is an
// external collaborator's concern; negotiation always accepts.
package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/terrafield/relay/internal/clock"
	"github.com/terrafield/relay/internal/domain"
	"github.com/terrafield/relay/internal/heartbeat"
	"github.com/terrafield/relay/internal/protocol"
	"github.com/terrafield/relay/internal/registry"
	msgrouter "github.com/terrafield/relay/internal/router"
)

// Logical paths multiplexed by the endpoint.
const (
	PathPrimarySocket   = "/ws"
	PathAlternateSocket = "/ws/alt"
	PathPushStream      = "/events"
	PathPoll            = "/poll"
	PathMessage         = "/message"
	PathHealth          = "/healthz"
	PathStats           = "/stats"
)

// DefaultPollQueueSize bounds the per-client poll outbox.
const DefaultPollQueueSize = 256

// HealthProvider supplies the /healthz body. Bound after construction so
// the health monitor can observe the endpoint it reports on.
type HealthProvider func() interface{}

// Endpoint is the connection multiplexer.
type Endpoint struct {
	addr   string
	server *http.Server
	mux    *mux.Router

	reg     *registry.Registry
	inbound *msgrouter.Router
	clk     clock.Clock

	hbInterval    time.Duration
	hbTimeout     time.Duration
	pollQueueSize int

	upgrader websocket.Upgrader

	shuttingDown atomic.Bool
	startTime    time.Time

	mu       sync.Mutex
	monitors map[string]*heartbeat.Monitor

	// Abnormal closures (no closing handshake) are counted separately
	// for diagnostics; they are handled like any other unclean close.
	abnormalCloses atomic.Int64

	onError      func()
	healthFn     HealthProvider
	httpStopOnce sync.Once
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithHeartbeat overrides heartbeat timing for accepted connections.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(e *Endpoint) {
		e.hbInterval = interval
		e.hbTimeout = timeout
	}
}

// WithPollQueueSize overrides the per-client poll outbox bound.
func WithPollQueueSize(n int) Option {
	return func(e *Endpoint) { e.pollQueueSize = n }
}

// WithErrorRecorder registers a callback for connection-level errors, fed
// into the health monitor's sliding window.
func WithErrorRecorder(fn func()) Option {
	return func(e *Endpoint) { e.onError = fn }
}

// New creates an endpoint bound to a registry and an inbound router.
func New(host string, port int, reg *registry.Registry, inbound *msgrouter.Router, clk clock.Clock, opts ...Option) *Endpoint {
	e := &Endpoint{
		addr:          fmt.Sprintf("%s:%d", host, port),
		reg:           reg,
		inbound:       inbound,
		clk:           clk,
		hbInterval:    heartbeat.DefaultInterval,
		hbTimeout:     heartbeat.DefaultTimeout,
		pollQueueSize: DefaultPollQueueSize,
		startTime:     clk.Now(),
		monitors:      make(map[string]*heartbeat.Monitor),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin policy belongs to the outer proxy layer.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(e)
	}

	r := mux.NewRouter()
	r.HandleFunc(PathPrimarySocket, e.handleSocket(domain.TransportPrimarySocket)).Methods(http.MethodGet)
	r.HandleFunc(PathAlternateSocket, e.handleSocket(domain.TransportAlternateSocket)).Methods(http.MethodGet)
	r.HandleFunc(PathPushStream, e.handlePushStream).Methods(http.MethodGet)
	r.HandleFunc(PathPoll, e.handlePoll).Methods(http.MethodGet)
	r.HandleFunc(PathMessage, e.handlePostMessage).Methods(http.MethodPost)
	r.HandleFunc(PathHealth, e.handleHealth).Methods(http.MethodGet)
	r.HandleFunc(PathStats, e.handleStats).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "unknown endpoint path")
	})
	e.mux = r

	e.server = &http.Server{
		Addr:    e.addr,
		Handler: r,
		// No ReadTimeout/WriteTimeout: they would reap long-lived
		// upgraded sockets and push streams. The links manage their
		// own deadlines.
	}

	reg.SetOnRemove(e.onConnectionRemoved)
	return e
}

// Handler exposes the route table, for tests and embedding.
func (e *Endpoint) Handler() http.Handler { return e.mux }

// Start begins serving negotiations.
func (e *Endpoint) Start() error {
	log.Info().Str("addr", e.addr).Msg("connection endpoint starting")
	go func() {
		if err := e.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("endpoint server error")
		}
	}()
	return nil
}

// ActiveConnections reports currently open connections, for health checks.
func (e *Endpoint) ActiveConnections() int {
	return e.reg.OpenCount()
}

// AbnormalCloses reports the diagnostic counter of closures observed
// without a closing handshake.
func (e *Endpoint) AbnormalCloses() int64 {
	return e.abnormalCloses.Load()
}

// SetHealthProvider binds the /healthz body source.
func (e *Endpoint) SetHealthProvider(fn HealthProvider) {
	e.healthFn = fn
}

// Broadcast delivers an envelope to a snapshot of all currently open
// connections. A delivery failure on one connection never aborts delivery
// to the others. Connections opened after the snapshot do not receive the
// message.
func (e *Endpoint) Broadcast(env *protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("type", env.Type).Msg("broadcast encode failed")
		return
	}
	for _, c := range e.reg.Snapshot() {
		if !c.IsOpen() {
			continue
		}
		if err := c.Deliver(data); err != nil {
			log.Debug().Err(err).Str("connection_id", c.ID()).Msg("broadcast delivery failed")
		}
	}
}

// SendTo delivers an envelope to the single connection owned by clientID.
// Implements the router's Replier.
func (e *Endpoint) SendTo(clientID string, env *protocol.Envelope) error {
	c, ok := e.reg.GetByClientID(clientID)
	if !ok {
		return domain.ErrUnknownConnection
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return c.Deliver(data)
}

// ForceReconnect broadcasts a server_reconnecting notice and force-closes
// every open connection with the service-restart code. Invoked by the
// health monitor as a proactive self-healing signal.
func (e *Endpoint) ForceReconnect(reason string) {
	notice, err := protocol.New(protocol.TypeServerReconnecting, protocol.SourceServer,
		protocol.ShutdownPayload{Reason: reason})
	if err == nil {
		e.Broadcast(notice.WithPriority(protocol.PriorityCritical))
	}

	for _, c := range e.reg.Snapshot() {
		if !c.IsOpen() {
			continue
		}
		e.closeConnection(c, protocol.CloseServiceRestart, reason)
	}
}

// Shutdown marks the endpoint as shutting down, notifies every client,
// closes all connections with the going-away code, clears the registry, and
// stops the HTTP listener. Idempotent.
func (e *Endpoint) Shutdown(ctx context.Context, reason string) error {
	if !e.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	log.Info().Str("reason", reason).Msg("connection endpoint shutting down")

	notice, err := protocol.New(protocol.TypeServerShutdown, protocol.SourceServer,
		protocol.ShutdownPayload{Reason: reason})
	if err == nil {
		e.Broadcast(notice.WithPriority(protocol.PriorityCritical))
	}

	for _, c := range e.reg.Snapshot() {
		c.Close(protocol.CloseGoingAway, reason)
		e.stopMonitor(c.ID())
	}
	e.reg.Clear()

	var shutdownErr error
	e.httpStopOnce.Do(func() {
		shutdownErr = e.server.Shutdown(ctx)
	})
	return shutdownErr
}

// handleSocket returns the negotiation handler for one of the two
// WebSocket paths.
func (e *Endpoint) handleSocket(transport domain.Transport) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if e.shuttingDown.Load() {
			writeJSONError(w, http.StatusServiceUnavailable, "endpoint is shutting down")
			return
		}
		clientID := negotiatedClientID(r)

		wsConn, err := e.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the error response.
			log.Warn().Err(err).Str("transport", string(transport)).Msg("upgrade failed")
			e.recordError()
			return
		}

		link := newWSLink(clientID, wsConn)
		conn := registry.NewConnection(clientID, transport, link, e.clk.Now())
		link.onFrame = func(data []byte) { e.handleInbound(conn, data) }
		link.onClosed = func(code int) { e.handleLinkClosed(conn, code) }

		if err := e.accept(conn); err != nil {
			_ = link.Close(protocol.CloseNormal, "negotiation failed")
			log.Error().Err(err).Str("client_id", clientID).Msg("negotiation failed")
			return
		}
		link.start()

		log.Info().
			Str("connection_id", conn.ID()).
			Str("client_id", clientID).
			Str("transport", string(transport)).
			Str("remote_addr", wsConn.RemoteAddr().String()).
			Msg("client connected")
	}
}

// handlePushStream negotiates a server-push stream connection.
func (e *Endpoint) handlePushStream(w http.ResponseWriter, r *http.Request) {
	if e.shuttingDown.Load() {
		writeJSONError(w, http.StatusServiceUnavailable, "endpoint is shutting down")
		return
	}
	clientID := negotiatedClientID(r)

	link := newSSELink(clientID)
	conn := registry.NewConnection(clientID, domain.TransportPushStream, link, e.clk.Now())

	if err := e.accept(conn); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "negotiation failed")
		log.Error().Err(err).Str("client_id", clientID).Msg("push stream negotiation failed")
		return
	}

	log.Info().
		Str("connection_id", conn.ID()).
		Str("client_id", clientID).
		Str("transport", string(domain.TransportPushStream)).
		Msg("client connected")

	link.serve(w, r, func() {
		e.handleLinkClosed(conn, protocol.CloseAbnormal)
	})
}

// handlePoll serves the HTTP fallback. The first poll from a client id
// negotiates a poll connection; subsequent polls drain its outbox.
func (e *Endpoint) handlePoll(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		writeJSONError(w, http.StatusBadRequest, "clientId is required")
		return
	}

	conn, ok := e.reg.GetByClientID(clientID)
	if ok {
		link, isPoll := pollLinkOf(conn)
		if !isPoll {
			writeJSONError(w, http.StatusConflict, "client is connected on another transport")
			return
		}
		if closed, code, reason := link.closeInfo(); closed {
			// Final poll: report the close and release the id.
			e.reg.Remove(conn.ID())
			writeJSON(w, http.StatusOK, pollResponse{Closed: true, Code: code, Reason: reason})
			return
		}
		conn.Touch(e.clk.Now())
		writeJSON(w, http.StatusOK, pollResponse{Messages: rawMessages(link.drain())})
		return
	}

	if e.shuttingDown.Load() {
		writeJSONError(w, http.StatusServiceUnavailable, "endpoint is shutting down")
		return
	}

	link := newPollLink(clientID, e.pollQueueSize)
	conn = registry.NewConnection(clientID, domain.TransportPoll, link, e.clk.Now())
	if err := e.accept(conn); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "negotiation failed")
		log.Error().Err(err).Str("client_id", clientID).Msg("poll negotiation failed")
		return
	}

	log.Info().
		Str("connection_id", conn.ID()).
		Str("client_id", clientID).
		Str("transport", string(domain.TransportPoll)).
		Msg("client connected")

	writeJSON(w, http.StatusOK, pollResponse{Messages: rawMessages(link.drain())})
}

// handlePostMessage accepts an envelope over HTTP on behalf of push-stream
// and poll clients, enqueuing it as if it arrived on the primary transport.
func (e *Endpoint) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")

	body := make([]byte, 0, 1024)
	buf := make([]byte, 4096)
	for len(body) < maxMessageSize {
		n, err := r.Body.Read(buf)
		body = append(body, buf[:n]...)
		if err != nil {
			break
		}
	}

	if clientID == "" {
		// Fall back to the envelope's declared source.
		if env, err := protocol.Decode(body); err == nil {
			clientID = env.Source
		}
	}
	conn, ok := e.reg.GetByClientID(clientID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no connection for client")
		return
	}

	e.handleInbound(conn, body)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (e *Endpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	if e.healthFn != nil {
		writeJSON(w, http.StatusOK, e.healthFn())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (e *Endpoint) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_ms":         e.clk.Now().Sub(e.startTime).Milliseconds(),
		"connections":       e.reg.Len(),
		"open_connections":  e.reg.OpenCount(),
		"abnormal_closes":   e.abnormalCloses.Load(),
		"inbound_queue_len": e.inbound.QueueLen(),
		"shutting_down":     e.shuttingDown.Load(),
	})
}

// accept registers a negotiated connection, opens it, confirms with a
// connection_established control message, announces presence, and starts
// its heartbeat. On any failure nothing is left half-registered.
func (e *Endpoint) accept(conn *registry.Connection) error {
	if e.shuttingDown.Load() {
		return domain.ErrEndpointShutdown
	}
	if err := e.reg.Add(conn); err != nil {
		return err
	}
	conn.SetStatus(domain.StatusOpen)

	est, err := protocol.New(protocol.TypeConnectionEstablished, protocol.SourceServer,
		protocol.ConnectionEstablishedPayload{
			ConnectionID: conn.ID(),
			Transport:    string(conn.Transport()),
		})
	if err == nil {
		if data, encErr := est.WithTarget(conn.ClientID()).Encode(); encErr == nil {
			_ = conn.Deliver(data)
		}
	}

	e.broadcastControl(protocol.TypeClientConnected, protocol.PresencePayload{
		ClientID:  conn.ClientID(),
		Transport: string(conn.Transport()),
	})

	mon := heartbeat.NewMonitor(e.clk, conn.ID(), &connTarget{ep: e, conn: conn},
		heartbeat.WithInterval(e.hbInterval),
		heartbeat.WithTimeout(e.hbTimeout),
	)
	e.mu.Lock()
	e.monitors[conn.ID()] = mon
	e.mu.Unlock()
	mon.Start()

	return nil
}

// handleInbound decodes one frame and routes it: heartbeats are handled in
// place, everything else queues for the message router. Malformed frames
// get a structured error reply and the connection stays open.
func (e *Endpoint) handleInbound(conn *registry.Connection, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Debug().Err(err).Str("connection_id", conn.ID()).Msg("malformed inbound frame")
		e.deliverError(conn, protocol.ErrCodeMalformedFrame, err.Error())
		return
	}

	conn.Touch(e.clk.Now())

	if env.Type == protocol.TypeHeartbeat {
		e.handleHeartbeat(conn, env)
		return
	}

	// The negotiated client id is authoritative for replies.
	env.Source = conn.ClientID()

	if err := e.inbound.Enqueue(env); err != nil {
		log.Warn().Err(err).Str("connection_id", conn.ID()).Msg("inbound enqueue failed")
		e.deliverError(conn, protocol.ErrCodeHandlerFailed, err.Error())
	}
}

// handleHeartbeat answers client pings and feeds pongs to the monitor.
func (e *Endpoint) handleHeartbeat(conn *registry.Connection, env *protocol.Envelope) {
	var hb protocol.HeartbeatPayload
	if err := env.DecodePayload(&hb); err != nil {
		e.deliverError(conn, protocol.ErrCodeMalformedFrame, err.Error())
		return
	}

	switch hb.Action {
	case protocol.HeartbeatPing:
		pong := protocol.NewHeartbeat(protocol.SourceServer, protocol.HeartbeatPong, hb.PingID)
		if data, err := pong.WithTarget(conn.ClientID()).Encode(); err == nil {
			_ = conn.Deliver(data)
		}

	case protocol.HeartbeatPong:
		if mon := e.monitorFor(conn.ID()); mon != nil {
			mon.HandlePong(hb.PingID)
		}
	}
}

// handleLinkClosed reacts to a transport dying underneath a connection.
func (e *Endpoint) handleLinkClosed(conn *registry.Connection, code int) {
	if code == protocol.CloseAbnormal {
		e.abnormalCloses.Inc()
		e.recordError()
	} else if !protocol.IsCleanClose(code) {
		e.recordError()
	}
	e.closeConnection(conn, code, "transport closed")
}

// closeConnection closes and unregisters a connection. Poll connections
// stay registered until the final poll retrieves the close code.
func (e *Endpoint) closeConnection(conn *registry.Connection, code int, reason string) {
	conn.Close(code, reason)
	e.stopMonitor(conn.ID())
	if conn.Transport() != domain.TransportPoll {
		e.reg.Remove(conn.ID())
	}
}

// onConnectionRemoved is the registry's removal hook: it tears down the
// heartbeat and announces departure.
func (e *Endpoint) onConnectionRemoved(conn *registry.Connection) {
	e.stopMonitor(conn.ID())
	if e.shuttingDown.Load() {
		return
	}
	e.broadcastControl(protocol.TypeClientDisconnected, protocol.PresencePayload{
		ClientID:  conn.ClientID(),
		Transport: string(conn.Transport()),
	})
	log.Info().
		Str("connection_id", conn.ID()).
		Str("client_id", conn.ClientID()).
		Msg("client disconnected")
}

// connTarget adapts a registry connection to the heartbeat monitor.
type connTarget struct {
	ep   *Endpoint
	conn *registry.Connection
}

func (t *connTarget) SendPing(pingID string) error {
	ping := protocol.NewHeartbeat(protocol.SourceServer, protocol.HeartbeatPing, pingID)
	data, err := ping.WithTarget(t.conn.ClientID()).Encode()
	if err != nil {
		return err
	}
	return t.conn.Deliver(data)
}

func (t *connTarget) MarkDegraded() {
	t.conn.SetStatus(domain.StatusDegraded)
}

func (t *connTarget) MarkAlive(rtt time.Duration) {
	t.conn.SetStatus(domain.StatusOpen)
	t.conn.Touch(t.ep.clk.Now())
}

func (t *connTarget) ForceClose(code int, reason string) {
	t.ep.recordError()
	t.ep.closeConnection(t.conn, code, reason)
}

func (e *Endpoint) monitorFor(connID string) *heartbeat.Monitor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.monitors[connID]
}

func (e *Endpoint) stopMonitor(connID string) {
	e.mu.Lock()
	mon := e.monitors[connID]
	delete(e.monitors, connID)
	e.mu.Unlock()
	if mon != nil {
		mon.Stop()
	}
}

func (e *Endpoint) broadcastControl(msgType string, payload interface{}) {
	env, err := protocol.New(msgType, protocol.SourceServer, payload)
	if err != nil {
		return
	}
	e.Broadcast(env.WithPriority(protocol.PriorityHigh))
}

func (e *Endpoint) deliverError(conn *registry.Connection, code int, msg string) {
	env := protocol.NewError(conn.ClientID(), code, msg)
	if data, err := env.Encode(); err == nil {
		_ = conn.Deliver(data)
	}
}

func (e *Endpoint) recordError() {
	if e.onError != nil {
		e.onError()
	}
}

// pollLinkOf extracts the poll link backing a connection, if any.
func pollLinkOf(conn *registry.Connection) (*pollLink, bool) {
	if conn.Transport() != domain.TransportPoll {
		return nil, false
	}
	link, ok := conn.Link().(*pollLink)
	return link, ok
}

// negotiatedClientID returns the client-chosen correlation id, minting one
// when absent. The cache-busting `t` query parameter is accepted and
// ignored; it exists so intermediary proxies cannot serve a stale
// negotiation response.
func negotiatedClientID(r *http.Request) string {
	if id := r.URL.Query().Get("clientId"); id != "" {
		return id
	}
	return uuid.New().String()
}

func rawMessages(frames [][]byte) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(frames))
	for _, f := range frames {
		out = append(out, json.RawMessage(f))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
