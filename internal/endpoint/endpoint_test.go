package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/terrafield/relay/internal/clock"
	"github.com/terrafield/relay/internal/protocol"
	"github.com/terrafield/relay/internal/registry"
	msgrouter "github.com/terrafield/relay/internal/router"
)

type testHarness struct {
	clk     *clock.Fake
	reg     *registry.Registry
	inbound *msgrouter.Router
	ep      *Endpoint
	srv     *httptest.Server

	mu       sync.Mutex
	received []*protocol.Envelope
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	h := &testHarness{clk: clock.NewFake()}
	h.reg = registry.New(h.clk)
	h.inbound = msgrouter.New(h.clk, nil)
	h.inbound.Register(protocol.TypeRelay, func(ctx context.Context, env *protocol.Envelope) error {
		h.mu.Lock()
		h.received = append(h.received, env)
		h.mu.Unlock()
		return nil
	})
	h.inbound.Start()

	h.ep = New("127.0.0.1", 0, h.reg, h.inbound, h.clk)
	h.srv = httptest.NewServer(h.ep.Handler())

	t.Cleanup(func() {
		h.srv.Close()
		h.inbound.Stop()
		h.reg.Stop()
	})
	return h
}

func (h *testHarness) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + path
}

func (h *testHarness) dialWS(t *testing.T, path, clientID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(h.wsURL(path)+"?clientId="+clientID, nil)
	if err != nil {
		if resp != nil {
			t.Fatalf("dial %s: %v (status %d)", path, err, resp.StatusCode)
		}
		t.Fatalf("dial %s: %v", path, err)
	}
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return env
}

// readUntil reads frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) *protocol.Envelope {
	t.Helper()
	for i := 0; i < 10; i++ {
		env := readEnvelope(t, conn)
		if env.Type == msgType {
			return env
		}
	}
	t.Fatalf("no %s frame received", msgType)
	return nil
}

func pollOnce(t *testing.T, h *testHarness, clientID string) pollResponse {
	t.Helper()
	resp, err := http.Get(h.srv.URL + PathPoll + "?clientId=" + clientID)
	if err != nil {
		t.Fatalf("GET /poll: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /poll status = %d", resp.StatusCode)
	}
	var out pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode poll response: %v", err)
	}
	return out
}

func TestSocketNegotiationConfirmsConnection(t *testing.T) {
	h := newHarness(t)

	conn := h.dialWS(t, PathPrimarySocket, "agent-1")
	defer conn.Close()

	est := readUntil(t, conn, protocol.TypeConnectionEstablished)
	var p protocol.ConnectionEstablishedPayload
	if err := est.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.ConnectionID == "" {
		t.Fatal("no server-assigned connection id")
	}
	if p.Transport != "primary-socket" {
		t.Fatalf("transport = %q", p.Transport)
	}

	got, ok := h.reg.GetByClientID("agent-1")
	if !ok || !got.IsOpen() {
		t.Fatal("connection not open in registry")
	}
}

func TestAlternateSocketPath(t *testing.T) {
	h := newHarness(t)

	conn := h.dialWS(t, PathAlternateSocket, "agent-2")
	defer conn.Close()

	est := readUntil(t, conn, protocol.TypeConnectionEstablished)
	var p protocol.ConnectionEstablishedPayload
	if err := est.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.Transport != "alternate-socket" {
		t.Fatalf("transport = %q", p.Transport)
	}
}

func TestUnknownPathReturns404(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.srv.URL + "/nope")
	if err != nil {
		t.Fatalf("GET /nope: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] == "" {
		t.Fatal("404 body is not a structured error")
	}
}

func TestInboundRelayMessageIsRouted(t *testing.T) {
	h := newHarness(t)

	conn := h.dialWS(t, PathPrimarySocket, "agent-1")
	defer conn.Close()
	readUntil(t, conn, protocol.TypeConnectionEstablished)

	env, err := protocol.New(protocol.TypeRelay, "spoofed-source", map[string]string{"note": "ok"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.inbound.Drain(context.Background())
		h.mu.Lock()
		n := len(h.received)
		h.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.received) != 1 {
		t.Fatalf("routed messages = %d, want 1", len(h.received))
	}
	// The negotiated client id overrides whatever the frame claims.
	if h.received[0].Source != "agent-1" {
		t.Fatalf("source = %q, want negotiated client id", h.received[0].Source)
	}
}

func TestMalformedFrameGetsErrorAndConnectionSurvives(t *testing.T) {
	h := newHarness(t)

	conn := h.dialWS(t, PathPrimarySocket, "agent-1")
	defer conn.Close()
	readUntil(t, conn, protocol.TypeConnectionEstablished)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	errEnv := readUntil(t, conn, protocol.TypeError)
	var p protocol.ErrorPayload
	if err := errEnv.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.Code != protocol.ErrCodeMalformedFrame {
		t.Fatalf("error code = %d, want %d", p.Code, protocol.ErrCodeMalformedFrame)
	}

	if got, ok := h.reg.GetByClientID("agent-1"); !ok || !got.IsOpen() {
		t.Fatal("connection did not survive a malformed frame")
	}
}

func TestServerAnswersClientPing(t *testing.T) {
	h := newHarness(t)

	conn := h.dialWS(t, PathPrimarySocket, "agent-1")
	defer conn.Close()
	readUntil(t, conn, protocol.TypeConnectionEstablished)

	ping := protocol.NewHeartbeat("agent-1", protocol.HeartbeatPing, "ping-1")
	data, err := ping.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	pong := readUntil(t, conn, protocol.TypeHeartbeat)
	var p protocol.HeartbeatPayload
	if err := pong.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.Action != protocol.HeartbeatPong || p.PingID != "ping-1" {
		t.Fatalf("pong = %+v", p)
	}
}

func TestPollNegotiationAndDrain(t *testing.T) {
	h := newHarness(t)

	first := pollOnce(t, h, "field-1")
	if len(first.Messages) == 0 {
		t.Fatal("first poll carried no negotiation confirmation")
	}
	est, err := protocol.Decode(first.Messages[0])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if est.Type != protocol.TypeConnectionEstablished {
		t.Fatalf("first frame type = %q", est.Type)
	}

	// Queue a broadcast, then drain it on the next poll.
	note, err := protocol.New(protocol.TypeRelay, protocol.SourceServer, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.ep.Broadcast(note)

	second := pollOnce(t, h, "field-1")
	if second.Closed {
		t.Fatal("poll connection reported closed")
	}
	found := false
	for _, raw := range second.Messages {
		env, err := protocol.Decode(raw)
		if err != nil {
			continue
		}
		if env.Type == protocol.TypeRelay {
			found = true
		}
	}
	if !found {
		t.Fatal("queued broadcast not drained by second poll")
	}

	// Drained frames are delivered once.
	third := pollOnce(t, h, "field-1")
	if len(third.Messages) != 0 {
		t.Fatalf("third poll drained %d frames, want 0", len(third.Messages))
	}
}

func TestPollConflictsWithSocketTransport(t *testing.T) {
	h := newHarness(t)

	conn := h.dialWS(t, PathPrimarySocket, "agent-1")
	defer conn.Close()
	readUntil(t, conn, protocol.TypeConnectionEstablished)

	resp, err := http.Get(h.srv.URL + PathPoll + "?clientId=agent-1")
	if err != nil {
		t.Fatalf("GET /poll: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestPostMessageForPollClient(t *testing.T) {
	h := newHarness(t)

	pollOnce(t, h, "field-1")

	env, err := protocol.New(protocol.TypeRelay, "field-1", map[string]string{"note": "fence down"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	resp, err := http.Post(h.srv.URL+PathMessage+"?clientId=field-1", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST /message: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	h.inbound.Drain(context.Background())
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.received) != 1 || h.received[0].Source != "field-1" {
		t.Fatalf("received = %v", h.received)
	}
}

func TestPostMessageForUnknownClient(t *testing.T) {
	h := newHarness(t)

	env, err := protocol.New(protocol.TypeRelay, "nobody", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	resp, err := http.Post(h.srv.URL+PathMessage+"?clientId=nobody", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST /message: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestForceReconnectNotifiesThenCloses(t *testing.T) {
	h := newHarness(t)

	conn := h.dialWS(t, PathPrimarySocket, "agent-1")
	defer conn.Close()
	readUntil(t, conn, protocol.TypeConnectionEstablished)

	h.ep.ForceReconnect("proxy wedge suspected")

	notice := readUntil(t, conn, protocol.TypeServerReconnecting)
	var p protocol.ShutdownPayload
	if err := notice.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.Reason == "" {
		t.Fatal("reconnect notice carried no reason")
	}

	// The closing handshake follows with the service-restart code.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !websocketCloseError(err, &ce) {
			t.Fatalf("read ended without closing handshake: %v", err)
		}
		if ce.Code != protocol.CloseServiceRestart {
			t.Fatalf("close code = %d, want %d", ce.Code, protocol.CloseServiceRestart)
		}
		break
	}
}

func TestForceReconnectLeavesPollCloseCodeBehind(t *testing.T) {
	h := newHarness(t)

	pollOnce(t, h, "field-1")

	h.ep.ForceReconnect("proxy wedge suspected")

	final := pollOnce(t, h, "field-1")
	if !final.Closed {
		t.Fatal("final poll did not report the close")
	}
	if final.Code != protocol.CloseServiceRestart {
		t.Fatalf("close code = %d, want %d", final.Code, protocol.CloseServiceRestart)
	}

	// The id is released; polling again negotiates a fresh connection.
	again := pollOnce(t, h, "field-1")
	if again.Closed {
		t.Fatal("new poll connection reported closed")
	}
}

func TestShutdownRefusesNewConnections(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.ep.Shutdown(ctx, "test shutdown"); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if _, resp, err := websocket.DefaultDialer.Dial(h.wsURL(PathPrimarySocket), nil); err == nil {
		t.Fatal("dial succeeded after shutdown")
	} else if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 handshake rejection, got %v", resp)
	}

	if h.reg.Len() != 0 {
		t.Fatalf("registry len = %d after shutdown, want 0", h.reg.Len())
	}
}

func TestShutdownNotifiesConnectedClients(t *testing.T) {
	h := newHarness(t)

	conn := h.dialWS(t, PathPrimarySocket, "agent-1")
	defer conn.Close()
	readUntil(t, conn, protocol.TypeConnectionEstablished)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.ep.Shutdown(ctx, "maintenance"); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	readUntil(t, conn, protocol.TypeServerShutdown)
}

func TestStatsEndpoint(t *testing.T) {
	h := newHarness(t)

	conn := h.dialWS(t, PathPrimarySocket, "agent-1")
	defer conn.Close()
	readUntil(t, conn, protocol.TypeConnectionEstablished)

	resp, err := http.Get(h.srv.URL + PathStats)
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	defer resp.Body.Close()

	var stats map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if got := stats["open_connections"].(float64); got != 1 {
		t.Fatalf("open_connections = %v, want 1", got)
	}
}

func TestHealthEndpointUsesProvider(t *testing.T) {
	h := newHarness(t)
	h.ep.SetHealthProvider(func() interface{} {
		return map[string]string{"status": "degraded"}
	})

	resp, err := http.Get(h.srv.URL + PathHealth)
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "degraded" {
		t.Fatalf("status = %q", body["status"])
	}
}

// websocketCloseError unwraps a close error from a read failure.
func websocketCloseError(err error, target **websocket.CloseError) bool {
	ce, ok := err.(*websocket.CloseError)
	if ok {
		*target = ce
	}
	return ok
}
