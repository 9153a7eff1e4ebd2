package app

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/terrafield/relay/internal/config"
	"github.com/terrafield/relay/internal/protocol"
)

func testConfig() *config.Config {
	return &config.Config{
		Server:    config.ServerConfig{Host: "127.0.0.1", Port: 8780},
		Heartbeat: config.HeartbeatConfig{IntervalSec: 25, TimeoutSec: 8},
		Reconnect: config.ReconnectConfig{BaseDelayMS: 1000, MaxDelayMS: 30000, MaxAttempts: 3},
		Registry:  config.RegistryConfig{IdleTimeoutSec: 120, SweepIntervalSec: 30},
		Router:    config.RouterConfig{TickMS: 10, MaxQueue: 4096},
		Health: config.HealthConfig{
			MinIntervalSec:  300,
			ErrorWindowSec:  300,
			ErrorThreshold:  25,
			MemoryThreshold: 0.9,
			MaxCycles:       3,
			ProbeHost:       "terrafield.io",
		},
		Poll: config.PollConfig{QueueSize: 256, IntervalMS: 2000},
	}
}

func dialClient(t *testing.T, serverURL, clientID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws?clientId=" + clientID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", clientID, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readType reads frames until one of the wanted type arrives.
func readType(t *testing.T, conn *websocket.Conn, msgType string) *protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", msgType, err)
		}
		env, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Type == msgType {
			return env
		}
	}
}

func TestAppRoutesRelayToTarget(t *testing.T) {
	application := New(testConfig())
	application.Router().Start()
	defer application.Router().Stop()

	srv := httptest.NewServer(application.Endpoint().Handler())
	defer srv.Close()

	sender := dialClient(t, srv.URL, "client-a")
	readType(t, sender, protocol.TypeConnectionEstablished)
	receiver := dialClient(t, srv.URL, "client-b")
	readType(t, receiver, protocol.TypeConnectionEstablished)

	env, err := protocol.New(protocol.TypeRelay, "client-a", map[string]string{"note": "hello"})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	env = env.WithTarget("client-b")
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := sender.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readType(t, receiver, protocol.TypeRelay)
	if got.Source != "client-a" {
		t.Fatalf("source = %q, want %q", got.Source, "client-a")
	}
	var payload map[string]string
	if err := json.Unmarshal(got.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["note"] != "hello" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestAppBroadcastsRelayWithoutTarget(t *testing.T) {
	application := New(testConfig())
	application.Router().Start()
	defer application.Router().Stop()

	srv := httptest.NewServer(application.Endpoint().Handler())
	defer srv.Close()

	sender := dialClient(t, srv.URL, "client-a")
	readType(t, sender, protocol.TypeConnectionEstablished)
	other := dialClient(t, srv.URL, "client-b")
	readType(t, other, protocol.TypeConnectionEstablished)

	env, err := protocol.New(protocol.TypeRelay, "client-a", map[string]string{"note": "to everyone"})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := sender.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	readType(t, other, protocol.TypeRelay)
}

func TestAppAccessors(t *testing.T) {
	application := New(testConfig())
	if application.Router() == nil {
		t.Fatal("Router is nil")
	}
	if application.Endpoint() == nil {
		t.Fatal("Endpoint is nil")
	}
	if application.Health() == nil {
		t.Fatal("Health is nil")
	}
}
