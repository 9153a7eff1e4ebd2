package protocol

import (
	"errors"
	"testing"
)

func TestNewEnvelope(t *testing.T) {
	env, err := New(TypeRelay, "client-1", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if env.ID == "" {
		t.Fatal("expected generated id")
	}
	if env.Timestamp == 0 {
		t.Fatal("expected timestamp")
	}
	if env.Priority != PriorityNormal {
		t.Fatalf("default priority = %d, want %d", env.Priority, PriorityNormal)
	}
	if !env.IsBroadcast() {
		t.Fatal("envelope without target should be broadcast")
	}
}

func TestNewEnvelopeRejectsUnmarshalablePayload(t *testing.T) {
	if _, err := New(TypeRelay, "client-1", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	env, err := New(TypeHeartbeat, SourceServer, HeartbeatPayload{Action: HeartbeatPing, PingID: "p1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.ID != env.ID || got.Type != env.Type || got.Source != env.Source {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, env)
	}

	var hb HeartbeatPayload
	if err := got.DecodePayload(&hb); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if hb.Action != HeartbeatPing || hb.PingID != "p1" {
		t.Fatalf("payload = %+v", hb)
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", "not json at all"},
		{"missing type", `{"id":"x","source":"c"}`},
		{"empty", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data))
			if !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("Decode(%q) err = %v, want ErrMalformedFrame", tc.data, err)
			}
		})
	}
}

func TestDecodeFillsMissingIDAndTimestamp(t *testing.T) {
	got, err := Decode([]byte(`{"type":"relay","source":"c"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.ID == "" {
		t.Fatal("expected minted id")
	}
	if got.Timestamp == 0 {
		t.Fatal("expected minted timestamp")
	}
}

func TestWithTargetAndPriorityCopy(t *testing.T) {
	env, err := New(TypeRelay, "client-1", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	targeted := env.WithTarget("client-2").WithPriority(PriorityCritical)
	if env.Target != "" || env.Priority != PriorityNormal {
		t.Fatal("original envelope was mutated")
	}
	if targeted.Target != "client-2" || targeted.Priority != PriorityCritical {
		t.Fatalf("copy = %+v", targeted)
	}
	if targeted.IsBroadcast() {
		t.Fatal("targeted envelope should not be broadcast")
	}
}

func TestNewErrorEnvelope(t *testing.T) {
	env := NewError("client-1", ErrCodeUnknownType, "unknown message type")
	if env.Type != TypeError || env.Target != "client-1" {
		t.Fatalf("error envelope = %+v", env)
	}
	if env.Priority != PriorityHigh {
		t.Fatalf("error priority = %d, want %d", env.Priority, PriorityHigh)
	}

	var p ErrorPayload
	if err := env.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.Code != ErrCodeUnknownType {
		t.Fatalf("code = %d", p.Code)
	}
}

func TestIsCleanClose(t *testing.T) {
	if !IsCleanClose(CloseNormal) {
		t.Fatal("normal closure is clean")
	}
	for _, code := range []int{CloseGoingAway, CloseServiceRestart, CloseAbnormal, CloseHeartbeatTimeout} {
		if IsCleanClose(code) {
			t.Fatalf("code %d should not be clean", code)
		}
	}
}
