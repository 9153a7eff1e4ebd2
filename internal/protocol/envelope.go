// Package protocol defines the wire envelope exchanged between clients and
// the server. The same JSON text frame is used over every transport: a
// WebSocket frame, a server-push stream event, or an HTTP poll response body.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Well-known message types. Domain messages use their own type strings and
// are routed to registered handlers; everything here is control traffic
// handled by the resilience layer itself.
const (
	TypeConnectionEstablished = "connection_established"
	TypeHeartbeat             = "heartbeat"
	TypeError                 = "error"
	TypeClientConnected       = "client_connected"
	TypeClientDisconnected    = "client_disconnected"
	TypeServerReconnecting    = "server_reconnecting"
	TypeServerShutdown        = "server_shutdown"
)

// TypeRelay is the built-in application message type: the payload is
// forwarded verbatim to the target client, or to every client when no
// target is set.
const TypeRelay = "relay"

// Source identifiers used by the layer itself.
const (
	SourceServer = "server"
)

// Envelope is the wire format for all messages.
//
// Target is optional: an empty target means broadcast. Payload is opaque to
// this layer and type-tagged by Type. An Envelope is immutable once
// constructed; mutating helpers return copies.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Target    string          `json:"target,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Priority  int             `json:"priority"`
}

// New constructs an envelope with a fresh id and the current timestamp.
// The payload is marshaled immediately so later mutation of v cannot leak
// into an already-constructed message.
func New(msgType, source string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return &Envelope{
		ID:        uuid.New().String(),
		Type:      msgType,
		Source:    source,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
		Priority:  PriorityNormal,
	}, nil
}

// Message priorities. Higher is dispatched first.
const (
	PriorityLow      = 0
	PriorityNormal   = 1
	PriorityHigh     = 5
	PriorityCritical = 10
)

// WithTarget returns a copy addressed to a single client.
func (e *Envelope) WithTarget(target string) *Envelope {
	c := *e
	c.Target = target
	return &c
}

// WithPriority returns a copy with the given priority.
func (e *Envelope) WithPriority(p int) *Envelope {
	c := *e
	c.Priority = p
	return &c
}

// IsBroadcast reports whether the envelope is addressed to all clients.
func (e *Envelope) IsBroadcast() bool {
	return e.Target == ""
}

// Encode serializes the envelope to a JSON text frame.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses and validates an inbound frame. Frames that are not valid
// JSON or carry no type are rejected here, before any handler sees them.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	return &e, nil
}

// DecodePayload unmarshals the type-specific payload into v.
func (e *Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
