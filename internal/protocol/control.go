package protocol

import "errors"

// ErrMalformedFrame is returned by Decode for frames that cannot be parsed
// or carry no type discriminant.
var ErrMalformedFrame = errors.New("malformed frame")

// Heartbeat actions.
const (
	HeartbeatPing = "ping"
	HeartbeatPong = "pong"
)

// ConnectionEstablishedPayload carries the server-assigned connection id,
// sent immediately after a successful negotiation.
type ConnectionEstablishedPayload struct {
	ConnectionID string `json:"connection_id"`
	Transport    string `json:"transport"`
}

// HeartbeatPayload is the application-level liveness probe. The ping id
// correlates a pong with the ping that solicited it.
type HeartbeatPayload struct {
	Action string `json:"action"`
	PingID string `json:"ping_id"`
}

// ErrorPayload is the structured error reply for malformed frames, unknown
// message types, and handler failures.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes used in ErrorPayload.
const (
	ErrCodeMalformedFrame = 4400
	ErrCodeUnknownType    = 4404
	ErrCodeHandlerFailed  = 4500
)

// PresencePayload is the body of client_connected / client_disconnected
// broadcasts.
type PresencePayload struct {
	ClientID  string `json:"client_id"`
	Transport string `json:"transport"`
}

// ShutdownPayload is the body of server_shutdown and server_reconnecting
// notices.
type ShutdownPayload struct {
	Reason string `json:"reason"`
}

// NewError builds an error envelope addressed to target.
func NewError(target string, code int, message string) *Envelope {
	e, err := New(TypeError, SourceServer, ErrorPayload{Code: code, Message: message})
	if err != nil {
		// ErrorPayload always marshals.
		panic(err)
	}
	return e.WithTarget(target).WithPriority(PriorityHigh)
}

// NewHeartbeat builds a ping or pong envelope.
func NewHeartbeat(source, action, pingID string) *Envelope {
	e, err := New(TypeHeartbeat, source, HeartbeatPayload{Action: action, PingID: pingID})
	if err != nil {
		panic(err)
	}
	return e.WithPriority(PriorityCritical)
}
