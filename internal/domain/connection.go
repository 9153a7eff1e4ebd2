package domain

// Transport identifies the channel type carrying message envelopes.
type Transport string

const (
	// TransportPrimarySocket is the default WebSocket endpoint.
	TransportPrimarySocket Transport = "primary-socket"

	// TransportAlternateSocket is a WebSocket on an alternate path, for
	// proxies that interfere with the primary one.
	TransportAlternateSocket Transport = "alternate-socket"

	// TransportPushStream is a server-push event stream; client-to-server
	// traffic goes over HTTP POST.
	TransportPushStream Transport = "server-push-stream"

	// TransportPoll is plain HTTP long-polling, the transport of last
	// resort. It works anywhere HTTP works.
	TransportPoll Transport = "http-poll"
)

// FallbackOrder is the fixed transport negotiation priority.
var FallbackOrder = []Transport{
	TransportPrimarySocket,
	TransportAlternateSocket,
	TransportPushStream,
	TransportPoll,
}

// Status is the connection lifecycle state.
//
// The state machine is:
//
//	connecting → open → (degraded → open | closing) → closed
//
// connecting and closed are the only non-open-reachable initial/terminal
// states. degraded recovers to open on a successful heartbeat or escalates
// to closing.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusDegraded   Status = "degraded"
	StatusClosing    Status = "closing"
	StatusClosed     Status = "closed"
)

// CanTransition reports whether the state machine permits moving from one
// status to the next.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusConnecting:
		return to == StatusOpen || to == StatusClosing || to == StatusClosed
	case StatusOpen:
		return to == StatusDegraded || to == StatusClosing || to == StatusClosed
	case StatusDegraded:
		return to == StatusOpen || to == StatusClosing || to == StatusClosed
	case StatusClosing:
		return to == StatusClosed
	case StatusClosed:
		return false
	}
	return false
}
