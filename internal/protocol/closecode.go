package protocol

import "github.com/gorilla/websocket"

// Close codes carried on the closing handshake. The first four are standard
// WebSocket codes; heartbeat timeout uses the application range so the peer
// can distinguish a liveness failure from a transport fault.
const (
	CloseNormal           = websocket.CloseNormalClosure   // clean close
	CloseGoingAway        = websocket.CloseGoingAway       // endpoint shutting down
	CloseServiceRestart   = websocket.CloseServiceRestart  // forced reconnect
	CloseAbnormal         = websocket.CloseAbnormalClosure // no closing handshake
	CloseHeartbeatTimeout = 4001
)

// IsCleanClose reports whether a close code represents an orderly shutdown
// that should not trigger reconnection.
func IsCleanClose(code int) bool {
	return code == CloseNormal
}
