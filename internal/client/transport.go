package client

import (
	"context"

	"github.com/terrafield/relay/internal/domain"
)

// Transport is one negotiated channel to the server. Implementations
// deliver inbound frames and the observed close code through callbacks
// bound before Run.
type Transport interface {
	// Kind identifies the transport.
	Kind() domain.Transport

	// Run starts the receive loop. onFrame receives each inbound text
	// frame; onClosed fires exactly once when the channel dies, with
	// the observed close code (CloseAbnormal when no closing handshake
	// was seen).
	Run(onFrame func(data []byte), onClosed func(code int))

	// Send transmits one frame. Over the poll transport this is a POST
	// instead of a frame write.
	Send(data []byte) error

	// Close terminates the channel with a close code. Idempotent.
	Close(code int, reason string)
}

// DialFunc negotiates one transport kind. The default dials the real
// server; tests substitute their own.
type DialFunc func(ctx context.Context, kind domain.Transport) (Transport, error)
