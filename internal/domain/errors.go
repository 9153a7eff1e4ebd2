// Package domain contains domain errors used throughout the relay.
package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	ErrEndpointShutdown    = errors.New("endpoint is shutting down")
	ErrConnectionClosed    = errors.New("connection is closed")
	ErrConnectionEvicted   = errors.New("connection id was previously evicted")
	ErrDuplicateConnection = errors.New("connection id already registered")
	ErrUnknownConnection   = errors.New("connection not found")
	ErrNoTransport         = errors.New("no transport is open")
	ErrTransportsExhausted = errors.New("all transports exhausted")
	ErrRouterStopped       = errors.New("message router is not running")
	ErrQueueFull           = errors.New("outbound queue full")
)

// TransportError wraps a failure on a specific transport. Transport errors
// are transient by definition: they are logged and resolved by reconnection,
// never surfaced to the caller as a hard failure.
type TransportError struct {
	Transport string // which transport failed
	Op        string // dial, write, read, negotiate
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Transport, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a new TransportError.
func NewTransportError(transport, op string, err error) *TransportError {
	return &TransportError{Transport: transport, Op: op, Err: err}
}

// HandlerError reports a failure inside a registered message handler. It is
// caught per message and never stops the dispatch loop.
type HandlerError struct {
	MessageType string
	MessageID   string
	Err         error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s (message %s): %v", e.MessageType, e.MessageID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
