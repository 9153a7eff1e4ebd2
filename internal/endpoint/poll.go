package endpoint

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/terrafield/relay/internal/domain"
)

// pollLink buffers outbound frames for an HTTP-poll client between polls.
// The outbox is bounded; when a client stops polling, new frames drop until
// idle eviction reclaims the connection.
type pollLink struct {
	id      string
	maxSize int

	mu          sync.Mutex
	outbox      [][]byte
	closed      bool
	closeCode   int
	closeReason string
}

func newPollLink(id string, maxSize int) *pollLink {
	return &pollLink{id: id, maxSize: maxSize}
}

// Deliver appends a frame to the outbox for the next poll.
func (l *pollLink) Deliver(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return domain.ErrConnectionClosed
	}
	if len(l.outbox) >= l.maxSize {
		log.Warn().Str("connection_id", l.id).Msg("poll outbox full, dropping frame")
		return domain.ErrQueueFull
	}
	l.outbox = append(l.outbox, data)
	return nil
}

// Close marks the link closed. The final poll response reports the close
// code so the client can decide whether to reconnect.
func (l *pollLink) Close(code int, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		l.closeCode = code
		l.closeReason = reason
	}
	return nil
}

// drain empties the outbox, returning the queued frames in delivery order.
func (l *pollLink) drain() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.outbox
	l.outbox = nil
	return out
}

// closeInfo reports whether the link is closed and with what code.
func (l *pollLink) closeInfo() (bool, int, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed, l.closeCode, l.closeReason
}

// pollResponse is the GET /poll body.
type pollResponse struct {
	Messages []json.RawMessage `json:"messages"`
	Closed   bool              `json:"closed,omitempty"`
	Code     int               `json:"code,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}
