package endpoint

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/terrafield/relay/internal/domain"
)

// sendBuffer is a bounded, close-once outbound queue shared by every link
// type. A full buffer fails only the frame being queued; slow consumers
// never block the event path.
type sendBuffer struct {
	id string
	ch chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newSendBuffer(id string, capacity int) *sendBuffer {
	return &sendBuffer{
		id:   id,
		ch:   make(chan []byte, capacity),
		done: make(chan struct{}),
	}
}

// put queues a frame. Returns ErrQueueFull when the peer is too slow and
// ErrConnectionClosed after close.
func (b *sendBuffer) put(data []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return domain.ErrConnectionClosed
	}
	b.mu.Unlock()

	select {
	case b.ch <- data:
		return nil
	default:
		log.Warn().Str("connection_id", b.id).Msg("send buffer full, dropping frame")
		return domain.ErrQueueFull
	}
}

func (b *sendBuffer) channel() <-chan []byte { return b.ch }

func (b *sendBuffer) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

func (b *sendBuffer) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
