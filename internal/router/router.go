// Package router dispatches inbound envelopes to handlers registered per
// message type. Messages queue in a priority order and are drained on a
// short processing tick, so a burst of low-priority traffic cannot starve
// an urgent frame that arrives a moment later.
package router

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/terrafield/relay/internal/clock"
	"github.com/terrafield/relay/internal/domain"
	"github.com/terrafield/relay/internal/protocol"
)

// DefaultTick is the queue drain interval. Short enough to be invisible to
// users, long enough to batch and reorder by priority.
const DefaultTick = 100 * time.Millisecond

// DefaultMaxQueue bounds the inbound queue.
const DefaultMaxQueue = 4096

// Handler processes one inbound envelope. Domain logic lives behind this
// boundary; a handler error is reported to the sender and never stops the
// dispatch loop.
type Handler func(ctx context.Context, env *protocol.Envelope) error

// Replier sends a structured error reply back to a message source.
type Replier interface {
	SendTo(clientID string, env *protocol.Envelope) error
}

// ErrorListener observes handler failures, for diagnostics and the health
// monitor's error window.
type ErrorListener func(err error)

// Router is the priority-ordered inbound dispatcher.
type Router struct {
	clk      clock.Clock
	tick     time.Duration
	maxQueue int
	replier  Replier
	onError  ErrorListener

	mu       sync.Mutex
	queue    priorityQueue
	seq      uint64
	handlers map[string]Handler
	running  bool
	ticker   clock.Ticker
	done     chan struct{}
}

// Option configures a Router.
type Option func(*Router)

// WithTick overrides the drain interval.
func WithTick(d time.Duration) Option {
	return func(r *Router) { r.tick = d }
}

// WithMaxQueue overrides the queue bound.
func WithMaxQueue(n int) Option {
	return func(r *Router) { r.maxQueue = n }
}

// WithErrorListener registers an observer for handler failures.
func WithErrorListener(fn ErrorListener) Option {
	return func(r *Router) { r.onError = fn }
}

// New creates a router. replier may be nil when no error replies are
// wanted (client side).
func New(clk clock.Clock, replier Replier, opts ...Option) *Router {
	r := &Router{
		clk:      clk,
		tick:     DefaultTick,
		maxQueue: DefaultMaxQueue,
		replier:  replier,
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds a handler to a message type, replacing any previous one.
func (r *Router) Register(msgType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = h
}

// Enqueue queues an envelope for dispatch on the next tick.
func (r *Router) Enqueue(env *protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return domain.ErrRouterStopped
	}
	if r.queue.Len() >= r.maxQueue {
		return domain.ErrQueueFull
	}
	r.seq++
	heap.Push(&r.queue, queueItem{env: env, seq: r.seq})
	return nil
}

// Start begins the dispatch loop.
func (r *Router) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.ticker = r.clk.NewTicker(r.tick)
	ticker := r.ticker
	r.mu.Unlock()

	go func() {
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C():
				r.Drain(context.Background())
			}
		}
	}()
}

// Stop halts dispatch. Queued messages are dropped; the layer guarantees
// at-least-once only while running.
func (r *Router) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	if r.ticker != nil {
		r.ticker.Stop()
	}
	close(r.done)
	r.queue = nil
	r.mu.Unlock()
}

// Drain dispatches every queued message in priority order. Exposed so
// tests can advance dispatch without the ticker.
func (r *Router) Drain(ctx context.Context) int {
	n := 0
	for {
		r.mu.Lock()
		if !r.running || r.queue.Len() == 0 {
			r.mu.Unlock()
			return n
		}
		item := heap.Pop(&r.queue).(queueItem)
		h := r.handlers[item.env.Type]
		r.mu.Unlock()

		r.dispatch(ctx, item.env, h)
		n++
	}
}

// QueueLen returns the number of queued messages.
func (r *Router) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Len()
}

// dispatch runs one handler, converting panics and errors into structured
// error replies so a single bad message never stops the loop.
func (r *Router) dispatch(ctx context.Context, env *protocol.Envelope, h Handler) {
	if h == nil {
		log.Debug().Str("type", env.Type).Str("source", env.Source).Msg("no handler for message type")
		r.replyError(env, protocol.ErrCodeUnknownType, fmt.Sprintf("unknown message type %q", env.Type))
		return
	}

	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
			}
		}()
		return h(ctx, env)
	}()

	if err != nil {
		herr := &domain.HandlerError{MessageType: env.Type, MessageID: env.ID, Err: err}
		log.Warn().Err(herr).Msg("message handler failed")
		if r.onError != nil {
			r.onError(herr)
		}
		r.replyError(env, protocol.ErrCodeHandlerFailed, herr.Error())
	}
}

func (r *Router) replyError(env *protocol.Envelope, code int, msg string) {
	if r.replier == nil || env.Source == "" || env.Source == protocol.SourceServer {
		return
	}
	if err := r.replier.SendTo(env.Source, protocol.NewError(env.Source, code, msg)); err != nil {
		log.Debug().Err(err).Str("target", env.Source).Msg("error reply not delivered")
	}
}
