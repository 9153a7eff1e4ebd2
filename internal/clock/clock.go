// Package clock abstracts timer scheduling so heartbeat and reconnection
// timing can be driven deterministically in tests instead of waiting on the
// wall clock.
package clock

import "time"

// Clock creates timers and tickers and reports the current time.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer is a single-shot timer armed via AfterFunc.
type Timer interface {
	// Stop cancels the timer. It reports whether the call stopped the
	// timer before it fired.
	Stop() bool
}

// Ticker delivers ticks on C at a fixed interval until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// New returns a Clock backed by the time package.
func New() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return systemTimer{time.AfterFunc(d, f)}
}

func (systemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{time.NewTicker(d)}
}

type systemTimer struct {
	t *time.Timer
}

func (t systemTimer) Stop() bool { return t.t.Stop() }

type systemTicker struct {
	t *time.Ticker
}

func (t *systemTicker) C() <-chan time.Time { return t.t.C }
func (t *systemTicker) Stop()               { t.t.Stop() }
