package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually-advanced Clock for tests. Advance moves the fake time
// forward and fires, in order, every timer and ticker due by the new time.
// Timer callbacks run synchronously on the goroutine calling Advance.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	tickers []*fakeTicker
}

// NewFake returns a fake clock starting at a fixed, arbitrary instant.
func NewFake() *Fake {
	return &Fake{now: time.Unix(1700000000, 0)}
}

// Now returns the current fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc schedules f to run when the fake clock advances past d.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{clock: f, when: f.now.Add(d), fn: fn}
	f.timers = append(f.timers, t)
	return t
}

// NewTicker returns a ticker that fires once per interval during Advance.
func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{
		clock:    f,
		interval: d,
		next:     f.now.Add(d),
		ch:       make(chan time.Time, 64),
	}
	f.tickers = append(f.tickers, t)
	return t
}

// Advance moves the clock forward by d, firing due timers and tickers in
// chronological order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		fn, ok := f.fireNext(target)
		if !ok {
			break
		}
		if fn != nil {
			fn()
		}
	}

	f.mu.Lock()
	f.now = target
	f.mu.Unlock()
}

// fireNext fires the earliest pending timer or tick at or before target.
// It returns the timer callback to run (nil for ticks) and whether anything
// was due.
func (f *Fake) fireNext(target time.Time) (func(), bool) {
	f.mu.Lock()

	var nextTimer *fakeTimer
	for _, t := range f.timers {
		if t.stopped || t.when.After(target) {
			continue
		}
		if nextTimer == nil || t.when.Before(nextTimer.when) {
			nextTimer = t
		}
	}

	var nextTicker *fakeTicker
	for _, t := range f.tickers {
		if t.stopped || t.next.After(target) {
			continue
		}
		if nextTicker == nil || t.next.Before(nextTicker.next) {
			nextTicker = t
		}
	}

	switch {
	case nextTimer == nil && nextTicker == nil:
		f.mu.Unlock()
		return nil, false

	case nextTicker == nil || (nextTimer != nil && !nextTimer.when.After(nextTicker.next)):
		nextTimer.stopped = true
		f.now = nextTimer.when
		fn := nextTimer.fn
		f.mu.Unlock()
		return fn, true

	default:
		f.now = nextTicker.next
		tick := nextTicker.next
		nextTicker.next = nextTicker.next.Add(nextTicker.interval)
		ch := nextTicker.ch
		f.mu.Unlock()
		select {
		case ch <- tick:
		default:
		}
		return nil, true
	}
}

// PendingTimers returns the number of armed, unfired timers. Useful for
// asserting that timers were cancelled.
func (f *Fake) PendingTimers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// compact drops fired and stopped entries; called opportunistically.
func (f *Fake) compact() {
	live := f.timers[:0]
	for _, t := range f.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	f.timers = live
	sort.Slice(f.timers, func(i, j int) bool { return f.timers[i].when.Before(f.timers[j].when) })
}

type fakeTimer struct {
	clock   *Fake
	when    time.Time
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	t.clock.compact()
	return was
}

type fakeTicker struct {
	clock    *Fake
	interval time.Duration
	next     time.Time
	ch       chan time.Time
	stopped  bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}
