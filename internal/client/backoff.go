package client

import "time"

// Backoff is the reconnection delay policy: exponential growth from Base,
// capped at Max. Attempt n waits min(Base * 2^(n-1), Max).
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff matches the documented reconnection curve: 1s, 2s, 4s, …
// capped at 30s.
var DefaultBackoff = Backoff{
	Base: time.Second,
	Max:  30 * time.Second,
}

// Delay returns the wait before reconnect attempt n (1-based). Attempts
// below 1 are treated as the first attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
