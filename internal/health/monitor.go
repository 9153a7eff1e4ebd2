// Package health tracks aggregate liveness signals (recent error rate,
// DNS reachability, memory pressure) and decides when the server should
// proactively force clients to reconnect. This is a self-healing signal for
// connections wedged behind broken proxies, never a restart of the process.
package health

import (
	"context"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/terrafield/relay/internal/clock"
)

// DNSStatus classifies the most recent reachability probe.
type DNSStatus string

const (
	DNSHealthy  DNSStatus = "healthy"
	DNSDegraded DNSStatus = "degraded"
	DNSFailed   DNSStatus = "failed"
	DNSUnknown  DNSStatus = "unknown"
)

// Snapshot is a point-in-time view of aggregate health. It is recomputed on
// demand and never stored.
type Snapshot struct {
	UptimeMS              int64     `json:"uptime_ms"`
	ActiveConnectionCount int       `json:"active_connection_count"`
	ErrorCountWindow      int       `json:"error_count_window"`
	DNSStatus             DNSStatus `json:"dns_status"`
	MemoryRatio           float64   `json:"memory_ratio"`
	ForcedCycles          int       `json:"forced_cycles"`
}

// Endpoint is what the monitor instructs when a condition trips: broadcast
// a reconnect notice, then force-close active connections with the
// service-restart code.
type Endpoint interface {
	ActiveConnections() int
	ForceReconnect(reason string)
}

// Probe checks DNS/network reachability. The default resolves a configured
// hostname with a short deadline.
type Probe func(ctx context.Context) error

// Defaults for evaluation pacing and thresholds.
const (
	DefaultMinInterval     = 5 * time.Minute
	DefaultErrorWindow     = 5 * time.Minute
	DefaultErrorThreshold  = 25
	DefaultMemoryThreshold = 0.90
	DefaultMaxCycles       = 3
	DefaultProbeTimeout    = 3 * time.Second
)

// Monitor evaluates health conditions on a bounded cadence.
type Monitor struct {
	clk      clock.Clock
	endpoint Endpoint
	probe    Probe

	minInterval     time.Duration
	errorWindow     time.Duration
	errorThreshold  int
	memoryThreshold float64
	maxCycles       int

	memRatio func() float64

	startedAt time.Time
	inCycle   atomic.Bool
	cycles    atomic.Int32

	mu       sync.Mutex
	errors   []time.Time
	lastEval time.Time
	lastDNS  DNSStatus

	ticker   clock.Ticker
	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithMinInterval bounds how often conditions are evaluated.
func WithMinInterval(d time.Duration) Option {
	return func(m *Monitor) { m.minInterval = d }
}

// WithErrorWindow sets the sliding window for the error-rate condition.
func WithErrorWindow(d time.Duration) Option {
	return func(m *Monitor) { m.errorWindow = d }
}

// WithErrorThreshold sets the error count that trips the window condition.
func WithErrorThreshold(n int) Option {
	return func(m *Monitor) { m.errorThreshold = n }
}

// WithMemoryThreshold sets the heap-in-use ratio that trips the memory
// condition.
func WithMemoryThreshold(ratio float64) Option {
	return func(m *Monitor) { m.memoryThreshold = ratio }
}

// WithMaxCycles caps consecutive forced-reconnect cycles to avoid storms.
func WithMaxCycles(n int) Option {
	return func(m *Monitor) { m.maxCycles = n }
}

// WithProbe replaces the DNS reachability probe.
func WithProbe(p Probe) Option {
	return func(m *Monitor) { m.probe = p }
}

// WithMemoryRatio replaces the memory-pressure reading, for tests.
func WithMemoryRatio(fn func() float64) Option {
	return func(m *Monitor) { m.memRatio = fn }
}

// New creates a health monitor bound to one endpoint.
func New(clk clock.Clock, endpoint Endpoint, probeHost string, opts ...Option) *Monitor {
	m := &Monitor{
		clk:             clk,
		endpoint:        endpoint,
		probe:           defaultProbe(probeHost),
		minInterval:     DefaultMinInterval,
		errorWindow:     DefaultErrorWindow,
		errorThreshold:  DefaultErrorThreshold,
		memoryThreshold: DefaultMemoryThreshold,
		maxCycles:       DefaultMaxCycles,
		memRatio:        heapRatio,
		startedAt:       clk.Now(),
		lastDNS:         DNSUnknown,
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func defaultProbe(host string) Probe {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, DefaultProbeTimeout)
		defer cancel()
		_, err := net.DefaultResolver.LookupHost(ctx, host)
		return err
	}
}

// heapRatio reports heap in use as a fraction of memory obtained from the
// OS.
func heapRatio() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.Sys == 0 {
		return 0
	}
	return float64(ms.HeapInuse) / float64(ms.Sys)
}

// RecordError adds a connection error to the sliding window. Called by the
// endpoint and router on transport and handler failures.
func (m *Monitor) RecordError() {
	now := m.clk.Now()
	m.mu.Lock()
	m.errors = append(m.errors, now)
	m.pruneLocked(now)
	m.mu.Unlock()
}

// pruneLocked drops window entries older than the error window.
func (m *Monitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.errorWindow)
	i := 0
	for i < len(m.errors) && m.errors[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		m.errors = append(m.errors[:0], m.errors[i:]...)
	}
}

// errorCount returns the current window population.
func (m *Monitor) errorCount() int {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(now)
	return len(m.errors)
}

// Snapshot recomputes the current health view.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	dns := m.lastDNS
	m.mu.Unlock()

	return Snapshot{
		UptimeMS:              m.clk.Now().Sub(m.startedAt).Milliseconds(),
		ActiveConnectionCount: m.endpoint.ActiveConnections(),
		ErrorCountWindow:      m.errorCount(),
		DNSStatus:             dns,
		MemoryRatio:           m.memRatio(),
		ForcedCycles:          int(m.cycles.Load()),
	}
}

// Start begins periodic evaluation at the minimum interval.
func (m *Monitor) Start() {
	m.ticker = m.clk.NewTicker(m.minInterval)
	go func() {
		for {
			select {
			case <-m.done:
				return
			case <-m.ticker.C():
				m.Evaluate(context.Background())
			}
		}
	}()
}

// Stop halts evaluation.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		if m.ticker != nil {
			m.ticker.Stop()
		}
	})
}

// Evaluate runs one health check. It respects the minimum interval, skips
// while a forced cycle is in flight, and caps consecutive cycles. Returns
// true when a forced reconnect was triggered.
func (m *Monitor) Evaluate(ctx context.Context) bool {
	now := m.clk.Now()

	m.mu.Lock()
	if !m.lastEval.IsZero() && now.Sub(m.lastEval) < m.minInterval {
		m.mu.Unlock()
		return false
	}
	m.lastEval = now
	m.mu.Unlock()

	if m.inCycle.Load() {
		return false
	}

	reason := m.failingCondition(ctx)
	if reason == "" {
		m.cycles.Store(0)
		return false
	}

	if int(m.cycles.Load()) >= m.maxCycles {
		log.Warn().Str("reason", reason).Int("cycles", int(m.cycles.Load())).
			Msg("health condition persists but forced-reconnect cycle cap reached")
		return false
	}

	m.inCycle.Store(true)
	m.cycles.Inc()
	log.Warn().Str("reason", reason).Msg("health monitor forcing client reconnection")
	m.endpoint.ForceReconnect(reason)
	m.inCycle.Store(false)
	return true
}

// failingCondition reports the first tripped condition, or empty.
func (m *Monitor) failingCondition(ctx context.Context) string {
	if n := m.errorCount(); n >= m.errorThreshold {
		return "error rate threshold exceeded"
	}

	if err := m.probe(ctx); err != nil {
		m.mu.Lock()
		m.lastDNS = DNSFailed
		m.mu.Unlock()
		log.Warn().Err(err).Msg("dns probe failed")
		return "dns probe failed"
	}
	m.mu.Lock()
	m.lastDNS = DNSHealthy
	m.mu.Unlock()

	if r := m.memRatio(); r >= m.memoryThreshold {
		return "memory pressure"
	}
	return ""
}
