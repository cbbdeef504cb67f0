// Package ratelimit provides an in-memory windowed rate limiter keyed by
// (uid, endpoint, window start) with per-tier caps.
package ratelimit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TierLimits are the per-tier caps enforced on the AI endpoint.
type TierLimits struct {
	MaxCallsPerDay             int
	MaxCallsPerHour            int
	MaxCallsPerEndpointPerHour int
	// MaxCostPerCall is enforced by the router's pre-call estimate guard,
	// not by the windowed counters.
	MaxCostPerCall float64
}

// DefaultLimits returns the built-in tier cap table.
func DefaultLimits() map[string]TierLimits {
	return map[string]TierLimits{
		"free":       {MaxCallsPerDay: 20, MaxCallsPerHour: 10, MaxCallsPerEndpointPerHour: 5, MaxCostPerCall: 0.05},
		"pro":        {MaxCallsPerDay: 500, MaxCallsPerHour: 100, MaxCallsPerEndpointPerHour: 50, MaxCostPerCall: 0.50},
		"pro_plus":   {MaxCallsPerDay: 2000, MaxCallsPerHour: 300, MaxCallsPerEndpointPerHour: 150, MaxCostPerCall: 1.00},
		"enterprise": {MaxCallsPerDay: 20000, MaxCallsPerHour: 2000, MaxCallsPerEndpointPerHour: 1000, MaxCostPerCall: 5.00},
	}
}

// Denial reports which window rejected the request and when it reopens.
type Denial struct {
	Type    string    `json:"type"` // daily_calls, hourly_calls, endpoint_calls
	ResetAt time.Time `json:"resetAt"`
}

type key struct {
	uid string
	// window distinguishes the three counters so the daily and hourly
	// entries never alias when their windows start at the same instant
	// (the first hour of each UTC day).
	window      string
	endpoint    string
	windowStart int64
}

type entry struct {
	count     int
	resetTime time.Time
}

// Limiter tracks windowed counters in memory. A janitor goroutine reclaims
// expired entries every 10 minutes; call Stop on shutdown.
type Limiter struct {
	mu      sync.Mutex
	entries map[key]*entry
	limits  map[string]TierLimits
	counter prometheus.Counter
	stop    chan struct{}
	once    sync.Once

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithCounter sets a Prometheus counter incremented on each rejection.
func WithCounter(c prometheus.Counter) Option {
	return func(l *Limiter) { l.counter = c }
}

// WithNow replaces the clock. Used by tests.
func WithNow(now func() time.Time) Option {
	return func(l *Limiter) { l.nowFunc = now }
}

// WithLimits replaces the tier cap table.
func WithLimits(limits map[string]TierLimits) Option {
	return func(l *Limiter) { l.limits = limits }
}

// New creates a Limiter and starts its janitor.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		entries: make(map[key]*entry),
		limits:  DefaultLimits(),
		stop:    make(chan struct{}),
		nowFunc: time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	go l.janitor()
	return l
}

// Stop terminates the janitor goroutine.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Limits returns the cap table entry for tier, falling back to free.
func (l *Limiter) Limits(tier string) TierLimits {
	if lim, ok := l.limits[tier]; ok {
		return lim
	}
	return l.limits["free"]
}

// Allow reserves one call across the daily, hourly, and per-endpoint windows.
// All three counters advance atomically; a denial leaves none of them bumped.
func (l *Limiter) Allow(uid, endpoint, tier string) *Denial {
	lim := l.Limits(tier)
	now := l.nowFunc().UTC()
	dayStart := now.Truncate(24 * time.Hour)
	hourStart := now.Truncate(time.Hour)

	checks := []struct {
		k       key
		cap     int
		resetAt time.Time
		denial  string
	}{
		{key{uid, "day", "", dayStart.Unix()}, lim.MaxCallsPerDay, dayStart.Add(24 * time.Hour), "daily_calls"},
		{key{uid, "hour", "", hourStart.Unix()}, lim.MaxCallsPerHour, hourStart.Add(time.Hour), "hourly_calls"},
		{key{uid, "endpoint", endpoint, hourStart.Unix()}, lim.MaxCallsPerEndpointPerHour, hourStart.Add(time.Hour), "endpoint_calls"},
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, c := range checks {
		e, ok := l.entries[c.k]
		if !ok || now.After(e.resetTime) {
			continue
		}
		if e.count >= c.cap {
			if l.counter != nil {
				l.counter.Inc()
			}
			return &Denial{Type: c.denial, ResetAt: e.resetTime}
		}
	}
	for _, c := range checks {
		e, ok := l.entries[c.k]
		if !ok || now.After(e.resetTime) {
			l.entries[c.k] = &entry{count: 1, resetTime: c.resetAt}
			continue
		}
		e.count++
	}
	return nil
}

func (l *Limiter) janitor() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	now := l.nowFunc()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, e := range l.entries {
		if now.After(e.resetTime) {
			delete(l.entries, k)
		}
	}
}
