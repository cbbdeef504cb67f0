package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var base = time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)

func TestAllowWithinCaps(t *testing.T) {
	l := New(WithNow(fixedNow(base)))
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if d := l.Allow("u1", "coach-chat", "pro"); d != nil {
			t.Fatalf("call %d denied: %+v", i, d)
		}
	}
}

func TestEndpointCapDeniesFirst(t *testing.T) {
	l := New(WithLimits(map[string]TierLimits{
		"pro": {MaxCallsPerDay: 100, MaxCallsPerHour: 100, MaxCallsPerEndpointPerHour: 2, MaxCostPerCall: 1},
	}), WithNow(fixedNow(base)))
	defer l.Stop()

	l.Allow("u1", "meal-scan", "pro")
	l.Allow("u1", "meal-scan", "pro")
	d := l.Allow("u1", "meal-scan", "pro")
	if d == nil || d.Type != "endpoint_calls" {
		t.Fatalf("denial: %+v", d)
	}
	if !d.ResetAt.Equal(base.Truncate(time.Hour).Add(time.Hour)) {
		t.Fatalf("resetAt: %v", d.ResetAt)
	}
	// A different endpoint is still admitted.
	if d := l.Allow("u1", "coach-chat", "pro"); d != nil {
		t.Fatalf("other endpoint denied: %+v", d)
	}
}

func TestDailyCapAcrossEndpoints(t *testing.T) {
	l := New(WithLimits(map[string]TierLimits{
		"pro": {MaxCallsPerDay: 3, MaxCallsPerHour: 100, MaxCallsPerEndpointPerHour: 100, MaxCostPerCall: 1},
	}), WithNow(fixedNow(base)))
	defer l.Stop()

	l.Allow("u1", "a", "pro")
	l.Allow("u1", "b", "pro")
	l.Allow("u1", "c", "pro")
	d := l.Allow("u1", "d", "pro")
	if d == nil || d.Type != "daily_calls" {
		t.Fatalf("denial: %+v", d)
	}
}

func TestDenialDoesNotConsume(t *testing.T) {
	// A denial by the endpoint window must not burn daily quota.
	l := New(WithLimits(map[string]TierLimits{
		"pro": {MaxCallsPerDay: 2, MaxCallsPerHour: 100, MaxCallsPerEndpointPerHour: 1, MaxCostPerCall: 1},
	}), WithNow(fixedNow(base)))
	defer l.Stop()

	l.Allow("u1", "a", "pro")
	if d := l.Allow("u1", "a", "pro"); d == nil || d.Type != "endpoint_calls" {
		t.Fatalf("expected endpoint denial: %+v", d)
	}
	// Daily cap 2: one consumed so far, so a fresh endpoint passes.
	if d := l.Allow("u1", "b", "pro"); d != nil {
		t.Fatalf("daily quota burned by denial: %+v", d)
	}
}

func TestWindowExpiryResets(t *testing.T) {
	now := base
	l := New(WithLimits(map[string]TierLimits{
		"pro": {MaxCallsPerDay: 100, MaxCallsPerHour: 1, MaxCallsPerEndpointPerHour: 100, MaxCostPerCall: 1},
	}), WithNow(func() time.Time { return now }))
	defer l.Stop()

	l.Allow("u1", "a", "pro")
	if d := l.Allow("u1", "a", "pro"); d == nil || d.Type != "hourly_calls" {
		t.Fatalf("expected hourly denial: %+v", d)
	}
	now = now.Add(time.Hour)
	if d := l.Allow("u1", "a", "pro"); d != nil {
		t.Fatalf("next window should admit: %+v", d)
	}
}

func TestHourZeroWindowsStayDistinct(t *testing.T) {
	// In the first hour of a UTC day the daily and hourly windows start at
	// the same instant. The counters must still be tracked separately.
	now := time.Date(2026, 8, 24, 0, 30, 0, 0, time.UTC)
	l := New(WithLimits(map[string]TierLimits{
		"pro": {MaxCallsPerDay: 3, MaxCallsPerHour: 2, MaxCallsPerEndpointPerHour: 100, MaxCostPerCall: 1},
	}), WithNow(func() time.Time { return now }))
	defer l.Stop()

	if d := l.Allow("u1", "a", "pro"); d != nil {
		t.Fatalf("call 1 denied: %+v", d)
	}
	if d := l.Allow("u1", "a", "pro"); d != nil {
		t.Fatalf("call 2 denied: %+v", d)
	}

	d := l.Allow("u1", "a", "pro")
	if d == nil || d.Type != "hourly_calls" {
		t.Fatalf("expected hourly denial at the full hourly cap: %+v", d)
	}
	if want := time.Date(2026, 8, 24, 1, 0, 0, 0, time.UTC); !d.ResetAt.Equal(want) {
		t.Fatalf("hourly resetAt = %v, want %v", d.ResetAt, want)
	}

	// Two calls so far against a daily cap of 3: the next hour still has
	// one day slot left, then the daily window denies.
	now = now.Add(time.Hour)
	if d := l.Allow("u1", "a", "pro"); d != nil {
		t.Fatalf("call 3 denied: %+v", d)
	}
	d = l.Allow("u1", "a", "pro")
	if d == nil || d.Type != "daily_calls" {
		t.Fatalf("expected daily denial: %+v", d)
	}
	if want := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC); !d.ResetAt.Equal(want) {
		t.Fatalf("daily resetAt = %v, want %v", d.ResetAt, want)
	}
}

func TestUsersIsolated(t *testing.T) {
	l := New(WithLimits(map[string]TierLimits{
		"free": {MaxCallsPerDay: 1, MaxCallsPerHour: 1, MaxCallsPerEndpointPerHour: 1, MaxCostPerCall: 0.05},
	}), WithNow(fixedNow(base)))
	defer l.Stop()

	l.Allow("u1", "a", "free")
	if d := l.Allow("u2", "a", "free"); d != nil {
		t.Fatalf("u2 denied by u1's quota: %+v", d)
	}
}

func TestUnknownTierFallsBackToFree(t *testing.T) {
	l := New(WithNow(fixedNow(base)))
	defer l.Stop()
	if got := l.Limits("mystery"); got != DefaultLimits()["free"] {
		t.Fatalf("fallback: %+v", got)
	}
}

func TestConcurrentAdmitsExactlyCap(t *testing.T) {
	const limit, n = 25, 100
	l := New(WithLimits(map[string]TierLimits{
		"pro": {MaxCallsPerDay: 1000, MaxCallsPerHour: 1000, MaxCallsPerEndpointPerHour: limit, MaxCostPerCall: 1},
	}), WithNow(fixedNow(base)))
	defer l.Stop()

	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("u1", "coach-chat", "pro") == nil {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()
	if admitted != limit {
		t.Fatalf("admitted %d, want %d", admitted, limit)
	}
}

func TestSweepReclaimsExpired(t *testing.T) {
	now := base
	l := New(WithNow(func() time.Time { return now }))
	defer l.Stop()

	l.Allow("u1", "a", "pro")
	l.mu.Lock()
	before := len(l.entries)
	l.mu.Unlock()
	if before == 0 {
		t.Fatal("no entries recorded")
	}

	now = now.Add(25 * time.Hour)
	l.sweep()
	l.mu.Lock()
	after := len(l.entries)
	l.mu.Unlock()
	if after != 0 {
		t.Fatalf("sweep left %d entries", after)
	}
}
