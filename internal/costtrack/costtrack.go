// Package costtrack records every provider invocation in the append-only call
// log, keeps best-effort per-user daily aggregates, and builds the idempotent
// daily cost rollup.
package costtrack

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/nimbushq/aigov/internal/metrics"
	"github.com/nimbushq/aigov/internal/pricing"
	"github.com/nimbushq/aigov/internal/store"
)

// Tracker writes call records and aggregates.
type Tracker struct {
	store   store.Store
	rates   *pricing.Table
	metrics *metrics.Registry
	log     *slog.Logger

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithNow replaces the clock. Used by tests.
func WithNow(now func() time.Time) Option {
	return func(t *Tracker) { t.nowFunc = now }
}

// New creates a Tracker. reg may be nil in tests.
func New(st store.Store, rates *pricing.Table, reg *metrics.Registry, log *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		store:   st,
		rates:   rates,
		metrics: reg,
		log:     log,
		nowFunc: time.Now,
	}
	if t.log == nil {
		t.log = slog.Default()
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// CostEstimate is a pure lookup against the pricing table.
func (t *Tracker) CostEstimate(provider, model string, inTok, outTok int) float64 {
	if _, ok := t.rates.Lookup(provider, model); !ok {
		t.log.Warn("no pricing for model, cost recorded as zero",
			"provider", provider, "model", model)
	}
	return t.rates.Estimate(provider, model, inTok, outTok)
}

// Record appends the call to the log and, on success, bumps the user's daily
// aggregate. Billing in the call path is best-effort: failures are logged and
// never surfaced to the caller; AggregateDaily reconciles authoritatively.
func (t *Tracker) Record(ctx context.Context, call store.CallRecord) {
	if call.Timestamp.IsZero() {
		call.Timestamp = t.nowFunc().UTC()
	}

	if t.metrics != nil {
		status := "success"
		if !call.Success {
			status = "failure"
		}
		t.metrics.RequestsTotal.WithLabelValues(call.RequestType, call.Provider, call.Model, status).Inc()
		t.metrics.RequestLatency.WithLabelValues(call.RequestType, call.Provider, call.Model).
			Observe(float64(call.LatencyMs))
		if call.Success {
			t.metrics.CostUSD.WithLabelValues(call.Provider, call.Model).Add(call.CostUSD)
		}
	}

	if err := t.store.InsertCall(ctx, call); err != nil {
		t.log.Error("call log write failed", "uid", call.UID, "request_id", call.RequestID, "error", err)
		return
	}
	if !call.Success {
		return
	}
	date := call.Timestamp.UTC().Format("2006-01-02")
	if err := t.store.BumpDailyUsage(ctx, call.UID, date, call.CostUSD, call.RequestType); err != nil {
		t.log.Error("daily usage bump failed", "uid", call.UID, "date", date, "error", err)
	}
}

// AggregateDaily rebuilds the summary for date (YYYY-MM-DD) in a single pass
// over the day's call log. Re-running replaces the existing document.
func (t *Tracker) AggregateDaily(ctx context.Context, date string) (*store.DailySummaryRecord, error) {
	calls, err := t.store.ListCallsByDay(ctx, date)
	if err != nil {
		return nil, err
	}

	sum := store.DailySummaryRecord{
		Date:          date,
		ByProvider:    map[string]float64{},
		ByRequestType: map[string]float64{},
		ByPreference:  map[string]float64{},
		GeneratedAt:   t.nowFunc().UTC(),
	}
	perUser := map[string]*store.UserSpend{}

	for _, c := range calls {
		sum.TotalCalls++
		if !c.Success {
			sum.FailedCalls++
			continue
		}
		sum.TotalCostUSD += c.CostUSD
		sum.ByProvider[c.Provider] += c.CostUSD
		sum.ByRequestType[c.RequestType] += c.CostUSD
		sum.ByPreference[c.RoutingPreference] += c.CostUSD
		us, ok := perUser[c.UID]
		if !ok {
			us = &store.UserSpend{UID: c.UID}
			perUser[c.UID] = us
		}
		us.CostUSD += c.CostUSD
		us.Calls++
	}

	top := make([]store.UserSpend, 0, len(perUser))
	for _, us := range perUser {
		top = append(top, *us)
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].CostUSD != top[j].CostUSD {
			return top[i].CostUSD > top[j].CostUSD
		}
		return top[i].UID < top[j].UID
	})
	if len(top) > 10 {
		top = top[:10]
	}
	sum.TopUsers = top

	if err := t.store.UpsertDailySummary(ctx, sum); err != nil {
		return nil, err
	}
	return &sum, nil
}
