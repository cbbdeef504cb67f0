// Package budget implements the per-user monthly AI budget state machine:
// premium until the budget is spent, degraded while the overflow allowance
// lasts, blocked after that, reset on period roll.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nimbushq/aigov/internal/events"
	"github.com/nimbushq/aigov/internal/metrics"
	"github.com/nimbushq/aigov/internal/routing"
	"github.com/nimbushq/aigov/internal/store"
)

// Budget statuses.
const (
	StatusPremium  = "premium"
	StatusDegraded = "degraded"
	StatusBlocked  = "blocked"
)

// TierConfig is the injected budget configuration for one subscription tier.
type TierConfig struct {
	BudgetUSD      float64
	MaxDegradedUSD float64
	AllowAI        bool
}

// DefaultTiers returns the built-in tier table.
func DefaultTiers() map[string]TierConfig {
	return map[string]TierConfig{
		"free":       {BudgetUSD: 0, MaxDegradedUSD: 0, AllowAI: false},
		"pro":        {BudgetUSD: 3.00, MaxDegradedUSD: 5.00, AllowAI: true},
		"pro_plus":   {BudgetUSD: 10.00, MaxDegradedUSD: 5.00, AllowAI: true},
		"enterprise": {BudgetUSD: 100.00, MaxDegradedUSD: 50.00, AllowAI: true},
	}
}

// TierSource resolves a user's current subscription tier.
type TierSource interface {
	TierOf(ctx context.Context, uid string) (string, error)
}

// CheckResult is the pre-flight admission decision.
type CheckResult struct {
	Allowed      bool
	Status       string
	Routing      routing.Preference
	RemainingUSD float64
	Tier         string
	Budget       *store.BudgetRecord
}

// failSafe is what Check returns when anything goes wrong internally.
func failSafe() CheckResult {
	return CheckResult{Allowed: false, Status: StatusBlocked, Routing: routing.PrefCost}
}

// Engine owns all budget reads and transitions.
type Engine struct {
	store   store.Store
	tiers   map[string]TierConfig
	tierOf  TierSource
	bus     *events.Bus
	metrics *metrics.Registry
	log     *slog.Logger

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithNow replaces the clock. Used by tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.nowFunc = now }
}

// WithTiers replaces the tier table.
func WithTiers(tiers map[string]TierConfig) Option {
	return func(e *Engine) { e.tiers = tiers }
}

// New creates an Engine. bus and reg may be nil in tests.
func New(st store.Store, tierOf TierSource, bus *events.Bus, reg *metrics.Registry, log *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		tiers:   DefaultTiers(),
		tierOf:  tierOf,
		bus:     bus,
		metrics: reg,
		log:     log,
		nowFunc: time.Now,
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// PeriodOf formats t's UTC month as YYYY-MM.
func PeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// resetAt is the first instant of the month after t, UTC.
func resetAt(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

func (e *Engine) tierConfig(tier string) TierConfig {
	if cfg, ok := e.tiers[tier]; ok {
		return cfg
	}
	return e.tiers["free"]
}

// fresh builds a zeroed budget document for (uid, tier) in the period of now.
func (e *Engine) fresh(uid, tier string, now time.Time) *store.BudgetRecord {
	cfg := e.tierConfig(tier)
	status := StatusBlocked
	if cfg.AllowAI {
		status = StatusPremium
	}
	return &store.BudgetRecord{
		UID:            uid,
		Period:         PeriodOf(now),
		Tier:           tier,
		BudgetUSD:      cfg.BudgetUSD,
		MaxDegradedUSD: cfg.MaxDegradedUSD,
		Status:         status,
		ResetAt:        resetAt(now),
	}
}

// loadOrCreate returns the current-period budget, creating a fresh document on
// first access. Old periods are left untouched as frozen history.
func (e *Engine) loadOrCreate(ctx context.Context, uid string) (*store.BudgetRecord, error) {
	now := e.nowFunc()
	return e.store.MutateBudget(ctx, uid, PeriodOf(now), func(cur *store.BudgetRecord) (*store.BudgetRecord, error) {
		if cur != nil {
			return nil, nil // no write needed
		}
		tier, err := e.tierOf.TierOf(ctx, uid)
		if err != nil {
			return nil, fmt.Errorf("resolve tier: %w", err)
		}
		return e.fresh(uid, tier, now), nil
	})
}

// Check is the pre-flight admission decision for one AI request. On any
// internal error it fails safe: not allowed, status blocked. The error is
// returned alongside so callers can log it.
func (e *Engine) Check(ctx context.Context, uid string) (CheckResult, error) {
	b, err := e.loadOrCreate(ctx, uid)
	if err != nil {
		e.log.Error("budget check failed", "uid", uid, "error", err)
		return failSafe(), err
	}

	res := CheckResult{Status: b.Status, Tier: b.Tier, Budget: b, Routing: routing.PrefCost}
	cfg := e.tierConfig(b.Tier)

	switch {
	case !cfg.AllowAI || b.Status == StatusBlocked:
		res.Allowed = false
		res.Status = StatusBlocked
	case b.Status == StatusDegraded:
		res.RemainingUSD = b.MaxDegradedUSD - b.DegradedSpendUSD
		res.Allowed = res.RemainingUSD > 0
	default: // premium
		res.RemainingUSD = b.BudgetUSD - b.SpentUSD
		res.Allowed = true
		// Soft downgrade: force cost routing once 80% of the budget is spent.
		if res.RemainingUSD > 0.2*b.BudgetUSD {
			res.Routing = routing.PrefQuality
		}
	}
	return res, nil
}

// Deduct charges costUSD to the user's current-period budget inside a
// transaction. Overruns are capped at the bucket boundary and accounted to
// the next bucket; a single call causes at most one status transition.
func (e *Engine) Deduct(ctx context.Context, uid string, costUSD float64, requestType, model string) (*store.BudgetRecord, error) {
	now := e.nowFunc()
	var transition string

	b, err := e.store.MutateBudget(ctx, uid, PeriodOf(now), func(cur *store.BudgetRecord) (*store.BudgetRecord, error) {
		transition = ""
		if cur == nil {
			// Deduct without a prior Check this period; start fresh.
			tier, terr := e.tierOf.TierOf(ctx, uid)
			if terr != nil {
				return nil, fmt.Errorf("resolve tier: %w", terr)
			}
			cur = e.fresh(uid, tier, now)
		}

		switch cur.Status {
		case StatusPremium:
			newSpent := cur.SpentUSD + costUSD
			if newSpent <= cur.BudgetUSD {
				cur.SpentUSD = newSpent
			} else {
				// Cap at the budget; the overrun lands in the degraded bucket.
				cur.SpentUSD = cur.BudgetUSD
				cur.DegradedSpendUSD = newSpent - cur.BudgetUSD
				cur.Status = StatusDegraded
				t := now
				cur.DegradedAt = &t
				cur.CallCountDegraded = 1
				transition = StatusDegraded
			}
			cur.CallCount++
		case StatusDegraded:
			newDeg := cur.DegradedSpendUSD + costUSD
			if newDeg <= cur.MaxDegradedUSD {
				cur.DegradedSpendUSD = newDeg
			} else {
				cur.DegradedSpendUSD = cur.MaxDegradedUSD
				cur.Status = StatusBlocked
				t := now
				cur.BlockedAt = &t
				transition = StatusBlocked
			}
			cur.CallCount++
			cur.CallCountDegraded++
		default:
			return nil, fmt.Errorf("deduct on %s budget for uid %s: pre-flight should have rejected", cur.Status, uid)
		}

		t := now
		cur.LastCallAt = &t
		return cur, nil
	})
	if err != nil {
		return nil, err
	}

	if transition != "" {
		e.emitTransition(b, transition)
	}
	return b, nil
}

// UpgradeTier moves the user's current-period budget to newTier. Spent
// amounts are kept (no refund); if the new tier allows AI the status returns
// to premium regardless of a previous degraded or blocked state. This is the
// only backward transition permitted within a period.
func (e *Engine) UpgradeTier(ctx context.Context, uid, newTier string) (*store.BudgetRecord, error) {
	cfg, ok := e.tiers[newTier]
	if !ok {
		return nil, fmt.Errorf("unknown tier %q", newTier)
	}
	now := e.nowFunc()
	var unblocked bool

	b, err := e.store.MutateBudget(ctx, uid, PeriodOf(now), func(cur *store.BudgetRecord) (*store.BudgetRecord, error) {
		unblocked = false
		if cur == nil {
			return e.fresh(uid, newTier, now), nil
		}
		prev := cur.Status
		cur.Tier = newTier
		cur.BudgetUSD = cfg.BudgetUSD
		cur.MaxDegradedUSD = cfg.MaxDegradedUSD
		if cfg.AllowAI {
			cur.Status = StatusPremium
			cur.BlockedAt = nil
			unblocked = prev != StatusPremium
		} else {
			cur.Status = StatusBlocked
		}
		return cur, nil
	})
	if err != nil {
		return nil, err
	}

	if unblocked && e.bus != nil {
		e.bus.Publish(events.Event{
			Type: events.EventBudgetUnblocked, UID: uid, Period: b.Period,
			Tier: b.Tier, NewStatus: b.Status, SpentUSD: b.SpentUSD,
		})
	}
	return b, nil
}

// ResetForPeriod replaces the user's budget document for the period of now,
// re-reading the tier. Used by the monthly reset job; lazy rolls happen via
// loadOrCreate since documents are keyed by period.
func (e *Engine) ResetForPeriod(ctx context.Context, uid string, now time.Time) (*store.BudgetRecord, error) {
	tier, err := e.tierOf.TierOf(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("resolve tier: %w", err)
	}
	b := e.fresh(uid, tier, now)
	if err := e.store.ReplaceBudget(ctx, *b); err != nil {
		return nil, err
	}
	return b, nil
}

// Current returns the current-period budget, creating it if needed.
func (e *Engine) Current(ctx context.Context, uid string) (*store.BudgetRecord, error) {
	return e.loadOrCreate(ctx, uid)
}

// Tiers exposes the tier table (read-only by convention).
func (e *Engine) Tiers() map[string]TierConfig { return e.tiers }

// Now returns the engine's clock reading.
func (e *Engine) Now() time.Time { return e.nowFunc() }

func (e *Engine) emitTransition(b *store.BudgetRecord, to string) {
	e.log.Info("budget status transition",
		"uid", b.UID, "period", b.Period, "tier", b.Tier,
		"to_status", to, "spent_usd", b.SpentUSD, "degraded_spend_usd", b.DegradedSpendUSD)
	if e.metrics != nil {
		e.metrics.BudgetTransitions.WithLabelValues(to, b.Tier).Inc()
	}
	if e.bus == nil {
		return
	}
	evType := events.EventBudgetDegraded
	if to == StatusBlocked {
		evType = events.EventBudgetBlocked
	}
	e.bus.Publish(events.Event{
		Type: evType, UID: b.UID, Period: b.Period, Tier: b.Tier,
		NewStatus: to, SpentUSD: b.SpentUSD + b.DegradedSpendUSD,
	})
}
