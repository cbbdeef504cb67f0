package budget

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/nimbushq/aigov/internal/events"
	"github.com/nimbushq/aigov/internal/routing"
	"github.com/nimbushq/aigov/internal/store"
)

type staticTiers map[string]string

func (s staticTiers) TierOf(ctx context.Context, uid string) (string, error) {
	if t, ok := s[uid]; ok {
		return t, nil
	}
	return "free", nil
}

var testNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, tiers staticTiers) (*Engine, *store.SQLiteStore, *events.Bus) {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	bus := events.NewBus()
	e := New(st, tiers, bus, nil, nil, WithNow(func() time.Time { return testNow }))
	return e, st, bus
}

func seed(t *testing.T, st *store.SQLiteStore, b store.BudgetRecord) {
	t.Helper()
	if b.ResetAt.IsZero() {
		b.ResetAt = resetAt(testNow)
	}
	if b.Period == "" {
		b.Period = PeriodOf(testNow)
	}
	if err := st.ReplaceBudget(context.Background(), b); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestCheckCreatesFreshBudget(t *testing.T) {
	e, st, _ := newTestEngine(t, staticTiers{"u1": "pro"})
	res, err := e.Check(context.Background(), "u1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Allowed || res.Status != StatusPremium || res.Routing != routing.PrefQuality {
		t.Fatalf("result: %+v", res)
	}
	if res.RemainingUSD != 3.00 {
		t.Fatalf("remaining: %f", res.RemainingUSD)
	}
	b, _ := st.GetBudget(context.Background(), "u1", PeriodOf(testNow))
	if b == nil || b.BudgetUSD != 3.00 || b.MaxDegradedUSD != 5.00 {
		t.Fatalf("persisted: %+v", b)
	}
	if !b.ResetAt.Equal(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("resetAt: %v", b.ResetAt)
	}
}

func TestFreeTierBlocked(t *testing.T) {
	e, _, _ := newTestEngine(t, staticTiers{"u1": "free"})
	res, err := e.Check(context.Background(), "u1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Allowed || res.Status != StatusBlocked || res.RemainingUSD != 0 {
		t.Fatalf("free tier should be blocked: %+v", res)
	}
}

func TestSoftDowngradeAt80Percent(t *testing.T) {
	// tier=pro, budget=3.00, spent=2.41: remaining 0.59 < 0.60.
	e, st, _ := newTestEngine(t, staticTiers{"u1": "pro"})
	seed(t, st, store.BudgetRecord{
		UID: "u1", Tier: "pro", BudgetUSD: 3.00, SpentUSD: 2.41,
		MaxDegradedUSD: 5.00, Status: StatusPremium,
	})

	res, err := e.Check(context.Background(), "u1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Allowed || res.Status != StatusPremium {
		t.Fatalf("result: %+v", res)
	}
	if res.Routing != routing.PrefCost {
		t.Fatalf("expected cost routing past 80%%, got %s", res.Routing)
	}
}

func TestDeductTransitionToDegraded(t *testing.T) {
	// spent=2.90, call costs 0.15: cap at 3.00, overrun 0.05 to degraded.
	e, st, bus := newTestEngine(t, staticTiers{"u1": "pro"})
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)
	seed(t, st, store.BudgetRecord{
		UID: "u1", Tier: "pro", BudgetUSD: 3.00, SpentUSD: 2.90,
		MaxDegradedUSD: 5.00, Status: StatusPremium, CallCount: 10,
	})

	b, err := e.Deduct(context.Background(), "u1", 0.15, "fitness:coach-chat", "claude-sonnet-4-5")
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if b.SpentUSD != 3.00 {
		t.Fatalf("spent not capped: %f", b.SpentUSD)
	}
	if math.Abs(b.DegradedSpendUSD-0.05) > 1e-9 {
		t.Fatalf("overrun: %f", b.DegradedSpendUSD)
	}
	if b.Status != StatusDegraded || b.DegradedAt == nil {
		t.Fatalf("status: %+v", b)
	}
	if b.CallCount != 11 || b.CallCountDegraded != 1 {
		t.Fatalf("counters: %+v", b)
	}

	select {
	case ev := <-sub.C:
		if ev.Type != events.EventBudgetDegraded || ev.UID != "u1" {
			t.Fatalf("event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no degraded event")
	}
}

func TestDeductWithinBudget(t *testing.T) {
	e, st, _ := newTestEngine(t, staticTiers{"u1": "pro"})
	seed(t, st, store.BudgetRecord{
		UID: "u1", Tier: "pro", BudgetUSD: 3.00, SpentUSD: 1.00,
		MaxDegradedUSD: 5.00, Status: StatusPremium,
	})
	b, err := e.Deduct(context.Background(), "u1", 0.25, "nutrition:meal-text", "gemini-2.5-flash")
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if b.SpentUSD != 1.25 || b.Status != StatusPremium || b.DegradedSpendUSD != 0 {
		t.Fatalf("budget: %+v", b)
	}
	if b.LastCallAt == nil {
		t.Fatal("lastCallAt not set")
	}
}

func TestBlockOnSecondOverrun(t *testing.T) {
	// Continuing the degraded state: deg=0.05, maxDeg=5.00, call costs 4.97.
	e, st, bus := newTestEngine(t, staticTiers{"u1": "pro"})
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)
	degAt := testNow.Add(-time.Hour)
	seed(t, st, store.BudgetRecord{
		UID: "u1", Tier: "pro", BudgetUSD: 3.00, SpentUSD: 3.00,
		DegradedSpendUSD: 0.05, MaxDegradedUSD: 5.00, Status: StatusDegraded,
		DegradedAt: &degAt, CallCount: 11, CallCountDegraded: 1,
	})

	b, err := e.Deduct(context.Background(), "u1", 4.97, "fitness:coach-chat", "gemini-2.5-flash")
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if b.DegradedSpendUSD != 5.00 || b.Status != StatusBlocked || b.BlockedAt == nil {
		t.Fatalf("budget: %+v", b)
	}

	select {
	case ev := <-sub.C:
		if ev.Type != events.EventBudgetBlocked {
			t.Fatalf("event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no blocked event")
	}

	// Further Check refuses.
	res, err := e.Check(context.Background(), "u1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Allowed || res.Status != StatusBlocked {
		t.Fatalf("blocked user admitted: %+v", res)
	}
}

func TestAtMostOneTransitionPerCall(t *testing.T) {
	// A call large enough to exhaust both buckets caps at the degraded
	// boundary; blocking waits for the next call.
	e, st, _ := newTestEngine(t, staticTiers{"u1": "pro"})
	seed(t, st, store.BudgetRecord{
		UID: "u1", Tier: "pro", BudgetUSD: 3.00, SpentUSD: 2.00,
		MaxDegradedUSD: 5.00, Status: StatusPremium,
	})

	b, err := e.Deduct(context.Background(), "u1", 50.00, "fitness:coach-chat", "gpt-5")
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if b.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", b.Status)
	}
	if b.SpentUSD != 3.00 || b.DegradedSpendUSD != 49.00 {
		// Overrun lands in the degraded bucket uncapped relative to maxDeg?
		t.Fatalf("budget: %+v", b)
	}
}

func TestDeductOnBlockedFails(t *testing.T) {
	e, st, _ := newTestEngine(t, staticTiers{"u1": "pro"})
	blockedAt := testNow
	seed(t, st, store.BudgetRecord{
		UID: "u1", Tier: "pro", BudgetUSD: 3.00, SpentUSD: 3.00,
		DegradedSpendUSD: 5.00, MaxDegradedUSD: 5.00, Status: StatusBlocked,
		BlockedAt: &blockedAt,
	})
	if _, err := e.Deduct(context.Background(), "u1", 0.01, "fitness:coach-chat", "gpt-5"); err == nil {
		t.Fatal("deduct on blocked budget should error")
	}
}

func TestUpgradeUnblocksWithinPeriod(t *testing.T) {
	e, st, bus := newTestEngine(t, staticTiers{"u1": "pro"})
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)
	blockedAt := testNow
	seed(t, st, store.BudgetRecord{
		UID: "u1", Tier: "pro", BudgetUSD: 3.00, SpentUSD: 3.00,
		DegradedSpendUSD: 5.00, MaxDegradedUSD: 5.00, Status: StatusBlocked,
		BlockedAt: &blockedAt,
	})

	b, err := e.UpgradeTier(context.Background(), "u1", "pro_plus")
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if b.BudgetUSD != 10.00 || b.MaxDegradedUSD != 5.00 {
		t.Fatalf("tier config: %+v", b)
	}
	if b.Status != StatusPremium || b.BlockedAt != nil {
		t.Fatalf("status: %+v", b)
	}
	// No refund.
	if b.SpentUSD != 3.00 || b.DegradedSpendUSD != 5.00 {
		t.Fatalf("spend changed: %+v", b)
	}

	select {
	case ev := <-sub.C:
		if ev.Type != events.EventBudgetUnblocked {
			t.Fatalf("event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no unblocked event")
	}

	// Next call is admitted.
	res, _ := e.Check(context.Background(), "u1")
	if !res.Allowed {
		t.Fatalf("upgraded user should be admitted: %+v", res)
	}
}

func TestUnknownTierRejected(t *testing.T) {
	e, _, _ := newTestEngine(t, staticTiers{"u1": "pro"})
	if _, err := e.UpgradeTier(context.Background(), "u1", "platinum"); err == nil {
		t.Fatal("unknown tier should error")
	}
}

func TestFailSafeOnStoreOutage(t *testing.T) {
	e, st, _ := newTestEngine(t, staticTiers{"u1": "pro"})
	_ = st.Close()

	res, err := e.Check(context.Background(), "u1")
	if err == nil {
		t.Fatal("expected store error")
	}
	if res.Allowed || res.Status != StatusBlocked {
		t.Fatalf("fail-safe violated: %+v", res)
	}
}

func TestPeriodRollStartsFresh(t *testing.T) {
	// Last month's document is frozen; first access this month creates a new
	// one with the (possibly upgraded) tier.
	tiers := staticTiers{"u1": "pro_plus"}
	e, st, _ := newTestEngine(t, tiers)
	seed(t, st, store.BudgetRecord{
		UID: "u1", Period: "2026-07", Tier: "pro", BudgetUSD: 3.00,
		SpentUSD: 3.00, DegradedSpendUSD: 5.00, MaxDegradedUSD: 5.00,
		Status: StatusBlocked, ResetAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	})

	res, err := e.Check(context.Background(), "u1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Allowed || res.Tier != "pro_plus" || res.Budget.BudgetUSD != 10.00 {
		t.Fatalf("fresh budget: %+v", res)
	}

	// Old period untouched.
	old, _ := st.GetBudget(context.Background(), "u1", "2026-07")
	if old.Status != StatusBlocked || old.SpentUSD != 3.00 {
		t.Fatalf("history mutated: %+v", old)
	}
}

func TestAdjustActions(t *testing.T) {
	e, st, _ := newTestEngine(t, staticTiers{"u1": "pro"})
	blockedAt := testNow
	seed(t, st, store.BudgetRecord{
		UID: "u1", Tier: "pro", BudgetUSD: 3.00, SpentUSD: 3.00,
		DegradedSpendUSD: 5.00, MaxDegradedUSD: 5.00, Status: StatusBlocked,
		BlockedAt: &blockedAt,
	})

	b, err := e.Adjust(context.Background(), "u1", ActionAddBudget, 2.00, "")
	if err != nil {
		t.Fatalf("add_budget: %v", err)
	}
	if b.BudgetUSD != 5.00 || b.Status != StatusPremium {
		t.Fatalf("add_budget: %+v", b)
	}

	b, err = e.Adjust(context.Background(), "u1", ActionResetSpend, 0, "")
	if err != nil {
		t.Fatalf("reset_spend: %v", err)
	}
	if b.SpentUSD != 0 || b.DegradedSpendUSD != 0 || b.Status != StatusPremium {
		t.Fatalf("reset_spend: %+v", b)
	}

	if _, err := e.Adjust(context.Background(), "u1", "explode", 0, ""); err == nil {
		t.Fatal("unknown action should error")
	}
}

func TestAdjustUnblockReopensDegraded(t *testing.T) {
	e, st, _ := newTestEngine(t, staticTiers{"u1": "pro"})
	blockedAt := testNow
	seed(t, st, store.BudgetRecord{
		UID: "u1", Tier: "pro", BudgetUSD: 3.00, SpentUSD: 3.00,
		DegradedSpendUSD: 5.00, MaxDegradedUSD: 5.00, Status: StatusBlocked,
		BlockedAt: &blockedAt,
	})
	b, err := e.Adjust(context.Background(), "u1", ActionUnblock, 0, "")
	if err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if b.Status != StatusDegraded || b.DegradedSpendUSD != 0 || b.BlockedAt != nil {
		t.Fatalf("unblock: %+v", b)
	}
}

func TestSummarize(t *testing.T) {
	e, st, _ := newTestEngine(t, staticTiers{"u1": "pro"})
	seed(t, st, store.BudgetRecord{
		UID: "u1", Tier: "pro", BudgetUSD: 3.00, SpentUSD: 1.50,
		MaxDegradedUSD: 5.00, Status: StatusPremium, CallCount: 30,
	})

	s, err := e.Summarize(context.Background(), "u1")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if s.PercentUsed != 50 {
		t.Fatalf("percent: %f", s.PercentUsed)
	}
	if s.DaysUntilReset != 8 {
		// Aug 24 12:00 UTC to Sep 1: 7.5 days, ceil 8.
		t.Fatalf("days until reset: %d", s.DaysUntilReset)
	}
	if !s.UpgradeAvailable || s.UpgradeTier != "pro_plus" {
		t.Fatalf("upgrade hint: %+v", s)
	}
	if s.ProjectedMonthlySpend <= s.SpentUSD {
		t.Fatalf("projection should extrapolate: %f", s.ProjectedMonthlySpend)
	}
}

func TestInvariantsAcrossRandomSequence(t *testing.T) {
	e, st, _ := newTestEngine(t, staticTiers{"u1": "pro"})
	costs := []float64{0.5, 0.9, 1.2, 0.8, 1.5, 2.0, 3.0}
	for _, c := range costs {
		res, err := e.Check(context.Background(), "u1")
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if !res.Allowed {
			break
		}
		b, err := e.Deduct(context.Background(), "u1", c, "fitness:coach-chat", "gpt-5")
		if err != nil {
			t.Fatalf("deduct: %v", err)
		}
		if b.SpentUSD > b.BudgetUSD+1e-9 {
			t.Fatalf("invariant spent<=budget violated: %+v", b)
		}
		if b.Status == StatusBlocked && b.DegradedSpendUSD != b.MaxDegradedUSD {
			t.Fatalf("blocked without full degraded bucket: %+v", b)
		}
		if b.Status == StatusPremium && b.DegradedSpendUSD != 0 {
			t.Fatalf("premium with degraded spend: %+v", b)
		}
	}
	b, _ := st.GetBudget(context.Background(), "u1", PeriodOf(testNow))
	if b.Status != StatusBlocked {
		t.Fatalf("9.9 spent over 3+5 budget should block, got %s", b.Status)
	}
}
