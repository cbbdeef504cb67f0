package budget

import (
	"context"
	"fmt"

	"github.com/nimbushq/aigov/internal/store"
)

// Admin adjustment actions.
const (
	ActionAddBudget   = "add_budget"
	ActionResetSpend  = "reset_spend"
	ActionUpgradeTier = "upgrade_tier"
	ActionUnblock     = "unblock"
)

// Adjust applies an admin action to the user's current-period budget.
// amount is required for add_budget; tier for upgrade_tier.
func (e *Engine) Adjust(ctx context.Context, uid, action string, amount float64, tier string) (*store.BudgetRecord, error) {
	switch action {
	case ActionAddBudget:
		if amount <= 0 {
			return nil, fmt.Errorf("add_budget requires a positive amount")
		}
		return e.mutateCurrent(ctx, uid, func(b *store.BudgetRecord) {
			b.BudgetUSD += amount
			// Extra headroom may lift a degraded or blocked user back.
			if b.Status != StatusPremium && b.SpentUSD < b.BudgetUSD {
				b.Status = StatusPremium
				b.BlockedAt = nil
			}
		})
	case ActionResetSpend:
		return e.mutateCurrent(ctx, uid, func(b *store.BudgetRecord) {
			b.SpentUSD = 0
			b.DegradedSpendUSD = 0
			b.Status = StatusPremium
			if !e.tierConfig(b.Tier).AllowAI {
				b.Status = StatusBlocked
			}
			b.DegradedAt = nil
			b.BlockedAt = nil
		})
	case ActionUpgradeTier:
		return e.UpgradeTier(ctx, uid, tier)
	case ActionUnblock:
		return e.mutateCurrent(ctx, uid, func(b *store.BudgetRecord) {
			if b.Status != StatusBlocked {
				return
			}
			// Reopen the degraded allowance rather than the premium budget;
			// the spend history stays intact.
			b.Status = StatusDegraded
			b.DegradedSpendUSD = 0
			b.BlockedAt = nil
			if b.DegradedAt == nil {
				t := e.nowFunc()
				b.DegradedAt = &t
			}
		})
	default:
		return nil, fmt.Errorf("unknown adjust action %q", action)
	}
}

func (e *Engine) mutateCurrent(ctx context.Context, uid string, fn func(*store.BudgetRecord)) (*store.BudgetRecord, error) {
	now := e.nowFunc()
	return e.store.MutateBudget(ctx, uid, PeriodOf(now), func(cur *store.BudgetRecord) (*store.BudgetRecord, error) {
		if cur == nil {
			tier, err := e.tierOf.TierOf(ctx, uid)
			if err != nil {
				return nil, err
			}
			cur = e.fresh(uid, tier, now)
		}
		fn(cur)
		return cur, nil
	})
}
