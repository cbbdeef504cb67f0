package budget

import (
	"context"
	"math"
	"time"
)

// Summary is the user-facing budget view served by GET /api/v1/budget.
type Summary struct {
	Status                string    `json:"status"`
	SpentUSD              float64   `json:"spentUsd"`
	BudgetUSD             float64   `json:"budgetUsd"`
	PercentUsed           float64   `json:"percentUsed"`
	ResetAt               time.Time `json:"resetAt"`
	DaysUntilReset        int       `json:"daysUntilReset"`
	CallCount             int64     `json:"callCount"`
	Tier                  string    `json:"tier"`
	Message               string    `json:"message,omitempty"`
	UpgradeAvailable      bool      `json:"upgradeAvailable"`
	UpgradeTier           string    `json:"upgradeTier,omitempty"`
	UpgradePrice          float64   `json:"upgradePrice,omitempty"`
	RoutingPreference     string    `json:"routingPreference"`
	ProjectedMonthlySpend float64   `json:"projectedMonthlySpend"`
}

// upgradePath maps each tier to the next one up and its monthly price.
var upgradePath = map[string]struct {
	tier  string
	price float64
}{
	"free":     {"pro", 9.99},
	"pro":      {"pro_plus", 19.99},
	"pro_plus": {"enterprise", 99.99},
}

// Summarize computes the budget view for uid's current period.
func (e *Engine) Summarize(ctx context.Context, uid string) (*Summary, error) {
	res, err := e.Check(ctx, uid)
	if err != nil {
		return nil, err
	}
	b := res.Budget
	now := e.nowFunc().UTC()

	totalSpent := b.SpentUSD + b.DegradedSpendUSD
	var pct float64
	if b.BudgetUSD > 0 {
		pct = math.Min(100, b.SpentUSD/b.BudgetUSD*100)
	}

	days := int(math.Ceil(b.ResetAt.Sub(now).Hours() / 24))
	if days < 0 {
		days = 0
	}

	// Linear projection over the elapsed fraction of the month.
	var projected float64
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	elapsed := now.Sub(monthStart).Hours()
	total := b.ResetAt.Sub(monthStart).Hours()
	if elapsed > 1 && total > 0 {
		projected = totalSpent / (elapsed / total)
	} else {
		projected = totalSpent
	}

	s := &Summary{
		Status:                b.Status,
		SpentUSD:              totalSpent,
		BudgetUSD:             b.BudgetUSD,
		PercentUsed:           pct,
		ResetAt:               b.ResetAt,
		DaysUntilReset:        days,
		CallCount:             b.CallCount,
		Tier:                  b.Tier,
		RoutingPreference:     string(res.Routing),
		ProjectedMonthlySpend: math.Round(projected*100) / 100,
	}

	switch b.Status {
	case StatusDegraded:
		s.Message = "Your premium AI budget is used up for this month. Responses now use faster, lower-cost models."
	case StatusBlocked:
		if e.tierConfig(b.Tier).AllowAI {
			s.Message = "AI features are paused until your budget resets."
		} else {
			s.Message = "AI features require a paid plan."
		}
	}

	if up, ok := upgradePath[b.Tier]; ok {
		s.UpgradeAvailable = true
		s.UpgradeTier = up.tier
		s.UpgradePrice = up.price
	}
	return s, nil
}

// HistoryEntry is one month of budget history.
type HistoryEntry struct {
	Period           string  `json:"period"`
	BudgetUSD        float64 `json:"budgetUsd"`
	SpentUSD         float64 `json:"spentUsd"`
	DegradedSpendUSD float64 `json:"degradedSpendUsd"`
	TotalSpend       float64 `json:"totalSpend"`
	CallCount        int64   `json:"callCount"`
	Status           string  `json:"status"`
	Tier             string  `json:"tier"`
}

// History returns up to months (1..12) of budget documents, newest first.
func (e *Engine) History(ctx context.Context, uid string, months int) ([]HistoryEntry, error) {
	records, err := e.store.ListBudgetHistory(ctx, uid, months)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(records))
	for _, b := range records {
		out = append(out, HistoryEntry{
			Period:           b.Period,
			BudgetUSD:        b.BudgetUSD,
			SpentUSD:         b.SpentUSD,
			DegradedSpendUSD: b.DegradedSpendUSD,
			TotalSpend:       b.SpentUSD + b.DegradedSpendUSD,
			CallCount:        b.CallCount,
			Status:           b.Status,
			Tier:             b.Tier,
		})
	}
	return out, nil
}
