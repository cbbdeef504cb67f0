// Package jobs holds the scheduled maintenance jobs. Every job is idempotent
// and records its execution in the job log.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nimbushq/aigov/internal/budget"
	"github.com/nimbushq/aigov/internal/costtrack"
	"github.com/nimbushq/aigov/internal/events"
	"github.com/nimbushq/aigov/internal/store"
)

// Job names as they appear in the job log.
const (
	JobMonthlyReset    = "monthly_budget_reset"
	JobDailyRollup     = "daily_cost_rollup"
	JobWeeklyReport    = "weekly_power_user_report"
	JobApproachingScan = "approaching_limit_sweep"
)

const (
	defaultBatchSize = 200
	approachingRatio = 0.8
)

// Runner executes the scheduled jobs against the live components.
type Runner struct {
	store   store.Store
	engine  *budget.Engine
	tracker *costtrack.Tracker
	bus     *events.Bus
	log     *slog.Logger

	batchSize int

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithNow replaces the clock. Used by tests.
func WithNow(now func() time.Time) Option {
	return func(r *Runner) { r.nowFunc = now }
}

// WithBatchSize sets the budget scan batch size.
func WithBatchSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// New creates a Runner. bus may be nil.
func New(st store.Store, engine *budget.Engine, tracker *costtrack.Tracker, bus *events.Bus, log *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		store:     st,
		engine:    engine,
		tracker:   tracker,
		bus:       bus,
		log:       log,
		batchSize: defaultBatchSize,
		nowFunc:   time.Now,
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// runLogged executes fn and writes the job log row regardless of outcome.
func (r *Runner) runLogged(ctx context.Context, name string, fn func(ctx context.Context) (string, error)) error {
	started := r.nowFunc().UTC()
	detail, err := fn(ctx)
	rec := store.JobLogRecord{
		Name:       name,
		StartedAt:  started,
		FinishedAt: r.nowFunc().UTC(),
		OK:         err == nil,
		Detail:     detail,
	}
	if err != nil {
		rec.Detail = err.Error()
		r.log.Error("job failed", "job", name, "error", err)
	} else {
		r.log.Info("job finished", "job", name, "detail", detail)
	}
	if lerr := r.store.InsertJobLog(ctx, rec); lerr != nil {
		r.log.Error("job log write failed", "job", name, "error", lerr)
	}
	return err
}

// MonthlyReset rolls every budget from the previous period into the current
// one, re-reading each user's tier. Runs on the 1st at 00:00 UTC; safe to
// re-run since ReplaceBudget is an upsert of a fresh document.
func (r *Runner) MonthlyReset(ctx context.Context) error {
	return r.runLogged(ctx, JobMonthlyReset, func(ctx context.Context) (string, error) {
		now := r.nowFunc()
		prevPeriod := budget.PeriodOf(now.AddDate(0, -1, 0))

		var reset, failed int
		for offset := 0; ; offset += r.batchSize {
			batch, err := r.store.ListBudgets(ctx, prevPeriod, r.batchSize, offset)
			if err != nil {
				return "", fmt.Errorf("list %s budgets: %w", prevPeriod, err)
			}
			for _, b := range batch {
				if _, err := r.engine.ResetForPeriod(ctx, b.UID, now); err != nil {
					failed++
					r.log.Error("budget reset failed", "uid", b.UID, "error", err)
					continue
				}
				reset++
			}
			if len(batch) < r.batchSize {
				break
			}
		}
		return fmt.Sprintf("reset=%d failed=%d from=%s", reset, failed, prevPeriod), nil
	})
}

// DailyRollup regenerates yesterday's cost summary. Runs at 02:00 UTC.
func (r *Runner) DailyRollup(ctx context.Context) error {
	return r.runLogged(ctx, JobDailyRollup, func(ctx context.Context) (string, error) {
		date := r.nowFunc().UTC().AddDate(0, 0, -1).Format("2006-01-02")
		sum, err := r.tracker.AggregateDaily(ctx, date)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("date=%s calls=%d cost_usd=%.4f", date, sum.TotalCalls, sum.TotalCostUSD), nil
	})
}

// PowerUserReport is the weekly view of heavy spenders.
type PowerUserReport struct {
	Period   string   `json:"period"`
	Degraded []string `json:"degraded"`
	Blocked  []string `json:"blocked"`
	// Repeats are users degraded or blocked both this period and last.
	Repeats []string `json:"repeats"`
}

// WeeklyPowerUsers flags users who exhausted their budget this period and
// cross-joins with last period to find repeat offenders. Runs Mondays 01:00
// UTC.
func (r *Runner) WeeklyPowerUsers(ctx context.Context) (*PowerUserReport, error) {
	var report *PowerUserReport
	err := r.runLogged(ctx, JobWeeklyReport, func(ctx context.Context) (string, error) {
		now := r.nowFunc()
		period := budget.PeriodOf(now)
		prevPeriod := budget.PeriodOf(now.AddDate(0, -1, 0))

		cur, err := r.exhaustedUIDs(ctx, period)
		if err != nil {
			return "", err
		}
		prev, err := r.exhaustedUIDs(ctx, prevPeriod)
		if err != nil {
			return "", err
		}

		report = &PowerUserReport{Period: period}
		for uid, status := range cur {
			if status == budget.StatusBlocked {
				report.Blocked = append(report.Blocked, uid)
			} else {
				report.Degraded = append(report.Degraded, uid)
			}
			if _, ok := prev[uid]; ok {
				report.Repeats = append(report.Repeats, uid)
			}
		}
		return fmt.Sprintf("degraded=%d blocked=%d repeats=%d",
			len(report.Degraded), len(report.Blocked), len(report.Repeats)), nil
	})
	return report, err
}

func (r *Runner) exhaustedUIDs(ctx context.Context, period string) (map[string]string, error) {
	out := make(map[string]string)
	for _, status := range []string{budget.StatusDegraded, budget.StatusBlocked} {
		budgets, err := r.store.ListBudgetsByStatus(ctx, period, status)
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", period, status, err)
		}
		for _, b := range budgets {
			if b.Tier == "free" {
				// Free users are blocked by construction, not by spend.
				continue
			}
			out[b.UID] = status
		}
	}
	return out, nil
}

// ApproachingLimitSweep fires one approaching_limit alert per user per period
// once premium spend crosses 80% of the budget. Runs hourly.
func (r *Runner) ApproachingLimitSweep(ctx context.Context) error {
	return r.runLogged(ctx, JobApproachingScan, func(ctx context.Context) (string, error) {
		now := r.nowFunc()
		period := budget.PeriodOf(now)

		budgets, err := r.store.ListApproachingLimit(ctx, period, approachingRatio)
		if err != nil {
			return "", err
		}

		var fired int
		for _, b := range budgets {
			exists, err := r.store.HasAlert(ctx, b.UID, period, "approaching_limit")
			if err != nil {
				return "", err
			}
			if exists {
				continue
			}
			alert := store.AlertRecord{
				UID: b.UID, Period: period, Type: "approaching_limit",
				Detail:    fmt.Sprintf("spent %.2f of %.2f USD", b.SpentUSD, b.BudgetUSD),
				CreatedAt: now.UTC(),
			}
			if err := r.store.InsertAlert(ctx, alert); err != nil {
				return "", err
			}
			if r.bus != nil {
				r.bus.Publish(events.Event{
					Type: events.EventApproachingLimit, UID: b.UID, Period: period,
					Tier: b.Tier, NewStatus: b.Status, SpentUSD: b.SpentUSD,
				})
			}
			fired++
		}
		return fmt.Sprintf("scanned=%d fired=%d", len(budgets), fired), nil
	})
}
