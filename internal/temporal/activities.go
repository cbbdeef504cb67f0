package temporal

import (
	"context"
	"fmt"

	"github.com/nimbushq/aigov/internal/jobs"
)

// Activities holds dependencies for the maintenance activity implementations.
// Each activity delegates to the job runner, which owns idempotence and the
// job log.
type Activities struct {
	Runner *jobs.Runner
}

// RunMonthlyReset rolls budgets into the new period.
func (a *Activities) RunMonthlyReset(ctx context.Context) (JobResult, error) {
	if err := a.Runner.MonthlyReset(ctx); err != nil {
		return JobResult{}, fmt.Errorf("monthly reset: %w", err)
	}
	return JobResult{Job: jobs.JobMonthlyReset}, nil
}

// RunDailyRollup regenerates yesterday's cost summary.
func (a *Activities) RunDailyRollup(ctx context.Context) (JobResult, error) {
	if err := a.Runner.DailyRollup(ctx); err != nil {
		return JobResult{}, fmt.Errorf("daily rollup: %w", err)
	}
	return JobResult{Job: jobs.JobDailyRollup}, nil
}

// RunWeeklyReport builds the power-user report.
func (a *Activities) RunWeeklyReport(ctx context.Context) (JobResult, error) {
	report, err := a.Runner.WeeklyPowerUsers(ctx)
	if err != nil {
		return JobResult{}, fmt.Errorf("weekly report: %w", err)
	}
	detail := fmt.Sprintf("degraded=%d blocked=%d repeats=%d",
		len(report.Degraded), len(report.Blocked), len(report.Repeats))
	return JobResult{Job: jobs.JobWeeklyReport, Detail: detail}, nil
}

// RunApproachingSweep fires approaching-limit alerts.
func (a *Activities) RunApproachingSweep(ctx context.Context) (JobResult, error) {
	if err := a.Runner.ApproachingLimitSweep(ctx); err != nil {
		return JobResult{}, fmt.Errorf("approaching sweep: %w", err)
	}
	return JobResult{Job: jobs.JobApproachingScan}, nil
}
