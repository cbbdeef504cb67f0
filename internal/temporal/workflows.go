package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const activityTimeout = 10 * time.Minute

// withJobOptions applies the shared activity options. Activities run once per
// cron tick; the jobs are idempotent, so a failed tick is simply retried by
// the next schedule fire.
func withJobOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	})
}

// MonthlyResetWorkflow runs on the 1st at 00:00 UTC.
func MonthlyResetWorkflow(ctx workflow.Context) (JobResult, error) {
	var res JobResult
	err := workflow.ExecuteActivity(withJobOptions(ctx), (*Activities).RunMonthlyReset).Get(ctx, &res)
	return res, err
}

// DailyRollupWorkflow runs daily at 02:00 UTC.
func DailyRollupWorkflow(ctx workflow.Context) (JobResult, error) {
	var res JobResult
	err := workflow.ExecuteActivity(withJobOptions(ctx), (*Activities).RunDailyRollup).Get(ctx, &res)
	return res, err
}

// WeeklyReportWorkflow runs Mondays at 01:00 UTC.
func WeeklyReportWorkflow(ctx workflow.Context) (JobResult, error) {
	var res JobResult
	err := workflow.ExecuteActivity(withJobOptions(ctx), (*Activities).RunWeeklyReport).Get(ctx, &res)
	return res, err
}

// ApproachingSweepWorkflow runs hourly.
func ApproachingSweepWorkflow(ctx workflow.Context) (JobResult, error) {
	var res JobResult
	err := workflow.ExecuteActivity(withJobOptions(ctx), (*Activities).RunApproachingSweep).Get(ctx, &res)
	return res, err
}
