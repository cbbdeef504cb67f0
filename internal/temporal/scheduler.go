package temporal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron"

	"github.com/nimbushq/aigov/internal/jobs"
)

// CronScheduler runs the maintenance jobs in-process when Temporal is
// disabled. Schedules mirror the Temporal cron definitions; robfig specs
// carry a leading seconds field.
type CronScheduler struct {
	c   *cron.Cron
	log *slog.Logger
}

// NewCronScheduler wires the job runner onto an in-process cron.
func NewCronScheduler(runner *jobs.Runner, log *slog.Logger) (*CronScheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	c := cron.New()

	entries := []struct {
		spec string
		name string
		run  func(context.Context) error
	}{
		{"0 0 0 1 * *", jobs.JobMonthlyReset, runner.MonthlyReset},
		{"0 0 2 * * *", jobs.JobDailyRollup, runner.DailyRollup},
		{"0 0 1 * * 1", jobs.JobWeeklyReport, func(ctx context.Context) error {
			_, err := runner.WeeklyPowerUsers(ctx)
			return err
		}},
		{"0 0 * * * *", jobs.JobApproachingScan, runner.ApproachingLimitSweep},
	}
	for _, e := range entries {
		run := e.run
		name := e.name
		if err := c.AddFunc(e.spec, func() {
			if err := run(context.Background()); err != nil {
				log.Error("scheduled job failed", "job", name, "error", err)
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", name, err)
		}
	}
	return &CronScheduler{c: c, log: log}, nil
}

// Start begins the cron loop in its own goroutine.
func (s *CronScheduler) Start() {
	s.c.Start()
	s.log.Info("in-process job scheduler started")
}

// Stop halts the cron loop; running jobs finish on their own.
func (s *CronScheduler) Stop() {
	s.c.Stop()
}
