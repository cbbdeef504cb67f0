// Package temporal schedules the maintenance jobs as Temporal cron workflows.
// Deployments without a Temporal cluster use the in-process cron scheduler
// instead; both paths call the same job runner.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// Config holds Temporal connection settings.
type Config struct {
	HostPort  string
	Namespace string
	TaskQueue string
}

// Manager owns the Temporal client and worker lifecycle.
type Manager struct {
	client client.Client
	worker worker.Worker
	cfg    Config
	log    *slog.Logger
}

// New creates a Temporal client and worker, registering the maintenance
// workflows and activities.
func New(cfg Config, acts *Activities, log *slog.Logger) (*Manager, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("temporal client dial: %w", err)
	}

	w := worker.New(c, cfg.TaskQueue, worker.Options{})

	w.RegisterWorkflow(MonthlyResetWorkflow)
	w.RegisterWorkflow(DailyRollupWorkflow)
	w.RegisterWorkflow(WeeklyReportWorkflow)
	w.RegisterWorkflow(ApproachingSweepWorkflow)

	w.RegisterActivity(acts.RunMonthlyReset)
	w.RegisterActivity(acts.RunDailyRollup)
	w.RegisterActivity(acts.RunWeeklyReport)
	w.RegisterActivity(acts.RunApproachingSweep)

	if log == nil {
		log = slog.Default()
	}
	return &Manager{client: c, worker: w, cfg: cfg, log: log}, nil
}

// Start begins worker polling and ensures the cron workflows exist.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.worker.Start(); err != nil {
		return fmt.Errorf("temporal worker start: %w", err)
	}
	return m.ensureCrons(ctx)
}

// ensureCrons starts the four cron workflows under fixed ids. A workflow that
// is already running from a previous boot is left alone.
func (m *Manager) ensureCrons(ctx context.Context) error {
	crons := []struct {
		id       string
		schedule string
		workflow any
	}{
		{"cron-monthly-budget-reset", CronMonthlyReset, MonthlyResetWorkflow},
		{"cron-daily-cost-rollup", CronDailyRollup, DailyRollupWorkflow},
		{"cron-weekly-power-user-report", CronWeeklyReport, WeeklyReportWorkflow},
		{"cron-approaching-limit-sweep", CronApproachingSweep, ApproachingSweepWorkflow},
	}
	for _, c := range crons {
		_, err := m.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
			ID:           c.id,
			TaskQueue:    m.cfg.TaskQueue,
			CronSchedule: c.schedule,
		}, c.workflow)
		if err != nil {
			var already *serviceerror.WorkflowExecutionAlreadyStarted
			if errors.As(err, &already) {
				continue
			}
			return fmt.Errorf("start cron %s: %w", c.id, err)
		}
		m.log.Info("cron workflow scheduled", "id", c.id, "schedule", c.schedule)
	}
	return nil
}

// Client returns the Temporal client.
func (m *Manager) Client() client.Client { return m.client }

// TaskQueue returns the configured task queue name.
func (m *Manager) TaskQueue() string { return m.cfg.TaskQueue }

// Stop gracefully stops the worker and closes the client.
func (m *Manager) Stop() {
	if m.worker != nil {
		m.worker.Stop()
	}
	if m.client != nil {
		m.client.Close()
	}
}
