package temporal

// JobResult is the output of a maintenance workflow run.
type JobResult struct {
	Job    string `json:"job"`
	Detail string `json:"detail,omitempty"`
}

// Cron schedules, Temporal five-field format, all UTC.
const (
	CronMonthlyReset     = "0 0 1 * *"
	CronDailyRollup      = "0 2 * * *"
	CronWeeklyReport     = "0 1 * * 1"
	CronApproachingSweep = "0 * * * *"
)
