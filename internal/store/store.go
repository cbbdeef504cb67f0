package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// Store defines the persistence interface for the governance service.
type Store interface {
	// Users
	CreateUser(ctx context.Context, u UserRecord) error
	GetUser(ctx context.Context, uid string) (*UserRecord, error)
	GetUserByEmail(ctx context.Context, email string) (*UserRecord, error)
	UpdateUser(ctx context.Context, u UserRecord) error
	// DeleteUser removes the user together with their budgets, shares and
	// invitations in a single transaction.
	DeleteUser(ctx context.Context, uid string) error
	TouchLastLogin(ctx context.Context, uid string, at time.Time) error

	// Budgets. MutateBudget runs mutate inside a transaction that reloads the
	// (uid, period) document; mutate receives nil when no document exists and
	// returns the replacement to persist. Conflicts are retried transparently.
	GetBudget(ctx context.Context, uid, period string) (*BudgetRecord, error)
	MutateBudget(ctx context.Context, uid, period string, mutate func(b *BudgetRecord) (*BudgetRecord, error)) (*BudgetRecord, error)
	ReplaceBudget(ctx context.Context, b BudgetRecord) error
	ListBudgets(ctx context.Context, period string, limit, offset int) ([]BudgetRecord, error)
	ListBudgetsByStatus(ctx context.Context, period, status string) ([]BudgetRecord, error)
	ListApproachingLimit(ctx context.Context, period string, ratio float64) ([]BudgetRecord, error)
	ListBudgetHistory(ctx context.Context, uid string, months int) ([]BudgetRecord, error)

	// Call log (append-only) and aggregates.
	InsertCall(ctx context.Context, c CallRecord) error
	ListCallsByDay(ctx context.Context, date string) ([]CallRecord, error)
	BumpDailyUsage(ctx context.Context, uid, date string, costUSD float64, requestType string) error
	GetDailyUsage(ctx context.Context, uid, date string) (*DailyUsageRecord, error)
	UsageBreakdown(ctx context.Context, uid, period string) (*UsageBreakdown, error)

	// Per-app daily AI quota counters.
	QuotaCount(ctx context.Context, uid, date, app string) (int, error)
	QuotaIncr(ctx context.Context, uid, date, app string) error

	// Sharing.
	CreateInvitation(ctx context.Context, inv InvitationRecord) error
	GetInvitation(ctx context.Context, id string) (*InvitationRecord, error)
	UpdateInvitation(ctx context.Context, inv InvitationRecord) error
	ListInvitationsForOwner(ctx context.Context, ownerUID string) ([]InvitationRecord, error)
	ListInvitationsForEmail(ctx context.Context, email string) ([]InvitationRecord, error)
	CreateShare(ctx context.Context, s SharedAccessRecord) error
	GetShare(ctx context.Context, id string) (*SharedAccessRecord, error)
	DeleteShare(ctx context.Context, id string) error
	ListSharesByOwner(ctx context.Context, ownerUID string) ([]SharedAccessRecord, error)
	ListSharesWithUser(ctx context.Context, uid string) ([]SharedAccessRecord, error)

	// Alerts.
	InsertAlert(ctx context.Context, a AlertRecord) error
	HasAlert(ctx context.Context, uid, period, alertType string) (bool, error)
	ListAlerts(ctx context.Context, limit int) ([]AlertRecord, error)

	// Job execution log.
	InsertJobLog(ctx context.Context, j JobLogRecord) error
	ListJobLogs(ctx context.Context, limit int) ([]JobLogRecord, error)

	// Daily rollups. Upsert replaces any existing summary for the date.
	UpsertDailySummary(ctx context.Context, s DailySummaryRecord) error
	GetDailySummary(ctx context.Context, date string) (*DailySummaryRecord, error)

	// Schema lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// UserRecord is the persisted form of a user.
type UserRecord struct {
	UID                 string     `json:"uid"`
	Email               string     `json:"email"`
	PasswordHash        string     `json:"-"`
	Tier                string     `json:"tier"`
	Role                string     `json:"role"` // "", "admin"
	DisplayName         string     `json:"display_name,omitempty"`
	PhotoURL            string     `json:"photo_url,omitempty"`
	Timezone            string     `json:"timezone"`
	Locale              string     `json:"locale"`
	OnboardingCompleted bool       `json:"onboarding_completed"`
	BillingStatus       string     `json:"billing_status"` // free, trial, active, past_due, cancelled
	TrialEndsAt         *time.Time `json:"trial_ends_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	LastLoginAt         *time.Time `json:"last_login_at,omitempty"`
}

// BudgetRecord is the per-user per-period budget document.
type BudgetRecord struct {
	UID               string     `json:"uid"`
	Period            string     `json:"period"` // YYYY-MM
	Tier              string     `json:"tier"`
	BudgetUSD         float64    `json:"budget_usd"`
	SpentUSD          float64    `json:"spent_usd"`
	DegradedSpendUSD  float64    `json:"degraded_spend_usd"`
	MaxDegradedUSD    float64    `json:"max_degraded_usd"`
	Status            string     `json:"status"` // premium, degraded, blocked
	CallCount         int64      `json:"call_count"`
	CallCountDegraded int64      `json:"call_count_degraded"`
	LastCallAt        *time.Time `json:"last_call_at,omitempty"`
	ResetAt           time.Time  `json:"reset_at"`
	DegradedAt        *time.Time `json:"degraded_at,omitempty"`
	BlockedAt         *time.Time `json:"blocked_at,omitempty"`
}

// CallRecord is one immutable provider invocation audit row.
type CallRecord struct {
	ID                   int64     `json:"id"`
	RequestID            string    `json:"request_id"`
	UID                  string    `json:"uid"`
	RequestType          string    `json:"request_type"`
	Provider             string    `json:"provider"`
	Model                string    `json:"model"`
	InputTokens          int       `json:"input_tokens"`
	OutputTokens         int       `json:"output_tokens"`
	CostUSD              float64   `json:"cost_usd"`
	LatencyMs            int64     `json:"latency_ms"`
	Success              bool      `json:"success"`
	Error                string    `json:"error,omitempty"`
	RoutingPreference    string    `json:"routing_preference"` // quality, balanced, cost, degraded
	PreferenceDowngraded bool      `json:"preference_downgraded"`
	Timestamp            time.Time `json:"timestamp"`
}

// DailyUsageRecord aggregates one user's calls for one UTC day.
type DailyUsageRecord struct {
	UID          string         `json:"uid"`
	Date         string         `json:"date"` // YYYY-MM-DD
	TotalCostUSD float64        `json:"total_cost_usd"`
	TotalCalls   int64          `json:"total_calls"`
	RequestTypes map[string]int `json:"request_types"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// UsageBreakdown is the per-period usage view returned by the budget API.
type UsageBreakdown struct {
	Period        string             `json:"period"`
	TotalCostUSD  float64            `json:"total_cost_usd"`
	TotalCalls    int64              `json:"total_calls"`
	ByRequestType map[string]float64 `json:"by_request_type"`
	ByModel       map[string]float64 `json:"by_model"`
	ByDay         map[string]float64 `json:"by_day"`
}

// InvitationRecord is a pending share offer.
type InvitationRecord struct {
	ID           string    `json:"id"`
	OwnerUID     string    `json:"owner_uid"`
	ToEmail      string    `json:"to_email"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Role         string    `json:"role"` // admin, editor, viewer
	AppID        string    `json:"app_id"`
	Status       string    `json:"status"` // pending, accepted, declined, expired
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// SharedAccessRecord is an accepted share grant.
type SharedAccessRecord struct {
	ID            string    `json:"id"`
	OwnerUID      string    `json:"owner_uid"`
	SharedWithUID string    `json:"shared_with_uid"`
	ResourceType  string    `json:"resource_type"`
	ResourceID    string    `json:"resource_id"`
	Role          string    `json:"role"`
	AppID         string    `json:"app_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// AlertRecord is a budget alert document consumed by the admin dashboard.
type AlertRecord struct {
	ID        int64     `json:"id"`
	UID       string    `json:"uid"`
	Period    string    `json:"period"`
	Type      string    `json:"type"` // approaching_limit, degraded, blocked
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// JobLogRecord captures one scheduled-job execution.
type JobLogRecord struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	OK         bool      `json:"ok"`
	Detail     string    `json:"detail,omitempty"`
}

// DailySummaryRecord is the idempotent daily rollup over the call log.
type DailySummaryRecord struct {
	Date          string             `json:"date"` // YYYY-MM-DD
	TotalCostUSD  float64            `json:"total_cost_usd"`
	TotalCalls    int64              `json:"total_calls"`
	FailedCalls   int64              `json:"failed_calls"`
	ByProvider    map[string]float64 `json:"by_provider"`
	ByRequestType map[string]float64 `json:"by_request_type"`
	ByPreference  map[string]float64 `json:"by_preference"`
	TopUsers      []UserSpend        `json:"top_users"`
	GeneratedAt   time.Time          `json:"generated_at"`
}

// UserSpend is one entry of a daily summary's top-10 spenders list.
type UserSpend struct {
	UID     string  `json:"uid"`
	CostUSD float64 `json:"cost_usd"`
	Calls   int64   `json:"calls"`
}
