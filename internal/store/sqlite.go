package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			uid TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL DEFAULT '',
			tier TEXT NOT NULL DEFAULT 'free',
			role TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			photo_url TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT 'UTC',
			locale TEXT NOT NULL DEFAULT 'en',
			onboarding_completed INTEGER NOT NULL DEFAULT 0,
			billing_status TEXT NOT NULL DEFAULT 'free',
			trial_ends_at TEXT,
			created_at TEXT NOT NULL,
			last_login_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS ai_budgets (
			uid TEXT NOT NULL,
			period TEXT NOT NULL,
			tier TEXT NOT NULL,
			budget_usd REAL NOT NULL DEFAULT 0,
			spent_usd REAL NOT NULL DEFAULT 0,
			degraded_spend_usd REAL NOT NULL DEFAULT 0,
			max_degraded_usd REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'premium',
			call_count INTEGER NOT NULL DEFAULT 0,
			call_count_degraded INTEGER NOT NULL DEFAULT 0,
			last_call_at TEXT,
			reset_at TEXT NOT NULL,
			degraded_at TEXT,
			blocked_at TEXT,
			PRIMARY KEY (uid, period)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ai_budgets_period_status ON ai_budgets(period, status)`,
		`CREATE TABLE IF NOT EXISTS llm_calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL DEFAULT '',
			uid TEXT NOT NULL,
			request_type TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			success INTEGER NOT NULL DEFAULT 1,
			error TEXT NOT NULL DEFAULT '',
			routing_preference TEXT NOT NULL DEFAULT 'quality',
			preference_downgraded INTEGER NOT NULL DEFAULT 0,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_llm_calls_uid_ts ON llm_calls(uid, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_llm_calls_ts ON llm_calls(timestamp)`,
		`CREATE TABLE IF NOT EXISTS ai_usage (
			uid TEXT NOT NULL,
			date TEXT NOT NULL,
			total_cost_usd REAL NOT NULL DEFAULT 0,
			total_calls INTEGER NOT NULL DEFAULT 0,
			request_types TEXT NOT NULL DEFAULT '{}',
			updated_at TEXT NOT NULL,
			PRIMARY KEY (uid, date)
		)`,
		`CREATE TABLE IF NOT EXISTS ai_quota (
			uid TEXT NOT NULL,
			date TEXT NOT NULL,
			app TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (uid, date, app)
		)`,
		`CREATE TABLE IF NOT EXISTS invitations (
			id TEXT PRIMARY KEY,
			owner_uid TEXT NOT NULL,
			to_email TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			role TEXT NOT NULL,
			app_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invitations_email ON invitations(to_email)`,
		`CREATE TABLE IF NOT EXISTS shared_access (
			id TEXT PRIMARY KEY,
			owner_uid TEXT NOT NULL,
			shared_with_uid TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			role TEXT NOT NULL,
			app_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_shared_access_owner ON shared_access(owner_uid)`,
		`CREATE INDEX IF NOT EXISTS idx_shared_access_with ON shared_access(shared_with_uid)`,
		`CREATE TABLE IF NOT EXISTS budget_alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uid TEXT NOT NULL,
			period TEXT NOT NULL,
			type TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_budget_alerts_uid ON budget_alerts(uid, period, type)`,
		`CREATE TABLE IF NOT EXISTS job_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			ok INTEGER NOT NULL DEFAULT 1,
			detail TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS daily_summaries (
			date TEXT PRIMARY KEY,
			total_cost_usd REAL NOT NULL DEFAULT 0,
			total_calls INTEGER NOT NULL DEFAULT 0,
			failed_calls INTEGER NOT NULL DEFAULT 0,
			by_provider TEXT NOT NULL DEFAULT '{}',
			by_request_type TEXT NOT NULL DEFAULT '{}',
			by_preference TEXT NOT NULL DEFAULT '{}',
			top_users TEXT NOT NULL DEFAULT '[]',
			generated_at TEXT NOT NULL
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Users

func (s *SQLiteStore) CreateUser(ctx context.Context, u UserRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (uid, email, password_hash, tier, role, display_name, photo_url, timezone, locale,
		 onboarding_completed, billing_status, trial_ends_at, created_at, last_login_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.UID, u.Email, u.PasswordHash, u.Tier, u.Role, u.DisplayName, u.PhotoURL, u.Timezone, u.Locale,
		boolToInt(u.OnboardingCompleted), u.BillingStatus, timePtrStr(u.TrialEndsAt),
		u.CreatedAt.UTC().Format(time.RFC3339), timePtrStr(u.LastLoginAt))
	return err
}

const userCols = `uid, email, password_hash, tier, role, display_name, photo_url, timezone, locale,
	onboarding_completed, billing_status, trial_ends_at, created_at, last_login_at`

func (s *SQLiteStore) scanUser(row *sql.Row) (*UserRecord, error) {
	var u UserRecord
	var onboarding int
	var trialEnds, createdAt, lastLogin sql.NullString
	err := row.Scan(&u.UID, &u.Email, &u.PasswordHash, &u.Tier, &u.Role, &u.DisplayName, &u.PhotoURL,
		&u.Timezone, &u.Locale, &onboarding, &u.BillingStatus, &trialEnds, &createdAt, &lastLogin)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.OnboardingCompleted = onboarding != 0
	u.TrialEndsAt = parseTimePtr(trialEnds)
	if createdAt.Valid {
		u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt.String)
	}
	u.LastLoginAt = parseTimePtr(lastLogin)
	return &u, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, uid string) (*UserRecord, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE uid = ?`, uid))
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*UserRecord, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE email = ?`, email))
}

func (s *SQLiteStore) UpdateUser(ctx context.Context, u UserRecord) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET email=?, password_hash=?, tier=?, role=?, display_name=?, photo_url=?,
		 timezone=?, locale=?, onboarding_completed=?, billing_status=?, trial_ends_at=?, last_login_at=?
		 WHERE uid=?`,
		u.Email, u.PasswordHash, u.Tier, u.Role, u.DisplayName, u.PhotoURL,
		u.Timezone, u.Locale, boolToInt(u.OnboardingCompleted), u.BillingStatus,
		timePtrStr(u.TrialEndsAt), timePtrStr(u.LastLoginAt), u.UID)
	return err
}

func (s *SQLiteStore) DeleteUser(ctx context.Context, uid string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`DELETE FROM shared_access WHERE owner_uid = ? OR shared_with_uid = ?`,
			`DELETE FROM invitations WHERE owner_uid = ? OR to_email IN (SELECT email FROM users WHERE uid = ?)`,
			`DELETE FROM ai_budgets WHERE uid = ? OR uid = ?`,
			`DELETE FROM users WHERE uid = ? OR uid = ?`,
		}
		for _, q := range stmts {
			if _, err := tx.ExecContext(ctx, q, uid, uid); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) TouchLastLogin(ctx context.Context, uid string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = ? WHERE uid = ?`, at.UTC().Format(time.RFC3339), uid)
	return err
}

// Budgets

const budgetCols = `uid, period, tier, budget_usd, spent_usd, degraded_spend_usd, max_degraded_usd,
	status, call_count, call_count_degraded, last_call_at, reset_at, degraded_at, blocked_at`

func scanBudget(scan func(dest ...any) error) (*BudgetRecord, error) {
	var b BudgetRecord
	var lastCall, resetAt, degradedAt, blockedAt sql.NullString
	err := scan(&b.UID, &b.Period, &b.Tier, &b.BudgetUSD, &b.SpentUSD, &b.DegradedSpendUSD,
		&b.MaxDegradedUSD, &b.Status, &b.CallCount, &b.CallCountDegraded,
		&lastCall, &resetAt, &degradedAt, &blockedAt)
	if err != nil {
		return nil, err
	}
	b.LastCallAt = parseTimePtr(lastCall)
	if resetAt.Valid {
		b.ResetAt, _ = time.Parse(time.RFC3339, resetAt.String)
	}
	b.DegradedAt = parseTimePtr(degradedAt)
	b.BlockedAt = parseTimePtr(blockedAt)
	return &b, nil
}

func (s *SQLiteStore) GetBudget(ctx context.Context, uid, period string) (*BudgetRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+budgetCols+` FROM ai_budgets WHERE uid = ? AND period = ?`, uid, period)
	b, err := scanBudget(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

// MutateBudget implements the single-document transaction: the row is reloaded
// inside the transaction, mutate is applied, and the result replaces the row.
func (s *SQLiteStore) MutateBudget(ctx context.Context, uid, period string, mutate func(b *BudgetRecord) (*BudgetRecord, error)) (*BudgetRecord, error) {
	var out *BudgetRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+budgetCols+` FROM ai_budgets WHERE uid = ? AND period = ?`, uid, period)
		cur, err := scanBudget(row.Scan)
		if err == sql.ErrNoRows {
			cur = nil
		} else if err != nil {
			return err
		}
		next, err := mutate(cur)
		if err != nil {
			return err
		}
		if next == nil {
			out = cur
			return nil
		}
		if err := upsertBudget(ctx, tx, *next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func (s *SQLiteStore) ReplaceBudget(ctx context.Context, b BudgetRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertBudget(ctx, tx, b)
	})
}

func upsertBudget(ctx context.Context, tx *sql.Tx, b BudgetRecord) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO ai_budgets (`+budgetCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(uid, period) DO UPDATE SET
		   tier=excluded.tier,
		   budget_usd=excluded.budget_usd,
		   spent_usd=excluded.spent_usd,
		   degraded_spend_usd=excluded.degraded_spend_usd,
		   max_degraded_usd=excluded.max_degraded_usd,
		   status=excluded.status,
		   call_count=excluded.call_count,
		   call_count_degraded=excluded.call_count_degraded,
		   last_call_at=excluded.last_call_at,
		   reset_at=excluded.reset_at,
		   degraded_at=excluded.degraded_at,
		   blocked_at=excluded.blocked_at`,
		b.UID, b.Period, b.Tier, b.BudgetUSD, b.SpentUSD, b.DegradedSpendUSD, b.MaxDegradedUSD,
		b.Status, b.CallCount, b.CallCountDegraded, timePtrStr(b.LastCallAt),
		b.ResetAt.UTC().Format(time.RFC3339), timePtrStr(b.DegradedAt), timePtrStr(b.BlockedAt))
	return err
}

func (s *SQLiteStore) listBudgets(ctx context.Context, query string, args ...any) ([]BudgetRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var budgets []BudgetRecord
	for rows.Next() {
		b, err := scanBudget(rows.Scan)
		if err != nil {
			return nil, err
		}
		budgets = append(budgets, *b)
	}
	return budgets, rows.Err()
}

func (s *SQLiteStore) ListBudgets(ctx context.Context, period string, limit, offset int) ([]BudgetRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.listBudgets(ctx,
		`SELECT `+budgetCols+` FROM ai_budgets WHERE period = ? ORDER BY uid LIMIT ? OFFSET ?`,
		period, limit, offset)
}

func (s *SQLiteStore) ListBudgetsByStatus(ctx context.Context, period, status string) ([]BudgetRecord, error) {
	return s.listBudgets(ctx,
		`SELECT `+budgetCols+` FROM ai_budgets WHERE period = ? AND status = ? ORDER BY uid`,
		period, status)
}

func (s *SQLiteStore) ListApproachingLimit(ctx context.Context, period string, ratio float64) ([]BudgetRecord, error) {
	return s.listBudgets(ctx,
		`SELECT `+budgetCols+` FROM ai_budgets
		 WHERE period = ? AND status = 'premium' AND tier != 'free'
		   AND budget_usd > 0 AND spent_usd / budget_usd >= ?
		 ORDER BY uid`,
		period, ratio)
}

func (s *SQLiteStore) ListBudgetHistory(ctx context.Context, uid string, months int) ([]BudgetRecord, error) {
	if months <= 0 || months > 12 {
		months = 12
	}
	return s.listBudgets(ctx,
		`SELECT `+budgetCols+` FROM ai_budgets WHERE uid = ? ORDER BY period DESC LIMIT ?`,
		uid, months)
}

// Call log

func (s *SQLiteStore) InsertCall(ctx context.Context, c CallRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO llm_calls (request_id, uid, request_type, provider, model, input_tokens, output_tokens,
		 cost_usd, latency_ms, success, error, routing_preference, preference_downgraded, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.RequestID, c.UID, c.RequestType, c.Provider, c.Model, c.InputTokens, c.OutputTokens,
		c.CostUSD, c.LatencyMs, boolToInt(c.Success), c.Error, c.RoutingPreference,
		boolToInt(c.PreferenceDowngraded), c.Timestamp.UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) ListCallsByDay(ctx context.Context, date string) ([]CallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, uid, request_type, provider, model, input_tokens, output_tokens,
		 cost_usd, latency_ms, success, error, routing_preference, preference_downgraded, timestamp
		 FROM llm_calls WHERE timestamp >= ? AND timestamp < ? ORDER BY id`,
		date+"T00:00:00Z", date+"T23:59:59.999Z")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var calls []CallRecord
	for rows.Next() {
		var c CallRecord
		var success, downgraded int
		var ts string
		if err := rows.Scan(&c.ID, &c.RequestID, &c.UID, &c.RequestType, &c.Provider, &c.Model,
			&c.InputTokens, &c.OutputTokens, &c.CostUSD, &c.LatencyMs, &success, &c.Error,
			&c.RoutingPreference, &downgraded, &ts); err != nil {
			return nil, err
		}
		c.Success = success != 0
		c.PreferenceDowngraded = downgraded != 0
		c.Timestamp, _ = time.Parse(time.RFC3339, ts)
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

func (s *SQLiteStore) BumpDailyUsage(ctx context.Context, uid, date string, costUSD float64, requestType string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var totalCost float64
		var totalCalls int64
		var typesJSON string
		err := tx.QueryRowContext(ctx,
			`SELECT total_cost_usd, total_calls, request_types FROM ai_usage WHERE uid = ? AND date = ?`,
			uid, date).Scan(&totalCost, &totalCalls, &typesJSON)
		types := map[string]int{}
		if err == sql.ErrNoRows {
			totalCost, totalCalls, typesJSON = 0, 0, "{}"
		} else if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(typesJSON), &types); err != nil {
			types = map[string]int{}
		}
		types[requestType]++
		newTypes, _ := json.Marshal(types)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO ai_usage (uid, date, total_cost_usd, total_calls, request_types, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(uid, date) DO UPDATE SET
			   total_cost_usd=excluded.total_cost_usd,
			   total_calls=excluded.total_calls,
			   request_types=excluded.request_types,
			   updated_at=excluded.updated_at`,
			uid, date, totalCost+costUSD, totalCalls+1, string(newTypes),
			time.Now().UTC().Format(time.RFC3339))
		return err
	})
}

func (s *SQLiteStore) GetDailyUsage(ctx context.Context, uid, date string) (*DailyUsageRecord, error) {
	var u DailyUsageRecord
	var typesJSON, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT uid, date, total_cost_usd, total_calls, request_types, updated_at
		 FROM ai_usage WHERE uid = ? AND date = ?`, uid, date).
		Scan(&u.UID, &u.Date, &u.TotalCostUSD, &u.TotalCalls, &typesJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(typesJSON), &u.RequestTypes); err != nil {
		u.RequestTypes = map[string]int{}
	}
	u.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &u, nil
}

func (s *SQLiteStore) UsageBreakdown(ctx context.Context, uid, period string) (*UsageBreakdown, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_type, model, substr(timestamp, 1, 10) AS day, cost_usd
		 FROM llm_calls WHERE uid = ? AND substr(timestamp, 1, 7) = ? AND success = 1`,
		uid, period)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := &UsageBreakdown{
		Period:        period,
		ByRequestType: map[string]float64{},
		ByModel:       map[string]float64{},
		ByDay:         map[string]float64{},
	}
	for rows.Next() {
		var rt, model, day string
		var cost float64
		if err := rows.Scan(&rt, &model, &day, &cost); err != nil {
			return nil, err
		}
		out.TotalCostUSD += cost
		out.TotalCalls++
		out.ByRequestType[rt] += cost
		out.ByModel[model] += cost
		out.ByDay[day] += cost
	}
	return out, rows.Err()
}

// Quota counters

func (s *SQLiteStore) QuotaCount(ctx context.Context, uid, date, app string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM ai_quota WHERE uid = ? AND date = ? AND app = ?`, uid, date, app).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

func (s *SQLiteStore) QuotaIncr(ctx context.Context, uid, date, app string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ai_quota (uid, date, app, count) VALUES (?, ?, ?, 1)
		 ON CONFLICT(uid, date, app) DO UPDATE SET count = count + 1`,
		uid, date, app)
	return err
}

// Invitations

func (s *SQLiteStore) CreateInvitation(ctx context.Context, inv InvitationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invitations (id, owner_uid, to_email, resource_type, resource_id, role, app_id, status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.OwnerUID, inv.ToEmail, inv.ResourceType, inv.ResourceID, inv.Role, inv.AppID,
		inv.Status, inv.CreatedAt.UTC().Format(time.RFC3339), inv.ExpiresAt.UTC().Format(time.RFC3339))
	return err
}

const invCols = `id, owner_uid, to_email, resource_type, resource_id, role, app_id, status, created_at, expires_at`

func scanInvitation(scan func(dest ...any) error) (*InvitationRecord, error) {
	var inv InvitationRecord
	var createdAt, expiresAt string
	err := scan(&inv.ID, &inv.OwnerUID, &inv.ToEmail, &inv.ResourceType, &inv.ResourceID,
		&inv.Role, &inv.AppID, &inv.Status, &createdAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	inv.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	inv.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt)
	return &inv, nil
}

func (s *SQLiteStore) GetInvitation(ctx context.Context, id string) (*InvitationRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+invCols+` FROM invitations WHERE id = ?`, id)
	inv, err := scanInvitation(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return inv, err
}

func (s *SQLiteStore) UpdateInvitation(ctx context.Context, inv InvitationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE invitations SET status = ? WHERE id = ?`, inv.Status, inv.ID)
	return err
}

func (s *SQLiteStore) listInvitations(ctx context.Context, query string, arg string) ([]InvitationRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var invs []InvitationRecord
	for rows.Next() {
		inv, err := scanInvitation(rows.Scan)
		if err != nil {
			return nil, err
		}
		invs = append(invs, *inv)
	}
	return invs, rows.Err()
}

func (s *SQLiteStore) ListInvitationsForOwner(ctx context.Context, ownerUID string) ([]InvitationRecord, error) {
	return s.listInvitations(ctx,
		`SELECT `+invCols+` FROM invitations WHERE owner_uid = ? ORDER BY created_at DESC`, ownerUID)
}

func (s *SQLiteStore) ListInvitationsForEmail(ctx context.Context, email string) ([]InvitationRecord, error) {
	return s.listInvitations(ctx,
		`SELECT `+invCols+` FROM invitations WHERE to_email = ? ORDER BY created_at DESC`, email)
}

// Shared access

func (s *SQLiteStore) CreateShare(ctx context.Context, sh SharedAccessRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO shared_access (id, owner_uid, shared_with_uid, resource_type, resource_id, role, app_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sh.ID, sh.OwnerUID, sh.SharedWithUID, sh.ResourceType, sh.ResourceID, sh.Role, sh.AppID,
		sh.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

const shareCols = `id, owner_uid, shared_with_uid, resource_type, resource_id, role, app_id, created_at`

func scanShare(scan func(dest ...any) error) (*SharedAccessRecord, error) {
	var sh SharedAccessRecord
	var createdAt string
	err := scan(&sh.ID, &sh.OwnerUID, &sh.SharedWithUID, &sh.ResourceType, &sh.ResourceID,
		&sh.Role, &sh.AppID, &createdAt)
	if err != nil {
		return nil, err
	}
	sh.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &sh, nil
}

func (s *SQLiteStore) GetShare(ctx context.Context, id string) (*SharedAccessRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+shareCols+` FROM shared_access WHERE id = ?`, id)
	sh, err := scanShare(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sh, err
}

func (s *SQLiteStore) DeleteShare(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM shared_access WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) listShares(ctx context.Context, query string, arg string) ([]SharedAccessRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var shares []SharedAccessRecord
	for rows.Next() {
		sh, err := scanShare(rows.Scan)
		if err != nil {
			return nil, err
		}
		shares = append(shares, *sh)
	}
	return shares, rows.Err()
}

func (s *SQLiteStore) ListSharesByOwner(ctx context.Context, ownerUID string) ([]SharedAccessRecord, error) {
	return s.listShares(ctx,
		`SELECT `+shareCols+` FROM shared_access WHERE owner_uid = ? ORDER BY created_at DESC`, ownerUID)
}

func (s *SQLiteStore) ListSharesWithUser(ctx context.Context, uid string) ([]SharedAccessRecord, error) {
	return s.listShares(ctx,
		`SELECT `+shareCols+` FROM shared_access WHERE shared_with_uid = ? ORDER BY created_at DESC`, uid)
}

// Alerts

func (s *SQLiteStore) InsertAlert(ctx context.Context, a AlertRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_alerts (uid, period, type, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.UID, a.Period, a.Type, a.Detail, a.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) HasAlert(ctx context.Context, uid, period, alertType string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM budget_alerts WHERE uid = ? AND period = ? AND type = ?`,
		uid, period, alertType).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, uid, period, type, detail, created_at
		 FROM budget_alerts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var alerts []AlertRecord
	for rows.Next() {
		var a AlertRecord
		var createdAt string
		if err := rows.Scan(&a.ID, &a.UID, &a.Period, &a.Type, &a.Detail, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// Job logs

func (s *SQLiteStore) InsertJobLog(ctx context.Context, j JobLogRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_logs (name, started_at, finished_at, ok, detail) VALUES (?, ?, ?, ?, ?)`,
		j.Name, j.StartedAt.UTC().Format(time.RFC3339), j.FinishedAt.UTC().Format(time.RFC3339),
		boolToInt(j.OK), j.Detail)
	return err
}

func (s *SQLiteStore) ListJobLogs(ctx context.Context, limit int) ([]JobLogRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, started_at, finished_at, ok, detail
		 FROM job_logs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []JobLogRecord
	for rows.Next() {
		var j JobLogRecord
		var started, finished string
		var ok int
		if err := rows.Scan(&j.ID, &j.Name, &started, &finished, &ok, &j.Detail); err != nil {
			return nil, err
		}
		j.StartedAt, _ = time.Parse(time.RFC3339, started)
		j.FinishedAt, _ = time.Parse(time.RFC3339, finished)
		j.OK = ok != 0
		logs = append(logs, j)
	}
	return logs, rows.Err()
}

// Daily summaries

func (s *SQLiteStore) UpsertDailySummary(ctx context.Context, sum DailySummaryRecord) error {
	byProvider, _ := json.Marshal(sum.ByProvider)
	byType, _ := json.Marshal(sum.ByRequestType)
	byPref, _ := json.Marshal(sum.ByPreference)
	topUsers, _ := json.Marshal(sum.TopUsers)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO daily_summaries (date, total_cost_usd, total_calls, failed_calls, by_provider, by_request_type, by_preference, top_users, generated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(date) DO UPDATE SET
		   total_cost_usd=excluded.total_cost_usd,
		   total_calls=excluded.total_calls,
		   failed_calls=excluded.failed_calls,
		   by_provider=excluded.by_provider,
		   by_request_type=excluded.by_request_type,
		   by_preference=excluded.by_preference,
		   top_users=excluded.top_users,
		   generated_at=excluded.generated_at`,
		sum.Date, sum.TotalCostUSD, sum.TotalCalls, sum.FailedCalls,
		string(byProvider), string(byType), string(byPref), string(topUsers),
		sum.GeneratedAt.UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) GetDailySummary(ctx context.Context, date string) (*DailySummaryRecord, error) {
	var sum DailySummaryRecord
	var byProvider, byType, byPref, topUsers, generatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT date, total_cost_usd, total_calls, failed_calls, by_provider, by_request_type, by_preference, top_users, generated_at
		 FROM daily_summaries WHERE date = ?`, date).
		Scan(&sum.Date, &sum.TotalCostUSD, &sum.TotalCalls, &sum.FailedCalls,
			&byProvider, &byType, &byPref, &topUsers, &generatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(byProvider), &sum.ByProvider)
	_ = json.Unmarshal([]byte(byType), &sum.ByRequestType)
	_ = json.Unmarshal([]byte(byPref), &sum.ByPreference)
	_ = json.Unmarshal([]byte(topUsers), &sum.TopUsers)
	sum.GeneratedAt, _ = time.Parse(time.RFC3339, generatedAt)
	return &sum, nil
}

// helpers

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timePtrStr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
