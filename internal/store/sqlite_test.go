package store

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestUserCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := UserRecord{
		UID:       "u1",
		Email:     "alice@example.com",
		Tier:      "pro",
		Timezone:  "UTC",
		Locale:    "en",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetUser(ctx, "u1")
	if err != nil || got == nil {
		t.Fatalf("get: %v, %v", got, err)
	}
	if got.Email != "alice@example.com" || got.Tier != "pro" {
		t.Fatalf("unexpected user: %+v", got)
	}

	byEmail, err := s.GetUserByEmail(ctx, "alice@example.com")
	if err != nil || byEmail == nil || byEmail.UID != "u1" {
		t.Fatalf("by email: %v, %v", byEmail, err)
	}

	got.Tier = "pro_plus"
	got.OnboardingCompleted = true
	if err := s.UpdateUser(ctx, *got); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = s.GetUser(ctx, "u1")
	if got.Tier != "pro_plus" || !got.OnboardingCompleted {
		t.Fatalf("update not persisted: %+v", got)
	}

	now := time.Now().UTC().Truncate(time.Second)
	if err := s.TouchLastLogin(ctx, "u1", now); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, _ = s.GetUser(ctx, "u1")
	if got.LastLoginAt == nil || !got.LastLoginAt.Equal(now) {
		t.Fatalf("last login not set: %+v", got.LastLoginAt)
	}
}

func TestGetUserMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetUser(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestDeleteUserCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.CreateUser(ctx, UserRecord{UID: "u1", Email: "a@x.com", Tier: "pro", CreatedAt: time.Now()})
	_ = s.ReplaceBudget(ctx, BudgetRecord{UID: "u1", Period: "2026-08", Tier: "pro", BudgetUSD: 3, Status: "premium", ResetAt: time.Now()})
	_ = s.CreateShare(ctx, SharedAccessRecord{ID: "sh1", OwnerUID: "u1", SharedWithUID: "u2", ResourceType: "plan", ResourceID: "p1", Role: "viewer", AppID: "fitness", CreatedAt: time.Now()})

	if err := s.DeleteUser(ctx, "u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if u, _ := s.GetUser(ctx, "u1"); u != nil {
		t.Fatal("user still present")
	}
	if b, _ := s.GetBudget(ctx, "u1", "2026-08"); b != nil {
		t.Fatal("budget still present")
	}
	if shares, _ := s.ListSharesByOwner(ctx, "u1"); len(shares) != 0 {
		t.Fatal("shares still present")
	}
}

func TestMutateBudgetCreatesAndUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// First mutate sees nil and creates the document.
	b, err := s.MutateBudget(ctx, "u1", "2026-08", func(cur *BudgetRecord) (*BudgetRecord, error) {
		if cur != nil {
			t.Fatal("expected nil on first mutate")
		}
		return &BudgetRecord{
			UID: "u1", Period: "2026-08", Tier: "pro",
			BudgetUSD: 3, Status: "premium",
			ResetAt: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		}, nil
	})
	if err != nil {
		t.Fatalf("mutate create: %v", err)
	}
	if b.BudgetUSD != 3 {
		t.Fatalf("unexpected budget: %+v", b)
	}

	// Second mutate sees the stored row and updates it.
	b, err = s.MutateBudget(ctx, "u1", "2026-08", func(cur *BudgetRecord) (*BudgetRecord, error) {
		if cur == nil {
			t.Fatal("expected existing document")
		}
		cur.SpentUSD += 1.25
		cur.CallCount++
		return cur, nil
	})
	if err != nil {
		t.Fatalf("mutate update: %v", err)
	}
	if b.SpentUSD != 1.25 || b.CallCount != 1 {
		t.Fatalf("unexpected after update: %+v", b)
	}

	stored, _ := s.GetBudget(ctx, "u1", "2026-08")
	if stored.SpentUSD != 1.25 {
		t.Fatalf("not persisted: %+v", stored)
	}
}

func TestMutateBudgetNilReturnLeavesRowUntouched(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_ = s.ReplaceBudget(ctx, BudgetRecord{UID: "u1", Period: "2026-08", Tier: "pro", SpentUSD: 2, Status: "premium", ResetAt: time.Now()})

	b, err := s.MutateBudget(ctx, "u1", "2026-08", func(cur *BudgetRecord) (*BudgetRecord, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if b == nil || b.SpentUSD != 2 {
		t.Fatalf("expected current row back, got %+v", b)
	}
}

func TestListBudgetsByStatusAndApproaching(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	reset := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	_ = s.ReplaceBudget(ctx, BudgetRecord{UID: "a", Period: "2026-08", Tier: "pro", BudgetUSD: 3, SpentUSD: 2.7, Status: "premium", ResetAt: reset})
	_ = s.ReplaceBudget(ctx, BudgetRecord{UID: "b", Period: "2026-08", Tier: "pro", BudgetUSD: 3, SpentUSD: 1.0, Status: "premium", ResetAt: reset})
	_ = s.ReplaceBudget(ctx, BudgetRecord{UID: "c", Period: "2026-08", Tier: "pro", BudgetUSD: 3, SpentUSD: 3.2, Status: "degraded", ResetAt: reset})
	_ = s.ReplaceBudget(ctx, BudgetRecord{UID: "d", Period: "2026-07", Tier: "pro", BudgetUSD: 3, SpentUSD: 2.9, Status: "premium", ResetAt: reset})

	degraded, err := s.ListBudgetsByStatus(ctx, "2026-08", "degraded")
	if err != nil || len(degraded) != 1 || degraded[0].UID != "c" {
		t.Fatalf("by status: %v, %v", degraded, err)
	}

	near, err := s.ListApproachingLimit(ctx, "2026-08", 0.8)
	if err != nil || len(near) != 1 || near[0].UID != "a" {
		t.Fatalf("approaching: %v, %v", near, err)
	}

	all, err := s.ListBudgets(ctx, "2026-08", 10, 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("list: %v, %v", all, err)
	}
}

func TestListBudgetHistoryNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, p := range []string{"2026-06", "2026-07", "2026-08"} {
		_ = s.ReplaceBudget(ctx, BudgetRecord{UID: "u1", Period: p, Tier: "pro", Status: "premium", ResetAt: time.Now()})
	}
	hist, err := s.ListBudgetHistory(ctx, "u1", 2)
	if err != nil || len(hist) != 2 {
		t.Fatalf("history: %v, %v", hist, err)
	}
	if hist[0].Period != "2026-08" || hist[1].Period != "2026-07" {
		t.Fatalf("order: %+v", hist)
	}
}

func TestDailyUsageBumpAccumulates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.BumpDailyUsage(ctx, "u1", "2026-08-24", 0.01, "nutrition:meal-scan")
	_ = s.BumpDailyUsage(ctx, "u1", "2026-08-24", 0.02, "nutrition:meal-scan")
	_ = s.BumpDailyUsage(ctx, "u1", "2026-08-24", 0.005, "fitness:coach-chat")

	u, err := s.GetDailyUsage(ctx, "u1", "2026-08-24")
	if err != nil || u == nil {
		t.Fatalf("get usage: %v, %v", u, err)
	}
	if u.TotalCalls != 3 {
		t.Fatalf("calls: %d", u.TotalCalls)
	}
	if u.RequestTypes["nutrition:meal-scan"] != 2 || u.RequestTypes["fitness:coach-chat"] != 1 {
		t.Fatalf("types: %+v", u.RequestTypes)
	}
	if u.TotalCostUSD < 0.034 || u.TotalCostUSD > 0.036 {
		t.Fatalf("cost: %f", u.TotalCostUSD)
	}
}

func TestQuotaCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.QuotaCount(ctx, "u1", "2026-08-24", "fitness")
	if err != nil || n != 0 {
		t.Fatalf("initial: %d, %v", n, err)
	}
	for i := 0; i < 3; i++ {
		if err := s.QuotaIncr(ctx, "u1", "2026-08-24", "fitness"); err != nil {
			t.Fatalf("incr: %v", err)
		}
	}
	n, _ = s.QuotaCount(ctx, "u1", "2026-08-24", "fitness")
	if n != 3 {
		t.Fatalf("count: %d", n)
	}
	// Other apps and dates are independent.
	n, _ = s.QuotaCount(ctx, "u1", "2026-08-24", "nutrition")
	if n != 0 {
		t.Fatalf("cross-app leak: %d", n)
	}
}

func TestCallLogAndBreakdown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	calls := []CallRecord{
		{UID: "u1", RequestType: "fitness:coach-chat", Provider: "anthropic", Model: "claude-sonnet-4-5", CostUSD: 0.02, Success: true, RoutingPreference: "quality", Timestamp: ts},
		{UID: "u1", RequestType: "nutrition:meal-scan", Provider: "google", Model: "gemini-2.5-flash", CostUSD: 0.001, Success: true, RoutingPreference: "cost", Timestamp: ts.Add(time.Hour)},
		{UID: "u1", RequestType: "fitness:coach-chat", Provider: "openai", Model: "gpt-5", CostUSD: 0.05, Success: false, Error: "timeout", RoutingPreference: "quality", Timestamp: ts.Add(2 * time.Hour)},
		{UID: "u2", RequestType: "fitness:coach-chat", Provider: "anthropic", Model: "claude-sonnet-4-5", CostUSD: 0.03, Success: true, RoutingPreference: "quality", Timestamp: ts},
	}
	for _, c := range calls {
		if err := s.InsertCall(ctx, c); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	day, err := s.ListCallsByDay(ctx, "2026-08-24")
	if err != nil || len(day) != 4 {
		t.Fatalf("by day: %d, %v", len(day), err)
	}

	bd, err := s.UsageBreakdown(ctx, "u1", "2026-08")
	if err != nil {
		t.Fatalf("breakdown: %v", err)
	}
	// Failed calls are excluded from the breakdown.
	if bd.TotalCalls != 2 {
		t.Fatalf("total calls: %d", bd.TotalCalls)
	}
	if bd.ByRequestType["fitness:coach-chat"] != 0.02 {
		t.Fatalf("by type: %+v", bd.ByRequestType)
	}
	if bd.ByModel["gemini-2.5-flash"] != 0.001 {
		t.Fatalf("by model: %+v", bd.ByModel)
	}
}

func TestInvitationsAndShares(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	inv := InvitationRecord{
		ID: "inv1", OwnerUID: "u1", ToEmail: "bob@example.com",
		ResourceType: "meal_plan", ResourceID: "mp1", Role: "viewer", AppID: "nutrition",
		Status: "pending", CreatedAt: now, ExpiresAt: now.Add(72 * time.Hour),
	}
	if err := s.CreateInvitation(ctx, inv); err != nil {
		t.Fatalf("create inv: %v", err)
	}

	got, err := s.GetInvitation(ctx, "inv1")
	if err != nil || got == nil || got.ToEmail != "bob@example.com" {
		t.Fatalf("get inv: %v, %v", got, err)
	}

	forEmail, _ := s.ListInvitationsForEmail(ctx, "bob@example.com")
	if len(forEmail) != 1 {
		t.Fatalf("for email: %d", len(forEmail))
	}

	got.Status = "accepted"
	if err := s.UpdateInvitation(ctx, *got); err != nil {
		t.Fatalf("update inv: %v", err)
	}
	got, _ = s.GetInvitation(ctx, "inv1")
	if got.Status != "accepted" {
		t.Fatalf("status: %s", got.Status)
	}

	sh := SharedAccessRecord{
		ID: "sh1", OwnerUID: "u1", SharedWithUID: "u2",
		ResourceType: "meal_plan", ResourceID: "mp1", Role: "viewer", AppID: "nutrition",
		CreatedAt: now,
	}
	if err := s.CreateShare(ctx, sh); err != nil {
		t.Fatalf("create share: %v", err)
	}
	withUser, _ := s.ListSharesWithUser(ctx, "u2")
	if len(withUser) != 1 || withUser[0].OwnerUID != "u1" {
		t.Fatalf("with user: %+v", withUser)
	}
	if err := s.DeleteShare(ctx, "sh1"); err != nil {
		t.Fatalf("delete share: %v", err)
	}
	if got, _ := s.GetShare(ctx, "sh1"); got != nil {
		t.Fatal("share still present")
	}
}

func TestAlertsDedupe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	has, err := s.HasAlert(ctx, "u1", "2026-08", "approaching_limit")
	if err != nil || has {
		t.Fatalf("initial: %v, %v", has, err)
	}
	_ = s.InsertAlert(ctx, AlertRecord{UID: "u1", Period: "2026-08", Type: "approaching_limit", CreatedAt: time.Now()})
	has, _ = s.HasAlert(ctx, "u1", "2026-08", "approaching_limit")
	if !has {
		t.Fatal("alert not found")
	}
	alerts, _ := s.ListAlerts(ctx, 10)
	if len(alerts) != 1 {
		t.Fatalf("list: %d", len(alerts))
	}
}

func TestJobLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_ = s.InsertJobLog(ctx, JobLogRecord{Name: "monthly_reset", StartedAt: now, FinishedAt: now.Add(time.Second), OK: true, Detail: "reset 12 budgets"})
	_ = s.InsertJobLog(ctx, JobLogRecord{Name: "daily_rollup", StartedAt: now.Add(time.Minute), FinishedAt: now.Add(2 * time.Minute), OK: false, Detail: "store unavailable"})

	logs, err := s.ListJobLogs(ctx, 10)
	if err != nil || len(logs) != 2 {
		t.Fatalf("list: %d, %v", len(logs), err)
	}
	if logs[0].Name != "daily_rollup" || logs[0].OK {
		t.Fatalf("order or ok flag wrong: %+v", logs[0])
	}
}

func TestDailySummaryUpsertIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sum := DailySummaryRecord{
		Date: "2026-08-24", TotalCostUSD: 1.5, TotalCalls: 40, FailedCalls: 2,
		ByProvider:    map[string]float64{"anthropic": 1.0, "google": 0.5},
		ByRequestType: map[string]float64{"fitness:coach-chat": 1.5},
		ByPreference:  map[string]float64{"quality": 1.5},
		TopUsers:      []UserSpend{{UID: "u1", CostUSD: 1.5, Calls: 40}},
		GeneratedAt:   time.Now().UTC(),
	}
	if err := s.UpsertDailySummary(ctx, sum); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Re-running the rollup replaces the row rather than duplicating it.
	sum.TotalCalls = 41
	if err := s.UpsertDailySummary(ctx, sum); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := s.GetDailySummary(ctx, "2026-08-24")
	if err != nil || got == nil {
		t.Fatalf("get: %v, %v", got, err)
	}
	if got.TotalCalls != 41 || got.ByProvider["anthropic"] != 1.0 {
		t.Fatalf("unexpected summary: %+v", got)
	}
	if len(got.TopUsers) != 1 || got.TopUsers[0].UID != "u1" {
		t.Fatalf("top users: %+v", got.TopUsers)
	}
}
