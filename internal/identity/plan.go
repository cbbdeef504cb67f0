package identity

// Application ids served by this deployment.
const (
	AppFitness   = "fitness"
	AppNutrition = "nutrition"
	AppBudget    = "budget"
	AppMeetings  = "meetings"
)

// AllApps lists every application id, in stable order.
func AllApps() []string {
	return []string{AppFitness, AppNutrition, AppBudget, AppMeetings}
}

// Plan is a static subscription definition, loaded at boot.
type Plan struct {
	ID              string          `json:"id"`
	Tier            string          `json:"tier"`
	PriceMonthly    float64         `json:"priceMonthly"`
	PriceYearly     float64         `json:"priceYearly"`
	Apps            []string        `json:"apps"` // apps unlocked at the paid tier
	AIQueriesPerDay Quota           `json:"aiQueriesPerDay"`
	StorageGB       int             `json:"storageGb"`
	AppFeatures     map[string]bool `json:"appFeatures,omitempty"`
	GlobalFeatures  []string        `json:"globalFeatures"`
}

// AppEntitlement is the derived per-app capability set.
type AppEntitlement struct {
	HasAccess       bool            `json:"hasAccess"`
	Tier            string          `json:"tier"` // free, pro
	AIQueriesPerDay Quota           `json:"aiQueriesPerDay"`
	StorageGB       int             `json:"storageGb"`
	Features        map[string]bool `json:"features,omitempty"`
}

// Entitlements is what a plan grants across all apps. Derived, never stored.
type Entitlements struct {
	Apps           map[string]AppEntitlement `json:"apps"`
	GlobalFeatures []string                  `json:"globalFeatures"`
}

// CanUseApp reports access to app. Every known app is accessible at least at
// the free tier.
func (e Entitlements) CanUseApp(app string) bool {
	a, ok := e.Apps[app]
	return ok && a.HasAccess
}

// HasFeature reports whether f is among the global features.
func (e Entitlements) HasFeature(f string) bool {
	for _, g := range e.GlobalFeatures {
		if g == f {
			return true
		}
	}
	return false
}

// AppQuota returns the daily AI quota for app, Limit(0) when the app is
// unknown.
func (e Entitlements) AppQuota(app string) Quota {
	return e.Apps[app].AIQueriesPerDay
}

// freeBaseline is what any app grants outside the user's plan.
var freeBaseline = AppEntitlement{
	HasAccess:       true,
	Tier:            "free",
	AIQueriesPerDay: Limit(10),
	StorageGB:       1,
}

// DefaultPlans returns the boot-time plan catalog keyed by tier.
func DefaultPlans() map[string]Plan {
	return map[string]Plan{
		"free": {
			ID: "free", Tier: "free",
			AIQueriesPerDay: Limit(10), StorageGB: 1,
			GlobalFeatures: []string{"data_export"},
		},
		"pro": {
			ID: "pro", Tier: "pro", PriceMonthly: 9.99, PriceYearly: 99.99,
			Apps:            AllApps(),
			AIQueriesPerDay: Limit(200), StorageGB: 10,
			AppFeatures:    map[string]bool{"advanced_analytics": true},
			GlobalFeatures: []string{"data_export", "ai_coach"},
		},
		"pro_plus": {
			ID: "pro_plus", Tier: "pro_plus", PriceMonthly: 19.99, PriceYearly: 199.99,
			Apps:            AllApps(),
			AIQueriesPerDay: Limit(1000), StorageGB: 50,
			AppFeatures:    map[string]bool{"advanced_analytics": true, "priority_queue": true},
			GlobalFeatures: []string{"data_export", "ai_coach", "api_access"},
		},
		"enterprise": {
			ID: "enterprise", Tier: "enterprise", PriceMonthly: 99.99, PriceYearly: 999.99,
			Apps:            AllApps(),
			AIQueriesPerDay: Unlimited(), StorageGB: 500,
			AppFeatures:    map[string]bool{"advanced_analytics": true, "priority_queue": true, "audit_log": true},
			GlobalFeatures: []string{"data_export", "ai_coach", "api_access", "priority_support"},
		},
	}
}

// DeriveEntitlements computes the capability set from a plan and the app
// catalog alone. Deterministic; apps outside the plan get the free baseline.
func DeriveEntitlements(p Plan) Entitlements {
	apps := make(map[string]AppEntitlement, len(AllApps()))
	for _, app := range AllApps() {
		apps[app] = freeBaseline
	}
	for _, app := range p.Apps {
		apps[app] = AppEntitlement{
			HasAccess:       true,
			Tier:            "pro",
			AIQueriesPerDay: p.AIQueriesPerDay,
			StorageGB:       p.StorageGB,
			Features:        p.AppFeatures,
		}
	}
	gf := make([]string, len(p.GlobalFeatures))
	copy(gf, p.GlobalFeatures)
	return Entitlements{Apps: apps, GlobalFeatures: gf}
}
