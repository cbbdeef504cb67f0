// Package httpapi exposes the governance service over HTTP: the auth and
// sharing surface, the budget views, the AI request endpoint, and the admin
// dashboard routes.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/nimbushq/aigov/internal/budget"
	"github.com/nimbushq/aigov/internal/events"
	"github.com/nimbushq/aigov/internal/fallback"
	"github.com/nimbushq/aigov/internal/identity"
	"github.com/nimbushq/aigov/internal/logging"
	"github.com/nimbushq/aigov/internal/metrics"
	"github.com/nimbushq/aigov/internal/ratelimit"
	"github.com/nimbushq/aigov/internal/router"
	"github.com/nimbushq/aigov/internal/routing"
	"github.com/nimbushq/aigov/internal/sso"
	"github.com/nimbushq/aigov/internal/store"
	"github.com/nimbushq/aigov/internal/tracing"
)

// Dependencies carries every component the HTTP layer needs.
type Dependencies struct {
	Identity *identity.Service
	Sessions *identity.SessionSigner
	Store    store.Store
	Budget   *budget.Engine
	Router   *router.Router
	Routing  *routing.Table
	Limiter  *ratelimit.Limiter
	Chain    *fallback.Chain
	SSO      *sso.Minter
	Metrics  *metrics.Registry
	Bus      *events.Bus
	Log      *slog.Logger

	// StripeSecret signs webhook payloads; empty disables the webhook.
	StripeSecret []byte

	UpgradeURL     string
	CheckoutURL    string
	PortalURL      string
	ExportURL      string
	AllowedOrigins []string

	// Now is used for testing; defaults to time.Now.
	Now func() time.Time
}

func (d Dependencies) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// New builds the HTTP handler with the full middleware stack.
func New(d Dependencies) http.Handler {
	if d.Log == nil {
		d.Log = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(d.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   d.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(logging.RequestLogger(d.Log, func(ctx context.Context) string {
		if ident, _ := ctx.Value(identityKey).(*identity.Identity); ident != nil {
			return ident.UID
		}
		return ""
	}))
	r.Use(tracing.Middleware())

	MountRoutes(r, d)
	return r
}

// MountRoutes attaches all endpoints to r.
func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", HealthHandler(d))
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", RegisterHandler(d))
		r.Post("/login", LoginHandler(d))

		r.Group(func(r chi.Router) {
			r.Use(d.RequireAuth(AuthOptions{}))
			r.Get("/me", MeGetHandler(d))
			r.Put("/me", MePutHandler(d))
			r.Delete("/me", MeDeleteHandler(d))
			r.Get("/entitlements", EntitlementsHandler(d))
			r.Post("/plan", PlanChangeHandler(d))
			r.Post("/checkout", CheckoutHandler(d))
			r.Post("/portal", PortalHandler(d))
			r.Post("/export", ExportHandler(d))
			r.Post("/cross-app-token", CrossAppTokenHandler(d))

			r.Get("/share", SharesListHandler(d))
			r.Post("/share", ShareCreateHandler(d))
			r.Post("/invitations/{id}/accept", InvitationAcceptHandler(d))
			r.Post("/invitations/{id}/decline", InvitationDeclineHandler(d))
			r.Delete("/shared/{id}", ShareDeleteHandler(d))
		})
	})

	if len(d.StripeSecret) > 0 {
		r.Post("/webhooks/stripe", StripeWebhookHandler(d))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(d.RequireAuth(AuthOptions{}))
		r.Get("/budget", BudgetGetHandler(d))
		r.Get("/budget/history", BudgetHistoryHandler(d))
		r.Get("/budget/usage", BudgetUsageHandler(d))

		r.With(d.AIQuota).Post("/ai/{requestType}", AIRequestHandler(d))
	})

	r.Route("/admin/budget", func(r chi.Router) {
		r.Use(d.RequireAuth(AuthOptions{}))
		r.Use(d.RequireAdmin)
		r.Get("/alerts", AdminAlertsHandler(d))
		r.Get("/overview", AdminOverviewHandler(d))
		r.Post("/{uid}/adjust", AdminAdjustHandler(d))
	})
}

// HealthHandler reports store reachability and registered provider adapters.
func HealthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providers := 0
		if d.Chain != nil {
			providers = len(d.Chain.Providers())
		}
		if err := d.Store.Ping(r.Context()); err != nil || providers == 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "unhealthy", "providers": providers,
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok", "providers": providers,
		})
	}
}
