package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nimbushq/aigov/internal/identity"
)

type ctxKey int

const identityKey ctxKey = iota

// IdentityFrom returns the verified caller attached by RequireAuth.
func IdentityFrom(r *http.Request) *identity.Identity {
	ident, _ := r.Context().Value(identityKey).(*identity.Identity)
	return ident
}

// UIDFrom extracts the caller uid for the request logger.
func UIDFrom(r *http.Request) string {
	if ident := IdentityFrom(r); ident != nil {
		return ident.UID
	}
	return ""
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
		return tok
	}
	return ""
}

// AuthOptions gate a route beyond plain authentication.
type AuthOptions struct {
	RequireApp     string
	RequireFeature string
}

// RequireAuth verifies the bearer token and attaches the caller identity.
func (d Dependencies) RequireAuth(opts AuthOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := bearerToken(r)
			if tok == "" {
				jsonError(w, http.StatusUnauthorized, ErrUnauthorized, "missing bearer token")
				return
			}
			ident, err := d.Identity.Verify(r.Context(), tok)
			if err != nil {
				jsonError(w, http.StatusUnauthorized, ErrUnauthorized, "invalid bearer token")
				return
			}
			if opts.RequireApp != "" && !ident.Entitlements.CanUseApp(opts.RequireApp) {
				jsonErrorUpgrade(w, http.StatusForbidden, ErrUpgradeRequired,
					"your plan does not include this app", d.UpgradeURL)
				return
			}
			if opts.RequireFeature != "" && !ident.Entitlements.HasFeature(opts.RequireFeature) {
				jsonErrorUpgrade(w, http.StatusForbidden, ErrFeatureNotAvailable,
					"this feature is not part of your plan", d.UpgradeURL)
				return
			}
			ctx := context.WithValue(r.Context(), identityKey, ident)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin gates admin routes. Enterprise accounts get admin access to
// their own org's budget views.
func (d Dependencies) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident := IdentityFrom(r)
		if ident == nil || (ident.User.Role != "admin" && ident.User.Tier != "enterprise") {
			jsonError(w, http.StatusForbidden, ErrInsufficientPrivs, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AIQuota enforces the per-app daily AI call count. The app is derived from
// the request type's namespace. The counter increment is fire-and-forget.
func (d Dependencies) AIQuota(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident := IdentityFrom(r)
		if ident == nil {
			jsonError(w, http.StatusUnauthorized, ErrUnauthorized, "missing identity")
			return
		}

		requestType := d.Routing.Normalize(chi.URLParam(r, "requestType"))
		app, _, _ := strings.Cut(requestType, ":")
		quota := ident.Entitlements.AppQuota(app)

		now := d.now().UTC()
		today := now.Format("2006-01-02")
		used, err := d.Store.QuotaCount(r.Context(), ident.UID, today, app)
		if err != nil {
			d.Log.Error("quota lookup failed", "uid", ident.UID, "app", app, "error", err)
			// Fail open on the counter, the budget engine still gates spend.
			used = 0
		}
		if !quota.Allows(used) {
			midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
			jsonErrorReset(w, http.StatusTooManyRequests, ErrAIQuotaExceeded,
				"daily AI quota reached for "+app, midnight)
			return
		}

		w.Header().Set("X-AI-Remaining", strconv.Itoa(quota.Remaining(used+1)))
		if err := d.Store.QuotaIncr(r.Context(), ident.UID, today, app); err != nil {
			d.Log.Debug("quota increment failed", "uid", ident.UID, "app", app, "error", err)
		}
		next.ServeHTTP(w, r)
	})
}
