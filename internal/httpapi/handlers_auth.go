package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/nimbushq/aigov/internal/identity"
	"github.com/nimbushq/aigov/internal/store"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Plan     string `json:"plan,omitempty"`
}

type sessionResponse struct {
	User  *store.UserRecord `json:"user"`
	Token string            `json:"token,omitempty"`
}

// RegisterHandler creates a user and returns a session token.
func RegisterHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, http.StatusBadRequest, ErrInvalidRequest, "bad json")
			return
		}
		user, err := d.Identity.Register(r.Context(), req.Email, req.Password)
		if err != nil {
			switch {
			case errors.Is(err, identity.ErrEmailTaken):
				jsonError(w, http.StatusBadRequest, ErrInvalidRequest, "email already registered")
			case errors.Is(err, identity.ErrInvalidCredentials):
				jsonError(w, http.StatusBadRequest, ErrInvalidRequest, "email and a password of at least 8 characters are required")
			default:
				d.Log.Error("register failed", "error", err)
				jsonError(w, http.StatusInternalServerError, ErrProviderError, "registration failed")
			}
			return
		}
		if req.Plan != "" && req.Plan != "free" {
			if user, err = d.Identity.SetTier(r.Context(), user.UID, req.Plan); err != nil {
				jsonError(w, http.StatusBadRequest, ErrInvalidRequest, "unknown plan")
				return
			}
		}

		resp := sessionResponse{User: user}
		if d.Sessions != nil {
			if tok, err := d.Sessions.Issue(user.UID, user.Email); err == nil {
				resp.Token = tok
			}
		}
		writeJSON(w, http.StatusCreated, resp)
	}
}

// LoginHandler exchanges email/password for a session token.
func LoginHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, http.StatusBadRequest, ErrInvalidRequest, "bad json")
			return
		}
		user, err := d.Identity.Authenticate(r.Context(), req.Email, req.Password)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, ErrUnauthorized, "invalid credentials")
			return
		}
		resp := sessionResponse{User: user}
		if d.Sessions != nil {
			if tok, err := d.Sessions.Issue(user.UID, user.Email); err == nil {
				resp.Token = tok
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// MeGetHandler returns the caller's user record.
func MeGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, IdentityFrom(r).User)
	}
}

// meUpdate carries the allow-listed mutable profile fields. Pointers
// distinguish absent from zero.
type meUpdate struct {
	DisplayName         *string `json:"displayName"`
	PhotoURL            *string `json:"photoUrl"`
	Timezone            *string `json:"timezone"`
	Locale              *string `json:"locale"`
	OnboardingCompleted *bool   `json:"onboardingCompleted"`
}

// MePutHandler updates the allow-listed profile fields.
func MePutHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req meUpdate
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, http.StatusBadRequest, ErrInvalidRequest, "bad json")
			return
		}
		ident := IdentityFrom(r)
		user, err := d.Store.GetUser(r.Context(), ident.UID)
		if err != nil || user == nil {
			jsonError(w, http.StatusInternalServerError, ErrProviderError, "user load failed")
			return
		}
		if req.DisplayName != nil {
			user.DisplayName = *req.DisplayName
		}
		if req.PhotoURL != nil {
			user.PhotoURL = *req.PhotoURL
		}
		if req.Timezone != nil {
			user.Timezone = *req.Timezone
		}
		if req.Locale != nil {
			user.Locale = *req.Locale
		}
		if req.OnboardingCompleted != nil {
			user.OnboardingCompleted = *req.OnboardingCompleted
		}
		if err := d.Store.UpdateUser(r.Context(), *user); err != nil {
			jsonError(w, http.StatusInternalServerError, ErrProviderError, "update failed")
			return
		}
		d.Identity.Invalidate(ident.UID)
		writeJSON(w, http.StatusOK, user)
	}
}

// MeDeleteHandler removes the user and every dependent document.
func MeDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident := IdentityFrom(r)
		if err := d.Store.DeleteUser(r.Context(), ident.UID); err != nil {
			jsonError(w, http.StatusInternalServerError, ErrProviderError, "delete failed")
			return
		}
		d.Identity.Invalidate(ident.UID)
		w.WriteHeader(http.StatusNoContent)
	}
}

// EntitlementsHandler returns the caller's derived entitlements.
func EntitlementsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, IdentityFrom(r).Entitlements)
	}
}

// PlanChangeHandler moves the caller to a new plan and upgrades the budget
// document in the same request.
func PlanChangeHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PlanID string `json:"planId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlanID == "" {
			jsonError(w, http.StatusBadRequest, ErrInvalidRequest, "planId required")
			return
		}
		ident := IdentityFrom(r)
		user, err := d.Identity.SetTier(r.Context(), ident.UID, req.PlanID)
		if err != nil {
			jsonError(w, http.StatusBadRequest, ErrInvalidRequest, "unknown plan")
			return
		}
		if _, err := d.Budget.UpgradeTier(r.Context(), ident.UID, req.PlanID); err != nil {
			d.Log.Error("budget tier move failed", "uid", ident.UID, "tier", req.PlanID, "error", err)
		}
		writeJSON(w, http.StatusOK, user)
	}
}

// CheckoutHandler returns the billing checkout URL for a plan.
func CheckoutHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PlanID string `json:"planId"`
			Annual bool   `json:"annual"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlanID == "" {
			jsonError(w, http.StatusBadRequest, ErrInvalidRequest, "planId required")
			return
		}
		interval := "monthly"
		if req.Annual {
			interval = "yearly"
		}
		u := fmt.Sprintf("%s?plan=%s&interval=%s&uid=%s",
			d.CheckoutURL, url.QueryEscape(req.PlanID), interval, url.QueryEscape(IdentityFrom(r).UID))
		writeJSON(w, http.StatusOK, map[string]string{"url": u})
	}
}

// PortalHandler returns the billing portal URL.
func PortalHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u := fmt.Sprintf("%s?uid=%s", d.PortalURL, url.QueryEscape(IdentityFrom(r).UID))
		writeJSON(w, http.StatusOK, map[string]string{"url": u})
	}
}

// ExportHandler returns a signed URL to the caller's data archive.
func ExportHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident := IdentityFrom(r)
		var token string
		if d.Sessions != nil {
			token, _ = d.Sessions.Issue(ident.UID, ident.Email)
		}
		u := fmt.Sprintf("%s/%s.zip?token=%s", d.ExportURL, url.PathEscape(ident.UID), url.QueryEscape(token))
		writeJSON(w, http.StatusOK, map[string]string{"url": u})
	}
}

// CrossAppTokenHandler mints a short-lived token for a sibling app.
func CrossAppTokenHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TargetApp string `json:"targetApp"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetApp == "" {
			jsonError(w, http.StatusBadRequest, ErrInvalidRequest, "targetApp required")
			return
		}
		tok, err := d.SSO.Mint(IdentityFrom(r).UID, req.TargetApp)
		if err != nil {
			jsonErrorUpgrade(w, http.StatusForbidden, ErrFeatureNotAvailable,
				"no access to target app", d.UpgradeURL)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": tok})
	}
}
