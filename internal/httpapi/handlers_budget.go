package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nimbushq/aigov/internal/budget"
)

// BudgetGetHandler returns the caller's current-period budget summary.
func BudgetGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := d.Budget.Summarize(r.Context(), IdentityFrom(r).UID)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, ErrBudgetCheckFailed, "budget lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}

// BudgetHistoryHandler returns up to 12 months of budget documents.
func BudgetHistoryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		months := 6
		if s := r.URL.Query().Get("months"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				jsonError(w, http.StatusBadRequest, ErrInvalidRequest, "months must be an integer")
				return
			}
			months = n
		}
		if months < 1 {
			months = 1
		}
		if months > 12 {
			months = 12
		}
		hist, err := d.Budget.History(r.Context(), IdentityFrom(r).UID, months)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, ErrBudgetCheckFailed, "history lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"months": hist})
	}
}

// BudgetUsageHandler returns the per-type and per-provider cost breakdown for
// a period, defaulting to the current one.
func BudgetUsageHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		period := r.URL.Query().Get("period")
		if period == "" {
			period = budget.PeriodOf(d.now().UTC())
		}
		breakdown, err := d.Store.UsageBreakdown(r.Context(), IdentityFrom(r).UID, period)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, ErrBudgetCheckFailed, "usage lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, breakdown)
	}
}

// AdminAlertsHandler lists recent budget alerts.
func AdminAlertsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		alerts, err := d.Store.ListAlerts(r.Context(), 100)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, ErrProviderError, "alert lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
	}
}

// AdminOverviewHandler summarizes the current period: who is degraded, who is
// blocked, and the most recent alerts.
func AdminOverviewHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		period := budget.PeriodOf(d.now().UTC())
		degraded, err := d.Store.ListBudgetsByStatus(r.Context(), period, budget.StatusDegraded)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, ErrProviderError, "overview lookup failed")
			return
		}
		blocked, err := d.Store.ListBudgetsByStatus(r.Context(), period, budget.StatusBlocked)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, ErrProviderError, "overview lookup failed")
			return
		}
		alerts, err := d.Store.ListAlerts(r.Context(), 20)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, ErrProviderError, "overview lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"period":   period,
			"degraded": degraded,
			"blocked":  blocked,
			"alerts":   alerts,
		})
	}
}

// AdminAdjustHandler applies an admin budget action to a user.
func AdminAdjustHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Action string  `json:"action"`
			Amount float64 `json:"amount"`
			Tier   string  `json:"tier"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, http.StatusBadRequest, ErrInvalidRequest, "bad json")
			return
		}
		switch req.Action {
		case budget.ActionAddBudget, budget.ActionResetSpend, budget.ActionUpgradeTier, budget.ActionUnblock:
		default:
			jsonError(w, http.StatusBadRequest, ErrInvalidRequest, "unknown action")
			return
		}
		uid := chi.URLParam(r, "uid")
		rec, err := d.Budget.Adjust(r.Context(), uid, req.Action, req.Amount, req.Tier)
		if err != nil {
			jsonError(w, http.StatusBadRequest, ErrInvalidRequest, err.Error())
			return
		}
		d.Log.Info("admin budget adjustment",
			"admin_uid", IdentityFrom(r).UID, "target_uid", uid, "action", req.Action)
		writeJSON(w, http.StatusOK, rec)
	}
}
