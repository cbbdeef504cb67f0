package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
)

// stripeEvent is the slice of the webhook payload we act on.
type stripeEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			Metadata struct {
				UID  string `json:"uid"`
				Plan string `json:"plan"`
			} `json:"metadata"`
			Status string `json:"status"`
		} `json:"object"`
	} `json:"data"`
}

// StripeWebhookHandler applies billing events to the user's tier. The payload
// signature is checked against the shared secret before anything is parsed.
func StripeWebhookHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			jsonError(w, http.StatusBadRequest, ErrInvalidRequest, "unreadable body")
			return
		}

		sig, err := hex.DecodeString(r.Header.Get("Stripe-Signature"))
		if err != nil || len(sig) == 0 {
			jsonError(w, http.StatusUnauthorized, ErrUnauthorized, "missing signature")
			return
		}
		mac := hmac.New(sha256.New, d.StripeSecret)
		mac.Write(body)
		if !hmac.Equal(sig, mac.Sum(nil)) {
			jsonError(w, http.StatusUnauthorized, ErrUnauthorized, "bad signature")
			return
		}

		var ev stripeEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			jsonError(w, http.StatusBadRequest, ErrInvalidRequest, "bad json")
			return
		}

		uid := ev.Data.Object.Metadata.UID
		plan := ev.Data.Object.Metadata.Plan
		switch ev.Type {
		case "customer.subscription.created", "customer.subscription.updated":
			if uid == "" || plan == "" {
				jsonError(w, http.StatusBadRequest, ErrInvalidRequest, "uid and plan metadata required")
				return
			}
			if ev.Data.Object.Status == "canceled" || ev.Data.Object.Status == "unpaid" {
				plan = "free"
			}
		case "customer.subscription.deleted":
			if uid == "" {
				jsonError(w, http.StatusBadRequest, ErrInvalidRequest, "uid metadata required")
				return
			}
			plan = "free"
		default:
			// Unhandled event types are acknowledged so the sender stops
			// retrying them.
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}

		if _, err := d.Identity.SetTier(r.Context(), uid, plan); err != nil {
			d.Log.Error("webhook tier change failed", "uid", uid, "plan", plan, "error", err)
			jsonError(w, http.StatusBadRequest, ErrInvalidRequest, "tier change failed")
			return
		}
		if _, err := d.Budget.UpgradeTier(r.Context(), uid, plan); err != nil {
			d.Log.Error("webhook budget move failed", "uid", uid, "plan", plan, "error", err)
		}
		d.Log.Info("webhook applied", "type", ev.Type, "uid", uid, "plan", plan)
		writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
	}
}
