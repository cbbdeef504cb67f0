package httpapi

import (
	"encoding/json"
	"net/http"
	"time"
)

// Caller-visible error kinds.
const (
	ErrUnauthorized        = "unauthorized"
	ErrUpgradeRequired     = "upgrade_required"
	ErrFeatureNotAvailable = "feature_not_available"
	ErrPermissionDenied    = "permission_denied"
	ErrInsufficientPrivs   = "insufficient_privileges"
	ErrAIQuotaExceeded     = "ai_quota_exceeded"
	ErrRateLimitExceeded   = "rate_limit_exceeded"
	ErrBudgetExhausted     = "ai_budget_exhausted"
	ErrRequestTooExpensive = "request_too_expensive"
	ErrInvalidRequest      = "invalid_request"
	ErrBudgetCheckFailed   = "budget_check_failed"
	ErrProviderError       = "provider_error"
	ErrNotFound            = "not_found"
)

// errorBody is the JSON error envelope.
type errorBody struct {
	Error      string     `json:"error"`
	Message    string     `json:"message,omitempty"`
	ResetAt    *time.Time `json:"resetAt,omitempty"`
	UpgradeURL string     `json:"upgradeUrl,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, errorBody{Error: kind, Message: msg})
}

func jsonErrorReset(w http.ResponseWriter, code int, kind, msg string, resetAt time.Time) {
	writeJSON(w, code, errorBody{Error: kind, Message: msg, ResetAt: &resetAt})
}

func jsonErrorUpgrade(w http.ResponseWriter, code int, kind, msg, upgradeURL string) {
	writeJSON(w, code, errorBody{Error: kind, Message: msg, UpgradeURL: upgradeURL})
}
