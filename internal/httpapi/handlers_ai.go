package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nimbushq/aigov/internal/providers"
	"github.com/nimbushq/aigov/internal/router"
	"github.com/nimbushq/aigov/internal/routing"
)

type aiRequest struct {
	Prompt     string               `json:"prompt"`
	Image      *providers.ImageData `json:"image,omitempty"`
	Preference string               `json:"preference,omitempty"`
	Model      string               `json:"model,omitempty"`
	Feature    string               `json:"feature,omitempty"`
}

type aiResponse struct {
	Content              string          `json:"content"`
	Usage                providers.Usage `json:"usage"`
	CostUSD              float64         `json:"costUsd"`
	Provider             string          `json:"provider"`
	Model                string          `json:"model"`
	LatencyMs            int64           `json:"latencyMs"`
	RequestID            string          `json:"requestId"`
	RoutingPreference    string          `json:"routingPreference"`
	PreferenceDowngraded bool            `json:"preferenceDowngraded"`
	BudgetStatus         string          `json:"budgetStatus"`
}

// AIRequestHandler runs one AI call through the governance pipeline: tier
// rate limit, then the router's budget check, route selection, and fallback
// chain.
func AIRequestHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident := IdentityFrom(r)

		var req aiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, http.StatusBadRequest, ErrInvalidRequest, "bad json")
			return
		}
		if req.Prompt == "" && req.Image == nil {
			jsonError(w, http.StatusBadRequest, ErrInvalidRequest, "prompt or image required")
			return
		}

		requestType := chi.URLParam(r, "requestType")
		if denial := d.Limiter.Allow(ident.UID, d.Routing.Normalize(requestType), ident.User.Tier); denial != nil {
			jsonErrorReset(w, http.StatusTooManyRequests, ErrRateLimitExceeded,
				"rate limit exceeded: "+denial.Type, denial.ResetAt)
			return
		}

		res, err := d.Router.Route(r.Context(), ident.UID, router.Input{
			RequestType:        requestType,
			Prompt:             req.Prompt,
			Image:              req.Image,
			PreferenceOverride: routing.Preference(req.Preference),
			ModelOverride:      req.Model,
			Feature:            req.Feature,
		})
		if err != nil {
			writeRouterError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, aiResponse{
			Content:              res.Response.Content,
			Usage:                res.Response.Usage,
			CostUSD:              res.Response.EstimatedCost,
			Provider:             res.Response.Provider,
			Model:                res.Response.Model,
			LatencyMs:            res.Response.LatencyMs,
			RequestID:            res.Meta.RequestID,
			RoutingPreference:    res.RoutingPreference,
			PreferenceDowngraded: res.PreferenceDowngraded,
			BudgetStatus:         res.BudgetStatus,
		})
	}
}

// writeRouterError maps pipeline error codes onto HTTP statuses.
func writeRouterError(w http.ResponseWriter, err error) {
	var re *router.Error
	if !errors.As(err, &re) {
		jsonError(w, http.StatusInternalServerError, ErrProviderError, err.Error())
		return
	}
	switch re.Code {
	case router.CodeBudgetExhausted:
		if re.ResetAt != nil {
			jsonErrorReset(w, http.StatusTooManyRequests, ErrBudgetExhausted, re.Message, *re.ResetAt)
			return
		}
		jsonError(w, http.StatusTooManyRequests, ErrBudgetExhausted, re.Message)
	case router.CodeInvalidRequest:
		jsonError(w, http.StatusBadRequest, ErrInvalidRequest, re.Message)
	case router.CodeRequestTooExpensive:
		jsonError(w, http.StatusRequestEntityTooLarge, ErrRequestTooExpensive, re.Message)
	default:
		jsonError(w, http.StatusBadGateway, ErrProviderError, re.Message)
	}
}
