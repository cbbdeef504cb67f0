// Package router implements the AI request pipeline: budget pre-flight,
// preference resolution against the routing tables, fallback execution, and
// the shielded post-flight deduction plus call-log write.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nimbushq/aigov/internal/budget"
	"github.com/nimbushq/aigov/internal/fallback"
	"github.com/nimbushq/aigov/internal/providers"
	"github.com/nimbushq/aigov/internal/routing"
	"github.com/nimbushq/aigov/internal/store"
)

// Error codes surfaced to the HTTP layer.
const (
	CodeBudgetExhausted     = "ai_budget_exhausted"
	CodeInvalidRequest      = "invalid_request"
	CodeRequestTooExpensive = "request_too_expensive"
	CodeProviderError       = "provider_error"
)

// Error is a router-level failure with a caller-visible code.
type Error struct {
	Code    string
	Message string
	ResetAt *time.Time
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// BudgetGate is the narrow budget capability the router depends on.
type BudgetGate interface {
	Check(ctx context.Context, uid string) (budget.CheckResult, error)
	Deduct(ctx context.Context, uid string, costUSD float64, requestType, model string) (*store.BudgetRecord, error)
}

// Recorder is the cost-tracking capability the router depends on.
type Recorder interface {
	Record(ctx context.Context, call store.CallRecord)
	CostEstimate(provider, model string, inTok, outTok int) float64
}

// CallMetadata identifies one routed request.
type CallMetadata struct {
	RequestID   string `json:"requestId"`
	UID         string `json:"uid"`
	RequestType string `json:"requestType"`
	Feature     string `json:"feature,omitempty"`
}

// Input is one AI request entering the pipeline.
type Input struct {
	RequestType        string
	Prompt             string
	Image              *providers.ImageData
	PreferenceOverride routing.Preference
	ModelOverride      string
	Feature            string
}

// Result is a completed AI request.
type Result struct {
	Response             *providers.Response `json:"response"`
	Meta                 CallMetadata        `json:"meta"`
	RoutingPreference    string              `json:"routingPreference"`
	PreferenceDowngraded bool                `json:"preferenceDowngraded"`
	BudgetStatus         string              `json:"budgetStatus"`
}

// Router executes the governance pipeline for AI requests.
type Router struct {
	table      *routing.Table
	chain      *fallback.Chain
	gate       BudgetGate
	recorder   Recorder
	maxCostFor func(tier string) float64
	globalPref routing.Preference
	log        *slog.Logger

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithGlobalPreference overrides the default quality preference.
func WithGlobalPreference(p routing.Preference) Option {
	return func(r *Router) {
		if routing.ValidPreference(p) {
			r.globalPref = p
		}
	}
}

// WithNow replaces the clock. Used by tests.
func WithNow(now func() time.Time) Option {
	return func(r *Router) { r.nowFunc = now }
}

// New creates a Router. maxCostFor returns the per-call cost cap for a tier;
// nil disables the pre-call guard.
func New(table *routing.Table, chain *fallback.Chain, gate BudgetGate, rec Recorder,
	maxCostFor func(tier string) float64, log *slog.Logger, opts ...Option) *Router {
	r := &Router{
		table:      table,
		chain:      chain,
		gate:       gate,
		recorder:   rec,
		maxCostFor: maxCostFor,
		globalPref: routing.PrefQuality,
		log:        log,
		nowFunc:    time.Now,
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Route runs one request through the pipeline. The returned error, when
// non-nil, is always a *Error.
func (r *Router) Route(ctx context.Context, uid string, in Input) (*Result, error) {
	meta := CallMetadata{
		RequestID:   uuid.NewString(),
		UID:         uid,
		RequestType: r.table.Normalize(in.RequestType),
		Feature:     in.Feature,
	}
	ctx = providers.WithRequestID(ctx, meta.RequestID)
	log := r.log.With("request_id", meta.RequestID, "uid", uid, "request_type", meta.RequestType)

	if !r.table.Known(meta.RequestType) {
		return nil, &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf("unknown request type %q", in.RequestType)}
	}

	// Pre-flight. Any internal failure already fails safe to blocked.
	bud, err := r.gate.Check(ctx, uid)
	if err != nil {
		log.Error("budget pre-flight failed", "error", err)
	}
	if !bud.Allowed {
		e := &Error{Code: CodeBudgetExhausted, Message: "AI budget exhausted for this period"}
		if bud.Budget != nil && !bud.Budget.ResetAt.IsZero() {
			t := bud.Budget.ResetAt
			e.ResetAt = &t
		}
		return nil, e
	}

	route, routingPref, downgraded, rerr := r.resolveRoute(meta.RequestType, bud, in.PreferenceOverride)
	if rerr != nil {
		return nil, rerr
	}

	entries := []fallback.Entry{{Provider: route.Primary.Provider, Model: route.Primary.Model}}
	for _, f := range route.Fallbacks {
		entries = append(entries, fallback.Entry{Provider: f.Provider, Model: f.Model})
	}
	if in.ModelOverride != "" {
		provider := routing.InferProvider(in.ModelOverride)
		if provider == "" {
			return nil, &Error{Code: CodeInvalidRequest,
				Message: fmt.Sprintf("cannot infer provider for model %q", in.ModelOverride)}
		}
		entries[0] = fallback.Entry{Provider: provider, Model: in.ModelOverride}
	}

	if route.Defaults.IsVision && in.Image == nil {
		return nil, &Error{Code: CodeInvalidRequest, Message: "request type requires image data"}
	}
	if !route.Defaults.IsVision && in.Image != nil {
		return nil, &Error{Code: CodeInvalidRequest, Message: "request type does not accept image data"}
	}

	req := providers.Request{
		Prompt:       in.Prompt,
		SystemPrompt: route.Defaults.SystemPrompt,
		MaxTokens:    route.Defaults.MaxTokens,
		Temperature:  route.Defaults.Temperature,
		IsVision:     route.Defaults.IsVision,
		Image:        in.Image,
	}

	// Per-call cost guard: a worst-case estimate over the tier cap skips the
	// entry rather than failing the request.
	var skip func(fallback.Entry) bool
	if r.maxCostFor != nil {
		maxCost := r.maxCostFor(bud.Tier)
		skip = func(e fallback.Entry) bool {
			est := r.recorder.CostEstimate(e.Provider, e.Model, 1000, 500)
			if est > maxCost {
				log.Warn("entry skipped by cost guard", "provider", e.Provider, "model", e.Model,
					"estimate_usd", est, "cap_usd", maxCost)
				return true
			}
			return false
		}
	}

	start := r.nowFunc()
	res, err := r.chain.Do(ctx, entries, req, fallback.Options{
		Skip: skip,
		OnFailure: func(entry fallback.Entry, le *providers.LLMError) {
			r.recorder.Record(ctx, store.CallRecord{
				RequestID:            meta.RequestID,
				UID:                  uid,
				RequestType:          meta.RequestType,
				Provider:             entry.Provider,
				Model:                entry.Model,
				Success:              false,
				Error:                string(le.Kind) + ": " + le.Message,
				RoutingPreference:    routingPref,
				PreferenceDowngraded: downgraded,
				LatencyMs:            time.Since(start).Milliseconds(),
			})
		},
	})
	if err != nil {
		return nil, r.mapChainError(err)
	}

	resp := res.Response

	// The deduction must complete even if the client has gone away; a
	// successful provider call is billable.
	dctx := context.WithoutCancel(ctx)
	if _, derr := r.gate.Deduct(dctx, uid, resp.EstimatedCost, meta.RequestType, resp.Model); derr != nil {
		log.Error("post-flight deduction failed, budget may undercount", "cost_usd", resp.EstimatedCost, "error", derr)
	}

	r.recorder.Record(dctx, store.CallRecord{
		RequestID:            meta.RequestID,
		UID:                  uid,
		RequestType:          meta.RequestType,
		Provider:             resp.Provider,
		Model:                resp.Model,
		InputTokens:          resp.Usage.InputTokens,
		OutputTokens:         resp.Usage.OutputTokens,
		CostUSD:              resp.EstimatedCost,
		LatencyMs:            resp.LatencyMs,
		Success:              true,
		RoutingPreference:    routingPref,
		PreferenceDowngraded: downgraded,
	})

	return &Result{
		Response:             resp,
		Meta:                 meta,
		RoutingPreference:    routingPref,
		PreferenceDowngraded: downgraded,
		BudgetStatus:         bud.Status,
	}, nil
}

// resolveRoute picks the route and records whether the caller's preference
// was downgraded by budget state.
func (r *Router) resolveRoute(requestType string, bud budget.CheckResult, override routing.Preference) (routing.Route, string, bool, *Error) {
	pref := r.globalPref
	if routing.ValidPreference(override) {
		pref = override
	}

	if bud.Status == budget.StatusDegraded {
		if route, ok := r.table.DegradedRoute(requestType); ok {
			return route, string(routing.PrefDegraded), true, nil
		}
	}

	downgraded := false
	if bud.Routing == routing.PrefCost && pref != routing.PrefCost {
		pref = routing.PrefCost
		downgraded = true
	}

	route, err := r.table.Select(requestType, pref)
	if err != nil {
		return routing.Route{}, "", false, &Error{Code: CodeInvalidRequest, Message: err.Error()}
	}
	return route, string(pref), downgraded, nil
}

func (r *Router) mapChainError(err error) *Error {
	var le *providers.LLMError
	if errors.As(err, &le) {
		switch le.Kind {
		case providers.KindInvalidRequest:
			return &Error{Code: CodeInvalidRequest, Message: le.Message}
		case providers.KindModelUnavailable:
			if le.Provider == "" {
				// Every entry was skipped by the cost guard.
				return &Error{Code: CodeRequestTooExpensive, Message: "no model within the per-call cost cap"}
			}
		}
	}
	return &Error{Code: CodeProviderError, Message: err.Error()}
}
