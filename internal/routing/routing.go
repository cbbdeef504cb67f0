// Package routing holds the static request-type routing tables: which model
// serves which request type at each cost/quality preference, and the degraded
// table used once a user has exhausted their premium budget.
package routing

import (
	"fmt"
	"strings"
)

// Preference selects a column of the routing table.
type Preference string

const (
	PrefQuality  Preference = "quality"
	PrefBalanced Preference = "balanced"
	PrefCost     Preference = "cost"
	PrefDegraded Preference = "degraded"
)

// ValidPreference reports whether p is an overridable preference.
func ValidPreference(p Preference) bool {
	switch p {
	case PrefQuality, PrefBalanced, PrefCost:
		return true
	}
	return false
}

// ModelRef names one (provider, model) pair.
type ModelRef struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Defaults are the request parameters a route applies unless overridden.
type Defaults struct {
	MaxTokens    int     `json:"max_tokens"`
	Temperature  float64 `json:"temperature"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	IsVision     bool    `json:"is_vision,omitempty"`
}

// Route is a primary model plus ordered fallbacks.
type Route struct {
	Primary   ModelRef   `json:"primary"`
	Fallbacks []ModelRef `json:"fallbacks,omitempty"`
	Defaults  Defaults   `json:"defaults"`
}

// Table is the full routing configuration. Immutable after construction;
// swap the whole table to change routing.
type Table struct {
	routes   map[string]map[Preference]Route
	degraded map[string]Route
	aliases  map[string]string
}

// Canonical request types.
const (
	MealScan        = "nutrition:meal-scan"
	MealText        = "nutrition:meal-text"
	RecipeGenerate  = "nutrition:recipe"
	CoachChat       = "fitness:coach-chat"
	WorkoutAnalysis = "fitness:workout-analysis"
	MemoryRefresh   = "fitness:memory-refresh"
)

var legacyAliases = map[string]string{
	"meal-scan":        MealScan,
	"meal-text":        MealText,
	"coach-chat":       CoachChat,
	"workout-analysis": WorkoutAnalysis,
	"memory-refresh":   MemoryRefresh,
}

func anthropic(model string) ModelRef { return ModelRef{Provider: "anthropic", Model: model} }
func openai(model string) ModelRef    { return ModelRef{Provider: "openai", Model: model} }
func google(model string) ModelRef    { return ModelRef{Provider: "google", Model: model} }

// Default returns the built-in routing table.
func Default() *Table {
	routes := map[string]map[Preference]Route{
		MealScan: {
			PrefQuality: {
				Primary:   google("gemini-2.5-pro"),
				Fallbacks: []ModelRef{openai("gpt-5"), google("gemini-2.5-flash")},
				Defaults:  Defaults{MaxTokens: 1500, Temperature: 0.2, IsVision: true},
			},
			PrefBalanced: {
				Primary:   google("gemini-2.5-flash"),
				Fallbacks: []ModelRef{openai("gpt-5-mini")},
				Defaults:  Defaults{MaxTokens: 1200, Temperature: 0.2, IsVision: true},
			},
			PrefCost: {
				Primary:   google("gemini-2.5-flash"),
				Fallbacks: []ModelRef{openai("gpt-4o-mini")},
				Defaults:  Defaults{MaxTokens: 1000, Temperature: 0.2, IsVision: true},
			},
		},
		MealText: {
			PrefQuality: {
				Primary:   anthropic("claude-sonnet-4-5"),
				Fallbacks: []ModelRef{openai("gpt-5"), google("gemini-2.5-flash")},
				Defaults:  Defaults{MaxTokens: 1000, Temperature: 0.3},
			},
			PrefBalanced: {
				Primary:   google("gemini-2.5-flash"),
				Fallbacks: []ModelRef{anthropic("claude-haiku-4-5")},
				Defaults:  Defaults{MaxTokens: 800, Temperature: 0.3},
			},
			PrefCost: {
				Primary:   google("gemini-2.5-flash-lite"),
				Fallbacks: []ModelRef{openai("gpt-4o-mini")},
				Defaults:  Defaults{MaxTokens: 600, Temperature: 0.3},
			},
		},
		RecipeGenerate: {
			PrefQuality: {
				Primary:   anthropic("claude-sonnet-4-5"),
				Fallbacks: []ModelRef{openai("gpt-5")},
				Defaults:  Defaults{MaxTokens: 2000, Temperature: 0.7},
			},
			PrefBalanced: {
				Primary:   openai("gpt-5-mini"),
				Fallbacks: []ModelRef{google("gemini-2.5-flash")},
				Defaults:  Defaults{MaxTokens: 1600, Temperature: 0.7},
			},
			PrefCost: {
				Primary:   google("gemini-2.5-flash"),
				Fallbacks: []ModelRef{openai("gpt-4o-mini")},
				Defaults:  Defaults{MaxTokens: 1200, Temperature: 0.7},
			},
		},
		CoachChat: {
			PrefQuality: {
				Primary:   anthropic("claude-sonnet-4-5"),
				Fallbacks: []ModelRef{openai("gpt-5"), google("gemini-2.5-pro")},
				Defaults:  Defaults{MaxTokens: 1500, Temperature: 0.8},
			},
			PrefBalanced: {
				Primary:   anthropic("claude-haiku-4-5"),
				Fallbacks: []ModelRef{google("gemini-2.5-flash")},
				Defaults:  Defaults{MaxTokens: 1200, Temperature: 0.8},
			},
			PrefCost: {
				Primary:   google("gemini-2.5-flash"),
				Fallbacks: []ModelRef{openai("gpt-4o-mini")},
				Defaults:  Defaults{MaxTokens: 1000, Temperature: 0.8},
			},
		},
		WorkoutAnalysis: {
			PrefQuality: {
				Primary:   openai("gpt-5"),
				Fallbacks: []ModelRef{anthropic("claude-sonnet-4-5")},
				Defaults:  Defaults{MaxTokens: 1500, Temperature: 0.3},
			},
			PrefBalanced: {
				Primary:   openai("gpt-5-mini"),
				Fallbacks: []ModelRef{google("gemini-2.5-flash")},
				Defaults:  Defaults{MaxTokens: 1200, Temperature: 0.3},
			},
			PrefCost: {
				Primary:   google("gemini-2.5-flash-lite"),
				Fallbacks: []ModelRef{openai("gpt-4o-mini")},
				Defaults:  Defaults{MaxTokens: 800, Temperature: 0.3},
			},
		},
		MemoryRefresh: {
			PrefQuality: {
				Primary:   anthropic("claude-haiku-4-5"),
				Fallbacks: []ModelRef{google("gemini-2.5-flash")},
				Defaults:  Defaults{MaxTokens: 800, Temperature: 0.1},
			},
			PrefBalanced: {
				Primary:   google("gemini-2.5-flash-lite"),
				Fallbacks: []ModelRef{openai("gpt-4o-mini")},
				Defaults:  Defaults{MaxTokens: 600, Temperature: 0.1},
			},
			PrefCost: {
				Primary:   google("gemini-2.5-flash-lite"),
				Fallbacks: nil,
				Defaults:  Defaults{MaxTokens: 500, Temperature: 0.1},
			},
		},
	}

	// Cheapest competent model per task. No fallbacks, tight token caps,
	// never a premium model.
	degraded := map[string]Route{
		MealScan: {
			Primary:  google("gemini-2.5-flash"),
			Defaults: Defaults{MaxTokens: 600, Temperature: 0.2, IsVision: true},
		},
		MealText: {
			Primary:  google("gemini-2.5-flash-lite"),
			Defaults: Defaults{MaxTokens: 400, Temperature: 0.3},
		},
		CoachChat: {
			Primary:  anthropic("claude-haiku-4-5"),
			Defaults: Defaults{MaxTokens: 500, Temperature: 0.8},
		},
		WorkoutAnalysis: {
			Primary:  google("gemini-2.5-flash-lite"),
			Defaults: Defaults{MaxTokens: 400, Temperature: 0.3},
		},
	}

	return &Table{routes: routes, degraded: degraded, aliases: legacyAliases}
}

// Normalize maps legacy aliases to canonical request types. Unknown types are
// returned unchanged; Select rejects them.
func (t *Table) Normalize(requestType string) string {
	if canonical, ok := t.aliases[strings.ToLower(requestType)]; ok {
		return canonical
	}
	return requestType
}

// Known reports whether requestType (after normalization) has routing.
func (t *Table) Known(requestType string) bool {
	_, ok := t.routes[t.Normalize(requestType)]
	return ok
}

// RequestTypes lists the canonical request types in the table.
func (t *Table) RequestTypes() []string {
	out := make([]string, 0, len(t.routes))
	for rt := range t.routes {
		out = append(out, rt)
	}
	return out
}

// Select returns the route for (requestType, preference).
func (t *Table) Select(requestType string, pref Preference) (Route, error) {
	rt := t.Normalize(requestType)
	prefs, ok := t.routes[rt]
	if !ok {
		return Route{}, fmt.Errorf("unknown request type %q", requestType)
	}
	r, ok := prefs[pref]
	if !ok {
		return Route{}, fmt.Errorf("request type %q has no %q route", rt, pref)
	}
	return r, nil
}

// DegradedRoute returns the degraded route for requestType, if one exists.
// Request types without a degraded entry fall back to the cost column.
func (t *Table) DegradedRoute(requestType string) (Route, bool) {
	r, ok := t.degraded[t.Normalize(requestType)]
	return r, ok
}

// InferProvider guesses the provider from a model name prefix. Returns "" for
// unrecognized names.
func InferProvider(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "claude"):
		return "anthropic"
	case strings.HasPrefix(m, "gpt"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return "openai"
	case strings.HasPrefix(m, "gemini"):
		return "google"
	}
	return ""
}
