// Package google implements the providers.Invoker contract for the Gemini
// generateContent API.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/nimbushq/aigov/internal/pricing"
	"github.com/nimbushq/aigov/internal/providers"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// Adapter implements providers.Invoker for Google Gemini.
type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
	rates   *pricing.Table
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.client.Timeout = d }
}

// WithBaseURL overrides the API base URL. Used by tests.
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New creates a Gemini adapter.
func New(apiKey string, rates *pricing.Table, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
		rates:   rates,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string { return "google" }

type apiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (a *Adapter) Invoke(ctx context.Context, model string, req providers.Request) (*providers.Response, error) {
	if req.Image != nil && !req.IsVision {
		return nil, &providers.LLMError{
			Provider: a.Name(), Model: model, Kind: providers.KindInvalidRequest,
			Message: "image data supplied for a non-vision request",
		}
	}
	parts := []map[string]any{{"text": req.Prompt}}
	if req.IsVision {
		if req.Image == nil {
			return nil, &providers.LLMError{
				Provider: a.Name(), Model: model, Kind: providers.KindInvalidRequest,
				Message: "vision request without image data",
			}
		}
		parts = append(parts, map[string]any{
			"inline_data": map[string]string{
				"mime_type": req.Image.MimeType,
				"data":      req.Image.Base64,
			},
		})
	}

	genConfig := map[string]any{}
	if req.MaxTokens > 0 {
		genConfig["maxOutputTokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		genConfig["temperature"] = req.Temperature
	}
	payload := map[string]any{
		"contents": []map[string]any{
			{"role": "user", "parts": parts},
		},
	}
	if len(genConfig) > 0 {
		payload["generationConfig"] = genConfig
	}
	if req.SystemPrompt != "" {
		payload["systemInstruction"] = map[string]any{
			"parts": []map[string]string{{"text": req.SystemPrompt}},
		}
	}

	start := time.Now()
	url := a.baseURL + "/v1beta/models/" + model + ":generateContent"
	body, err := providers.DoRequest(ctx, a.client, url, payload, map[string]string{
		"x-goog-api-key": a.apiKey,
	})
	if err != nil {
		return nil, a.classify(model, err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Candidates) == 0 {
		return nil, &providers.LLMError{
			Provider: a.Name(), Model: model, Kind: providers.KindAPIError, Retryable: true,
			Message: "malformed response",
		}
	}
	// A safety block comes back 200 with no usable content.
	if parsed.Candidates[0].FinishReason == "SAFETY" {
		return nil, &providers.LLMError{
			Provider: a.Name(), Model: model, Kind: providers.KindInvalidRequest,
			Message: "response blocked by safety filter",
		}
	}

	var text strings.Builder
	for _, p := range parsed.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	usage := providers.Usage{
		InputTokens:  parsed.UsageMetadata.PromptTokenCount,
		OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
		TotalTokens:  parsed.UsageMetadata.TotalTokenCount,
	}
	return &providers.Response{
		Content:       text.String(),
		Usage:         usage,
		LatencyMs:     time.Since(start).Milliseconds(),
		EstimatedCost: a.rates.Estimate(a.Name(), model, usage.InputTokens, usage.OutputTokens),
		Provider:      a.Name(),
		Model:         model,
	}, nil
}

func (a *Adapter) classify(model string, err error) *providers.LLMError {
	var se *providers.StatusError
	if !errors.As(err, &se) {
		return providers.ClassifyTransport(a.Name(), model, err)
	}
	le := &providers.LLMError{Provider: a.Name(), Model: model, Message: se.Body}
	switch {
	case se.StatusCode == 429 || strings.Contains(se.Body, "RESOURCE_EXHAUSTED"):
		le.Kind, le.Retryable = providers.KindRateLimit, true
		le.RetryAfterSecs = se.RetryAfterSecs
	case se.StatusCode >= 500:
		le.Kind, le.Retryable = providers.KindAPIError, true
	case se.StatusCode == 404 && strings.Contains(se.Body, "models/"):
		le.Kind = providers.KindModelUnavailable
	default:
		le.Kind = providers.KindInvalidRequest
	}
	return le
}
