// Package anthropic implements the providers.Invoker contract for the
// Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nimbushq/aigov/internal/pricing"
	"github.com/nimbushq/aigov/internal/providers"
)

const defaultBaseURL = "https://api.anthropic.com"

// Adapter implements providers.Invoker for Anthropic.
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

// WithHTTPClient replaces the HTTP client, e.g. to add a tracing transport.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New creates an Anthropic adapter. A zero timeout defaults to 60s.
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

func (a *Adapter) Name() string { return "anthropic" }

type apiResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *Adapter) Invoke(ctx context.Context, model string, req providers.Request) (*providers.Response, error) {
	if req.Image != nil && !req.IsVision {
		return nil, &providers.LLMError{
			Provider: a.Name(), Model: model, Kind: providers.KindInvalidRequest,
			Message: "image data supplied for a non-vision request",
		}
	}
	content := any(req.Prompt)
	if req.IsVision {
		if req.Image == nil {
			return nil, &providers.LLMError{
				Provider: a.Name(), Model: model, Kind: providers.KindInvalidRequest,
				Message: "vision request without image data",
			}
		}
		content = []map[string]any{
			{
				"type": "image",
				"source": map[string]string{
					"type":       "base64",
					"media_type": req.Image.MimeType,
					"data":       req.Image.Base64,
				},
			},
			{"type": "text", "text": req.Prompt},
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	payload := map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"messages": []map[string]any{
			{"role": "user", "content": content},
		},
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if req.SystemPrompt != "" {
		payload["system"] = req.SystemPrompt
	}

	start := time.Now()
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/messages", payload, map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": "2023-06-01",
	})
	if err != nil {
		return nil, a.classify(model, err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &providers.LLMError{
			Provider: a.Name(), Model: model, Kind: providers.KindAPIError, Retryable: true,
			Message: fmt.Sprintf("malformed response: %v", err),
		}
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	usage := providers.Usage{
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
		TotalTokens:  parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
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
	case se.StatusCode == 429 || se.StatusCode == 529:
		le.Kind, le.Retryable = providers.KindRateLimit, true
		le.RetryAfterSecs = se.RetryAfterSecs
	case se.StatusCode >= 500:
		le.Kind, le.Retryable = providers.KindAPIError, true
	case strings.Contains(se.Body, "not_found_error") && strings.Contains(se.Body, "model"):
		le.Kind = providers.KindModelUnavailable
	case se.StatusCode == 402 || strings.Contains(se.Body, "credit balance"):
		le.Kind = providers.KindInsufficientQuota
	default:
		le.Kind = providers.KindInvalidRequest
	}
	return le
}
