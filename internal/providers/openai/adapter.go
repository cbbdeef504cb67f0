// Package openai implements the providers.Invoker contract for the OpenAI
// Chat Completions API.
package openai

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

const defaultBaseURL = "https://api.openai.com"

// Adapter implements providers.Invoker for OpenAI.
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

// New creates an OpenAI adapter.
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

func (a *Adapter) Name() string { return "openai" }

// visionCapable reports whether the model accepts image input. The o-series
// reasoning models are text-only.
func visionCapable(model string) bool {
	m := strings.ToLower(model)
	return !strings.HasPrefix(m, "o3") && !strings.HasPrefix(m, "o4")
}

type apiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (a *Adapter) Invoke(ctx context.Context, model string, req providers.Request) (*providers.Response, error) {
	if req.Image != nil && !req.IsVision {
		return nil, &providers.LLMError{
			Provider: a.Name(), Model: model, Kind: providers.KindInvalidRequest,
			Message: "image data supplied for a non-vision request",
		}
	}
	var messages []map[string]any
	if req.SystemPrompt != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.SystemPrompt})
	}
	if req.IsVision {
		if !visionCapable(model) {
			return nil, &providers.LLMError{
				Provider: a.Name(), Model: model, Kind: providers.KindInvalidRequest,
				Message: fmt.Sprintf("model %s does not accept image input", model),
			}
		}
		if req.Image == nil {
			return nil, &providers.LLMError{
				Provider: a.Name(), Model: model, Kind: providers.KindInvalidRequest,
				Message: "vision request without image data",
			}
		}
		messages = append(messages, map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": req.Prompt},
				{"type": "image_url", "image_url": map[string]string{
					"url": fmt.Sprintf("data:%s;base64,%s", req.Image.MimeType, req.Image.Base64),
				}},
			},
		})
	} else {
		messages = append(messages, map[string]any{"role": "user", "content": req.Prompt})
	}

	payload := map[string]any{
		"model":    model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		payload["max_completion_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}

	start := time.Now()
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/chat/completions", payload, map[string]string{
		"Authorization": "Bearer " + a.apiKey,
	})
	if err != nil {
		return nil, a.classify(model, err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Choices) == 0 {
		return nil, &providers.LLMError{
			Provider: a.Name(), Model: model, Kind: providers.KindAPIError, Retryable: true,
			Message: "malformed response",
		}
	}

	usage := providers.Usage{
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		TotalTokens:  parsed.Usage.TotalTokens,
	}
	return &providers.Response{
		Content:       parsed.Choices[0].Message.Content,
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
	case se.StatusCode == 429 && strings.Contains(se.Body, "insufficient_quota"):
		le.Kind = providers.KindInsufficientQuota
	case se.StatusCode == 429:
		le.Kind, le.Retryable = providers.KindRateLimit, true
		le.RetryAfterSecs = se.RetryAfterSecs
	case se.StatusCode >= 500:
		le.Kind, le.Retryable = providers.KindAPIError, true
	case strings.Contains(se.Body, "model_not_found") || strings.Contains(se.Body, "does not exist"):
		le.Kind = providers.KindModelUnavailable
	default:
		le.Kind = providers.KindInvalidRequest
	}
	return le
}
