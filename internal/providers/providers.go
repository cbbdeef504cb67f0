// Package providers defines the provider adapter contract: the request and
// response shapes every LLM adapter speaks, the classified error type the
// fallback chain keys on, and the shared HTTP plumbing.
package providers

import (
	"context"
	"fmt"
	"strconv"
)

// ErrorKind classifies a provider failure for the fallback chain and the HTTP
// error mapper.
type ErrorKind string

const (
	KindRateLimit         ErrorKind = "rate_limit"
	KindAPIError          ErrorKind = "api_error"
	KindTimeout           ErrorKind = "timeout"
	KindInvalidRequest    ErrorKind = "invalid_request"
	KindInsufficientQuota ErrorKind = "insufficient_quota"
	KindModelUnavailable  ErrorKind = "model_unavailable"
	KindNetworkError      ErrorKind = "network_error"
	KindBudgetExceeded    ErrorKind = "budget_exceeded"
	// KindCircuitOpen is emitted by the circuit breaker, never by an adapter.
	// Non-retryable on the current entry; the chain moves to the next one.
	KindCircuitOpen ErrorKind = "circuit_open"
)

// LLMError is a classified provider failure.
type LLMError struct {
	Provider       string
	Model          string
	Kind           ErrorKind
	Retryable      bool
	Message        string
	RetryAfterSecs int
}

func (e *LLMError) Error() string {
	return fmt.Sprintf("%s/%s: %s: %s", e.Provider, e.Model, e.Kind, e.Message)
}

// ImageData carries an inline image for vision requests.
type ImageData struct {
	Base64   string `json:"base64"`
	MimeType string `json:"mime_type"`
}

// Request is the normalized request an adapter receives.
type Request struct {
	Prompt       string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	IsVision     bool
	Image        *ImageData
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is a successful provider invocation.
type Response struct {
	Content       string  `json:"content"`
	Usage         Usage   `json:"usage"`
	LatencyMs     int64   `json:"latency_ms"`
	EstimatedCost float64 `json:"estimated_cost"`
	Provider      string  `json:"provider"`
	Model         string  `json:"model"`
}

// Invoker is the capability every provider adapter implements. Invoke returns
// either a Response or an *LLMError.
type Invoker interface {
	Name() string
	Invoke(ctx context.Context, model string, req Request) (*Response, error)
}

// StatusError captures a non-2xx HTTP response from a provider.
type StatusError struct {
	StatusCode     int
	Body           string
	RetryAfterSecs int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter records a Retry-After header value given in seconds.
// Invalid or empty values are ignored.
func (e *StatusError) ParseRetryAfter(v string) {
	if v == "" {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		e.RetryAfterSecs = secs
	}
}
