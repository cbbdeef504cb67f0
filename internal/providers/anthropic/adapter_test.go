package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nimbushq/aigov/internal/pricing"
	"github.com/nimbushq/aigov/internal/providers"
)

func testRates() *pricing.Table {
	return pricing.New(map[string]pricing.Rate{
		"anthropic/claude-sonnet-4-5": {InputPer1K: 0.003, OutputPer1K: 0.015},
	})
}

func TestInvokeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("api key header missing")
		}
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["model"] != "claude-sonnet-4-5" {
			t.Errorf("model: %v", payload["model"])
		}
		if payload["system"] != "be brief" {
			t.Errorf("system: %v", payload["system"])
		}
		w.Write([]byte(`{
			"content": [{"type":"text","text":"hello"}],
			"usage": {"input_tokens": 1000, "output_tokens": 500}
		}`))
	}))
	defer srv.Close()

	a := New("test-key", testRates(), WithBaseURL(srv.URL))
	resp, err := a.Invoke(context.Background(), "claude-sonnet-4-5", providers.Request{
		Prompt: "hi", SystemPrompt: "be brief", MaxTokens: 100,
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Content != "hello" {
		t.Fatalf("content: %q", resp.Content)
	}
	want := 0.003 + 0.5*0.015
	if resp.EstimatedCost < want-1e-9 || resp.EstimatedCost > want+1e-9 {
		t.Fatalf("cost: %f", resp.EstimatedCost)
	}
	if resp.Usage.TotalTokens != 1500 {
		t.Fatalf("usage: %+v", resp.Usage)
	}
}

func TestInvokeVisionPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Messages []struct {
				Content []map[string]any `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if len(payload.Messages) != 1 || len(payload.Messages[0].Content) != 2 {
			t.Errorf("expected image+text content blocks: %+v", payload.Messages)
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"a salad"}],"usage":{"input_tokens":10,"output_tokens":5}}`))
	}))
	defer srv.Close()

	a := New("k", testRates(), WithBaseURL(srv.URL))
	resp, err := a.Invoke(context.Background(), "claude-sonnet-4-5", providers.Request{
		Prompt: "what is this", IsVision: true,
		Image: &providers.ImageData{Base64: "aGk=", MimeType: "image/jpeg"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Content != "a salad" {
		t.Fatalf("content: %q", resp.Content)
	}
}

func TestVisionWithoutImageRejected(t *testing.T) {
	a := New("k", testRates())
	_, err := a.Invoke(context.Background(), "claude-sonnet-4-5", providers.Request{
		Prompt: "scan", IsVision: true,
	})
	var le *providers.LLMError
	if !errors.As(err, &le) || le.Kind != providers.KindInvalidRequest || le.Retryable {
		t.Fatalf("expected non-retryable invalid_request, got %v", err)
	}
}

func TestImageOnTextRequestRejected(t *testing.T) {
	a := New("k", testRates())
	_, err := a.Invoke(context.Background(), "claude-sonnet-4-5", providers.Request{
		Prompt: "describe",
		Image:  &providers.ImageData{Base64: "aGk=", MimeType: "image/jpeg"},
	})
	var le *providers.LLMError
	if !errors.As(err, &le) || le.Kind != providers.KindInvalidRequest || le.Retryable {
		t.Fatalf("expected non-retryable invalid_request, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	a := New("k", testRates())
	cases := []struct {
		status    int
		body      string
		kind      providers.ErrorKind
		retryable bool
	}{
		{429, `{"error":"rate limit"}`, providers.KindRateLimit, true},
		{529, `{"error":"overloaded"}`, providers.KindRateLimit, true},
		{500, `{"error":"internal"}`, providers.KindAPIError, true},
		{404, `{"type":"not_found_error","message":"model: claude-x"}`, providers.KindModelUnavailable, false},
		{400, `{"error":"bad request"}`, providers.KindInvalidRequest, false},
		{402, `{"error":"insufficient credit balance"}`, providers.KindInsufficientQuota, false},
	}
	for _, c := range cases {
		le := a.classify("claude-sonnet-4-5", &providers.StatusError{StatusCode: c.status, Body: c.body})
		if le.Kind != c.kind || le.Retryable != c.retryable {
			t.Errorf("status %d: got (%s, %v), want (%s, %v)", c.status, le.Kind, le.Retryable, c.kind, c.retryable)
		}
	}
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(429)
		w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer srv.Close()

	a := New("k", testRates(), WithBaseURL(srv.URL))
	_, err := a.Invoke(context.Background(), "claude-sonnet-4-5", providers.Request{Prompt: "hi"})
	var le *providers.LLMError
	if !errors.As(err, &le) {
		t.Fatalf("expected LLMError, got %v", err)
	}
	if le.Kind != providers.KindRateLimit || le.RetryAfterSecs != 30 {
		t.Fatalf("unexpected: %+v", le)
	}
}
