package openai

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
		"openai/gpt-5": {InputPer1K: 0.00125, OutputPer1K: 0.010},
	})
}

func TestInvokeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("auth header: %s", r.Header.Get("Authorization"))
		}
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["max_completion_tokens"] != float64(100) {
			t.Errorf("max tokens: %v", payload["max_completion_tokens"])
		}
		w.Write([]byte(`{
			"choices": [{"message": {"content": "hello"}}],
			"usage": {"prompt_tokens": 200, "completion_tokens": 100, "total_tokens": 300}
		}`))
	}))
	defer srv.Close()

	a := New("test-key", testRates(), WithBaseURL(srv.URL))
	resp, err := a.Invoke(context.Background(), "gpt-5", providers.Request{Prompt: "hi", MaxTokens: 100})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Content != "hello" || resp.Usage.TotalTokens != 300 {
		t.Fatalf("resp: %+v", resp)
	}
	if resp.Provider != "openai" || resp.Model != "gpt-5" {
		t.Fatalf("identity: %+v", resp)
	}
}

func TestVisionRefusedOnReasoningModels(t *testing.T) {
	a := New("k", testRates())
	for _, model := range []string{"o3-mini", "o4-mini"} {
		_, err := a.Invoke(context.Background(), model, providers.Request{
			Prompt: "scan", IsVision: true,
			Image: &providers.ImageData{Base64: "aGk=", MimeType: "image/png"},
		})
		var le *providers.LLMError
		if !errors.As(err, &le) || le.Kind != providers.KindInvalidRequest || le.Retryable {
			t.Errorf("%s: expected non-retryable invalid_request, got %v", model, err)
		}
	}
}

func TestImageOnTextRequestRejected(t *testing.T) {
	a := New("k", testRates())
	_, err := a.Invoke(context.Background(), "gpt-5", providers.Request{
		Prompt: "describe",
		Image:  &providers.ImageData{Base64: "aGk=", MimeType: "image/png"},
	})
	var le *providers.LLMError
	if !errors.As(err, &le) || le.Kind != providers.KindInvalidRequest || le.Retryable {
		t.Fatalf("expected non-retryable invalid_request, got %v", err)
	}
}

func TestVisionPayloadShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Messages []struct {
				Role    string          `json:"role"`
				Content json.RawMessage `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		var blocks []map[string]any
		if err := json.Unmarshal(payload.Messages[len(payload.Messages)-1].Content, &blocks); err != nil || len(blocks) != 2 {
			t.Errorf("expected text+image_url blocks: %s", payload.Messages[len(payload.Messages)-1].Content)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	defer srv.Close()

	a := New("k", testRates(), WithBaseURL(srv.URL))
	if _, err := a.Invoke(context.Background(), "gpt-5", providers.Request{
		Prompt: "what is this", IsVision: true,
		Image: &providers.ImageData{Base64: "aGk=", MimeType: "image/jpeg"},
	}); err != nil {
		t.Fatalf("invoke: %v", err)
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
		{429, `{"error":{"code":"rate_limit_exceeded"}}`, providers.KindRateLimit, true},
		{429, `{"error":{"code":"insufficient_quota"}}`, providers.KindInsufficientQuota, false},
		{503, `{"error":"overloaded"}`, providers.KindAPIError, true},
		{404, `{"error":{"code":"model_not_found"}}`, providers.KindModelUnavailable, false},
		{400, `{"error":"bad"}`, providers.KindInvalidRequest, false},
	}
	for _, c := range cases {
		le := a.classify("gpt-5", &providers.StatusError{StatusCode: c.status, Body: c.body})
		if le.Kind != c.kind || le.Retryable != c.retryable {
			t.Errorf("status %d %s: got (%s, %v), want (%s, %v)",
				c.status, c.body, le.Kind, le.Retryable, c.kind, c.retryable)
		}
	}
}

func TestMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	a := New("k", testRates(), WithBaseURL(srv.URL))
	_, err := a.Invoke(context.Background(), "gpt-5", providers.Request{Prompt: "hi"})
	var le *providers.LLMError
	if !errors.As(err, &le) || le.Kind != providers.KindAPIError || !le.Retryable {
		t.Fatalf("expected retryable api_error, got %v", err)
	}
}
