package google

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nimbushq/aigov/internal/pricing"
	"github.com/nimbushq/aigov/internal/providers"
)

func testRates() *pricing.Table {
	return pricing.New(map[string]pricing.Rate{
		"google/gemini-2.5-flash": {InputPer1K: 0.0003, OutputPer1K: 0.0025},
	})
}

func TestInvokeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("api key header missing")
		}
		if !strings.Contains(r.URL.Path, "models/gemini-2.5-flash:generateContent") {
			t.Errorf("path: %s", r.URL.Path)
		}
		w.Write([]byte(`{
			"candidates": [{"content": {"parts": [{"text": "hel"}, {"text": "lo"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 100, "candidatesTokenCount": 50, "totalTokenCount": 150}
		}`))
	}))
	defer srv.Close()

	a := New("test-key", testRates(), WithBaseURL(srv.URL))
	resp, err := a.Invoke(context.Background(), "gemini-2.5-flash", providers.Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Content != "hello" {
		t.Fatalf("multi-part content not joined: %q", resp.Content)
	}
	if resp.Usage.InputTokens != 100 || resp.Usage.OutputTokens != 50 {
		t.Fatalf("usage: %+v", resp.Usage)
	}
}

func TestSafetyBlockNonRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": [{"content": {"parts": []}, "finishReason": "SAFETY"}]}`))
	}))
	defer srv.Close()

	a := New("k", testRates(), WithBaseURL(srv.URL))
	_, err := a.Invoke(context.Background(), "gemini-2.5-flash", providers.Request{Prompt: "hi"})
	var le *providers.LLMError
	if !errors.As(err, &le) || le.Kind != providers.KindInvalidRequest || le.Retryable {
		t.Fatalf("expected non-retryable invalid_request, got %v", err)
	}
}

func TestVisionWithoutImageRejected(t *testing.T) {
	a := New("k", testRates())
	_, err := a.Invoke(context.Background(), "gemini-2.5-flash", providers.Request{Prompt: "scan", IsVision: true})
	var le *providers.LLMError
	if !errors.As(err, &le) || le.Kind != providers.KindInvalidRequest {
		t.Fatalf("expected invalid_request, got %v", err)
	}
}

func TestImageOnTextRequestRejected(t *testing.T) {
	a := New("k", testRates())
	_, err := a.Invoke(context.Background(), "gemini-2.5-flash", providers.Request{
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
		{429, `{"error":{"status":"RESOURCE_EXHAUSTED"}}`, providers.KindRateLimit, true},
		{400, `{"error":{"status":"RESOURCE_EXHAUSTED","message":"quota"}}`, providers.KindRateLimit, true},
		{500, `{"error":"internal"}`, providers.KindAPIError, true},
		{404, `{"error":{"message":"models/gemini-9 is not found"}}`, providers.KindModelUnavailable, false},
		{400, `{"error":"invalid argument"}`, providers.KindInvalidRequest, false},
	}
	for _, c := range cases {
		le := a.classify("gemini-2.5-flash", &providers.StatusError{StatusCode: c.status, Body: c.body})
		if le.Kind != c.kind || le.Retryable != c.retryable {
			t.Errorf("status %d %s: got (%s, %v), want (%s, %v)",
				c.status, c.body, le.Kind, le.Retryable, c.kind, c.retryable)
		}
	}
}
