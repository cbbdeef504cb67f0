package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newBufferLogger(buf *bytes.Buffer) *slog.Logger {
	base := slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(&RedactingHandler{base: base})
}

func TestRedactsSensitiveAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf)

	logger.Info("test",
		slog.String("authorization", "Bearer abc123"),
		slog.String("stripe-signature", "t=1,v1=deadbeef"),
		slog.String("access_token", "tok_secret"),
		slog.String("user_password", "hunter2"),
		slog.String("prompt", "what is in this meal photo"),
		slog.String("path", "/api/v1/budget"),
	)

	out := buf.String()
	for _, secret := range []string{"abc123", "deadbeef", "tok_secret", "hunter2", "meal photo"} {
		if strings.Contains(out, secret) {
			t.Errorf("log output leaked %q: %s", secret, out)
		}
	}
	if !strings.Contains(out, "/api/v1/budget") {
		t.Errorf("non-sensitive attr was redacted: %s", out)
	}
}

func TestRedactsWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf).With(slog.String("api_token", "xyz"))

	logger.Info("test")
	if strings.Contains(buf.String(), "xyz") {
		t.Errorf("WithAttrs leaked token: %s", buf.String())
	}
}

func TestRequestLoggerEmitsUID(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf)

	type ctxKey struct{}
	uidOf := func(ctx context.Context) string {
		if v, ok := ctx.Value(ctxKey{}).(string); ok {
			return v
		}
		return ""
	}

	handler := RequestLogger(logger, uidOf)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest("GET", "/api/v1/budget", nil)
	req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, "user-42"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["uid"] != "user-42" {
		t.Errorf("expected uid=user-42, got %v", entry["uid"])
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Errorf("expected status 418, got %v", entry["status"])
	}
}

func TestSetLevel(t *testing.T) {
	SetLevel("debug")
	if globalLevel.Level() != slog.LevelDebug {
		t.Errorf("expected debug level")
	}
	SetLevel("bogus")
	if globalLevel.Level() != slog.LevelInfo {
		t.Errorf("unknown level should default to info")
	}
}
