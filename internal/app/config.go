// Package app wires the governance service together: configuration, the
// storage and identity layers, the budget engine, the provider chain, the
// HTTP surface, and the scheduled maintenance jobs.
package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full service configuration, read from AIGOV_* environment
// variables. A .env file in the working directory is loaded first if present.
type Config struct {
	Addr     string
	LogLevel string
	DBPath   string

	SessionSecret string
	SessionTTL    time.Duration
	SSOSecret     string
	StripeSecret  string

	AnthropicAPIKey string
	OpenAIAPIKey    string
	GoogleAPIKey    string

	AllowedOrigins []string
	UpgradeURL     string
	CheckoutURL    string
	PortalURL      string
	ExportURL      string

	OTelEnabled  bool
	OTelEndpoint string
	ServiceName  string

	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string

	ShutdownTimeout time.Duration
}

// FromEnv builds a Config from the environment.
func FromEnv() Config {
	_ = godotenv.Load()

	return Config{
		Addr:     getenv("AIGOV_ADDR", ":8080"),
		LogLevel: getenv("AIGOV_LOG_LEVEL", "info"),
		DBPath:   getenv("AIGOV_DB_PATH", "aigov.db"),

		SessionSecret: os.Getenv("AIGOV_SESSION_SECRET"),
		SessionTTL:    getdur("AIGOV_SESSION_TTL", 24*time.Hour),
		SSOSecret:     os.Getenv("AIGOV_SSO_SECRET"),
		StripeSecret:  os.Getenv("AIGOV_STRIPE_WEBHOOK_SECRET"),

		AnthropicAPIKey: os.Getenv("AIGOV_ANTHROPIC_API_KEY"),
		OpenAIAPIKey:    os.Getenv("AIGOV_OPENAI_API_KEY"),
		GoogleAPIKey:    os.Getenv("AIGOV_GOOGLE_API_KEY"),

		AllowedOrigins: split(os.Getenv("AIGOV_ALLOWED_ORIGINS")),
		UpgradeURL:     getenv("AIGOV_UPGRADE_URL", "https://account.nimbus.app/upgrade"),
		CheckoutURL:    getenv("AIGOV_CHECKOUT_URL", "https://account.nimbus.app/checkout"),
		PortalURL:      getenv("AIGOV_PORTAL_URL", "https://account.nimbus.app/billing"),
		ExportURL:      getenv("AIGOV_EXPORT_URL", "https://account.nimbus.app/export"),

		OTelEnabled:  getbool("AIGOV_OTEL_ENABLED"),
		OTelEndpoint: getenv("AIGOV_OTEL_ENDPOINT", "localhost:4318"),
		ServiceName:  getenv("AIGOV_SERVICE_NAME", "aigov"),

		TemporalEnabled:   getbool("AIGOV_TEMPORAL_ENABLED"),
		TemporalHostPort:  getenv("AIGOV_TEMPORAL_HOSTPORT", "localhost:7233"),
		TemporalNamespace: getenv("AIGOV_TEMPORAL_NAMESPACE", "default"),
		TemporalTaskQueue: getenv("AIGOV_TEMPORAL_TASK_QUEUE", "aigov-maintenance"),

		ShutdownTimeout: getdur("AIGOV_SHUTDOWN_TIMEOUT", 15*time.Second),
	}
}

// Validate rejects configurations the server cannot safely start with.
func (c Config) Validate() error {
	if c.SessionSecret == "" {
		return fmt.Errorf("AIGOV_SESSION_SECRET is required")
	}
	if len(c.SessionSecret) < 32 {
		return fmt.Errorf("AIGOV_SESSION_SECRET must be at least 32 bytes")
	}
	if c.SSOSecret == "" {
		return fmt.Errorf("AIGOV_SSO_SECRET is required")
	}
	if c.AnthropicAPIKey == "" && c.OpenAIAPIKey == "" && c.GoogleAPIKey == "" {
		return fmt.Errorf("at least one provider API key is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("AIGOV_DB_PATH must not be empty")
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getbool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}

func getdur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func split(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
