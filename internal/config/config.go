package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/noah-isme/learnhub-api/internal/payment"
	"github.com/noah-isme/learnhub-api/internal/resilience"
)

// Config holds process configuration read once at startup.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string
	PublicBaseURL      string
	MigrationsAuto     bool

	LogFormat          string
	LogLevel           string
	TracingExporter    string
	TracingEndpoint    string
	TracingSampleRatio float64
	MetricsBuckets     string
	PprofEnabled       bool
	PprofUser          string
	PprofPass          string

	PayOSClientID    string
	PayOSAPIKey      string
	PayOSChecksumKey string
	PayOSBaseURL     string

	PaymentMockMode         bool
	MockCheckoutBaseURL     string
	PaymentReturnURL        string
	PaymentCancelURL        string
	PaymentHTTPTimeout      time.Duration
	BreakerMinRequests      int
	BreakerFailureRatio     float64
	BreakerOpenFor          time.Duration
	WebhookReplayTTL        time.Duration
	WebhookMaxBodyBytes     int64
	IdempotencyTTL          time.Duration
	RateLimitBackend        string
	RateLimitCheckoutMax    int
	RateLimitCheckoutWindow time.Duration

	ReconcileInterval   time.Duration
	ReconcileStaleAfter time.Duration
	ReconcileBatch      int
	LockTTL             time.Duration
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	return fromKoanf(k)
}

// LoadForTests builds a Config from values without reading the environment.
func LoadForTests(values map[string]string) (*Config, error) {
	k := koanf.New(".")
	for key, value := range values {
		if err := k.Set(key, value); err != nil {
			return nil, err
		}
	}
	return fromKoanf(k)
}

// MustLoad is Load for entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func fromKoanf(k *koanf.Koanf) (*Config, error) {
	publicBase := strings.TrimRight(valueOrDefault(k.String("PUBLIC_BASE_URL"), "http://localhost:3000"), "/")
	cfg := &Config{
		AppEnv:             strings.ToLower(valueOrDefault(k.String("APP_ENV"), "development")),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        strings.TrimSpace(k.String("DATABASE_URL")),
		RedisURL:           strings.TrimSpace(k.String("REDIS_URL")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		PublicBaseURL:      publicBase,
		MigrationsAuto:     parseBool(k.String("MIGRATIONS_AUTO"), true),

		LogFormat:          valueOrDefault(k.String("LOG_FORMAT"), "json"),
		LogLevel:           valueOrDefault(k.String("LOG_LEVEL"), "info"),
		TracingExporter:    valueOrDefault(k.String("OTEL_TRACES_EXPORTER"), "none"),
		TracingEndpoint:    strings.TrimSpace(k.String("OTEL_EXPORTER_OTLP_ENDPOINT")),
		TracingSampleRatio: parseFloat(k.String("OTEL_TRACES_SAMPLER_RATIO"), 1),
		MetricsBuckets:     k.String("METRICS_BUCKETS_MS"),
		PprofEnabled:       parseBool(k.String("OBS_ENABLE_PPROF"), false),
		PprofUser:          strings.TrimSpace(k.String("PPROF_BASIC_AUTH_USER")),
		PprofPass:          strings.TrimSpace(k.String("PPROF_BASIC_AUTH_PASS")),

		PayOSClientID:    strings.TrimSpace(k.String("PAYOS_CLIENT_ID")),
		PayOSAPIKey:      strings.TrimSpace(k.String("PAYOS_API_KEY")),
		PayOSChecksumKey: strings.TrimSpace(k.String("PAYOS_CHECKSUM_KEY")),
		PayOSBaseURL:     valueOrDefault(k.String("PAYOS_BASE_URL"), payment.DefaultBaseURL),

		PaymentMockMode:         parseBool(k.String("PAYMENT_MOCK_MODE"), false),
		MockCheckoutBaseURL:     valueOrDefault(k.String("PAYMENT_MOCK_CHECKOUT_BASE_URL"), publicBase),
		PaymentReturnURL:        valueOrDefault(k.String("PAYMENT_RETURN_URL"), publicBase+"/payment/success"),
		PaymentCancelURL:        valueOrDefault(k.String("PAYMENT_CANCEL_URL"), publicBase+"/payment/cancel"),
		PaymentHTTPTimeout:      parseDuration(k.String("PAYMENT_HTTP_TIMEOUT"), "10s"),
		BreakerMinRequests:      parseInt(k.String("PAYMENT_BREAKER_MIN_REQUESTS"), 5),
		BreakerFailureRatio:     parseFloat(k.String("PAYMENT_BREAKER_FAILURE_RATIO"), 0.5),
		BreakerOpenFor:          parseDuration(k.String("PAYMENT_BREAKER_OPEN_FOR"), "30s"),
		WebhookReplayTTL:        parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "24h"),
		WebhookMaxBodyBytes:     int64(parseInt(k.String("WEBHOOK_MAX_BODY_BYTES"), 64<<10)),
		IdempotencyTTL:          parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		RateLimitBackend:        strings.ToLower(valueOrDefault(k.String("RATE_LIMIT_BACKEND"), "sliding")),
		RateLimitCheckoutMax:    parseInt(k.String("RATE_LIMIT_CHECKOUT_MAX"), 10),
		RateLimitCheckoutWindow: parseDuration(k.String("RATE_LIMIT_CHECKOUT_WINDOW"), "1m"),

		ReconcileInterval:   parseDuration(k.String("RECONCILE_INTERVAL"), "1m"),
		ReconcileStaleAfter: parseDuration(k.String("RECONCILE_STALE_AFTER"), "10m"),
		ReconcileBatch:      parseInt(k.String("RECONCILE_BATCH"), 50),
		LockTTL:             parseDuration(k.String("LOCK_TTL"), "2m"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	if c.PaymentMockMode {
		if c.IsProduction() {
			return errors.New("PAYMENT_MOCK_MODE cannot be enabled in production")
		}
	} else {
		var missing []string
		for key, value := range map[string]string{
			"PAYOS_CLIENT_ID":    c.PayOSClientID,
			"PAYOS_API_KEY":      c.PayOSAPIKey,
			"PAYOS_CHECKSUM_KEY": c.PayOSChecksumKey,
		} {
			if value == "" {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return fmt.Errorf("live payments require %s", strings.Join(missing, ", "))
		}
	}
	switch c.RateLimitBackend {
	case "sliding", "ulule":
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND must be sliding or ulule, got %q", c.RateLimitBackend)
	}
	return nil
}

// IsProduction reports whether APP_ENV names a production deployment.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production" || c.AppEnv == "prod"
}

// HTTPAddr returns the listen address.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// Payment is the gateway configuration.
func (c *Config) Payment() payment.Config {
	return payment.Config{
		ClientID:            c.PayOSClientID,
		APIKey:              c.PayOSAPIKey,
		ChecksumKey:         c.PayOSChecksumKey,
		BaseURL:             c.PayOSBaseURL,
		MockMode:            c.PaymentMockMode,
		MockCheckoutBaseURL: c.MockCheckoutBaseURL,
	}
}

// Breaker is the circuit breaker guarding payOS calls.
func (c *Config) Breaker() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		MinRequests:  c.BreakerMinRequests,
		FailureRatio: c.BreakerFailureRatio,
		OpenFor:      c.BreakerOpenFor,
		Target:       "payos",
	}
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	d, err := time.ParseDuration(valueOrDefault(value, fallback))
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}
