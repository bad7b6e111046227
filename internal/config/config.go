package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr      string
	PostgresDSN   string
	MigrationsDir string
	LogLevel      string

	// LedgerMode selects the anchor target: "http" for a remote ledger
	// gateway, "memory" for the in-process fake used in dev.
	LedgerMode           string
	LedgerBaseURL        string
	LedgerTimeoutSeconds int

	AnchorWorkers             int
	AnchorPollMillis          int
	AnchorClaimTimeoutSeconds int
	AnchorMaxAttempts         int
	AnchorConfirmDelaySeconds int

	BackoffInitialSeconds int
	BackoffMaxSeconds     int
	BackoffMultiplier     float64
	BackoffRandomization  float64

	ReconcileIntervalSeconds  int
	ReconcileStalenessSeconds int

	RateLimitRequests      int
	RateLimitWindowSeconds int
	RateLimitMaxKeys       int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

func FromEnv() Config {
	return Config{
		HTTPAddr:      envDefault("HTTP_ADDR", ":8080"),
		PostgresDSN:   os.Getenv("POSTGRES_DSN"),
		MigrationsDir: envDefault("MIGRATIONS_DIR", "migrations"),
		LogLevel:      envDefault("LOG_LEVEL", "info"),

		LedgerMode:           envDefault("LEDGER_MODE", "memory"),
		LedgerBaseURL:        os.Getenv("LEDGER_BASE_URL"),
		LedgerTimeoutSeconds: envIntDefault("LEDGER_TIMEOUT_SECONDS", 5),

		AnchorWorkers:             envIntDefault("ANCHOR_WORKERS", 4),
		AnchorPollMillis:          envIntDefault("ANCHOR_POLL_MILLIS", 1000),
		AnchorClaimTimeoutSeconds: envIntDefault("ANCHOR_CLAIM_TIMEOUT_SECONDS", 120),
		AnchorMaxAttempts:         envIntDefault("ANCHOR_MAX_ATTEMPTS", 8),
		AnchorConfirmDelaySeconds: envIntDefault("ANCHOR_CONFIRM_DELAY_SECONDS", 10),

		BackoffInitialSeconds: envIntDefault("BACKOFF_INITIAL_SECONDS", 10),
		BackoffMaxSeconds:     envIntDefault("BACKOFF_MAX_SECONDS", 600),
		BackoffMultiplier:     envFloatDefault("BACKOFF_MULTIPLIER", 2),
		BackoffRandomization:  envFloatDefault("BACKOFF_RANDOMIZATION", 0.25),

		ReconcileIntervalSeconds:  envIntDefault("RECONCILE_INTERVAL_SECONDS", 30),
		ReconcileStalenessSeconds: envIntDefault("RECONCILE_STALENESS_SECONDS", 600),

		RateLimitRequests:      envIntDefault("RATE_LIMIT_REQUESTS", 0),
		RateLimitWindowSeconds: envIntDefault("RATE_LIMIT_WINDOW_SECONDS", 60),
		RateLimitMaxKeys:       envIntDefault("RATE_LIMIT_MAX_KEYS", 10000),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envIntDefault("REDIS_DB", 0),
	}
}

func (c Config) LedgerTimeout() time.Duration {
	return time.Duration(c.LedgerTimeoutSeconds) * time.Second
}

func (c Config) AnchorPollInterval() time.Duration {
	return time.Duration(c.AnchorPollMillis) * time.Millisecond
}

func (c Config) AnchorClaimTimeout() time.Duration {
	return time.Duration(c.AnchorClaimTimeoutSeconds) * time.Second
}

func (c Config) AnchorConfirmDelay() time.Duration {
	return time.Duration(c.AnchorConfirmDelaySeconds) * time.Second
}

func (c Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

func (c Config) ReconcileStaleness() time.Duration {
	return time.Duration(c.ReconcileStalenessSeconds) * time.Second
}

func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

func envDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func envFloatDefault(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}
