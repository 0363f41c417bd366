package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ListenAddr string
	DataDir    string
	BaseURL    string
	LogLevel   string

	// SigningSecret keys the MACs embedded in tracking, open and
	// unsubscribe URLs. Changing it invalidates every link already sent.
	SigningSecret string

	DispatchWindow time.Duration
	PreviewLead    time.Duration
	TickInterval   time.Duration

	WorkerCount         int
	ThrottleUpThreshold int
	ReconnectLimit      int
	RateLimitExitCount  int
	ErrorBudget         int

	SMTPHost       string
	SMTPPort       int
	SMTPUser       string
	SMTPPass       string
	SMTPTimeout    time.Duration
	SendsPerSecond float64

	FetchTimeout time.Duration
}

func Load() *Config {
	return &Config{
		ListenAddr: envOr("LISTEN_ADDR", ":8080"),
		DataDir:    envOr("DATA_DIR", "./data"),
		BaseURL:    envOr("BASE_URL", "http://localhost:8080"),
		LogLevel:   envOr("LOG_LEVEL", "info"),

		SigningSecret: envOr("SIGNING_SECRET", "change-me-in-production-32-bytes!"),

		DispatchWindow: envDurationOr("DISPATCH_WINDOW", 15*time.Minute),
		PreviewLead:    envDurationOr("PREVIEW_LEAD", time.Hour),
		TickInterval:   envDurationOr("TICK_INTERVAL", 15*time.Minute),

		WorkerCount:         envIntOr("WORKER_COUNT", 2),
		ThrottleUpThreshold: envIntOr("THROTTLE_UP_THRESHOLD", 50),
		ReconnectLimit:      envIntOr("RECONNECT_LIMIT", 10),
		RateLimitExitCount:  envIntOr("RATE_LIMIT_EXIT_COUNT", 10),
		ErrorBudget:         envIntOr("ERROR_BUDGET", 20),

		SMTPHost:       envOr("SMTP_HOST", ""),
		SMTPPort:       envIntOr("SMTP_PORT", 587),
		SMTPUser:       envOr("SMTP_USER", ""),
		SMTPPass:       envOr("SMTP_PASS", ""),
		SMTPTimeout:    envDurationOr("SMTP_TIMEOUT", 30*time.Second),
		SendsPerSecond: envFloatOr("SENDS_PER_SECOND", 5),

		FetchTimeout: envDurationOr("FETCH_TIMEOUT", 15*time.Second),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
