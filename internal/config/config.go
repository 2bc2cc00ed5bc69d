// Package config handles application configuration.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port    int
	BaseURL string

	// Storage
	DatabaseURL string
	RedisURL    string

	// Secrets
	JWTSecret  string
	APIKeySalt string
	OpsAPIKey  string // bearer key for the operational API; empty disables auth

	// Credential encryption (AES-256-GCM); rotation-aware
	CredentialEncryptionKey         []byte
	CredentialEncryptionKeyPrevious []byte

	// Feature toggles
	EnableScheduledScans bool
	EnableWorkers        bool

	// Webhook ingress
	WebhookMaxBodyBytes int64

	// Per-provider fallback credentials, used when a billing connection
	// carries no credential of its own.
	StripeWebhookSecret  string
	AppleRootCAPEM       string
	GooglePushToken      string
	RecurlyWebhookSecret string

	// Alert channels
	SendGridAPIKey string
	AlertFromEmail string
	SlackBotToken  string

	// Retention
	RawLogRetentionDays      int
	DeliveryLogRetentionDays int

	// Lifecycle
	ShutdownTimeout  time.Duration
	AlertHTTPTimeout time.Duration

	// CORS
	CORSOrigins []string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnvInt("PORT", 8080),
		BaseURL:     getEnv("BASE_URL", "http://localhost:8080"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),

		JWTSecret:  getEnv("JWT_SECRET", ""),
		APIKeySalt: getEnv("API_KEY_SALT", ""),
		OpsAPIKey:  getEnv("OPS_API_KEY", ""),

		EnableScheduledScans: getEnvBool("ENABLE_SCHEDULED_SCANS", true),
		EnableWorkers:        getEnvBool("ENABLE_WORKERS", true),

		WebhookMaxBodyBytes: int64(getEnvInt("WEBHOOK_MAX_BODY_BYTES", 1<<20)),

		StripeWebhookSecret:  getEnv("STRIPE_WEBHOOK_SECRET", ""),
		AppleRootCAPEM:       getEnv("APPLE_ROOT_CA_PEM", ""),
		GooglePushToken:      getEnv("GOOGLE_PUSH_TOKEN", ""),
		RecurlyWebhookSecret: getEnv("RECURLY_WEBHOOK_SECRET", ""),

		SendGridAPIKey: getEnv("SENDGRID_API_KEY", ""),
		AlertFromEmail: getEnv("ALERT_FROM_EMAIL", "alerts@revback.io"),
		SlackBotToken:  getEnv("SLACK_BOT_TOKEN", ""),

		RawLogRetentionDays:      getEnvInt("RAW_LOG_RETENTION_DAYS", 30),
		DeliveryLogRetentionDays: getEnvInt("DELIVERY_LOG_RETENTION_DAYS", 90),

		ShutdownTimeout:  getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		AlertHTTPTimeout: getEnvDuration("ALERT_HTTP_TIMEOUT", 10*time.Second),

		CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"http://localhost:3000"}),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JWTSecret != "" && len(cfg.JWTSecret) < 16 {
		return nil, fmt.Errorf("JWT_SECRET must be at least 16 characters")
	}
	if cfg.APIKeySalt != "" && len(cfg.APIKeySalt) < 16 {
		return nil, fmt.Errorf("API_KEY_SALT must be at least 16 characters")
	}

	// Raw webhook logs are the idempotency record; retention below 30 days
	// would let a provider replay past the dedup horizon.
	if cfg.RawLogRetentionDays < 30 {
		return nil, fmt.Errorf("RAW_LOG_RETENTION_DAYS must be at least 30, got %d", cfg.RawLogRetentionDays)
	}

	key, err := decodeHexKey("CREDENTIAL_ENCRYPTION_KEY")
	if err != nil {
		return nil, err
	}
	cfg.CredentialEncryptionKey = key

	prev, err := decodeHexKey("CREDENTIAL_ENCRYPTION_KEY_PREVIOUS")
	if err != nil {
		return nil, err
	}
	cfg.CredentialEncryptionKeyPrevious = prev

	return cfg, nil
}

// decodeHexKey reads an env var holding a 32-byte key as 64 hex characters.
// Unset is fine (returns nil); a malformed value is a fatal config error.
func decodeHexKey(name string) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be hex-encoded: %w", name, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%s must decode to 32 bytes, got %d", name, len(key))
	}
	return key, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
