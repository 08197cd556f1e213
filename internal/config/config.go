// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow settings
	HighValueThresholdMinor int64 // amounts at or above this require admin release approval
	VerificationPeriodDays  int   // days the buyer has to verify after funding

	// Payment gateway
	GatewayCallbackSecret string // shared secret for verifying gateway callback signatures

	// Events
	KafkaBrokers string // comma-separated broker list (optional, events dropped if not set)
	KafkaTopic   string

	// Tracing
	OTLPEndpoint string // OTLP gRPC endpoint (optional, tracing disabled if not set)

	// Security
	WebhookSecret string // HMAC secret for signing outbound party notifications
	RateLimitRPS  int
	AdminSecret   string // Admin API secret
}

// Defaults
const (
	DefaultPort                    = "8080"
	DefaultEnv                     = "development"
	DefaultLogLevel                = "info"
	DefaultRateLimit               = 100
	DefaultHighValueThresholdMinor = 50_000_000 // GHS 500,000.00 in pesewas
	DefaultVerificationPeriodDays  = 7
	DefaultKafkaTopic              = "landbridge.escrow.events"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:             os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		HighValueThresholdMinor: getEnvInt64("HIGH_VALUE_THRESHOLD_MINOR", DefaultHighValueThresholdMinor),
		VerificationPeriodDays:  int(getEnvInt64("VERIFICATION_PERIOD_DAYS", DefaultVerificationPeriodDays)),
		GatewayCallbackSecret:   os.Getenv("GATEWAY_CALLBACK_SECRET"),
		KafkaBrokers:            os.Getenv("KAFKA_BROKERS"),
		KafkaTopic:              getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		WebhookSecret:           os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPS:            int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		AdminSecret:             os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.HighValueThresholdMinor <= 0 {
		return fmt.Errorf("HIGH_VALUE_THRESHOLD_MINOR must be positive")
	}
	if c.VerificationPeriodDays <= 0 {
		return fmt.Errorf("VERIFICATION_PERIOD_DAYS must be positive")
	}
	if c.IsProduction() && c.GatewayCallbackSecret == "" {
		return fmt.Errorf("GATEWAY_CALLBACK_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}
