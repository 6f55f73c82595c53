// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

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

	// Payment rails
	MobileMoneyURL    string // Mobile-money aggregator base URL
	MobileMoneyAPIKey string
	StripeAPIKey      string // Card rail for export buyers (optional)
	PaymentTimeout    time.Duration

	// Ledger service
	LedgerURL     string // Append-only ledger service base URL
	LedgerAPIKey  string
	LedgerTimeout time.Duration

	// Escrow policy
	DefaultCurrency      string
	MaxMilestones        int
	MaxRejections        int // rejections of one milestone before a dispute is raised
	MilestoneTimerInterval time.Duration

	// Reconciliation
	ReconcileInterval    time.Duration
	ReconcileMaxAttempts int

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret string
}

// Defaults
const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultCurrencyCode  = "KES"
	DefaultMaxMilestones = 20
	DefaultMaxRejections = 3
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		MobileMoneyURL:       os.Getenv("MOBILE_MONEY_URL"),
		MobileMoneyAPIKey:    os.Getenv("MOBILE_MONEY_API_KEY"),
		StripeAPIKey:         os.Getenv("STRIPE_API_KEY"),
		PaymentTimeout:       getEnvDuration("PAYMENT_TIMEOUT", 15*time.Second),
		LedgerURL:            os.Getenv("LEDGER_URL"),
		LedgerAPIKey:         os.Getenv("LEDGER_API_KEY"),
		LedgerTimeout:        getEnvDuration("LEDGER_TIMEOUT", 10*time.Second),
		DefaultCurrency:      getEnv("DEFAULT_CURRENCY", DefaultCurrencyCode),
		MaxMilestones:        int(getEnvInt64("MAX_MILESTONES", DefaultMaxMilestones)),
		MaxRejections:        int(getEnvInt64("MAX_REJECTIONS", DefaultMaxRejections)),
		MilestoneTimerInterval: getEnvDuration("MILESTONE_TIMER_INTERVAL", time.Minute),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", 2*time.Minute),
		ReconcileMaxAttempts: int(getEnvInt64("RECONCILE_MAX_ATTEMPTS", 8)),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.MaxMilestones <= 0 {
		return fmt.Errorf("MAX_MILESTONES must be positive")
	}
	if c.ReconcileMaxAttempts <= 0 {
		return fmt.Errorf("RECONCILE_MAX_ATTEMPTS must be positive")
	}
	if c.IsProduction() {
		// Production runs against real rails; development falls back to
		// in-process fakes when these are unset.
		if c.MobileMoneyURL == "" {
			return fmt.Errorf("MOBILE_MONEY_URL is required in production")
		}
		if c.LedgerURL == "" {
			return fmt.Errorf("LEDGER_URL is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
