// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/tradehold/escrowd/internal/money"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL string

	// Escrow policy
	FeeBps             int    // platform fee in basis points (250 = 2.5%)
	MinEscrowAmount    string // minimum gross amount, decimal string
	AutoReleaseDays    int    // funded -> auto-release window
	ApprovalWindowDays int    // release request approval deadline
	DisputeWindowDays  int    // dispute deadline snapshot at creation
	FundingWindowDays  int    // payment instructions deadline

	// Platform bank account, echoed in payment instructions
	BankAccountName string
	BankIBAN        string
	BankBIC         string

	// Notifications
	AdminWebhookURL    string // dispute alerts for operations staff
	AdminWebhookSecret string

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint, empty disables tracing
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultFeeBps             = 250
	DefaultMinEscrowAmount    = "100.00"
	DefaultAutoReleaseDays    = 7
	DefaultApprovalWindowDays = 3
	DefaultDisputeWindowDays  = 14
	DefaultFundingWindowDays  = 3
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", "text"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		FeeBps:             getEnvInt("FEE_BPS", DefaultFeeBps),
		MinEscrowAmount:    getEnv("MIN_ESCROW_AMOUNT", DefaultMinEscrowAmount),
		AutoReleaseDays:    getEnvInt("AUTO_RELEASE_DAYS", DefaultAutoReleaseDays),
		ApprovalWindowDays: getEnvInt("APPROVAL_WINDOW_DAYS", DefaultApprovalWindowDays),
		DisputeWindowDays:  getEnvInt("DISPUTE_WINDOW_DAYS", DefaultDisputeWindowDays),
		FundingWindowDays:  getEnvInt("FUNDING_WINDOW_DAYS", DefaultFundingWindowDays),
		BankAccountName:    getEnv("BANK_ACCOUNT_NAME", "Tradehold Escrow Services"),
		BankIBAN:           getEnv("BANK_IBAN", "DE89370400440532013000"),
		BankBIC:            getEnv("BANK_BIC", "COBADEFFXXX"),
		AdminWebhookURL:    os.Getenv("ADMIN_WEBHOOK_URL"),
		AdminWebhookSecret: os.Getenv("ADMIN_WEBHOOK_SECRET"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configured policy is coherent.
func (c *Config) Validate() error {
	if c.FeeBps < 0 || c.FeeBps > 10000 {
		return fmt.Errorf("FEE_BPS must be between 0 and 10000, got %d", c.FeeBps)
	}
	if _, ok := money.Parse(c.MinEscrowAmount); !ok {
		return fmt.Errorf("MIN_ESCROW_AMOUNT %q is not a valid amount", c.MinEscrowAmount)
	}
	if c.AutoReleaseDays <= 0 {
		return fmt.Errorf("AUTO_RELEASE_DAYS must be positive, got %d", c.AutoReleaseDays)
	}
	if c.ApprovalWindowDays <= 0 {
		return fmt.Errorf("APPROVAL_WINDOW_DAYS must be positive, got %d", c.ApprovalWindowDays)
	}
	if c.DisputeWindowDays <= 0 {
		return fmt.Errorf("DISPUTE_WINDOW_DAYS must be positive, got %d", c.DisputeWindowDays)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
