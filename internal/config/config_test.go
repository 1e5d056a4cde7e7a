package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "")
	setEnv(t, "FEE_BPS", "")
	setEnv(t, "MIN_ESCROW_AMOUNT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultFeeBps, cfg.FeeBps)
	assert.Equal(t, DefaultMinEscrowAmount, cfg.MinEscrowAmount)
	assert.Equal(t, DefaultAutoReleaseDays, cfg.AutoReleaseDays)
	assert.Equal(t, DefaultApprovalWindowDays, cfg.ApprovalWindowDays)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "ENV", "production")
	setEnv(t, "FEE_BPS", "500")
	setEnv(t, "MIN_ESCROW_AMOUNT", "50.00")
	setEnv(t, "AUTO_RELEASE_DAYS", "14")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 500, cfg.FeeBps)
	assert.Equal(t, "50.00", cfg.MinEscrowAmount)
	assert.Equal(t, 14, cfg.AutoReleaseDays)
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		FeeBps:             250,
		MinEscrowAmount:    "100.00",
		AutoReleaseDays:    7,
		ApprovalWindowDays: 3,
		DisputeWindowDays:  14,
		FundingWindowDays:  3,
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"fee too high", func(c *Config) { c.FeeBps = 10001 }, "FEE_BPS"},
		{"fee negative", func(c *Config) { c.FeeBps = -1 }, "FEE_BPS"},
		{"bad min amount", func(c *Config) { c.MinEscrowAmount = "abc" }, "MIN_ESCROW_AMOUNT"},
		{"zero auto-release", func(c *Config) { c.AutoReleaseDays = 0 }, "AUTO_RELEASE_DAYS"},
		{"zero approval window", func(c *Config) { c.ApprovalWindowDays = 0 }, "APPROVAL_WINDOW_DAYS"},
		{"zero dispute window", func(c *Config) { c.DisputeWindowDays = 0 }, "DISPUTE_WINDOW_DAYS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
