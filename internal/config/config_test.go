package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("MOBILE_MONEY_URL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, "KES", cfg.DefaultCurrency)
	assert.Equal(t, DefaultMaxRejections, cfg.MaxRejections)
	assert.Equal(t, 2*time.Minute, cfg.ReconcileInterval)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DEFAULT_CURRENCY", "TZS")
	t.Setenv("RECONCILE_INTERVAL", "30s")
	t.Setenv("MAX_REJECTIONS", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "TZS", cfg.DefaultCurrency)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, 5, cfg.MaxRejections)
}

func TestValidate_ProductionRequiresRails(t *testing.T) {
	cfg := &Config{
		Env:                  "production",
		MaxMilestones:        10,
		ReconcileMaxAttempts: 5,
	}
	assert.Error(t, cfg.Validate())

	cfg.MobileMoneyURL = "https://payments.example.com"
	cfg.LedgerURL = "https://ledger.example.com"
	cfg.DatabaseURL = "postgres://localhost/agroclear"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RejectsBadPolicy(t *testing.T) {
	cfg := &Config{Env: "development", MaxMilestones: 0, ReconcileMaxAttempts: 5}
	assert.Error(t, cfg.Validate())
}
