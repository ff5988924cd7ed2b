package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 48*time.Hour, cfg.Commit.Window)
	assert.Equal(t, "@every 30m", cfg.Commit.SweepSchedule)
	assert.Equal(t, time.Hour, cfg.Commit.PendingTTL)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.InDelta(t, 0.10, cfg.Payments.Commission, 1e-9)
	assert.Equal(t, 3, cfg.Payments.RefundAttempts)
	require.NoError(t, cfg.Validate())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("COMMIT_WINDOW", "24h")
	t.Setenv("COMMIT_REMINDER_BEFORE", "6h")
	t.Setenv("PLATFORM_COMMISSION", "0.15")
	t.Setenv("HTTP_ADDR", ":9090")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, cfg.Commit.Window)
	assert.Equal(t, 6*time.Hour, cfg.Commit.ReminderBefore)
	assert.InDelta(t, 0.15, cfg.Payments.Commission, 1e-9)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	bad := *cfg
	bad.Payments.Commission = 1
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Commit.ReminderBefore = bad.Commit.Window
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Storage.Driver = "postgres"
	bad.Storage.DSN = ""
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Commit.PendingTTL = -time.Minute
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Storage.Driver = "sqlite"
	assert.Error(t, bad.Validate())
}

func TestApplyYAMLOverlay(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	doc := []byte(`
commission: 0.12
commit_window: 72h
sweep_schedule: "@every 10m"
fallback_rates:
  - provider: courierguy
    service_code: ECO
    service_name: Economy
    local: 90
    regional: 120
    national: 160
    included_kg: 2
    per_kg_over: 12
`)
	require.NoError(t, cfg.ApplyYAML(doc))
	assert.InDelta(t, 0.12, cfg.Payments.Commission, 1e-9)
	assert.Equal(t, 72*time.Hour, cfg.Commit.Window)
	assert.Equal(t, "@every 10m", cfg.Commit.SweepSchedule)
	require.Len(t, cfg.FallbackRates, 1)
	assert.Equal(t, "ECO", cfg.FallbackRates[0].ServiceCode)

	assert.Error(t, cfg.ApplyYAML([]byte("commit_window: soon")))
}

func TestIsAdmin(t *testing.T) {
	cfg := &Config{Auth: AuthConfig{AdminUsers: []string{"u-1", " u-2 "}}}
	assert.True(t, cfg.IsAdmin("u-2"))
	assert.False(t, cfg.IsAdmin("u-3"))
	assert.False(t, cfg.IsAdmin(""))
}
