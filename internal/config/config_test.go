package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SCHEDULER_POLL_INTERVAL", "")
	t.Setenv("DAILY_RUN_LIMIT", "")

	cfg := Load()
	assert.Equal(t, "3001", cfg.Port)
	assert.Equal(t, "sqlite://blockflow.db", cfg.DatabaseURL)
	assert.Equal(t, time.Minute, cfg.SchedulerPollInterval)
	assert.Equal(t, int64(-1), cfg.DailyRunLimit)
	assert.True(t, cfg.SchedulerEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("SCHEDULER_POLL_INTERVAL", "15s")
	t.Setenv("SHUTDOWN_TIMEOUT", "5")
	t.Setenv("SCHEDULER_ENABLED", "false")
	t.Setenv("SCHEDULER_DISPATCH_RATE", "2.5")
	t.Setenv("ALLOWED_ORIGINS", "http://a.test, ,http://b.test")

	cfg := Load()
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 15*time.Second, cfg.SchedulerPollInterval)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.False(t, cfg.SchedulerEnabled)
	assert.InDelta(t, 2.5, cfg.SchedulerDispatchRate, 1e-9)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.AllowedOrigins)
}

func TestGetDurationEnv_Invalid(t *testing.T) {
	t.Setenv("X_DURATION", "soon")
	assert.Equal(t, time.Second, getDurationEnv("X_DURATION", time.Second))
}
