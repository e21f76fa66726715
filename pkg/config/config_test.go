package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(5*1024*1024), cfg.Import.MaxFileBytes)
	assert.Equal(t, []string{"24h", "1h"}, cfg.Reminders.TrialTimings)
	assert.Equal(t, []string{"7d", "1d"}, cfg.Reminders.BillingTimings)
	assert.Equal(t, DefaultDetection(), cfg.Detection)
	assert.Equal(t, 30*time.Minute, cfg.Import.SessionTTL)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("REMINDER_TRIAL_TIMINGS", "3d, 24h ,,1h")
	t.Setenv("DETECTION_RECURRING_THRESHOLD", "0.75")
	t.Setenv("IMPORT_RESOLVE_CONCURRENCY", "0")
	t.Setenv("IMPORT_SESSION_TTL", "5m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"3d", "24h", "1h"}, cfg.Reminders.TrialTimings)
	assert.Equal(t, 0.75, cfg.Detection.RecurringThreshold)
	assert.Equal(t, 1, cfg.Import.ResolveConcurrency)
	assert.Equal(t, 5*time.Minute, cfg.Import.SessionTTL)
}

func TestLoad_InvalidThresholds(t *testing.T) {
	t.Setenv("EMAIL_SCAN_PENDING", "0.9")
	t.Setenv("EMAIL_SCAN_AUTO_CREATE", "0.7")

	_, err := Load()
	assert.Error(t, err)
}

func TestDatabaseConfig_DSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "d", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=d sslmode=disable", c.DSN())
}
