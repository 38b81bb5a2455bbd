package config

import (
	"testing"
	"time"

	"match-sync/internal/constants"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.Equal(t, 1000, cfg.Enrichment.QueueCapacity)
	assert.Equal(t, 2, cfg.Enrichment.Workers)
	assert.Equal(t, 60, cfg.Enrichment.RequestsPerMinute)
	assert.Equal(t, 3, cfg.Enrichment.MaxAttempts)
	assert.Equal(t, 500, cfg.Sync.MaxMatches)
	assert.Equal(t, time.Hour, cfg.Scheduler.RetryDelay)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.Frequencies.Realtime)
	assert.Equal(t, 30*24*time.Hour, cfg.Scheduler.Frequencies.Monthly)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENRICH_QUEUE_CAPACITY", "16")
	t.Setenv("ENRICH_RETRY_BASE_DELAY", "250ms")
	t.Setenv("SYNC_FREQ_DAILY", "12h")

	cfg, err := Load(zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Enrichment.QueueCapacity)
	assert.Equal(t, 250*time.Millisecond, cfg.Enrichment.RetryBaseDelay)
	assert.Equal(t, 12*time.Hour, cfg.Scheduler.Frequencies.Daily)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Run("malformed duration", func(t *testing.T) {
		t.Setenv("SCHEDULER_INTERVAL", "soon")
		_, err := Load(zerolog.Nop())
		require.Error(t, err)
	})

	t.Run("unknown driver", func(t *testing.T) {
		t.Setenv("DB_DRIVER", "mysql")
		_, err := Load(zerolog.Nop())
		require.Error(t, err)
	})

	t.Run("zero workers", func(t *testing.T) {
		t.Setenv("ENRICH_WORKERS", "0")
		_, err := Load(zerolog.Nop())
		require.Error(t, err)
	})

	for _, key := range []string{"SCHEDULER_INTERVAL", "ENRICH_SCAN_INTERVAL", "ENRICH_RETRY_BASE_DELAY"} {
		for _, value := range []string{"0s", "-1m"} {
			t.Run(key+"="+value, func(t *testing.T) {
				t.Setenv(key, value)
				_, err := Load(zerolog.Nop())
				require.Error(t, err)
				assert.Contains(t, err.Error(), key)
			})
		}
	}
}

func TestShutdownGraceFitsStopTimeout(t *testing.T) {
	cfg, err := Load(zerolog.Nop())
	require.NoError(t, err)
	// HTTP drain, then the sync grace, then the enrichment grace
	assert.Less(t, constants.ShutdownTimeout+2*cfg.ShutdownGrace, constants.StopTimeout)
	assert.Less(t, constants.ShutdownTimeout+2*constants.MaxShutdownGrace, constants.StopTimeout)

	t.Setenv("SHUTDOWN_GRACE", (constants.MaxShutdownGrace + time.Second).String())
	_, err = Load(zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHUTDOWN_GRACE")
}
