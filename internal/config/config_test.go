package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trip-detector/internal/logging"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PG_DSN", "")
	t.Setenv("SOURCE", "")
	t.Setenv("LOG_LEVEL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "trips.db", cfg.DatabaseURL)
	assert.Equal(t, SourceHTTP, cfg.Source)
	assert.Equal(t, logging.LevelInfo, cfg.LogLevel)
	assert.Equal(t, time.Second, cfg.TickInterval)
	assert.Equal(t, "trips", cfg.NATSSubjectPrefix)
	assert.Equal(t, 9600, cfg.SerialBaud)
	assert.Equal(t, 1.0, cfg.ReplaySpeed)
	assert.Zero(t, cfg.MinTripDuration)
	assert.Equal(t, 1.0, cfg.SpeedMultiplier)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TRIP_ACCESS_KEY", "k-123")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SOURCE", "GPX")
	t.Setenv("GPX_PATH", "/tmp/commute.gpx")
	t.Setenv("REPLAY_SPEED", "0")
	t.Setenv("TICK_INTERVAL_MS", "250")
	t.Setenv("MIN_TRIP_DISTANCE_M", "1500")
	t.Setenv("SETTLE_DURATION_SEC", "240")
	t.Setenv("LOG_NATS_SUBJECTS", "yes")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "k-123", cfg.AccessKey)
	assert.Equal(t, logging.LevelDebug, cfg.LogLevel)
	assert.Equal(t, SourceGPX, cfg.Source)
	assert.Equal(t, 0.0, cfg.ReplaySpeed)
	assert.Equal(t, 250*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, 1500.0, cfg.MinTripDistance)
	assert.Equal(t, 4*time.Minute, cfg.SettleDuration)
	assert.True(t, cfg.LogNATSSubjects)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"unknown source":       {"SOURCE", "bluetooth"},
		"negative interval":    {"TICK_INTERVAL_MS", "-5"},
		"non-numeric distance": {"MIN_TRIP_DISTANCE_M", "far"},
		"negative settle":      {"SETTLE_DURATION_SEC", "-1"},
		"zero multiplier":      {"SPEED_MULTIPLIER", "0"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			assert.ErrorContains(t, err, kv[0])
		})
	}
}

func TestSourceRequirements(t *testing.T) {
	t.Setenv("SOURCE", "serial")
	t.Setenv("SERIAL_PORT", "")
	_, err := Load()
	assert.ErrorContains(t, err, "SERIAL_PORT")

	t.Setenv("SOURCE", "nats")
	t.Setenv("NATS_URL", "")
	_, err = Load()
	assert.ErrorContains(t, err, "NATS_URL")
}
