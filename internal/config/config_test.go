package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 5.0, cfg.MatchRadiusKm)
	assert.Equal(t, 10, cfg.MatcherTopN)
	assert.Equal(t, 5*time.Minute, cfg.RideRequestTimeout)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("MATCH_RADIUS_KM", "3.5")
	t.Setenv("CONN_IDLE_TIMEOUT", "45s")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("NOTIFY_WEBHOOK_URL", " https://push.internal/rides ")
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 3.5, cfg.MatchRadiusKm)
	assert.Equal(t, 45*time.Second, cfg.ConnIdleTimeout)
	assert.True(t, cfg.RunMigrations)
	assert.Equal(t, "https://push.internal/rides", cfg.WebhookURL)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("MATCHER_TOP_N", "0")
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("MATCH_RADIUS_KM", "20")
	_, err := LoadServerConfig()
	require.Error(t, err)
	for _, want := range []string{"MATCHER_TOP_N", "HTTP_READ_TIMEOUT", "MATCH_WIDEN_RADIUS_KM", "JWT_SECRET"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadServerConfigRejectsNonPositiveSweeps(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("REAP_INTERVAL", "0s")
	t.Setenv("CONN_IDLE_TIMEOUT", "-5s")
	t.Setenv("RIDE_REQUEST_TIMEOUT", "0")
	_, err := LoadServerConfig()
	require.Error(t, err)
	for _, want := range []string{"REAP_INTERVAL", "CONN_IDLE_TIMEOUT", "RIDE_REQUEST_TIMEOUT"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092")
	t.Setenv("CONSUMER_APPLY_BACKOFF", "50ms")
	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "driver-locations", cfg.KafkaTopic)
	assert.Equal(t, 50*time.Millisecond, cfg.ApplyBackoff)
	assert.Equal(t, 3, cfg.ApplyAttempts)

	t.Setenv("CONSUMER_APPLY_ATTEMPTS", "0")
	_, err = LoadConsumerConfig()
	assert.ErrorContains(t, err, "CONSUMER_APPLY_ATTEMPTS")
}
