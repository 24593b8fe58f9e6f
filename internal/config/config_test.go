package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, "gatekeeper", cfg.Presence.TopicPrefix)
	assert.Equal(t, "homeassistant", cfg.Presence.DiscoveryPrefix)
	assert.Equal(t, "postgres", cfg.Presence.Inventory.Source)
	assert.Equal(t, 30*time.Second, cfg.Presence.Inventory.ReloadInterval)
	assert.Equal(t, time.Second, cfg.Presence.SweepInterval)
	assert.Equal(t, 4, cfg.Presence.Shards)
	assert.True(t, cfg.Presence.RedisEnabled)
	assert.Equal(t, "presence:events", cfg.Presence.EventStream)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("DB_HOST", "test-host")
	t.Setenv("MQTT_BROKER", "tcp://mqtt:1883")
	t.Setenv("PRESENCE_TOPIC_PREFIX", "monitor")
	t.Setenv("PRESENCE_INVENTORY_SOURCE", "file")
	t.Setenv("PRESENCE_INVENTORY_FILE", "/etc/presence.yaml")
	t.Setenv("PRESENCE_SWEEP_INTERVAL", "500")
	t.Setenv("PRESENCE_SHARDS", "8")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test-host", cfg.Database.Host)
	assert.Equal(t, "tcp://mqtt:1883", cfg.MQTT.Broker)
	assert.Equal(t, "monitor", cfg.Presence.TopicPrefix)
	assert.Equal(t, "file", cfg.Presence.Inventory.Source)
	assert.Equal(t, "/etc/presence.yaml", cfg.Presence.Inventory.File)
	assert.Equal(t, 500*time.Millisecond, cfg.Presence.SweepInterval)
	assert.Equal(t, 8, cfg.Presence.Shards)
	assert.False(t, cfg.Presence.RedisEnabled)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_InvalidSource(t *testing.T) {
	t.Setenv("PRESENCE_INVENTORY_SOURCE", "etcd")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported inventory source")
}

func TestLoad_InvalidShards(t *testing.T) {
	t.Setenv("PRESENCE_SHARDS", "0")

	_, err := Load()
	assert.Error(t, err)
}

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")
	assert.Equal(t, "test-value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default-value", getEnv("NON_EXISTENT_VAR", "default-value"))
}

func TestDefaultTunables_Valid(t *testing.T) {
	tun := DefaultTunables()
	require.NoError(t, tun.Validate())

	assert.Equal(t, 15*time.Second, tun.Window())
	assert.Equal(t, 3*time.Second, tun.Debounce())
	assert.Equal(t, 60*time.Second, tun.DeviceExpiration())
	assert.Equal(t, 5*time.Second, tun.Keepalive())
	assert.Equal(t, 10*time.Second, tun.CalibrationDuration())
}

func TestTunables_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Tunables)
	}{
		{"zero window", func(t *Tunables) { t.WindowSeconds = 0 }},
		{"alpha above one", func(t *Tunables) { t.SmoothingAlpha = 1.5 }},
		{"negative margin", func(t *Tunables) { t.HysteresisMarginDB = -1 }},
		{"expiration not above debounce", func(t *Tunables) { t.DeviceExpirationSeconds = 3 }},
		{"zero path loss", func(t *Tunables) { t.PathLossExponent = 0 }},
		{"min above max calibration samples", func(t *Tunables) { t.CalibrationMinSamples = 40 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tun := DefaultTunables()
			tt.mutate(&tun)
			err := tun.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTunables))
		})
	}
}

func TestTunables_FractionalSeconds(t *testing.T) {
	tun := DefaultTunables()
	tun.DebounceSeconds = 0.5
	assert.Equal(t, 500*time.Millisecond, tun.Debounce())
}
