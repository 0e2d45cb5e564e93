package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestLoad_UsesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load("non-existent-config.yaml")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, ":8081", cfg.Signal.Address)
	assert.Equal(t, "medium", cfg.Session.DefaultQuality)
	assert.Equal(t, time.Second, cfg.Reconnect.BaseDelay)
	assert.Equal(t, "memory", cfg.Store.Driver)
}

func TestLoad_LoadsFromYAMLAndAppliesEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
server:
  address: ":9000"
signal:
  url: "ws://signal.internal:8081/ws"
session:
  title: "Friday night set"
  default_quality: high
  record: true
reconnect:
  base_delay: 250ms
  max_retries: 3
recording:
  chunk_interval: 2s
  storage:
    driver: file
    path: /var/lib/meshcast
`)

	t.Setenv("MESHCAST_LOG_LEVEL", "debug")
	t.Setenv("MESHCAST_QUALITY", "low")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, "ws://signal.internal:8081/ws", cfg.Signal.URL)
	assert.Equal(t, "Friday night set", cfg.Session.Title)
	assert.Equal(t, "low", cfg.Session.DefaultQuality)
	assert.True(t, cfg.Session.Record)
	assert.Equal(t, 250*time.Millisecond, cfg.Reconnect.BaseDelay)
	assert.Equal(t, 3, cfg.Reconnect.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Recording.ChunkInterval)
	assert.Equal(t, "/var/lib/meshcast", cfg.Recording.Storage.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_RejectsInvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "server: [oops")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadFirst_SkipsMissingPaths(t *testing.T) {
	path := writeTempConfig(t, `
server:
  address: ":7000"
`)
	cfg, used, err := LoadFirst("missing.yaml", path)
	require.NoError(t, err)
	assert.Equal(t, path, used)
	assert.Equal(t, ":7000", cfg.Server.Address)
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown quality", func(c *Config) { c.Session.DefaultQuality = "ultra" }},
		{"zero base delay", func(c *Config) { c.Reconnect.BaseDelay = 0 }},
		{"negative retries", func(c *Config) { c.Reconnect.MaxRetries = -1 }},
		{"zero chunk interval", func(c *Config) { c.Recording.ChunkInterval = 0 }},
		{"unknown storage driver", func(c *Config) { c.Recording.Storage.Driver = "ftp" }},
		{"s3 without bucket", func(c *Config) { c.Recording.Storage.Driver = "s3" }},
		{"unknown store driver", func(c *Config) { c.Store.Driver = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }},
		{"events without channel", func(c *Config) { c.Events.Enabled = true; c.Events.Channel = "" }},
		{"pong shorter than ping", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"port range inverted", func(c *Config) { c.WebRTC.PortRange.Min = 50000; c.WebRTC.PortRange.Max = 40000 }},
		{"port range half set", func(c *Config) { c.WebRTC.PortRange.Min = 50000 }},
		{"hysteresis above one", func(c *Config) { c.Playback.HysteresisFactor = 1.5 }},
		{"signal url without scheme", func(c *Config) { c.Signal.URL = "localhost:8081/ws" }},
		{"manifest url not http", func(c *Config) { c.Playback.ManifestURL = "ftp://cdn/live.m3u8" }},
		{"negative cache ttl", func(c *Config) { c.Store.CacheTTL = -time.Second }},
		{"rate limit without rps", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.HTTP.RequestsPerSecond = 0
		}},
		{"tracing sample rate", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRate = 2
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	assert.NoError(t, cfg.Validate())
}
