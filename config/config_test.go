package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "0.0.0.0:9999", cfg.Listen)
	assert.Equal(t, "localhost:6379", cfg.Target)
	assert.Equal(t, 5, cfg.Backlog)
	assert.Equal(t, 4096, cfg.ReadBufferSize)
	assert.Equal(t, 10*time.Second, cfg.DialTimeout)
	assert.Equal(t, ".", cfg.CaptureDir)
	assert.Zero(t, cfg.ResolveCacheTTL)
	assert.Empty(t, cfg.MetricsAddr)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	t.Run("overlays file values on defaults", func(t *testing.T) {
		path := writeFile(t, `
listen: 127.0.0.1:7000
target: redis.internal:6380
dial_timeout: 2s
resolve_cache_ttl: 1m
capture_dir: /tmp/dumps
log:
  level: debug
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "127.0.0.1:7000", cfg.Listen)
		assert.Equal(t, "redis.internal:6380", cfg.Target)
		assert.Equal(t, 2*time.Second, cfg.DialTimeout)
		assert.Equal(t, time.Minute, cfg.ResolveCacheTTL)
		assert.Equal(t, "/tmp/dumps", cfg.CaptureDir)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, "console", cfg.Log.Format)
		assert.Equal(t, 4096, cfg.ReadBufferSize)
	})

	t.Run("empty file keeps defaults", func(t *testing.T) {
		cfg, err := Load(writeFile(t, ""))
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("unknown keys are rejected", func(t *testing.T) {
		_, err := Load(writeFile(t, "listen_port: 9999\n"))
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad listen", func(c *Config) { c.Listen = "9999" }},
		{"bad target", func(c *Config) { c.Target = "localhost" }},
		{"target without host", func(c *Config) { c.Target = ":6379" }},
		{"zero backlog", func(c *Config) { c.Backlog = 0 }},
		{"zero buffer", func(c *Config) { c.ReadBufferSize = 0 }},
		{"negative dial timeout", func(c *Config) { c.DialTimeout = -time.Second }},
		{"negative cache ttl", func(c *Config) { c.ResolveCacheTTL = -time.Second }},
		{"bad metrics addr", func(c *Config) { c.MetricsAddr = "metrics" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("all errors are reported", func(t *testing.T) {
		cfg := Default()
		cfg.Backlog = 0
		cfg.ReadBufferSize = -1
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "backlog")
		assert.Contains(t, err.Error(), "read_buffer_size")
	})
}
