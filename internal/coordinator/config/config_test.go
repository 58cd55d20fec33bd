package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2, cfg.Tiers["free"].MaxConnections)
	assert.Equal(t, 5, cfg.Tiers["basic"].MaxConnections)
	assert.Equal(t, 10, cfg.Tiers["pro"].MaxConnections)
	assert.Equal(t, 50, cfg.Tiers["enterprise"].MaxConnections)

	assert.Equal(t, int64(10), cfg.RateLimits["research_query"]["free"].Limit)
	assert.Equal(t, int64(1000), cfg.RateLimits["research_query"]["enterprise"].Limit)
	assert.Equal(t, time.Hour, cfg.RateLimits["research_query"]["pro"].Window)
	assert.Equal(t, int64(5), cfg.RateLimits["export"]["free"].Limit)
	assert.Equal(t, 24*time.Hour, cfg.RateLimits["export"]["enterprise"].Window)
	assert.Equal(t, DefaultMaxMessageBytes, cfg.Server.MaxMessageBytes)
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "memory://", cfg.Store.FastURL)
	assert.Equal(t, DefaultIdleTimeout, cfg.Session.IdleTimeout)
	assert.NotEmpty(t, cfg.InstanceID)
	assert.Equal(t, []string{"quick"}, cfg.Tiers["free"].Modes)
	assert.Equal(t, int64(50), cfg.RateLimits["research_query"]["basic"].Limit)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
instance_id: node-a
store:
  fast_url: redis://cache:6379/0
  durable_dsn: postgres://coord@db/coord
  default_ttl: 15m
tiers:
  basic:
    max_connections: 7
rate_limits:
  research_query:
    basic:
      limit: 75
      window: 30m
`), 0o600))

	t.Setenv("RESEARCH_SESSION_IDLE_TIMEOUT", "5m")
	t.Setenv("RESEARCH_TIERS_PRO_MAX_CONNECTIONS", "12")
	t.Setenv("RESEARCH_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-a", cfg.InstanceID)
	assert.Equal(t, "redis://cache:6379/0", cfg.Store.FastURL)
	assert.Equal(t, 15*time.Minute, cfg.Store.DefaultTTL)
	assert.Equal(t, 7, cfg.Tiers["basic"].MaxConnections)
	assert.Equal(t, 2, cfg.Tiers["basic"].MaxConcurrentTasks, "unset keys keep their defaults")
	assert.Equal(t, int64(75), cfg.RateLimits["research_query"]["basic"].Limit)
	assert.Equal(t, 30*time.Minute, cfg.RateLimits["research_query"]["basic"].Window)

	assert.Equal(t, 5*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, 12, cfg.Tiers["pro"].MaxConnections)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RESEARCH_DEFAULT_TIER", "gold")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_tier")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "http_addr"},
		{"no fast store", func(c *Config) { c.Store.FastURL = "" }, "fast_url"},
		{"pong before ping", func(c *Config) { c.Server.PongWait = time.Second }, "pong_wait"},
		{"zero ceiling", func(c *Config) {
			tier := c.Tiers["free"]
			tier.MaxConnections = 0
			c.Tiers["free"] = tier
		}, "max_connections"},
		{"unknown mode", func(c *Config) {
			tier := c.Tiers["pro"]
			tier.Modes = []string{"turbo"}
			c.Tiers["pro"] = tier
		}, "turbo"},
		{"bad rate rule", func(c *Config) {
			c.RateLimits["export"]["free"] = RateLimitRule{Limit: 0, Window: time.Hour}
		}, "rate_limits.export.free"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad reap schedule", func(c *Config) { c.Session.ReapSchedule = "every minute" }, "session.reap_schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestTierResolution(t *testing.T) {
	cfg := Default()

	name, tier := cfg.Tier("PRO")
	assert.Equal(t, "pro", name)
	assert.True(t, tier.AllowsMode("continuous"))

	name, tier = cfg.Tier("unknown")
	assert.Equal(t, "free", name)
	assert.True(t, tier.AllowsMode("quick"))
	assert.False(t, tier.AllowsMode("continuous"))
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LoggingConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, logger)

	logger, err = NewLogger(LoggingConfig{Level: "warn", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = NewLogger(LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestTimingConstants(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected time.Duration
	}{
		{"DefaultCacheTTL", DefaultCacheTTL, time.Hour},
		{"DefaultIdleTimeout", DefaultIdleTimeout, 30 * time.Minute},
		{"DefaultLockTTL", DefaultLockTTL, 10 * time.Second},
		{"DefaultPongWait", DefaultPongWait, 60 * time.Second},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if test.duration != test.expected {
				t.Errorf("Expected %v, got %v", test.expected, test.duration)
			}
		})
	}
}

func TestAllTools(t *testing.T) {
	tools := AllTools()
	if len(tools) != 3 {
		t.Fatalf("Expected 3 tools, got %d", len(tools))
	}
	if tools[0] != ToolGetStatus || tools[1] != ToolCancel {
		t.Errorf("unexpected tool order: %v", tools)
	}
}
