package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// ---------------------------------------------------------------------------
// DefaultConfig
// ---------------------------------------------------------------------------

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 1000, cfg.Cache.Capacity)
	assert.Equal(t, 60, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5, cfg.Retry.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Retry.Breaker.OpenTimeout)
	assert.Equal(t, 30*24*time.Hour, cfg.Cost.RecentWindow)
	assert.False(t, cfg.Redis.Enabled)
	assert.True(t, cfg.Metrics.Enabled)
}

// ---------------------------------------------------------------------------
// Load:YAML 文件
// ---------------------------------------------------------------------------

func TestLoader_LoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
log:
  level: debug
  format: console
cache:
  capacity: 50
  default_ttl: 10m
rate_limit:
  requests_per_minute: 5
  tokens_per_minute: 1000
retry:
  max_attempts: 2
  breaker:
    failure_threshold: 2
    open_timeout: 5s
budgets:
  - id: chapter-1
    name: 第一章
    cost_limit: 2.5
providers:
  openai:
    fallback_provider: claude
    rate_limit:
      requests_per_minute: 10
      tokens_per_minute: 5000
      window: 1m
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 50, cfg.Cache.Capacity)
	assert.Equal(t, 10*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, 5, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 2, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2, cfg.Retry.Breaker.FailureThreshold)
	assert.Equal(t, 5*time.Second, cfg.Retry.Breaker.OpenTimeout)

	// 文件未覆盖的字段保持默认值
	assert.Equal(t, 2.0, cfg.Retry.ExponentialBase)
	assert.Equal(t, 80.0, cfg.Cost.AtRiskThreshold)

	require.Len(t, cfg.Budgets, 1)
	assert.Equal(t, "chapter-1", cfg.Budgets[0].ID)
	assert.Equal(t, 2.5, cfg.Budgets[0].CostLimit)

	require.Contains(t, cfg.Providers, "openai")
	assert.Equal(t, "claude", cfg.Providers["openai"].FallbackProvider)
	require.NotNil(t, cfg.Providers["openai"].RateLimit)
	assert.Equal(t, 10, cfg.Providers["openai"].RateLimit.RequestsPerMinute)
	assert.Nil(t, cfg.Providers["openai"].Retry)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/no/such/file.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Cache.Capacity, cfg.Cache.Capacity)
}

func TestLoader_MalformedFile(t *testing.T) {
	path := writeConfigFile(t, "cache: [not a mapping")
	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// Load:环境变量覆盖
// ---------------------------------------------------------------------------

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("STORYWEAVE_LOG_LEVEL", "warn")
	t.Setenv("STORYWEAVE_CACHE_CAPACITY", "77")
	t.Setenv("STORYWEAVE_CACHE_DEFAULT_TTL", "90s")
	t.Setenv("STORYWEAVE_RETRY_JITTER_FACTOR", "0.5")
	t.Setenv("STORYWEAVE_REDIS_ENABLED", "true")
	t.Setenv("STORYWEAVE_REDIS_ADDR", "redis:6379")
	t.Setenv("STORYWEAVE_LOG_OUTPUT_PATHS", "stdout, /var/log/gw.log")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 77, cfg.Cache.Capacity)
	assert.Equal(t, 90*time.Second, cfg.Cache.DefaultTTL)
	assert.Equal(t, 0.5, cfg.Retry.JitterFactor)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"stdout", "/var/log/gw.log"}, cfg.Log.OutputPaths)
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "cache:\n  capacity: 50\n")
	t.Setenv("STORYWEAVE_CACHE_CAPACITY", "200")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.Cache.Capacity)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("SW_CACHE_CAPACITY", "33")
	cfg, err := NewLoader().WithEnvPrefix("SW").Load()
	require.NoError(t, err)
	assert.Equal(t, 33, cfg.Cache.Capacity)
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "zero cache capacity", mutate: func(c *Config) { c.Cache.Capacity = 0 }},
		{name: "negative cache ttl", mutate: func(c *Config) { c.Cache.DefaultTTL = -time.Second }},
		{name: "zero rpm", mutate: func(c *Config) { c.RateLimit.RequestsPerMinute = 0 }},
		{name: "negative burst", mutate: func(c *Config) { c.RateLimit.BurstTokens = -1 }},
		{name: "zero max attempts", mutate: func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{name: "jitter out of range", mutate: func(c *Config) { c.Retry.JitterFactor = 1 }},
		{name: "zero failure threshold", mutate: func(c *Config) { c.Retry.Breaker.FailureThreshold = 0 }},
		{name: "at risk threshold over 100", mutate: func(c *Config) { c.Cost.AtRiskThreshold = 150 }},
		{name: "redis enabled without addr", mutate: func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }},
		{name: "budget without id", mutate: func(c *Config) { c.Budgets = []BudgetConfig{{CostLimit: 1}} }},
		{
			name: "duplicate budget ids",
			mutate: func(c *Config) {
				c.Budgets = []BudgetConfig{{ID: "b"}, {ID: "b"}}
			},
		},
		{
			name: "negative budget limit",
			mutate: func(c *Config) {
				c.Budgets = []BudgetConfig{{ID: "b", CostLimit: -1}}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoader_CustomValidator(t *testing.T) {
	called := false
	_, err := NewLoader().WithValidator(func(c *Config) error {
		called = true
		return nil
	}).Load()
	require.NoError(t, err)
	assert.True(t, called)
}

// ---------------------------------------------------------------------------
// MustLoad
// ---------------------------------------------------------------------------

func TestMustLoad_PanicsOnInvalid(t *testing.T) {
	path := writeConfigFile(t, "cache:\n  capacity: -5\n")
	assert.Panics(t, func() { MustLoad(path) })
}
