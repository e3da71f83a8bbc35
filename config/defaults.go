// =============================================================================
// 📦 StoryWeave 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Log:       DefaultLogConfig(),
		Redis:     DefaultRedisConfig(),
		Cache:     DefaultCacheConfig(),
		Cost:      DefaultCostConfig(),
		RateLimit: DefaultRateLimitConfig(),
		Retry:     DefaultRetryConfig(),
		Metrics:   DefaultMetricsConfig(),
		Providers: make(map[string]ProviderConfig),
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:  false,
		Addr:     "localhost:6379",
		DB:       0,
		PoolSize: 10,
	}
}

// DefaultCacheConfig 返回默认缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Capacity:   1000,
		DefaultTTL: time.Hour,
		RedisTTL:   24 * time.Hour,
	}
}

// DefaultCostConfig 返回默认成本追踪配置
func DefaultCostConfig() CostConfig {
	return CostConfig{
		RecentWindow:    30 * 24 * time.Hour,
		Retention:       90 * 24 * time.Hour,
		AtRiskThreshold: 80,
	}
}

// DefaultRateLimitConfig 返回默认限流配置
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 60,
		TokensPerMinute:   90000,
		BurstRequests:     10,
		BurstTokens:       10000,
		Window:            time.Minute,
	}
}

// DefaultRetryConfig 返回默认重试配置
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		ExponentialBase: 2.0,
		MaxDelay:        30 * time.Second,
		JitterFactor:    0.25,
		Breaker:         DefaultBreakerConfig(),
	}
}

// DefaultBreakerConfig 返回默认熔断器配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      60 * time.Second,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "storyweave",
	}
}
