// =============================================================================
// 📦 StoryWeave 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("gateway.yaml").
//	    WithEnvPrefix("STORYWEAVE").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 StoryWeave 网关的完整配置结构
type Config struct {
	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Redis 二级缓存配置（可选）
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Cache 响应缓存配置
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Cost 成本追踪配置
	Cost CostConfig `yaml:"cost" env:"COST"`

	// RateLimit 默认限流配置
	RateLimit RateLimitConfig `yaml:"rate_limit" env:"RATE_LIMIT"`

	// Retry 默认重试与熔断配置
	Retry RetryConfig `yaml:"retry" env:"RETRY"`

	// Metrics 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// Budgets 预算定义（环境变量不覆盖）
	Budgets []BudgetConfig `yaml:"budgets" env:"-"`

	// Providers Provider 级覆盖（环境变量不覆盖）
	Providers map[string]ProviderConfig `yaml:"providers" env:"-"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 是否启用二级缓存
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
}

// CacheConfig 响应缓存配置
type CacheConfig struct {
	// 最大条目数
	Capacity int `yaml:"capacity" env:"CAPACITY"`
	// 默认 TTL，0 表示永不过期
	DefaultTTL time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
	// Redis 层 TTL
	RedisTTL time.Duration `yaml:"redis_ttl" env:"REDIS_TTL"`
}

// CostConfig 成本追踪配置
type CostConfig struct {
	// 近期用量窗口
	RecentWindow time.Duration `yaml:"recent_window" env:"RECENT_WINDOW"`
	// 台账保留期限
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
	// 风险阈值（百分比）
	AtRiskThreshold float64 `yaml:"at_risk_threshold" env:"AT_RISK_THRESHOLD"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	// 每分钟请求数上限
	RequestsPerMinute int `yaml:"requests_per_minute" env:"REQUESTS_PER_MINUTE"`
	// 每分钟 Token 上限
	TokensPerMinute int `yaml:"tokens_per_minute" env:"TOKENS_PER_MINUTE"`
	// 突发请求额度
	BurstRequests int `yaml:"burst_requests" env:"BURST_REQUESTS"`
	// 突发 Token 额度
	BurstTokens int `yaml:"burst_tokens" env:"BURST_TOKENS"`
	// 滑动窗口长度
	Window time.Duration `yaml:"window" env:"WINDOW"`
}

// RetryConfig 重试配置
type RetryConfig struct {
	// 最大尝试次数（含首次）
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// 延迟倍增因子
	ExponentialBase float64 `yaml:"exponential_base" env:"EXPONENTIAL_BASE"`
	// 单次退避延迟上限
	MaxDelay time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	// 抖动系数
	JitterFactor float64 `yaml:"jitter_factor" env:"JITTER_FACTOR"`
	// 熔断器配置
	Breaker BreakerConfig `yaml:"breaker" env:"BREAKER"`
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// 连续失败阈值
	FailureThreshold int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	// 半开恢复所需连续成功数
	SuccessThreshold int `yaml:"success_threshold" env:"SUCCESS_THRESHOLD"`
	// 打开状态持续时间
	OpenTimeout time.Duration `yaml:"open_timeout" env:"OPEN_TIMEOUT"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Prometheus 命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// BudgetConfig 预算定义
type BudgetConfig struct {
	// 预算唯一标识
	ID string `yaml:"id"`
	// 显示名称
	Name string `yaml:"name"`
	// Token 上限，0 表示不限
	TokenLimit int64 `yaml:"token_limit"`
	// 费用上限（USD），0 表示不限
	CostLimit float64 `yaml:"cost_limit"`
	// 优先级
	Priority int `yaml:"priority"`
	// 未用额度是否滚动到下期
	Rollover bool `yaml:"rollover"`
}

// ProviderConfig Provider 级覆盖配置
type ProviderConfig struct {
	// RateLimit 限流覆盖，nil 沿用默认
	RateLimit *RateLimitConfig `yaml:"rate_limit"`
	// Retry 重试覆盖，nil 沿用默认
	Retry *RetryConfig `yaml:"retry"`
	// FallbackProvider 熔断时的备用 Provider
	FallbackProvider string `yaml:"fallback_provider"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "STORYWEAVE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 内建校验 + 自定义验证器
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Cache.Capacity <= 0 {
		errs = append(errs, "cache capacity must be positive")
	}
	if c.Cache.DefaultTTL < 0 {
		errs = append(errs, "cache default_ttl must not be negative")
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, "requests_per_minute must be positive")
	}
	if c.RateLimit.TokensPerMinute <= 0 {
		errs = append(errs, "tokens_per_minute must be positive")
	}
	if c.RateLimit.BurstRequests < 0 || c.RateLimit.BurstTokens < 0 {
		errs = append(errs, "burst limits must not be negative")
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, "max_attempts must be positive")
	}
	if c.Retry.ExponentialBase < 1 {
		errs = append(errs, "exponential_base must be >= 1")
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor >= 1 {
		errs = append(errs, "jitter_factor must be in [0, 1)")
	}
	if c.Retry.Breaker.FailureThreshold <= 0 {
		errs = append(errs, "breaker failure_threshold must be positive")
	}
	if c.Retry.Breaker.SuccessThreshold <= 0 {
		errs = append(errs, "breaker success_threshold must be positive")
	}
	if c.Retry.Breaker.OpenTimeout <= 0 {
		errs = append(errs, "breaker open_timeout must be positive")
	}
	if c.Cost.AtRiskThreshold <= 0 || c.Cost.AtRiskThreshold > 100 {
		errs = append(errs, "at_risk_threshold must be in (0, 100]")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis addr required when redis is enabled")
	}

	seen := make(map[string]bool, len(c.Budgets))
	for _, b := range c.Budgets {
		if b.ID == "" {
			errs = append(errs, "budget id must not be empty")
			continue
		}
		if seen[b.ID] {
			errs = append(errs, fmt.Sprintf("duplicate budget id: %s", b.ID))
		}
		seen[b.ID] = true
		if b.TokenLimit < 0 || b.CostLimit < 0 {
			errs = append(errs, fmt.Sprintf("budget %s: limits must not be negative", b.ID))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
