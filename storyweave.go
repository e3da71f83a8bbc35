// Package storyweave provides a resilient gateway for LLM calls made by the
// StoryWeave narrative generation platform.
//
// Usage:
//
//	import "github.com/BaSui01/storyweave"
//
//	gw, err := storyweave.New(nil,
//	    storyweave.WithProvider("openai", myOpenAIProvider),
//	)
//	resp, err := gw.Generate(ctx, req)
//
// Every call flows through the same pipeline: response cache, rate limiter,
// budget check, then the provider call wrapped in retry with a per-provider
// circuit breaker. Rejections are returned as classified responses, not
// errors; an error return means the call could not be carried out at all.
package storyweave

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/storyweave/config"
	"github.com/BaSui01/storyweave/gateway"
	"github.com/BaSui01/storyweave/gateway/cache"
	"github.com/BaSui01/storyweave/gateway/cost"
	"github.com/BaSui01/storyweave/gateway/ratelimit"
	"github.com/BaSui01/storyweave/gateway/retry"
	"github.com/BaSui01/storyweave/gateway/tokenizer"
	"github.com/BaSui01/storyweave/internal/metrics"
)

// Gateway 弹性网关:缓存、限流、预算与重试/熔断的编排层
type Gateway struct {
	mu        sync.RWMutex
	providers map[string]gateway.Provider
	fallbacks map[string]string // provider -> fallback provider
	counters  map[string]tokenizer.Counter

	cache    *cache.ResponseCache
	tracker  *cost.Tracker
	calc     *cost.Calculator
	limiter  *ratelimit.Limiter
	executor *retry.Executor
	metrics  *metrics.Collector // nil 表示禁用
	sf       singleflight.Group

	cfg    *config.Config
	logger *zap.Logger
}

// Option 配置 Gateway 的可选依赖
type Option func(*options)

type options struct {
	logger   *zap.Logger
	rdb      *redis.Client
	registry prometheus.Registerer
	provs    map[string]gateway.Provider
}

// WithLogger 注入自定义 zap logger,不注入时按 Log 配置构建
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRedisClient 注入已建立的 Redis 客户端作为缓存 L2
func WithRedisClient(rdb *redis.Client) Option {
	return func(o *options) { o.rdb = rdb }
}

// WithMetricsRegistry 注入自定义 Prometheus 注册表
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// WithProvider 注册一个命名 Provider
func WithProvider(name string, p gateway.Provider) Option {
	return func(o *options) {
		if o.provs == nil {
			o.provs = make(map[string]gateway.Provider)
		}
		o.provs[name] = p
	}
}

// New 按配置装配网关;cfg 为 nil 时使用默认配置
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = buildLogger(cfg.Log)
	}

	// Redis L2:注入的客户端优先,否则按配置建连
	rdb := o.rdb
	if rdb == nil && cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
	}

	respCache := cache.New(cache.Config{
		Capacity:   cfg.Cache.Capacity,
		DefaultTTL: cfg.Cache.DefaultTTL,
		RedisTTL:   cfg.Cache.RedisTTL,
	}, rdb, logger)

	tracker, err := cost.NewTracker(cost.TrackerConfig{
		RecentWindow:    cfg.Cost.RecentWindow,
		Retention:       cfg.Cost.Retention,
		PruneEvery:      cost.DefaultTrackerConfig().PruneEvery,
		AtRiskThreshold: cfg.Cost.AtRiskThreshold,
	}, logger)
	if err != nil {
		return nil, err
	}
	for _, b := range cfg.Budgets {
		if err := tracker.RegisterBudget(cost.TokenBudget{
			ID:         b.ID,
			Name:       b.Name,
			TokenLimit: b.TokenLimit,
			CostLimit:  b.CostLimit,
			Priority:   b.Priority,
			Rollover:   b.Rollover,
		}); err != nil {
			return nil, err
		}
	}

	limiter, err := ratelimit.New(toRateLimitConfig(cfg.RateLimit), logger)
	if err != nil {
		return nil, err
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, o.registry, logger)
	}

	retryCfg := toRetryConfig(cfg.Retry)
	retryCfg.Breaker.OnStateChange = func(provider string, from, to retry.State) {
		logger.Info("circuit breaker state change",
			zap.String("provider", provider),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		if collector != nil {
			collector.SetBreakerState(provider, int(to))
		}
	}
	executor, err := retry.NewExecutor(retryCfg, logger)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		providers: make(map[string]gateway.Provider),
		fallbacks: make(map[string]string),
		counters:  make(map[string]tokenizer.Counter),
		cache:     respCache,
		tracker:   tracker,
		calc:      cost.NewCalculator(),
		limiter:   limiter,
		executor:  executor,
		metrics:   collector,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "gateway")),
	}

	// Provider 级覆盖
	for name, pc := range cfg.Providers {
		if pc.RateLimit != nil {
			if err := limiter.UpdateLimits(name, toRateLimitConfig(*pc.RateLimit)); err != nil {
				return nil, err
			}
		}
		if pc.Retry != nil {
			rc := toRetryConfig(*pc.Retry)
			rc.Breaker.OnStateChange = retryCfg.Breaker.OnStateChange
			if err := executor.SetProviderConfig(name, rc); err != nil {
				return nil, err
			}
		}
		if pc.FallbackProvider != "" {
			g.fallbacks[name] = pc.FallbackProvider
		}
	}

	for name, p := range o.provs {
		g.providers[name] = p
	}

	return g, nil
}

// RegisterProvider 注册或替换一个命名 Provider
func (g *Gateway) RegisterProvider(name string, p gateway.Provider) error {
	if name == "" || p == nil {
		return fmt.Errorf("provider name and implementation are required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.providers[name] = p
	return nil
}

// provider 查找命名 Provider
func (g *Gateway) provider(name string) (gateway.Provider, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.providers[name]
	return p, ok
}

// counterFor 返回模型对应的 Token 计数器,按模型缓存以复用惰性初始化的编码
func (g *Gateway) counterFor(model string) tokenizer.Counter {
	g.mu.RLock()
	c, ok := g.counters[model]
	g.mu.RUnlock()
	if ok {
		return c
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok = g.counters[model]; ok {
		return c
	}
	c = tokenizer.ForModel(model)
	g.counters[model] = c
	return c
}

// RegisterBudget 登记预算,重复登记视为更新
func (g *Gateway) RegisterBudget(b cost.TokenBudget) error {
	return g.tracker.RegisterBudget(b)
}

// SetModelPrice 设置模型价格(覆盖内置价格表)
func (g *Gateway) SetModelPrice(provider, model string, priceInput, priceOutput float64) {
	g.calc.SetPrice(provider, model, priceInput, priceOutput)
}

// CacheStats 返回响应缓存统计
func (g *Gateway) CacheStats() cache.Stats { return g.cache.Stats() }

// ClearCache 清空本地响应缓存,返回清除的条目数
func (g *Gateway) ClearCache() int { return g.cache.Clear() }

// BudgetStatus 返回预算的即时快照
func (g *Gateway) BudgetStatus(budgetID string) (cost.BudgetStatus, bool) {
	return g.tracker.BudgetStatus(budgetID)
}

// CostProjection 对预算做 daysAhead 天的线性外推
func (g *Gateway) CostProjection(budgetID string, daysAhead int) (cost.Projection, error) {
	return g.tracker.CostProjection(budgetID, daysAhead)
}

// UsageSummary 汇总 [start, end) 区间内满足过滤条件的用量
func (g *Gateway) UsageSummary(start, end time.Time, f cost.Filter) cost.Summary {
	return g.tracker.UsageSummary(start, end, f)
}

// RateLimitStats 返回 (provider, client) 的限流统计
func (g *Gateway) RateLimitStats(provider, client string) ratelimit.Stats {
	return g.limiter.Stats(provider, client)
}

// BreakerSnapshot 返回 Provider 熔断器的不可变快照
func (g *Gateway) BreakerSnapshot(provider string) (retry.Snapshot, bool) {
	return g.executor.BreakerSnapshot(provider)
}

// ResetBreaker 手动重置 Provider 的熔断器
func (g *Gateway) ResetBreaker(provider string) { g.executor.ResetBreaker(provider) }

// toRateLimitConfig 把配置层结构映射为限流器配置
func toRateLimitConfig(c config.RateLimitConfig) ratelimit.Config {
	return ratelimit.Config{
		RequestsPerMinute: c.RequestsPerMinute,
		TokensPerMinute:   c.TokensPerMinute,
		BurstRequests:     c.BurstRequests,
		BurstTokens:       c.BurstTokens,
		Window:            c.Window,
	}
}

// toRetryConfig 把配置层结构映射为重试配置
func toRetryConfig(c config.RetryConfig) retry.Config {
	return retry.Config{
		MaxAttempts:     c.MaxAttempts,
		ExponentialBase: c.ExponentialBase,
		MaxDelay:        c.MaxDelay,
		JitterFactor:    c.JitterFactor,
		Breaker: retry.BreakerConfig{
			FailureThreshold: c.Breaker.FailureThreshold,
			SuccessThreshold: c.Breaker.SuccessThreshold,
			OpenTimeout:      c.Breaker.OpenTimeout,
		},
	}
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

// buildLogger 按日志配置构建 zap logger,失败时回退到生产默认
func buildLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoding = "console"
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	var zapOpts []zap.Option
	if cfg.EnableCaller {
		zapOpts = append(zapOpts, zap.AddCaller())
	}
	zapOpts = append(zapOpts, zap.AddStacktrace(zapcore.ErrorLevel))

	logger, err := zapConfig.Build(zapOpts...)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
