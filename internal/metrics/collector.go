package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 网关指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 调用指标
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensUsed      *prometheus.CounterVec
	costTotal       *prometheus.CounterVec

	// 缓存指标
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// 弹性指标
	retryAttempts    *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	rateLimitDenied  *prometheus.CounterVec
	budgetRejections *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器；reg 为 nil 时使用默认注册表
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.requestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM requests by provider and outcome status",
		},
		[]string{"provider", "status"},
	)

	c.requestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	c.tokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total tokens consumed by provider and direction",
		},
		[]string{"provider", "direction"},
	)

	c.costTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_cost_usd_total",
			Help:      "Accumulated LLM cost in USD",
		},
		[]string{"provider", "model"},
	)

	c.cacheHits = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_cache_hits_total",
			Help:      "Total response cache hits",
		},
	)

	c.cacheMisses = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_cache_misses_total",
			Help:      "Total response cache misses",
		},
	)

	c.retryAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Total retry attempts by provider and failure reason",
		},
		[]string{"provider", "reason"},
	)

	c.breakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per provider (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)

	c.rateLimitDenied = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_denied_total",
			Help:      "Total requests denied by the rate limiter",
		},
		[]string{"provider"},
	)

	c.budgetRejections = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_rejections_total",
			Help:      "Total requests rejected by budget evaluation",
		},
		[]string{"budget"},
	)

	return c
}

// RecordRequest 记录一次调用结果
func (c *Collector) RecordRequest(provider, status string, seconds float64) {
	c.requestsTotal.WithLabelValues(provider, status).Inc()
	c.requestDuration.WithLabelValues(provider).Observe(seconds)
}

// RecordTokens 记录 Token 消耗
func (c *Collector) RecordTokens(provider string, input, output int) {
	c.tokensUsed.WithLabelValues(provider, "input").Add(float64(input))
	c.tokensUsed.WithLabelValues(provider, "output").Add(float64(output))
}

// RecordCost 记录费用
func (c *Collector) RecordCost(provider, model string, usd float64) {
	c.costTotal.WithLabelValues(provider, model).Add(usd)
}

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit() { c.cacheHits.Inc() }

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss() { c.cacheMisses.Inc() }

// RecordRetry 记录一次重试
func (c *Collector) RecordRetry(provider, reason string) {
	c.retryAttempts.WithLabelValues(provider, reason).Inc()
}

// SetBreakerState 更新熔断器状态
func (c *Collector) SetBreakerState(provider string, state int) {
	c.breakerState.WithLabelValues(provider).Set(float64(state))
}

// RecordRateLimitDenied 记录一次限流拒绝
func (c *Collector) RecordRateLimitDenied(provider string) {
	c.rateLimitDenied.WithLabelValues(provider).Inc()
}

// RecordBudgetRejection 记录一次预算拒绝
func (c *Collector) RecordBudgetRejection(budget string) {
	c.budgetRejections.WithLabelValues(budget).Inc()
}
