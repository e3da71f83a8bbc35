package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/storyweave/gateway"
)

// Config 重试配置
type Config struct {
	// MaxAttempts 全局最大尝试次数（含首次）
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// ExponentialBase 延迟倍增因子
	ExponentialBase float64 `json:"exponential_base" yaml:"exponential_base"`

	// MaxDelay 单次退避延迟上限
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`

	// JitterFactor 抖动系数 ∈ [0, 1)，防止雪崩
	JitterFactor float64 `json:"jitter_factor" yaml:"jitter_factor"`

	// Policies 原因级策略，未给出的原因沿用 DefaultPolicies
	Policies map[Reason]Policy `json:"-" yaml:"-"`

	// Breaker 熔断器配置
	Breaker BreakerConfig `json:"breaker" yaml:"breaker"`
}

// DefaultConfig 返回默认重试配置
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		ExponentialBase: 2.0,
		MaxDelay:        30 * time.Second,
		JitterFactor:    0.25,
		Breaker:         DefaultBreakerConfig(),
	}
}

// Validate 校验重试配置，构造期快速失败
func (c *Config) Validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.ExponentialBase < 1 {
		return fmt.Errorf("exponential base must be >= 1, got %g", c.ExponentialBase)
	}
	if c.MaxDelay <= 0 {
		return fmt.Errorf("max delay must be positive, got %s", c.MaxDelay)
	}
	if c.JitterFactor < 0 || c.JitterFactor >= 1 {
		return fmt.Errorf("jitter factor must be in [0, 1), got %g", c.JitterFactor)
	}
	return c.Breaker.Validate()
}

// policy 返回原因对应的生效策略
func (c *Config) policy(r Reason) Policy {
	if p, ok := c.Policies[r]; ok {
		return p
	}
	return DefaultPolicies()[r]
}

// Attempt 单次尝试的不可变记录
type Attempt struct {
	Number  int           `json:"number"`
	At      time.Time     `json:"at"`
	Reason  Reason        `json:"reason,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"` // 本次尝试之后使用的退避延迟
	Success bool          `json:"success"`
}

// Result 一次逻辑调用的完整重试结果
type Result struct {
	Attempts      []Attempt             `json:"attempts"`
	Success       bool                  `json:"success"`
	Response      *gateway.LLMResponse  `json:"response,omitempty"`
	Err           error                 `json:"-"` // 传输层终止错误
	CircuitOpened bool                  `json:"circuit_opened"`
	FallbackUsed  bool                  `json:"fallback_used"`
	FinalReason   Reason                `json:"final_reason,omitempty"`
	Provider      string                `json:"provider"`
}

// Operation 不透明的 Provider 调用操作
type Operation func(ctx context.Context) (*gateway.LLMResponse, error)

// Executor 重试执行器：熔断器映射的唯一所有者
type Executor struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	configs  map[string]Config

	defaultCfg Config
	logger     *zap.Logger
}

// NewExecutor 创建重试执行器
func NewExecutor(defaultCfg Config, logger *zap.Logger) (*Executor, error) {
	if err := defaultCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		breakers:   make(map[string]*Breaker),
		configs:    make(map[string]Config),
		defaultCfg: defaultCfg,
		logger:     logger.With(zap.String("component", "retry_executor")),
	}, nil
}

// SetProviderConfig 设置 Provider 级重试配置覆盖
// 已存在的熔断器保持原配置，新配置对后续创建的熔断器生效
func (e *Executor) SetProviderConfig(provider string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid retry config for %s: %w", provider, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs[provider] = cfg
	return nil
}

// configFor 返回 Provider 的生效配置
func (e *Executor) configFor(provider string) Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg, ok := e.configs[provider]; ok {
		return cfg
	}
	return e.defaultCfg
}

// breaker 取出或创建 Provider 的熔断器
func (e *Executor) breaker(provider string) *Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	if b, ok := e.breakers[provider]; ok {
		return b
	}
	cfg := e.defaultCfg
	if c, ok := e.configs[provider]; ok {
		cfg = c
	}
	b := newBreaker(provider, cfg.Breaker, e.logger)
	e.breakers[provider] = b
	return b
}

// BreakerSnapshot 返回 Provider 熔断器的不可变快照
func (e *Executor) BreakerSnapshot(provider string) (Snapshot, bool) {
	e.mu.Lock()
	b, ok := e.breakers[provider]
	e.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return b.Snapshot(), true
}

// ResetBreaker 手动重置 Provider 的熔断器
func (e *Executor) ResetBreaker(provider string) {
	e.mu.Lock()
	b, ok := e.breakers[provider]
	e.mu.Unlock()
	if ok {
		b.Reset()
	}
}

// Do 对操作执行带熔断保护的重试循环
//
// 每次尝试前都先过熔断器；首次即被短路时返回零次尝试、
// CircuitOpened=true。分类失败按原因查可重试性与次数上限；
// 传输层错误记为网络错误并立即终止。中间的可重试失败不计入
// 熔断器，只有最终放弃的失败才记入 —— 成功则总是记入成功。
func (e *Executor) Do(ctx context.Context, provider string, op Operation) *Result {
	cfg := e.configFor(provider)
	br := e.breaker(provider)

	res := &Result{Provider: provider}

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if !br.Allow() {
			res.CircuitOpened = true
			e.logger.Debug("熔断器短路",
				zap.String("provider", provider),
				zap.Int("attempt", attempt))
			return res
		}

		resp, err := op(ctx)

		if err != nil {
			// 未分类的传输层错误：记网络错误，终止本次调用
			br.RecordFailure()
			res.Attempts = append(res.Attempts, Attempt{
				Number: attempt,
				At:     time.Now(),
				Reason: ReasonNetworkError,
			})
			res.Err = err
			res.FinalReason = ReasonNetworkError
			e.logger.Warn("provider call error",
				zap.String("provider", provider),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return res
		}

		if resp == nil {
			// 违反契约的 (nil, nil):按传输层错误处理而不是解引用
			br.RecordFailure()
			res.Attempts = append(res.Attempts, Attempt{
				Number: attempt,
				At:     time.Now(),
				Reason: ReasonNetworkError,
			})
			res.Err = fmt.Errorf("provider %s returned neither response nor error", provider)
			res.FinalReason = ReasonNetworkError
			e.logger.Warn("provider returned nil response",
				zap.String("provider", provider),
				zap.Int("attempt", attempt))
			return res
		}

		if resp.Status.IsSuccess() {
			br.RecordSuccess()
			res.Attempts = append(res.Attempts, Attempt{
				Number:  attempt,
				At:      time.Now(),
				Success: true,
			})
			res.Success = true
			res.Response = resp
			if attempt > 1 {
				e.logger.Info("重试成功",
					zap.String("provider", provider),
					zap.Int("attempt", attempt))
			}
			return res
		}

		reason := ClassifyResponse(resp)
		policy := cfg.policy(reason)

		maxForReason := cfg.MaxAttempts
		if policy.MaxAttempts > 0 && policy.MaxAttempts < maxForReason {
			maxForReason = policy.MaxAttempts
		}

		if !policy.Retryable || attempt >= maxForReason {
			br.RecordFailure()
			res.Attempts = append(res.Attempts, Attempt{
				Number: attempt,
				At:     time.Now(),
				Reason: reason,
			})
			res.Response = resp
			res.FinalReason = reason
			e.logger.Warn("放弃重试",
				zap.String("provider", provider),
				zap.String("reason", string(reason)),
				zap.Int("attempts", attempt))
			return res
		}

		delay := e.backoff(cfg, policy, attempt)
		res.Attempts = append(res.Attempts, Attempt{
			Number: attempt,
			At:     time.Now(),
			Reason: reason,
			Delay:  delay,
		})

		e.logger.Debug("重试中",
			zap.String("provider", provider),
			zap.Int("attempt", attempt),
			zap.String("reason", string(reason)),
			zap.Duration("delay", delay))

		// 等待退避延迟，同时监听 context 取消；
		// 取消只停止调度后续尝试，已记录的状态保持完整
		select {
		case <-ctx.Done():
			res.FinalReason = reason
			res.Err = ctx.Err()
			return res
		case <-time.After(delay):
		}
	}

	return res
}

// backoff 计算退避延迟：指数退避封顶后叠加正向抖动
func (e *Executor) backoff(cfg Config, policy Policy, attempt int) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	delay := float64(base) * math.Pow(cfg.ExponentialBase, float64(attempt-1))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	delay += delay * cfg.JitterFactor * rand.Float64()
	return time.Duration(delay)
}
