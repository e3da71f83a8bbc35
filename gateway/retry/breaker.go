package retry

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// FailureThreshold 连续失败次数阈值（CLOSED -> OPEN）
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`

	// SuccessThreshold 半开状态下恢复所需的连续成功次数（HALF_OPEN -> CLOSED）
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`

	// OpenTimeout 熔断后允许探测前的等待时间（OPEN -> HALF_OPEN）
	OpenTimeout time.Duration `json:"open_timeout" yaml:"open_timeout"`

	// OnStateChange 状态变更回调
	OnStateChange func(provider string, from, to State) `json:"-" yaml:"-"`
}

// DefaultBreakerConfig 返回默认配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      60 * time.Second,
	}
}

// Validate 校验熔断器配置
func (c *BreakerConfig) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure threshold must be positive, got %d", c.FailureThreshold)
	}
	if c.SuccessThreshold <= 0 {
		return fmt.Errorf("success threshold must be positive, got %d", c.SuccessThreshold)
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("open timeout must be positive, got %s", c.OpenTimeout)
	}
	return nil
}

// Snapshot 熔断器的不可变快照，供外部观测使用
type Snapshot struct {
	Provider     string    `json:"provider"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	SuccessCount int       `json:"success_count"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	LastSuccess  time.Time `json:"last_success,omitempty"`
}

// Breaker 单个 Provider 的熔断器
// 每次 check-then-update 都在自身互斥区内完成，转换可线性化
type Breaker struct {
	mu sync.Mutex

	provider      string
	cfg           BreakerConfig
	state         State
	failureCount  int
	successCount  int
	halfOpenCalls int
	lastFailure   time.Time
	lastSuccess   time.Time
	logger        *zap.Logger
}

// newBreaker 创建熔断器，配置由 Executor 在构造期校验
func newBreaker(provider string, cfg BreakerConfig, logger *zap.Logger) *Breaker {
	return &Breaker{
		provider: provider,
		cfg:      cfg,
		state:    StateClosed,
		logger:   logger.With(zap.String("provider", provider)),
	}
}

// Allow 放行检查；OPEN 状态下到达探测时刻时先转入 HALF_OPEN 再放行
// 探测转换是调用方驱动的前置检查，不是被动定时器
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.lastFailure) >= b.cfg.OpenTimeout {
			b.setState(StateHalfOpen)
			b.halfOpenCalls = 1
			b.logger.Info("熔断器进入半开状态")
			return true
		}
		return false

	case StateHalfOpen:
		// 半开状态只放行受控数量的探测
		if b.halfOpenCalls >= b.cfg.SuccessThreshold {
			return false
		}
		b.halfOpenCalls++
		return true

	default:
		return false
	}
}

// RecordSuccess 记录一次成功
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSuccess = time.Now()

	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.logger.Info("熔断器恢复正常",
				zap.Int("success_count", b.successCount))
			b.setState(StateClosed)
			b.failureCount = 0
			b.successCount = 0
			b.halfOpenCalls = 0
		}

	case StateOpen:
		// 打开状态不应该有调用
		b.logger.Warn("熔断器打开状态收到成功响应")
	}
}

// RecordFailure 记录一次失败
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.logger.Warn("熔断器打开",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.cfg.FailureThreshold))
			b.setState(StateOpen)
		}

	case StateHalfOpen:
		// 半开状态下任何失败立即重新打开
		b.logger.Warn("熔断器半开状态失败，重新打开")
		b.setState(StateOpen)
		b.successCount = 0
		b.halfOpenCalls = 0
	}
}

// setState 设置状态并触发回调，调用方必须持有锁
func (b *Breaker) setState(newState State) {
	oldState := b.state
	b.state = newState

	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(b.provider, oldState, newState)
	}
}

// State 返回当前状态
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot 返回不可变快照
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Provider:     b.provider,
		State:        b.state.String(),
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
		LastFailure:  b.lastFailure,
		LastSuccess:  b.lastSuccess,
	}
}

// Reset 重置熔断器（手动恢复）
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenCalls = 0

	b.logger.Info("熔断器已重置", zap.String("from_state", oldState.String()))

	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(b.provider, oldState, StateClosed)
	}
}
