package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config 单个 Provider 的限流配置
type Config struct {
	RequestsPerMinute int           `json:"requests_per_minute" yaml:"requests_per_minute"`
	TokensPerMinute   int           `json:"tokens_per_minute" yaml:"tokens_per_minute"`
	BurstRequests     int           `json:"burst_requests" yaml:"burst_requests"`
	BurstTokens       int           `json:"burst_tokens" yaml:"burst_tokens"`
	Window            time.Duration `json:"window" yaml:"window"`
}

// DefaultConfig 返回默认限流配置
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		TokensPerMinute:   90000,
		BurstRequests:     10,
		BurstTokens:       10000,
		Window:            time.Minute,
	}
}

// Validate 校验限流配置，构造期快速失败
func (c *Config) Validate() error {
	if c.RequestsPerMinute <= 0 {
		return fmt.Errorf("requests_per_minute must be positive, got %d", c.RequestsPerMinute)
	}
	if c.TokensPerMinute <= 0 {
		return fmt.Errorf("tokens_per_minute must be positive, got %d", c.TokensPerMinute)
	}
	if c.BurstRequests < 0 || c.BurstTokens < 0 {
		return fmt.Errorf("burst allowances must be non-negative")
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", c.Window)
	}
	return nil
}

// Result 一次限流判定，派生值、不存储
type Result struct {
	Allowed           bool          `json:"allowed"`
	RemainingRequests int           `json:"remaining_requests"`
	RemainingTokens   int           `json:"remaining_tokens"`
	RetryAfter        time.Duration `json:"retry_after,omitempty"`
	Reason            string        `json:"reason,omitempty"`
}

// Stats 某个键的限流统计
type Stats struct {
	CurrentRequests int    `json:"current_requests"`
	CurrentTokens   int    `json:"current_tokens"`
	AllowedTotal    uint64 `json:"allowed_total"`
	DeniedTotal     uint64 `json:"denied_total"`
}

// event 滑动日志中的一个计数事件
// settled 为 false 表示还是 Check 预留的预估值，等待 Record 结算
type event struct {
	at      time.Time
	tokens  int
	settled bool
}

// window 单个 (provider, client) 键的滑动日志
type window struct {
	mu      sync.Mutex
	events  []event
	allowed uint64
	denied  uint64
}

// Limiter 滑动窗口限流器
type Limiter struct {
	mu         sync.RWMutex
	configs    map[string]Config  // per provider
	windows    map[string]*window // per provider|client
	defaultCfg Config
	logger     *zap.Logger
}

// New 创建限流器，defaultCfg 用于未单独配置的 Provider
func New(defaultCfg Config, logger *zap.Logger) (*Limiter, error) {
	if err := defaultCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid default rate limit config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		configs:    make(map[string]Config),
		windows:    make(map[string]*window),
		defaultCfg: defaultCfg,
		logger:     logger.With(zap.String("component", "rate_limiter")),
	}, nil
}

// Limits 返回 Provider 的生效配置
func (l *Limiter) Limits(provider string) Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if cfg, ok := l.configs[provider]; ok {
		return cfg
	}
	return l.defaultCfg
}

// UpdateLimits 更新 Provider 的限流配置
func (l *Limiter) UpdateLimits(provider string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid rate limit config for %s: %w", provider, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configs[provider] = cfg
	l.logger.Info("rate limits updated",
		zap.String("provider", provider),
		zap.Int("rpm", cfg.RequestsPerMinute),
		zap.Int("tpm", cfg.TokensPerMinute))
	return nil
}

func key(provider, client string) string {
	if client == "" {
		return provider
	}
	return provider + "|" + client
}

// getWindow 取出或创建键对应的滑动日志
func (l *Limiter) getWindow(k string) *window {
	l.mu.RLock()
	w, ok := l.windows[k]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[k]; ok {
		return w
	}
	w = &window{}
	l.windows[k] = w
	return w
}

// Check 判定并预留：放行时请求槽位与预估 Token 立即计入窗口
// 检查与预留处于同一原子区，两个并发检查不会共享同一份剩余配额
func (l *Limiter) Check(provider string, estimatedTokens int, client string) Result {
	cfg := l.Limits(provider)
	w := l.getWindow(key(provider, client))

	now := time.Now()
	maxRequests := cfg.RequestsPerMinute + cfg.BurstRequests
	maxTokens := cfg.TokensPerMinute + cfg.BurstTokens

	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now, cfg.Window)

	curRequests := len(w.events)
	curTokens := 0
	for _, e := range w.events {
		curTokens += e.tokens
	}

	res := Result{
		RemainingRequests: maxRequests - curRequests,
		RemainingTokens:   maxTokens - curTokens,
	}

	switch {
	case curRequests+1 > maxRequests:
		res.Reason = "request limit exceeded"
	case curTokens+estimatedTokens > maxTokens:
		res.Reason = "token limit exceeded"
	default:
		res.Allowed = true
	}

	if !res.Allowed {
		if len(w.events) > 0 {
			res.RetryAfter = w.events[0].at.Add(cfg.Window).Sub(now)
			if res.RetryAfter < 0 {
				res.RetryAfter = 0
			}
		}
		w.denied++
		l.logger.Debug("rate limit denied",
			zap.String("provider", provider),
			zap.String("client", client),
			zap.String("reason", res.Reason),
			zap.Duration("retry_after", res.RetryAfter))
		return res
	}

	// 预留
	w.events = append(w.events, event{at: now, tokens: estimatedTokens})
	w.allowed++
	res.RemainingRequests--
	res.RemainingTokens -= estimatedTokens
	return res
}

// Record 调用完成后以实际 Token 用量结算最早的未结算预留
// 找不到未结算预留时（预留已滑出窗口）直接追加事件，保证窗口仍然准确
func (l *Limiter) Record(provider string, actualTokens int, client string) {
	cfg := l.Limits(provider)
	w := l.getWindow(key(provider, client))
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now, cfg.Window)

	for i := range w.events {
		if !w.events[i].settled {
			w.events[i].tokens = actualTokens
			w.events[i].settled = true
			return
		}
	}
	w.events = append(w.events, event{at: now, tokens: actualTokens, settled: true})
}

// Stats 返回某个键的统计
func (l *Limiter) Stats(provider, client string) Stats {
	cfg := l.Limits(provider)
	w := l.getWindow(key(provider, client))
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now, cfg.Window)

	tokens := 0
	for _, e := range w.events {
		tokens += e.tokens
	}
	return Stats{
		CurrentRequests: len(w.events),
		CurrentTokens:   tokens,
		AllowedTotal:    w.allowed,
		DeniedTotal:     w.denied,
	}
}

// prune 移除已离开窗口的事件，调用方必须持有 w.mu
func (w *window) prune(now time.Time, windowLen time.Duration) {
	cutoff := now.Add(-windowLen)
	idx := 0
	for idx < len(w.events) && !w.events[idx].at.After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.events = append(w.events[:0], w.events[idx:]...)
	}
}
