package cost

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// costTolerance 浮点求和的舍入容差
const costTolerance = 1e-9

// Entry 单条成本记录，构造后不可变
type Entry struct {
	ID           string    `json:"id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	TotalTokens  int       `json:"total_tokens"`
	InputCost    float64   `json:"input_cost"`
	OutputCost   float64   `json:"output_cost"`
	TotalCost    float64   `json:"total_cost"`
	BudgetID     string    `json:"budget_id,omitempty"`
	ClientID     string    `json:"client_id,omitempty"`
	RequestType  string    `json:"request_type,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// EntryOption 配置可选的记录字段
type EntryOption func(*Entry)

// WithBudget 关联预算
func WithBudget(budgetID string) EntryOption {
	return func(e *Entry) { e.BudgetID = budgetID }
}

// WithClient 关联调用方
func WithClient(clientID string) EntryOption {
	return func(e *Entry) { e.ClientID = clientID }
}

// WithRequestType 记录请求类型（用于用量汇总的维度拆分）
func WithRequestType(t string) EntryOption {
	return func(e *Entry) { e.RequestType = t }
}

// NewEntry 创建成本记录并强制不变量：
// total tokens = input + output；total cost = input cost + output cost
func NewEntry(provider, model string, inputTokens, outputTokens int, inputCost, outputCost float64, opts ...EntryOption) (Entry, error) {
	if provider == "" || model == "" {
		return Entry{}, fmt.Errorf("provider and model are required")
	}
	if inputTokens < 0 || outputTokens < 0 {
		return Entry{}, fmt.Errorf("token counts must be non-negative")
	}
	if inputCost < 0 || outputCost < 0 {
		return Entry{}, fmt.Errorf("costs must be non-negative")
	}

	e := Entry{
		ID:           uuid.NewString(),
		Provider:     provider,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
		InputCost:    inputCost,
		OutputCost:   outputCost,
		TotalCost:    inputCost + outputCost,
		Timestamp:    time.Now(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e, nil
}

// TokenBudget 预算定义
type TokenBudget struct {
	ID         string  `json:"id" yaml:"id"`
	Name       string  `json:"name,omitempty" yaml:"name,omitempty"`
	TokenLimit int64   `json:"token_limit" yaml:"token_limit"` // 0 = 不设限
	CostLimit  float64 `json:"cost_limit" yaml:"cost_limit"`   // 0 = 不设限
	Priority   int     `json:"priority,omitempty" yaml:"priority,omitempty"`
	Rollover   bool    `json:"rollover,omitempty" yaml:"rollover,omitempty"`
}

// Validate 校验预算定义
func (b *TokenBudget) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("budget id is required")
	}
	if b.TokenLimit < 0 {
		return fmt.Errorf("token limit must be non-negative")
	}
	if b.CostLimit < 0 {
		return fmt.Errorf("cost limit must be non-negative")
	}
	return nil
}

// BudgetStatus 预算的即时快照：总是重新计算，从不持久化
type BudgetStatus struct {
	BudgetID        string    `json:"budget_id"`
	CurrentCost     float64   `json:"current_cost"`
	CurrentTokens   int64     `json:"current_tokens"`
	ProjectedCost   float64   `json:"projected_cost"` // 当前消耗 + 待评估操作的预估成本
	RemainingCost   float64   `json:"remaining_cost"`
	RemainingTokens int64     `json:"remaining_tokens"`
	Utilization     float64   `json:"utilization"` // 百分比
	IsExceeded      bool      `json:"is_exceeded"`
	IsAtRisk        bool      `json:"is_at_risk"`
	WindowStart     time.Time `json:"window_start"`
	ComputedAt      time.Time `json:"computed_at"`
}

// Filter 用量汇总的过滤条件，零值字段不参与过滤
type Filter struct {
	Provider string
	Model    string
	BudgetID string
	ClientID string
}

// Summary 用量汇总
type Summary struct {
	TotalCost    float64            `json:"total_cost"`
	InputTokens  int                `json:"input_tokens"`
	OutputTokens int                `json:"output_tokens"`
	TotalTokens  int                `json:"total_tokens"`
	RequestCount int                `json:"request_count"`
	AvgCost      float64            `json:"avg_cost"`
	ByModel      map[string]float64 `json:"by_model"` // provider:model -> cost
}

// Confidence 预测置信度
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Trend 成本走势
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
	TrendUnknown    Trend = "unknown" // 数据不足（少于 2 条记录）
)

// Projection 费用预测：简单线性外推，不做时间序列建模
type Projection struct {
	BudgetID      string     `json:"budget_id"`
	DaysAhead     int        `json:"days_ahead"`
	ProjectedCost float64    `json:"projected_cost"`
	DailyAverage  float64    `json:"daily_average"`
	Confidence    Confidence `json:"confidence"`
	Trend         Trend      `json:"trend"`
}

// TrackerConfig 追踪器配置
type TrackerConfig struct {
	// RecentWindow 预算评估的记账窗口
	RecentWindow time.Duration
	// Retention 台账保留期，之外的记录可被清理
	Retention time.Duration
	// PruneEvery 每记录多少条触发一次机会性清理
	PruneEvery int
	// AtRiskThreshold 利用率告警阈值（百分比）
	AtRiskThreshold float64
}

// DefaultTrackerConfig 返回默认配置
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		RecentWindow:    30 * 24 * time.Hour,
		Retention:       90 * 24 * time.Hour,
		PruneEvery:      100,
		AtRiskThreshold: 80,
	}
}

// Validate 校验追踪器配置
func (c *TrackerConfig) Validate() error {
	if c.RecentWindow <= 0 {
		return fmt.Errorf("recent window must be positive")
	}
	if c.Retention < c.RecentWindow {
		return fmt.Errorf("retention must cover the recent window")
	}
	if c.PruneEvery <= 0 {
		return fmt.Errorf("prune interval must be positive")
	}
	if c.AtRiskThreshold <= 0 || c.AtRiskThreshold > 100 {
		return fmt.Errorf("at-risk threshold must be in (0, 100]")
	}
	return nil
}

// Tracker 成本追踪器
// 台账与预算索引的全部读改写都在单一互斥区内完成，
// 台账内部状态从不以引用形式暴露给调用方
type Tracker struct {
	mu      sync.Mutex
	entries []Entry // 按到达顺序
	budgets map[string]TokenBudget

	sincePrune int
	cfg        TrackerConfig
	logger     *zap.Logger
}

// NewTracker 创建成本追踪器
func NewTracker(cfg TrackerConfig, logger *zap.Logger) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tracker config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		budgets: make(map[string]TokenBudget),
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "cost_tracker")),
	}, nil
}

// RegisterBudget 登记预算，重复登记视为更新
func (t *Tracker) RegisterBudget(b TokenBudget) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("invalid budget: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.budgets[b.ID] = b
	return nil
}

// RecordCost 记录一条成本；每第 N 条触发一次保留期清理
func (t *Tracker) RecordCost(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = append(t.entries, e)
	t.sincePrune++
	if t.sincePrune >= t.cfg.PruneEvery {
		t.pruneLocked()
		t.sincePrune = 0
	}

	t.logger.Debug("cost recorded",
		zap.String("provider", e.Provider),
		zap.String("model", e.Model),
		zap.Int("tokens", e.TotalTokens),
		zap.Float64("cost", e.TotalCost))
}

// pruneLocked 清理保留期之外的记录，调用方必须持有锁
func (t *Tracker) pruneLocked() {
	cutoff := time.Now().Add(-t.cfg.Retention)
	kept := t.entries[:0]
	pruned := 0
	for _, e := range t.entries {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		} else {
			pruned++
		}
	}
	t.entries = kept
	if pruned > 0 {
		t.logger.Info("ledger pruned", zap.Int("pruned", pruned), zap.Int("remaining", len(t.entries)))
	}
}

// CheckBudget 评估一次预估成本为 estimatedCost 的操作是否被预算允许
// 必须在 Provider 调用之前评估并遵守其结果
// 未登记的预算不设限：允许并返回零值快照
func (t *Tracker) CheckBudget(budgetID string, estimatedCost float64) (bool, BudgetStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.budgets[budgetID]
	if !ok {
		t.logger.Warn("check against unregistered budget", zap.String("budget_id", budgetID))
		return true, BudgetStatus{BudgetID: budgetID, ComputedAt: time.Now()}
	}

	st := t.statusLocked(b)
	st.ProjectedCost = st.CurrentCost + estimatedCost

	allowed := true
	if b.CostLimit > 0 && st.CurrentCost+estimatedCost > b.CostLimit+costTolerance {
		allowed = false
	}
	// Token 上限越过之后不再放行,直到窗口滑出旧消耗
	if b.TokenLimit > 0 && st.CurrentTokens > b.TokenLimit {
		allowed = false
	}
	return allowed, st
}

// BudgetStatus 返回预算的即时快照
func (t *Tracker) BudgetStatus(budgetID string) (BudgetStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.budgets[budgetID]
	if !ok {
		return BudgetStatus{}, false
	}
	return t.statusLocked(b), true
}

// statusLocked 从最近窗口内的台账记录计算预算状态，调用方必须持有锁
func (t *Tracker) statusLocked(b TokenBudget) BudgetStatus {
	now := time.Now()
	windowStart := now.Add(-t.cfg.RecentWindow)

	var cost float64
	var tokens int64
	for _, e := range t.entries {
		if e.BudgetID != b.ID || !e.Timestamp.After(windowStart) {
			continue
		}
		cost += e.TotalCost
		tokens += int64(e.TotalTokens)
	}

	st := BudgetStatus{
		BudgetID:      b.ID,
		CurrentCost:   cost,
		CurrentTokens: tokens,
		ProjectedCost: cost,
		WindowStart:   windowStart,
		ComputedAt:    now,
	}
	if b.CostLimit > 0 {
		st.RemainingCost = math.Max(0, b.CostLimit-cost)
		st.Utilization = cost / b.CostLimit * 100
		st.IsExceeded = cost > b.CostLimit+costTolerance
		st.IsAtRisk = st.Utilization > t.cfg.AtRiskThreshold
	}
	// Token 上限独立于费用上限参与超限判定
	if b.TokenLimit > 0 {
		if tokens > b.TokenLimit {
			st.RemainingTokens = 0
			st.IsExceeded = true
		} else {
			st.RemainingTokens = b.TokenLimit - tokens
		}
	}
	return st
}

// UsageSummary 汇总 [start, end) 区间内满足过滤条件的用量
func (t *Tracker) UsageSummary(start, end time.Time, f Filter) Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{ByModel: make(map[string]float64)}
	for _, e := range t.entries {
		if e.Timestamp.Before(start) || !e.Timestamp.Before(end) {
			continue
		}
		if f.Provider != "" && e.Provider != f.Provider {
			continue
		}
		if f.Model != "" && e.Model != f.Model {
			continue
		}
		if f.BudgetID != "" && e.BudgetID != f.BudgetID {
			continue
		}
		if f.ClientID != "" && e.ClientID != f.ClientID {
			continue
		}
		s.TotalCost += e.TotalCost
		s.InputTokens += e.InputTokens
		s.OutputTokens += e.OutputTokens
		s.TotalTokens += e.TotalTokens
		s.RequestCount++
		s.ByModel[e.Provider+":"+e.Model] += e.TotalCost
	}
	if s.RequestCount > 0 {
		s.AvgCost = s.TotalCost / float64(s.RequestCount)
	}
	return s
}

// CostProjection 对预算做 daysAhead 天的线性外推
func (t *Tracker) CostProjection(budgetID string, daysAhead int) (Projection, error) {
	if daysAhead <= 0 {
		return Projection{}, fmt.Errorf("days ahead must be positive, got %d", daysAhead)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	windowStart := time.Now().Add(-t.cfg.RecentWindow)

	// 按到达顺序收集窗口内该预算的记录
	var recent []Entry
	for _, e := range t.entries {
		if e.BudgetID == budgetID && e.Timestamp.After(windowStart) {
			recent = append(recent, e)
		}
	}

	p := Projection{BudgetID: budgetID, DaysAhead: daysAhead, Trend: TrendUnknown, Confidence: ConfidenceLow}
	if len(recent) == 0 {
		return p, nil
	}

	// 日均成本 = 窗口内总成本 ÷ 有记录的日历天数
	var total float64
	days := make(map[string]struct{})
	for _, e := range recent {
		total += e.TotalCost
		days[e.Timestamp.Format("2006-01-02")] = struct{}{}
	}
	p.DailyAverage = total / float64(len(days))
	p.ProjectedCost = p.DailyAverage * float64(daysAhead)

	switch {
	case len(days) > 20:
		p.Confidence = ConfidenceHigh
	case len(days) > 10:
		p.Confidence = ConfidenceMedium
	}

	// 走势：前半段 vs 后半段均值，±10% 之外才认为有方向
	if len(recent) >= 2 {
		half := len(recent) / 2
		firstMean := meanCost(recent[:half])
		secondMean := meanCost(recent[half:])
		switch {
		case firstMean == 0:
			if secondMean > 0 {
				p.Trend = TrendIncreasing
			} else {
				p.Trend = TrendStable
			}
		case secondMean > firstMean*1.10:
			p.Trend = TrendIncreasing
		case secondMean < firstMean*0.90:
			p.Trend = TrendDecreasing
		default:
			p.Trend = TrendStable
		}
	}
	return p, nil
}

func meanCost(entries []Entry) float64 {
	if len(entries) == 0 {
		return 0
	}
	var sum float64
	for _, e := range entries {
		sum += e.TotalCost
	}
	return sum / float64(len(entries))
}

// LedgerSize 返回当前台账条目数（用于观测）
func (t *Tracker) LedgerSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
