package gateway

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RequestType 表示叙事生成请求的类型
type RequestType string

const (
	RequestTypeScene           RequestType = "scene"            // 场景描写
	RequestTypeDialogue        RequestType = "dialogue"         // 角色对话
	RequestTypeItemDescription RequestType = "item_description" // 物品描述
	RequestTypeWorldRule       RequestType = "world_rule"       // 世界规则
	RequestTypeFactionBrief    RequestType = "faction_brief"    // 阵营简介
	RequestTypeSummary         RequestType = "summary"          // 剧情摘要
)

// IsValid 检查请求类型是否为已知类型
func (t RequestType) IsValid() bool {
	switch t {
	case RequestTypeScene, RequestTypeDialogue, RequestTypeItemDescription,
		RequestTypeWorldRule, RequestTypeFactionBrief, RequestTypeSummary:
		return true
	}
	return false
}

// ModelSpec 模型定义：承载定价与上下文窗口信息
// 价格单位为 USD per 1K tokens（与主流服务商报价口径一致）
type ModelSpec struct {
	Name          string  `json:"name" yaml:"name"`
	Provider      string  `json:"provider" yaml:"provider"`
	PriceInput    float64 `json:"price_input" yaml:"price_input"`
	PriceOutput   float64 `json:"price_output" yaml:"price_output"`
	ContextWindow int     `json:"context_window" yaml:"context_window"`
}

// Validate 校验模型定义
func (m *ModelSpec) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("model name is required")
	}
	if m.Provider == "" {
		return fmt.Errorf("model provider is required")
	}
	if m.PriceInput < 0 || m.PriceOutput < 0 {
		return fmt.Errorf("model price must be non-negative")
	}
	if m.ContextWindow <= 0 {
		return fmt.Errorf("context window must be positive")
	}
	return nil
}

// GenerationParams 生成参数
type GenerationParams struct {
	Temperature   float64  `json:"temperature" yaml:"temperature"`
	TopP          float64  `json:"top_p" yaml:"top_p"`
	MaxTokens     int      `json:"max_tokens" yaml:"max_tokens"`
	StopSequences []string `json:"stop_sequences,omitempty" yaml:"stop_sequences,omitempty"`
}

// DefaultGenerationParams 返回适合叙事生成的默认参数
func DefaultGenerationParams() GenerationParams {
	return GenerationParams{
		Temperature: 0.8,
		TopP:        0.95,
		MaxTokens:   1024,
	}
}

// Validate 校验生成参数范围
// Temperature ∈ [0, 2]，TopP ∈ (0, 1]，MaxTokens > 0，停止序列去重且最多 4 个
func (p *GenerationParams) Validate() error {
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("temperature must be in [0, 2], got %g", p.Temperature)
	}
	if p.TopP <= 0 || p.TopP > 1 {
		return fmt.Errorf("top_p must be in (0, 1], got %g", p.TopP)
	}
	if p.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", p.MaxTokens)
	}
	if len(p.StopSequences) > 4 {
		return fmt.Errorf("at most 4 stop sequences allowed, got %d", len(p.StopSequences))
	}
	seen := make(map[string]struct{}, len(p.StopSequences))
	for _, s := range p.StopSequences {
		if s == "" {
			return fmt.Errorf("stop sequences must be non-empty")
		}
		if _, dup := seen[s]; dup {
			return fmt.Errorf("duplicate stop sequence: %q", s)
		}
		seen[s] = struct{}{}
	}
	return nil
}

// LLMRequest 描述一次出站 LLM 调用
// 构造后不可变：调用方与网关内部都不得修改其字段
type LLMRequest struct {
	ID             string            `json:"id"`
	Type           RequestType       `json:"type"`
	Model          ModelSpec         `json:"model"`
	Prompt         string            `json:"prompt"`
	SystemPrompt   string            `json:"system_prompt,omitempty"`
	Params         GenerationParams  `json:"params"`
	ClientID       string            `json:"client_id,omitempty"`
	BudgetID       string            `json:"budget_id,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// RequestOption 配置可选的请求字段
type RequestOption func(*LLMRequest)

// WithSystemPrompt 设置系统提示词
func WithSystemPrompt(prompt string) RequestOption {
	return func(r *LLMRequest) { r.SystemPrompt = prompt }
}

// WithClientID 设置调用方标识（用于 per-client 限流）
func WithClientID(clientID string) RequestOption {
	return func(r *LLMRequest) { r.ClientID = clientID }
}

// WithBudgetID 绑定预算
func WithBudgetID(budgetID string) RequestOption {
	return func(r *LLMRequest) { r.BudgetID = budgetID }
}

// WithTimeout 设置单次调用超时（秒），由 Provider 传输层执行
func WithTimeout(seconds int) RequestOption {
	return func(r *LLMRequest) { r.TimeoutSeconds = seconds }
}

// WithMetadata 附加自由元数据（不参与缓存指纹）
func WithMetadata(md map[string]string) RequestOption {
	return func(r *LLMRequest) { r.Metadata = md }
}

// NewRequest 创建并校验一个不可变请求
func NewRequest(typ RequestType, model ModelSpec, prompt string, params GenerationParams, opts ...RequestOption) (*LLMRequest, error) {
	if !typ.IsValid() {
		return nil, fmt.Errorf("unknown request type: %q", typ)
	}
	if prompt == "" {
		return nil, fmt.Errorf("prompt must be non-empty")
	}
	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model: %w", err)
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid generation params: %w", err)
	}

	req := &LLMRequest{
		ID:        uuid.NewString(),
		Type:      typ,
		Model:     model,
		Prompt:    prompt,
		Params:    params,
		CreatedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(req)
	}
	if req.TimeoutSeconds < 0 {
		return nil, fmt.Errorf("timeout must be non-negative, got %d", req.TimeoutSeconds)
	}
	return req, nil
}
