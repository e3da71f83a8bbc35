package gateway

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status 表示一次 LLM 调用结果的分类
type Status string

const (
	StatusSuccess          Status = "success"           // 完整成功
	StatusPartial          Status = "partial"           // 部分成功（内容被截断等）
	StatusFailed           Status = "failed"            // 服务端失败
	StatusRateLimited      Status = "rate_limited"      // 被限流
	StatusQuotaExceeded    Status = "quota_exceeded"    // 配额/预算耗尽
	StatusModelUnavailable Status = "model_unavailable" // 模型不可用
	StatusInvalidRequest   Status = "invalid_request"   // 请求无效
	StatusTimeout          Status = "timeout"           // 调用超时
)

// IsSuccess 检查状态是否携带可用内容
// PARTIAL 视为成功：Provider 已经给出了响应，重试无法改善结果
func (s Status) IsSuccess() bool {
	return s == StatusSuccess || s == StatusPartial
}

// TokenUsage 记录一次调用的 Token 消耗
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// LLMResponse 描述一次 LLM 调用的结果
// 构造后不可变
type LLMResponse struct {
	ID            string        `json:"id"`
	RequestID     string        `json:"request_id"`
	Status        Status        `json:"status"`
	Content       string        `json:"content,omitempty"`
	Usage         TokenUsage    `json:"usage"`
	EstimatedCost float64       `json:"estimated_cost"`
	ErrorDetail   string        `json:"error_detail,omitempty"`
	RetryAfter    time.Duration `json:"retry_after,omitempty"` // 限流/熔断拒绝时的等待建议
	Provider      string        `json:"provider,omitempty"`
	Model         string        `json:"model,omitempty"`
	FallbackUsed  bool          `json:"fallback_used,omitempty"` // 由备用 Provider 提供服务
	CreatedAt     time.Time     `json:"created_at"`
}

// Validate 校验响应不变量：
// 成功必须携带内容；失败/无效必须携带错误详情；计数与成本非负
func (r *LLMResponse) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("response must carry originating request id")
	}
	if r.Status == StatusSuccess && r.Content == "" {
		return fmt.Errorf("successful response must carry content")
	}
	if (r.Status == StatusFailed || r.Status == StatusInvalidRequest) && r.ErrorDetail == "" {
		return fmt.Errorf("failed response must carry error detail")
	}
	if r.Usage.Prompt < 0 || r.Usage.Completion < 0 || r.Usage.Total < 0 {
		return fmt.Errorf("token usage must be non-negative")
	}
	if r.EstimatedCost < 0 {
		return fmt.Errorf("estimated cost must be non-negative")
	}
	return nil
}

// NewSuccessResponse 创建成功响应
func NewSuccessResponse(req *LLMRequest, content string, usage TokenUsage, cost float64) *LLMResponse {
	return &LLMResponse{
		ID:            uuid.NewString(),
		RequestID:     req.ID,
		Status:        StatusSuccess,
		Content:       content,
		Usage:         usage,
		EstimatedCost: cost,
		Provider:      req.Model.Provider,
		Model:         req.Model.Name,
		CreatedAt:     time.Now(),
	}
}

// NewFailureResponse 创建分类失败响应
func NewFailureResponse(req *LLMRequest, status Status, detail string) *LLMResponse {
	return &LLMResponse{
		ID:          uuid.NewString(),
		RequestID:   req.ID,
		Status:      status,
		ErrorDetail: detail,
		Provider:    req.Model.Provider,
		Model:       req.Model.Name,
		CreatedAt:   time.Now(),
	}
}
