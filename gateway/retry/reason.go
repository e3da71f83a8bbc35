package retry

import (
	"strings"
	"time"

	"github.com/BaSui01/storyweave/gateway"
)

// Reason 失败原因分类，驱动重试资格、次数上限与退避基准
type Reason string

const (
	ReasonRateLimited      Reason = "rate_limited"
	ReasonTimeout          Reason = "timeout"
	ReasonServerError      Reason = "server_error"
	ReasonModelUnavailable Reason = "model_unavailable"
	ReasonQuotaExceeded    Reason = "quota_exceeded"
	ReasonNetworkError     Reason = "network_error"
	ReasonAuthentication   Reason = "authentication_error"
	ReasonUnknown          Reason = "unknown"
)

// authMarkers 认证类失败在错误详情中的常见标记
var authMarkers = []string{
	"AUTHENTICATION", "UNAUTHORIZED", "FORBIDDEN",
	"INVALID API KEY", "INVALID_API_KEY",
}

// ClassifyResponse 将失败响应映射为重试原因
// FAILED 状态会嗅探错误详情以识别认证类失败（重试无法修复）
func ClassifyResponse(resp *gateway.LLMResponse) Reason {
	switch resp.Status {
	case gateway.StatusRateLimited:
		return ReasonRateLimited
	case gateway.StatusTimeout:
		return ReasonTimeout
	case gateway.StatusModelUnavailable:
		return ReasonModelUnavailable
	case gateway.StatusQuotaExceeded:
		return ReasonQuotaExceeded
	case gateway.StatusFailed:
		detail := strings.ToUpper(resp.ErrorDetail)
		for _, marker := range authMarkers {
			if strings.Contains(detail, marker) {
				return ReasonAuthentication
			}
		}
		return ReasonServerError
	case gateway.StatusInvalidRequest:
		return ReasonUnknown
	default:
		return ReasonUnknown
	}
}

// Policy 单个失败原因的重试策略
type Policy struct {
	// Retryable 该原因是否允许重试
	Retryable bool
	// MaxAttempts 原因级次数上限（0 表示沿用全局上限）
	MaxAttempts int
	// BaseDelay 退避基准延迟
	BaseDelay time.Duration
}

// DefaultPolicies 返回默认的原因级策略
// 限流失败等得比瞬时网络错误更久；认证与配额不重试
func DefaultPolicies() map[Reason]Policy {
	return map[Reason]Policy{
		ReasonRateLimited:      {Retryable: true, BaseDelay: 2 * time.Second},
		ReasonTimeout:          {Retryable: true, BaseDelay: 1 * time.Second},
		ReasonServerError:      {Retryable: true, BaseDelay: 1 * time.Second},
		ReasonModelUnavailable: {Retryable: true, BaseDelay: 5 * time.Second},
		ReasonNetworkError:     {Retryable: true, BaseDelay: 500 * time.Millisecond},
		ReasonQuotaExceeded:    {Retryable: false, MaxAttempts: 1},
		ReasonAuthentication:   {Retryable: false, MaxAttempts: 1},
		ReasonUnknown:          {Retryable: false, MaxAttempts: 1},
	}
}
