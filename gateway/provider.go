package gateway

import "context"

// Provider LLM 传输层接口
// 网关把"真正打出去的调用"视为不透明操作：传输层负责把原始
// HTTP/SDK 错误尽量归类为 [Status]，无法归类时返回 error，
// 网关会将其记作网络错误并计入熔断器
type Provider interface {
	// Call 执行一次 LLM 调用，超时由 req.TimeoutSeconds 控制
	Call(ctx context.Context, req *LLMRequest) (*LLMResponse, error)

	// Name 返回 Provider 标识（用于限流键、熔断器键与日志）
	Name() string
}

// ProviderFunc 将函数适配为 Provider（主要用于测试与组合）
type ProviderFunc struct {
	CallFn  func(ctx context.Context, req *LLMRequest) (*LLMResponse, error)
	NameStr string
}

func (p *ProviderFunc) Call(ctx context.Context, req *LLMRequest) (*LLMResponse, error) {
	return p.CallFn(ctx, req)
}

func (p *ProviderFunc) Name() string { return p.NameStr }
