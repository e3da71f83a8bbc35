package storyweave

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/storyweave/gateway"
	"github.com/BaSui01/storyweave/gateway/cost"
	"github.com/BaSui01/storyweave/gateway/retry"
	"github.com/BaSui01/storyweave/gateway/tokenizer"
)

// Generate 执行一次受保护的生成调用
//
// 流水线顺序固定:缓存 → 限流 → 预算 → 重试/熔断 → 回写。
// 限流、预算与熔断拒绝以分类响应的形式返回(error 为 nil);
// error 非 nil 仅表示调用根本无法进行(参数错误或传输层失败)。
// 相同指纹且同一调用方的并发请求通过 singleflight 合并为一次
// Provider 调用。
func (g *Gateway) Generate(ctx context.Context, req *gateway.LLMRequest) (*gateway.LLMResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	providerName := req.Model.Provider
	prov, ok := g.provider(providerName)
	if !ok {
		return nil, fmt.Errorf("provider %q is not registered", providerName)
	}

	if req.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	if resp, ok := g.cache.Get(ctx, req); ok {
		if g.metrics != nil {
			g.metrics.RecordCacheHit()
		}
		g.logger.Debug("cache hit",
			zap.String("request_id", req.ID),
			zap.String("type", string(req.Type)))
		return resp, nil
	}
	if g.metrics != nil {
		g.metrics.RecordCacheMiss()
	}

	// 合并键包含调用方与预算:不同调用方的限流与记账互不串扰
	key := g.cache.Key(req) + "|" + req.ClientID + "|" + req.BudgetID
	v, err, shared := g.sf.Do(key, func() (interface{}, error) {
		return g.dispatch(ctx, providerName, prov, req)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		g.logger.Debug("request coalesced", zap.String("request_id", req.ID))
	}
	return v.(*gateway.LLMResponse), nil
}

// dispatch 执行缓存未命中后的完整流水线
func (g *Gateway) dispatch(ctx context.Context, providerName string, prov gateway.Provider, req *gateway.LLMRequest) (*gateway.LLMResponse, error) {
	promptTokens := g.estimatePromptTokens(req)
	estimatedTotal := promptTokens + req.Params.MaxTokens

	// 限流:判定与预留在同一原子区内完成
	rl := g.limiter.Check(providerName, estimatedTotal, req.ClientID)
	if !rl.Allowed {
		if g.metrics != nil {
			g.metrics.RecordRateLimitDenied(providerName)
		}
		resp := gateway.NewFailureResponse(req, gateway.StatusRateLimited, rl.Reason)
		resp.RetryAfter = rl.RetryAfter
		g.logger.Info("request rate limited",
			zap.String("provider", providerName),
			zap.String("client_id", req.ClientID),
			zap.Duration("retry_after", rl.RetryAfter))
		return resp, nil
	}

	// 预算:调用前评估,拒绝时结算掉已预留的 Token 额度
	if req.BudgetID != "" {
		inCost, outCost := g.costBreakdown(providerName, req.Model, promptTokens, req.Params.MaxTokens)
		allowed, st := g.tracker.CheckBudget(req.BudgetID, inCost+outCost)
		if !allowed {
			if g.metrics != nil {
				g.metrics.RecordBudgetRejection(req.BudgetID)
			}
			g.limiter.Record(providerName, 0, req.ClientID)
			detail := fmt.Sprintf("budget %s exhausted: current %.4f + estimated %.4f exceeds limit",
				req.BudgetID, st.CurrentCost, inCost+outCost)
			resp := gateway.NewFailureResponse(req, gateway.StatusQuotaExceeded, detail)
			g.logger.Warn("request rejected by budget",
				zap.String("budget_id", req.BudgetID),
				zap.Float64("current_cost", st.CurrentCost),
				zap.Float64("utilization", st.Utilization))
			return resp, nil
		}
	}

	start := time.Now()
	effProvider := providerName
	result := g.executor.Do(ctx, providerName, func(ctx context.Context) (*gateway.LLMResponse, error) {
		return prov.Call(ctx, req)
	})
	g.recordAttempts(effProvider, result)

	// 熔断短路时尝试备用 Provider
	if result.CircuitOpened {
		if fbName, ok := g.fallbacks[providerName]; ok {
			if fbProv, ok := g.provider(fbName); ok {
				g.logger.Info("falling back to secondary provider",
					zap.String("provider", providerName),
					zap.String("fallback", fbName))
				result = g.executor.Do(ctx, fbName, func(ctx context.Context) (*gateway.LLMResponse, error) {
					return fbProv.Call(ctx, req)
				})
				result.FallbackUsed = true
				effProvider = fbName
				g.recordAttempts(effProvider, result)
			}
		}
	}

	elapsed := time.Since(start)

	if result.CircuitOpened {
		g.limiter.Record(providerName, 0, req.ClientID)
		if g.metrics != nil {
			g.metrics.RecordRequest(effProvider, string(gateway.StatusModelUnavailable), elapsed.Seconds())
		}
		resp := gateway.NewFailureResponse(req, gateway.StatusModelUnavailable,
			fmt.Sprintf("circuit breaker open for provider %s", effProvider))
		resp.RetryAfter = g.breakerRetryAfter(effProvider)
		return resp, nil
	}

	if result.Err != nil {
		g.limiter.Record(providerName, 0, req.ClientID)
		if g.metrics != nil {
			g.metrics.RecordRequest(effProvider, string(retry.ReasonNetworkError), elapsed.Seconds())
		}
		return nil, fmt.Errorf("provider %s call failed: %w", effProvider, result.Err)
	}

	resp := result.Response

	// 备用线路服务的响应盖上来源戳,调用方能分辨答案出自谁手
	if result.FallbackUsed {
		resp.FallbackUsed = true
		resp.Provider = effProvider
	}

	// 以实际用量结算限流预留
	g.limiter.Record(providerName, resp.Usage.Total, req.ClientID)

	if g.metrics != nil {
		g.metrics.RecordRequest(effProvider, string(resp.Status), elapsed.Seconds())
	}

	if resp.Status.IsSuccess() {
		g.settleCost(effProvider, req, resp)

		// 部分成功不回写缓存:截断的内容不值得复用
		if resp.Status == gateway.StatusSuccess {
			g.cache.Put(ctx, req, resp, -1)
		}
	}

	return resp, nil
}

// settleCost 以实际用量记账
func (g *Gateway) settleCost(provider string, req *gateway.LLMRequest, resp *gateway.LLMResponse) {
	inCost, outCost := g.costBreakdown(provider, req.Model, resp.Usage.Prompt, resp.Usage.Completion)
	entry, err := cost.NewEntry(provider, req.Model.Name,
		resp.Usage.Prompt, resp.Usage.Completion, inCost, outCost,
		cost.WithBudget(req.BudgetID),
		cost.WithClient(req.ClientID),
		cost.WithRequestType(string(req.Type)))
	if err != nil {
		g.logger.Error("cost entry rejected", zap.Error(err))
		return
	}
	g.tracker.RecordCost(entry)

	if g.metrics != nil {
		g.metrics.RecordTokens(provider, resp.Usage.Prompt, resp.Usage.Completion)
		g.metrics.RecordCost(provider, req.Model.Name, entry.TotalCost)
	}
}

// recordAttempts 把重试尝试写入指标
func (g *Gateway) recordAttempts(provider string, result *retry.Result) {
	if g.metrics == nil {
		return
	}
	for _, a := range result.Attempts {
		if a.Reason != "" {
			g.metrics.RecordRetry(provider, string(a.Reason))
		}
	}
}

// estimatePromptTokens 估算请求侧 Token;精确计数失败时退回估计器
func (g *Gateway) estimatePromptTokens(req *gateway.LLMRequest) int {
	text := req.SystemPrompt + req.Prompt
	n, err := g.counterFor(req.Model.Name).CountTokens(text)
	if err != nil {
		g.logger.Debug("token count fallback", zap.Error(err))
		n, _ = tokenizer.NewEstimatorCounter(req.Model.Name).CountTokens(text)
	}
	return n
}

// costBreakdown 计算输入/输出费用;价格表未登记时退回模型定义自带的单价
func (g *Gateway) costBreakdown(provider string, model gateway.ModelSpec, inTokens, outTokens int) (float64, float64) {
	in, out, ok := g.calc.Breakdown(provider, model.Name, inTokens, outTokens)
	if ok {
		return in, out
	}
	return float64(inTokens) / 1000 * model.PriceInput,
		float64(outTokens) / 1000 * model.PriceOutput
}

// breakerRetryAfter 根据熔断器快照推算下次探测前的等待建议
func (g *Gateway) breakerRetryAfter(provider string) time.Duration {
	snap, ok := g.executor.BreakerSnapshot(provider)
	if !ok || snap.LastFailure.IsZero() {
		return g.cfg.Retry.Breaker.OpenTimeout
	}
	openTimeout := g.cfg.Retry.Breaker.OpenTimeout
	if pc, ok := g.cfg.Providers[provider]; ok && pc.Retry != nil {
		openTimeout = pc.Retry.Breaker.OpenTimeout
	}
	remaining := time.Until(snap.LastFailure.Add(openTimeout))
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}
