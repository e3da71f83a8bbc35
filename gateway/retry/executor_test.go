package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/storyweave/gateway"
)

func testModel() gateway.ModelSpec {
	return gateway.ModelSpec{
		Name:          "gpt-4o-mini",
		Provider:      "openai",
		PriceInput:    0.00015,
		PriceOutput:   0.0006,
		ContextWindow: 128000,
	}
}

func testRequest(t *testing.T) *gateway.LLMRequest {
	t.Helper()
	req, err := gateway.NewRequest(gateway.RequestTypeScene, testModel(), "x",
		gateway.DefaultGenerationParams())
	require.NoError(t, err)
	return req
}

// fastConfig 退避极短,测试不受真实延迟拖累
func fastConfig() Config {
	return Config{
		MaxAttempts:     3,
		ExponentialBase: 2.0,
		MaxDelay:        50 * time.Millisecond,
		JitterFactor:    0,
		Policies: map[Reason]Policy{
			ReasonServerError: {Retryable: true, BaseDelay: time.Millisecond},
			ReasonTimeout:     {Retryable: true, BaseDelay: time.Millisecond},
			ReasonRateLimited: {Retryable: true, BaseDelay: time.Millisecond},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenTimeout:      time.Hour,
		},
	}
}

func newTestExecutor(t *testing.T, cfg Config) *Executor {
	t.Helper()
	e, err := NewExecutor(cfg, zap.NewNop())
	require.NoError(t, err)
	return e
}

// ---------------------------------------------------------------------------
// ClassifyResponse
// ---------------------------------------------------------------------------

func TestClassifyResponse(t *testing.T) {
	req := testRequest(t)

	tests := []struct {
		name   string
		status gateway.Status
		detail string
		want   Reason
	}{
		{name: "rate limited", status: gateway.StatusRateLimited, want: ReasonRateLimited},
		{name: "timeout", status: gateway.StatusTimeout, want: ReasonTimeout},
		{name: "model unavailable", status: gateway.StatusModelUnavailable, want: ReasonModelUnavailable},
		{name: "quota exceeded", status: gateway.StatusQuotaExceeded, want: ReasonQuotaExceeded},
		{name: "plain failure", status: gateway.StatusFailed, detail: "internal error", want: ReasonServerError},
		{name: "auth failure sniffed", status: gateway.StatusFailed, detail: "401 Unauthorized", want: ReasonAuthentication},
		{name: "invalid api key sniffed", status: gateway.StatusFailed, detail: "invalid api key provided", want: ReasonAuthentication},
		{name: "invalid request", status: gateway.StatusInvalidRequest, detail: "bad params", want: ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := gateway.NewFailureResponse(req, tt.status, tt.detail)
			assert.Equal(t, tt.want, ClassifyResponse(resp))
		})
	}
}

// ---------------------------------------------------------------------------
// Config.Validate
// ---------------------------------------------------------------------------

func TestRetryConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	bad := DefaultConfig()
	bad.MaxAttempts = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.ExponentialBase = 0.5
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.JitterFactor = 1
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Breaker.OpenTimeout = 0
	assert.Error(t, bad.Validate())
}

// ---------------------------------------------------------------------------
// Do:成功路径
// ---------------------------------------------------------------------------

func TestExecutor_SuccessFirstAttempt(t *testing.T) {
	e := newTestExecutor(t, fastConfig())
	req := testRequest(t)

	res := e.Do(context.Background(), "openai", func(ctx context.Context) (*gateway.LLMResponse, error) {
		return gateway.NewSuccessResponse(req, "content", gateway.TokenUsage{Total: 10}, 0.001), nil
	})

	assert.True(t, res.Success)
	require.Len(t, res.Attempts, 1)
	assert.True(t, res.Attempts[0].Success)
	assert.False(t, res.CircuitOpened)
}

func TestExecutor_PartialCountsAsSuccess(t *testing.T) {
	e := newTestExecutor(t, fastConfig())
	req := testRequest(t)

	res := e.Do(context.Background(), "openai", func(ctx context.Context) (*gateway.LLMResponse, error) {
		resp := gateway.NewFailureResponse(req, gateway.StatusPartial, "")
		resp.Content = "截断的内容"
		return resp, nil
	})

	assert.True(t, res.Success)
	assert.Len(t, res.Attempts, 1)
}

func TestExecutor_RetryThenSuccess(t *testing.T) {
	e := newTestExecutor(t, fastConfig())
	req := testRequest(t)

	calls := 0
	res := e.Do(context.Background(), "openai", func(ctx context.Context) (*gateway.LLMResponse, error) {
		calls++
		if calls < 3 {
			return gateway.NewFailureResponse(req, gateway.StatusFailed, "internal error"), nil
		}
		return gateway.NewSuccessResponse(req, "content", gateway.TokenUsage{Total: 10}, 0.001), nil
	})

	assert.True(t, res.Success)
	assert.Equal(t, 3, calls)
	require.Len(t, res.Attempts, 3)
	assert.Equal(t, ReasonServerError, res.Attempts[0].Reason)
	assert.True(t, res.Attempts[2].Success)

	// 最终成功:熔断器不累计失败
	snap, ok := e.BreakerSnapshot("openai")
	require.True(t, ok)
	assert.Equal(t, "Closed", snap.State)
	assert.Equal(t, 0, snap.FailureCount)
}

// ---------------------------------------------------------------------------
// Do:重试耗尽
// ---------------------------------------------------------------------------

func TestExecutor_ExhaustsMaxAttempts(t *testing.T) {
	cfg := fastConfig()
	cfg.Policies[ReasonServerError] = Policy{Retryable: true, BaseDelay: 10 * time.Millisecond}
	e := newTestExecutor(t, cfg)
	req := testRequest(t)

	calls := 0
	start := time.Now()
	res := e.Do(context.Background(), "openai", func(ctx context.Context) (*gateway.LLMResponse, error) {
		calls++
		return gateway.NewFailureResponse(req, gateway.StatusFailed, "internal error"), nil
	})
	elapsed := time.Since(start)

	assert.False(t, res.Success)
	assert.Equal(t, 3, calls)
	assert.Len(t, res.Attempts, 3)
	assert.Equal(t, ReasonServerError, res.FinalReason)
	require.NotNil(t, res.Response)
	assert.Equal(t, gateway.StatusFailed, res.Response.Status)

	// 两次退避:10ms + 20ms(无抖动)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestExecutor_NonRetryableReasons(t *testing.T) {
	tests := []struct {
		name   string
		status gateway.Status
		detail string
		reason Reason
	}{
		{name: "quota exceeded", status: gateway.StatusQuotaExceeded, reason: ReasonQuotaExceeded},
		{name: "authentication", status: gateway.StatusFailed, detail: "invalid api key", reason: ReasonAuthentication},
		{name: "invalid request", status: gateway.StatusInvalidRequest, detail: "bad params", reason: ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestExecutor(t, fastConfig())
			req := testRequest(t)

			calls := 0
			res := e.Do(context.Background(), "openai", func(ctx context.Context) (*gateway.LLMResponse, error) {
				calls++
				return gateway.NewFailureResponse(req, tt.status, tt.detail), nil
			})

			assert.Equal(t, 1, calls, "non-retryable reason must not retry")
			assert.False(t, res.Success)
			assert.Equal(t, tt.reason, res.FinalReason)
		})
	}
}

func TestExecutor_PerReasonAttemptCap(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 5
	cfg.Policies[ReasonTimeout] = Policy{Retryable: true, MaxAttempts: 2, BaseDelay: time.Millisecond}
	e := newTestExecutor(t, cfg)
	req := testRequest(t)

	calls := 0
	res := e.Do(context.Background(), "openai", func(ctx context.Context) (*gateway.LLMResponse, error) {
		calls++
		return gateway.NewFailureResponse(req, gateway.StatusTimeout, ""), nil
	})

	// 原因级上限 2 覆盖全局上限 5
	assert.Equal(t, 2, calls)
	assert.False(t, res.Success)
}

// ---------------------------------------------------------------------------
// Do:传输层错误
// ---------------------------------------------------------------------------

func TestExecutor_TransportErrorTerminates(t *testing.T) {
	e := newTestExecutor(t, fastConfig())

	errBoom := errors.New("connection refused")
	calls := 0
	res := e.Do(context.Background(), "openai", func(ctx context.Context) (*gateway.LLMResponse, error) {
		calls++
		return nil, errBoom
	})

	assert.Equal(t, 1, calls)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, errBoom)
	assert.Equal(t, ReasonNetworkError, res.FinalReason)

	snap, ok := e.BreakerSnapshot("openai")
	require.True(t, ok)
	assert.Equal(t, 1, snap.FailureCount)
}

func TestExecutor_NilResponseWithNilError(t *testing.T) {
	e := newTestExecutor(t, fastConfig())

	// 违反契约的 Provider:既无响应也无错误,按传输层错误终止而不是 panic
	calls := 0
	res := e.Do(context.Background(), "openai", func(ctx context.Context) (*gateway.LLMResponse, error) {
		calls++
		return nil, nil
	})

	assert.Equal(t, 1, calls)
	assert.False(t, res.Success)
	assert.Error(t, res.Err)
	assert.Nil(t, res.Response)
	assert.Equal(t, ReasonNetworkError, res.FinalReason)

	snap, ok := e.BreakerSnapshot("openai")
	require.True(t, ok)
	assert.Equal(t, 1, snap.FailureCount)
}

// ---------------------------------------------------------------------------
// Do:熔断保护
// ---------------------------------------------------------------------------

func TestExecutor_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	cfg.Breaker.FailureThreshold = 3
	e := newTestExecutor(t, cfg)
	req := testRequest(t)

	fail := func(ctx context.Context) (*gateway.LLMResponse, error) {
		return gateway.NewFailureResponse(req, gateway.StatusFailed, "internal error"), nil
	}

	for i := 0; i < 3; i++ {
		res := e.Do(context.Background(), "openai", fail)
		assert.False(t, res.CircuitOpened)
	}

	// 第四次:熔断短路,零次尝试
	calls := 0
	res := e.Do(context.Background(), "openai", func(ctx context.Context) (*gateway.LLMResponse, error) {
		calls++
		return nil, nil
	})
	assert.True(t, res.CircuitOpened)
	assert.Zero(t, calls)
	assert.Empty(t, res.Attempts)

	snap, ok := e.BreakerSnapshot("openai")
	require.True(t, ok)
	assert.Equal(t, "Open", snap.State)
}

func TestExecutor_CircuitRecoveryViaProbes(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	cfg.Breaker = BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		OpenTimeout:      20 * time.Millisecond,
	}
	e := newTestExecutor(t, cfg)
	req := testRequest(t)

	res := e.Do(context.Background(), "openai", func(ctx context.Context) (*gateway.LLMResponse, error) {
		return gateway.NewFailureResponse(req, gateway.StatusFailed, "internal error"), nil
	})
	require.False(t, res.Success)

	time.Sleep(30 * time.Millisecond)

	// 两次成功探测后恢复
	succeed := func(ctx context.Context) (*gateway.LLMResponse, error) {
		return gateway.NewSuccessResponse(req, "content", gateway.TokenUsage{Total: 10}, 0), nil
	}
	for i := 0; i < 2; i++ {
		res = e.Do(context.Background(), "openai", succeed)
		assert.True(t, res.Success)
	}

	snap, ok := e.BreakerSnapshot("openai")
	require.True(t, ok)
	assert.Equal(t, "Closed", snap.State)
}

func TestExecutor_ResetBreaker(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	cfg.Breaker.FailureThreshold = 1
	e := newTestExecutor(t, cfg)
	req := testRequest(t)

	e.Do(context.Background(), "openai", func(ctx context.Context) (*gateway.LLMResponse, error) {
		return gateway.NewFailureResponse(req, gateway.StatusFailed, "internal error"), nil
	})
	res := e.Do(context.Background(), "openai", func(ctx context.Context) (*gateway.LLMResponse, error) {
		return nil, nil
	})
	require.True(t, res.CircuitOpened)

	e.ResetBreaker("openai")

	res = e.Do(context.Background(), "openai", func(ctx context.Context) (*gateway.LLMResponse, error) {
		return gateway.NewSuccessResponse(req, "content", gateway.TokenUsage{Total: 1}, 0), nil
	})
	assert.True(t, res.Success)
}

// ---------------------------------------------------------------------------
// Do:context 取消
// ---------------------------------------------------------------------------

func TestExecutor_ContextCancelStopsRetries(t *testing.T) {
	cfg := fastConfig()
	cfg.Policies[ReasonServerError] = Policy{Retryable: true, BaseDelay: time.Hour}
	e := newTestExecutor(t, cfg)
	req := testRequest(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res := e.Do(ctx, "openai", func(ctx context.Context) (*gateway.LLMResponse, error) {
		return gateway.NewFailureResponse(req, gateway.StatusFailed, "internal error"), nil
	})

	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

// ---------------------------------------------------------------------------
// backoff
// ---------------------------------------------------------------------------

func TestExecutor_BackoffGrowthAndCap(t *testing.T) {
	cfg := Config{
		MaxAttempts:     5,
		ExponentialBase: 2.0,
		MaxDelay:        4 * time.Second,
		JitterFactor:    0,
		Breaker:         DefaultBreakerConfig(),
	}
	e := newTestExecutor(t, cfg)
	policy := Policy{BaseDelay: time.Second}

	assert.Equal(t, 1*time.Second, e.backoff(cfg, policy, 1))
	assert.Equal(t, 2*time.Second, e.backoff(cfg, policy, 2))
	assert.Equal(t, 4*time.Second, e.backoff(cfg, policy, 3))
	// 封顶
	assert.Equal(t, 4*time.Second, e.backoff(cfg, policy, 4))
}

func TestExecutor_BackoffJitterIsPositive(t *testing.T) {
	cfg := Config{
		MaxAttempts:     3,
		ExponentialBase: 2.0,
		MaxDelay:        time.Minute,
		JitterFactor:    0.25,
		Breaker:         DefaultBreakerConfig(),
	}
	e := newTestExecutor(t, cfg)
	policy := Policy{BaseDelay: time.Second}

	for i := 0; i < 100; i++ {
		d := e.backoff(cfg, policy, 1)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 1250*time.Millisecond)
	}
}

// ---------------------------------------------------------------------------
// Provider 级配置
// ---------------------------------------------------------------------------

func TestExecutor_PerProviderConfig(t *testing.T) {
	e := newTestExecutor(t, fastConfig())

	custom := fastConfig()
	custom.MaxAttempts = 1
	require.NoError(t, e.SetProviderConfig("claude", custom))

	req := testRequest(t)
	calls := 0
	res := e.Do(context.Background(), "claude", func(ctx context.Context) (*gateway.LLMResponse, error) {
		calls++
		return gateway.NewFailureResponse(req, gateway.StatusFailed, "internal error"), nil
	})
	assert.Equal(t, 1, calls)
	assert.False(t, res.Success)

	bad := fastConfig()
	bad.MaxAttempts = 0
	assert.Error(t, e.SetProviderConfig("claude", bad))
}
