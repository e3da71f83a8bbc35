package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	l, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	return l
}

// ---------------------------------------------------------------------------
// Config.Validate
// ---------------------------------------------------------------------------

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	bad := DefaultConfig()
	bad.RequestsPerMinute = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.TokensPerMinute = -1
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.BurstRequests = -1
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Window = 0
	assert.Error(t, bad.Validate())
}

// ---------------------------------------------------------------------------
// 请求数上限
// ---------------------------------------------------------------------------

func TestLimiter_RequestLimit(t *testing.T) {
	l := newTestLimiter(t, Config{
		RequestsPerMinute: 2,
		TokensPerMinute:   100000,
		Window:            time.Minute,
	})

	// rpm=2,无突发:第三个请求被拒
	r1 := l.Check("openai", 100, "")
	assert.True(t, r1.Allowed)
	r2 := l.Check("openai", 100, "")
	assert.True(t, r2.Allowed)
	r3 := l.Check("openai", 100, "")
	assert.False(t, r3.Allowed)
	assert.Equal(t, "request limit exceeded", r3.Reason)
	assert.Greater(t, r3.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, r3.RetryAfter, time.Minute)
}

func TestLimiter_BurstAllowance(t *testing.T) {
	l := newTestLimiter(t, Config{
		RequestsPerMinute: 1,
		TokensPerMinute:   100000,
		BurstRequests:     1,
		Window:            time.Minute,
	})

	// 基础 1 + 突发 1 = 2 个可放行
	assert.True(t, l.Check("openai", 10, "").Allowed)
	assert.True(t, l.Check("openai", 10, "").Allowed)
	assert.False(t, l.Check("openai", 10, "").Allowed)
}

// ---------------------------------------------------------------------------
// Token 上限
// ---------------------------------------------------------------------------

func TestLimiter_TokenLimit(t *testing.T) {
	l := newTestLimiter(t, Config{
		RequestsPerMinute: 100,
		TokensPerMinute:   1000,
		Window:            time.Minute,
	})

	r := l.Check("openai", 800, "")
	assert.True(t, r.Allowed)
	assert.Equal(t, 200, r.RemainingTokens)

	r = l.Check("openai", 300, "")
	assert.False(t, r.Allowed)
	assert.Equal(t, "token limit exceeded", r.Reason)

	// 小请求仍可通过
	assert.True(t, l.Check("openai", 200, "").Allowed)
}

// ---------------------------------------------------------------------------
// Record 结算
// ---------------------------------------------------------------------------

func TestLimiter_RecordSettlesReservation(t *testing.T) {
	l := newTestLimiter(t, Config{
		RequestsPerMinute: 10,
		TokensPerMinute:   1000,
		Window:            time.Minute,
	})

	// 预估 900 占满大半窗口
	require.True(t, l.Check("openai", 900, "").Allowed)
	assert.False(t, l.Check("openai", 200, "").Allowed)

	// 实际只用了 100:结算后额度释放
	l.Record("openai", 100, "")
	assert.True(t, l.Check("openai", 200, "").Allowed)

	stats := l.Stats("openai", "")
	assert.Equal(t, 2, stats.CurrentRequests)
	assert.Equal(t, 300, stats.CurrentTokens)
}

func TestLimiter_RecordWithoutReservation(t *testing.T) {
	l := newTestLimiter(t, DefaultConfig())

	// 没有未结算预留时直接追加事件,窗口保持准确
	l.Record("openai", 500, "")
	stats := l.Stats("openai", "")
	assert.Equal(t, 1, stats.CurrentRequests)
	assert.Equal(t, 500, stats.CurrentTokens)
}

// ---------------------------------------------------------------------------
// 窗口滑动
// ---------------------------------------------------------------------------

func TestLimiter_WindowSlides(t *testing.T) {
	l := newTestLimiter(t, Config{
		RequestsPerMinute: 1,
		TokensPerMinute:   1000,
		Window:            50 * time.Millisecond,
	})

	assert.True(t, l.Check("openai", 10, "").Allowed)
	assert.False(t, l.Check("openai", 10, "").Allowed)

	time.Sleep(60 * time.Millisecond)

	// 旧事件滑出窗口后恢复放行
	assert.True(t, l.Check("openai", 10, "").Allowed)
}

// ---------------------------------------------------------------------------
// 键隔离
// ---------------------------------------------------------------------------

func TestLimiter_ProviderIsolation(t *testing.T) {
	l := newTestLimiter(t, Config{
		RequestsPerMinute: 1,
		TokensPerMinute:   1000,
		Window:            time.Minute,
	})

	assert.True(t, l.Check("openai", 10, "").Allowed)
	assert.False(t, l.Check("openai", 10, "").Allowed)

	// 其他 Provider 不受影响
	assert.True(t, l.Check("claude", 10, "").Allowed)
}

func TestLimiter_ClientIsolation(t *testing.T) {
	l := newTestLimiter(t, Config{
		RequestsPerMinute: 1,
		TokensPerMinute:   1000,
		Window:            time.Minute,
	})

	assert.True(t, l.Check("openai", 10, "alice").Allowed)
	assert.False(t, l.Check("openai", 10, "alice").Allowed)
	assert.True(t, l.Check("openai", 10, "bob").Allowed)
}

// ---------------------------------------------------------------------------
// Provider 级配置
// ---------------------------------------------------------------------------

func TestLimiter_UpdateLimits(t *testing.T) {
	l := newTestLimiter(t, DefaultConfig())

	custom := Config{RequestsPerMinute: 5, TokensPerMinute: 500, Window: time.Minute}
	require.NoError(t, l.UpdateLimits("openai", custom))
	assert.Equal(t, custom, l.Limits("openai"))
	assert.Equal(t, DefaultConfig(), l.Limits("claude"))

	bad := custom
	bad.RequestsPerMinute = 0
	assert.Error(t, l.UpdateLimits("openai", bad))
}

// ---------------------------------------------------------------------------
// 并发:判定与预留的原子性
// ---------------------------------------------------------------------------

func TestLimiter_ConcurrentChecksNeverOverAdmit(t *testing.T) {
	const limit = 10
	l := newTestLimiter(t, Config{
		RequestsPerMinute: limit,
		TokensPerMinute:   1000000,
		Window:            time.Minute,
	})

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("openai", 1, "").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, allowed)

	stats := l.Stats("openai", "")
	assert.Equal(t, uint64(limit), stats.AllowedTotal)
	assert.Equal(t, uint64(40), stats.DeniedTotal)
}
