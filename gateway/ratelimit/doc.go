// 版权所有 2025 StoryWeave Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 ratelimit 提供按 Provider（可选按调用方）隔离的滑动窗口限流，
同时约束请求数与 Token 吞吐，支持突发余量。

# 概述

实现采用真实滑动日志（逐事件时间戳，检查时剪枝）而非固定桶近似，
允许条件为

	当前请求数 + 1 <= requests_per_minute + burst_requests
	当前 Token 数 + 预估 Token <= tokens_per_minute + burst_tokens

拒绝时返回 retry_after：最老的计数事件离开窗口所需的时间。

# 语义要点

  - 检查即预留：Check 在单一原子区内完成"检查 + 预留"，防止两个
    并发检查在只剩一个配额时都被放行。
  - Record 在调用真正完成后以实际 Token 用量结算最早的未结算预留，
    保证窗口反映真实消耗。
  - 每个 (provider, client) 键独立计数，一个键被拒绝不影响其他键。

# 使用方式

	l := ratelimit.New(ratelimit.DefaultConfig(), logger)
	res := l.Check("openai", 800, "client-42")
	if !res.Allowed {
	    // 返回 res.RetryAfter 给调用方
	}
	// …… Provider 调用完成后：
	l.Record("openai", 763, "client-42")
*/
package ratelimit
