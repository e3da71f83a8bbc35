// 版权所有 2025 StoryWeave Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 retry 提供重试执行器与每 Provider 的熔断器状态机，是网关
失败处理的唯一所有者：重试、放弃还是熔断都在这里决定。

# 熔断器状态机

每个 Provider 一台状态机，三个状态：

  - CLOSED（初始）：正常放行。失败累加 failure_count，达到阈值
    转入 OPEN 并记录 last_failure_time。
  - OPEN：调用被短路，除非 now - last_failure_time >= open_timeout，
    此时在放行检查中先转入 HALF_OPEN 再放行（探测由调用方驱动，
    不依赖被动定时器）。
  - HALF_OPEN：放行受控数量的探测调用。成功累加 success_count，
    达到阈值回到 CLOSED 并重置计数；任何失败立即回到 OPEN。

熔断器映射仅归本包所有，其他组件不得改写；对外只暴露不可变的
[Snapshot]。

# 重试循环

[Executor.Do] 实现带分类回退的重试：失败响应按状态映射为
[Reason]，查配置决定可重试性与原因级次数上限；退避延迟为

	delay = min(max_delay, base_delay(reason) * exponential_base^(attempt-1))
	delay += delay * jitter_factor * U[0,1)

传输层抛出的未分类错误记为网络错误并立即终止本次调用（不再
重试该异常类），同时计入熔断器 —— 会抛错的 Provider 和返回
FAILED 的 Provider 一样可疑。

认证错误与配额耗尽默认只允许 1 次尝试：重试对它们毫无帮助。
*/
package retry
