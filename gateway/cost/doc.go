// 版权所有 2025 StoryWeave Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cost 提供成本台账、预算评估与费用预测能力，防止叙事生成
产生意外高额的 LLM 费用。

# 概述

每次成功的 Provider 调用产生一条不可变的台账记录（[Entry]），
记录 Token 消耗与输入/输出费用。[Tracker] 按预算聚合最近 30 天
的记录，在调用发生之前回答"这笔预算还允不允许这次调用"。

# 核心类型

  - [Entry]：单条成本记录，构造时强制 total = input + output 不变量。
  - [TokenBudget]：预算定义（Token 上限、费用上限、优先级、滚存）。
  - [BudgetStatus]：派生的即时快照，永不持久化、总是重新计算。
  - [Tracker]：台账 + 预算评估 + 线性外推费用预测。
  - [Calculator]：模型价格表，按 1K Token 报价计算费用。

# 语义要点

  - CheckBudget 在 Provider 调用之前评估：allowed = !(当前消耗 +
    预估成本 > 费用上限)；上限为 0 表示不设限。
  - 利用率超过 80% 标记 at-risk。
  - 预测为简单线性外推：日均成本 × 天数；置信度按有数据的
    日历天数分档（>20 高，>10 中，否则低）。
  - 保留期（默认 90 天）之外的记录在每第 N 次记录时机会性清理，
    不引入后台定时器。

# 使用方式

	tr := cost.NewTracker(cost.DefaultTrackerConfig(), logger)
	tr.RegisterBudget(cost.TokenBudget{ID: "campaign-7", CostLimit: 50})
	if allowed, st := tr.CheckBudget("campaign-7", 0.12); !allowed {
	    // 预算不足，拒绝调用
	    _ = st
	}
*/
package cost
