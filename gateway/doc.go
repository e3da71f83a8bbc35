// 版权所有 2025 StoryWeave Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 gateway 提供叙事生成平台的 AI 网关弹性层，负责在每次出站 LLM
调用前后做缓存、限流、预算与重试/熔断决策。

# 概述

平台的 CRUD 层（角色、阵营、地点、世界规则等实体）每生成一段叙事
内容都要调用外部 LLM。本包把"是否真的要打这次调用"的全部判断收拢
到一个编排点：命中缓存直接返回；限流或预算不允许则立即拒绝；真正
调用时由重试执行器配合每 Provider 的熔断器控制失败处理。

# 核心类型

  - [LLMRequest] / [LLMResponse]：不可变的请求与响应值对象，携带
    状态分类（[Status]）、Token 用量与估算成本。
  - [Provider]：不透明的传输层接口，网关只关心其返回的结构化响应。

编排器（storyweave.Gateway）位于仓库根包，按 缓存 → 限流 → 预算 →
重试/熔断 → 回写 的顺序组合各子包。

# 子包

  - gateway/cache：内容寻址的响应缓存（本地 LRU + 可选 Redis L2）。
  - gateway/cost：成本台账、预算评估与费用预测。
  - gateway/ratelimit：滑动窗口限流（请求数 + Token 数，支持突发）。
  - gateway/retry：重试执行器与每 Provider 熔断器状态机。
  - gateway/tokenizer：调用前的 Token 估算。

# 错误语义

分类过的 Provider 失败（限流、超时、配额等）一律表达为响应状态值，
不作为 error 抛出；error 只用于配置错误与编程错误。

# 使用方式

	gw, _ := storyweave.New(nil, storyweave.WithProvider("openai", p))
	req, _ := gateway.NewRequest(gateway.RequestTypeScene, model, "描写一座被遗忘的灯塔", gateway.DefaultGenerationParams())
	resp, err := gw.Generate(ctx, req)
*/
package gateway
