// 版权所有 2025 StoryWeave Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供内容寻址的 LLM 响应缓存，通过本地 LRU 与可选的
Redis 二级缓存减少重复调用，降低延迟与成本。

# 概述

叙事生成中相同意图的请求频繁出现（同一物品的描述、同一场景的
重新打开）。缓存键是请求语义内容的确定性指纹：模型、请求类型、
提示词哈希与生成参数哈希 —— 显式排除请求 ID 与时间戳类元数据，
保证相同意图的两次请求无论先后都落到同一个键上。

# 核心类型

  - KeyStrategy：缓存键生成策略接口。
  - FingerprintStrategy：内容寻址指纹实现（默认策略）。
  - ResponseCache：L1 本地 LRU（O(1) 操作，逐条目 TTL）+ 可选
    Redis L2，自动回填。

# 语义要点

  - TTL 为 0 表示永不过期；过期条目在下一次读取时惰性删除并记为 miss。
  - 容量满时插入新键只淘汰恰好一个最久未使用的条目；更新已有键
    原地进行，不计为淘汰。
  - hits/misses/evictions 计数在缓存生命周期内单调递增，仅 Clear 重置。
  - 所有读-改-写序列处于单一互斥区内；互斥区从不跨越 Redis I/O。

# 使用方式

	c := cache.New(cache.Config{Capacity: 1000}, nil, logger)
	if resp, ok := c.Get(ctx, req); ok {
	    return resp, nil
	}
*/
package cache
