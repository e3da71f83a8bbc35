package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/storyweave/gateway"
)

// Config 缓存配置
type Config struct {
	// Capacity 本地 LRU 最大条目数
	Capacity int

	// DefaultTTL Put 未显式给出 TTL 时使用的条目存活时间（0 = 永不过期）
	DefaultTTL time.Duration

	// RedisTTL Redis L2 条目存活时间（仅在启用 L2 时生效，0 时沿用条目 TTL）
	RedisTTL time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Capacity:   1000,
		DefaultTTL: 5 * time.Minute,
		RedisTTL:   1 * time.Hour,
	}
}

// Entry 缓存条目：包装响应与访问簿记
type Entry struct {
	Response     *gateway.LLMResponse `json:"response"`
	CreatedAt    time.Time            `json:"created_at"`
	TTL          time.Duration        `json:"ttl"` // 0 = 永不过期
	AccessCount  int                  `json:"access_count"`
	LastAccessed time.Time            `json:"last_accessed"`
}

// expiredAt 判断条目在给定时刻是否已过期
func (e *Entry) expiredAt(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.Sub(e.CreatedAt) >= e.TTL
}

// Stats 缓存统计快照
type Stats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expired     uint64  `json:"expired"`
	Active      int     `json:"active"`
	Utilization float64 `json:"utilization"`
}

// ResponseCache LLM 响应缓存
// L1 本地 LRU 使用双向链表实现 O(1) 操作；可选 Redis L2 在进程
// 重启后仍能命中，但进程间不做一致性协调（last-writer-wins）
type ResponseCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*lruNode
	head     *lruNode // 最近使用
	tail     *lruNode // 最久未使用

	hits      uint64
	misses    uint64
	evictions uint64
	expired   uint64

	defaultTTL time.Duration
	redisTTL   time.Duration
	rdb        *redis.Client // nil 表示禁用 L2
	strategy   KeyStrategy
	logger     *zap.Logger
}

type lruNode struct {
	key   string
	entry *Entry
	prev  *lruNode
	next  *lruNode
}

// New 创建响应缓存；rdb 为 nil 时仅使用本地 LRU
func New(cfg Config, rdb *redis.Client, logger *zap.Logger) *ResponseCache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResponseCache{
		capacity:   cfg.Capacity,
		items:      make(map[string]*lruNode),
		defaultTTL: cfg.DefaultTTL,
		redisTTL:   cfg.RedisTTL,
		rdb:        rdb,
		strategy:   NewFingerprintStrategy(),
		logger:     logger.With(zap.String("component", "response_cache")),
	}
}

// Key 返回请求的缓存键（暴露给编排层做 singleflight 分组）
func (c *ResponseCache) Key(req *gateway.LLMRequest) string {
	return c.strategy.GenerateKey(req)
}

// Get 查找缓存的响应
// 已过期的条目视为不存在：删除并计为一次 miss
func (c *ResponseCache) Get(ctx context.Context, req *gateway.LLMRequest) (*gateway.LLMResponse, bool) {
	key := c.Key(req)
	now := time.Now()

	c.mu.Lock()
	if node, ok := c.items[key]; ok {
		if node.entry.expiredAt(now) {
			c.removeNode(node)
			delete(c.items, key)
			c.expired++
			// 过期按 miss 处理，继续查 L2
		} else {
			node.entry.AccessCount++
			node.entry.LastAccessed = now
			c.moveToHead(node)
			c.hits++
			resp := node.entry.Response
			c.mu.Unlock()
			return resp, true
		}
	}
	c.mu.Unlock()

	// L2 查询在互斥区之外进行
	if c.rdb != nil {
		if entry, ok := c.getRedis(ctx, key); ok {
			c.mu.Lock()
			c.insertLocked(key, entry)
			c.hits++
			c.mu.Unlock()
			c.logger.Debug("redis cache hit", zap.String("key", key))
			return entry.Response, true
		}
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	return nil, false
}

// Put 写入响应；ttl < 0 时使用 DefaultTTL，ttl == 0 表示永不过期
// 已有键原地更新（不计淘汰）；容量满且键为新键时恰好淘汰一个 LRU 条目
func (c *ResponseCache) Put(ctx context.Context, req *gateway.LLMRequest, resp *gateway.LLMResponse, ttl time.Duration) {
	if ttl < 0 {
		ttl = c.defaultTTL
	}
	key := c.Key(req)
	entry := &Entry{
		Response:  resp,
		CreatedAt: time.Now(),
		TTL:       ttl,
	}

	c.mu.Lock()
	c.insertLocked(key, entry)
	c.mu.Unlock()

	if c.rdb != nil {
		c.setRedis(ctx, key, entry)
	}
	c.logger.Debug("cache put", zap.String("key", key), zap.Duration("ttl", ttl))
}

// insertLocked 插入或更新条目，调用方必须持有锁
func (c *ResponseCache) insertLocked(key string, entry *Entry) {
	if node, ok := c.items[key]; ok {
		node.entry = entry
		c.moveToHead(node)
		return
	}
	if len(c.items) >= c.capacity {
		c.evictTail()
	}
	node := &lruNode{key: key, entry: entry}
	c.items[key] = node
	c.addToHead(node)
}

// Invalidate 显式失效一个请求的缓存，返回是否确实删除了条目
func (c *ResponseCache) Invalidate(ctx context.Context, req *gateway.LLMRequest) bool {
	key := c.Key(req)

	c.mu.Lock()
	node, ok := c.items[key]
	if ok {
		c.removeNode(node)
		delete(c.items, key)
	}
	c.mu.Unlock()

	if c.rdb != nil {
		// Del 成功不代表删到了东西:只有返回计数 > 0 才算确实删除
		if n, err := c.rdb.Del(ctx, c.redisKey(key)).Result(); err == nil && n > 0 {
			ok = true
		}
	}
	return ok
}

// Clear 清空本地缓存并重置所有计数器，返回清除的条目数
// L2 不参与：Redis 条目依 TTL 自然过期
func (c *ResponseCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := len(c.items)
	c.items = make(map[string]*lruNode)
	c.head = nil
	c.tail = nil
	c.hits = 0
	c.misses = 0
	c.evictions = 0
	c.expired = 0
	return count
}

// Stats 返回统计快照
func (c *ResponseCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expired:     c.expired,
		Active:      len(c.items),
		Utilization: float64(len(c.items)) / float64(c.capacity),
	}
}

// ============================================================
// LRU 链表操作（O(1)）
// ============================================================

func (c *ResponseCache) addToHead(node *lruNode) {
	node.prev = nil
	node.next = c.head
	if c.head != nil {
		c.head.prev = node
	}
	c.head = node
	if c.tail == nil {
		c.tail = node
	}
}

func (c *ResponseCache) removeNode(node *lruNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		c.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		c.tail = node.prev
	}
}

func (c *ResponseCache) moveToHead(node *lruNode) {
	if node == c.head {
		return
	}
	c.removeNode(node)
	c.addToHead(node)
}

func (c *ResponseCache) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.items, c.tail.key)
	c.removeNode(c.tail)
	c.evictions++
}

// ============================================================
// Redis L2
// ============================================================

func (c *ResponseCache) redisKey(key string) string {
	return "sw:response_cache:" + key
}

func (c *ResponseCache) getRedis(ctx context.Context, key string) (*Entry, bool) {
	data, err := c.rdb.Get(ctx, c.redisKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("redis get error", zap.Error(err))
		}
		return nil, false
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Warn("redis entry decode error", zap.Error(err))
		return nil, false
	}
	if entry.expiredAt(time.Now()) {
		return nil, false
	}
	return &entry, true
}

func (c *ResponseCache) setRedis(ctx context.Context, key string, entry *Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("redis entry encode error", zap.Error(err))
		return
	}
	ttl := c.redisTTL
	if ttl <= 0 {
		ttl = entry.TTL // 0 = 不过期
	}
	if err := c.rdb.Set(ctx, c.redisKey(key), data, ttl).Err(); err != nil {
		c.logger.Warn("redis set error", zap.Error(err))
	}
}
