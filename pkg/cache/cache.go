package cache

import (
	"sync"
	"time"
)

// Cache 通用缓存接口
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
	Clear()
	Size() int
}

// InMemoryCache 内存缓存实现
type InMemoryCache[K comparable, V any] struct {
	items      map[K]*cacheItem[V]
	mu         sync.RWMutex
	defaultTTL time.Duration
}

// cacheItem 缓存项
type cacheItem[V any] struct {
	value     V
	expiresAt time.Time
}

// NewInMemoryCache 创建新的内存缓存
func NewInMemoryCache[K comparable, V any](defaultTTL time.Duration) *InMemoryCache[K, V] {
	cache := &InMemoryCache[K, V]{
		items:      make(map[K]*cacheItem[V]),
		defaultTTL: defaultTTL,
	}

	// 启动清理 goroutine
	go cache.startCleanup()

	return cache
}

// Get 获取缓存值
func (c *InMemoryCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, exists := c.items[key]
	if !exists {
		var zero V
		return zero, false
	}

	// 检查是否过期
	if time.Now().After(item.expiresAt) {
		// 异步删除过期项
		go c.Delete(key)
		var zero V
		return zero, false
	}

	return item.value, true
}

// Set 设置缓存值
func (c *InMemoryCache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl == 0 {
		ttl = c.defaultTTL
	}

	c.items[key] = &cacheItem[V]{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
}

// SetIfAbsent 仅当 key 不存在（或已过期）时写入，返回是否写入成功。
// 用于“事务 ID 去重”这类 check-and-set 场景，必须在一次加锁内完成。
func (c *InMemoryCache[K, V]) SetIfAbsent(key K, value V, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl == 0 {
		ttl = c.defaultTTL
	}

	if item, exists := c.items[key]; exists && time.Now().Before(item.expiresAt) {
		return false
	}

	c.items[key] = &cacheItem[V]{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	return true
}

// Delete 删除缓存项
func (c *InMemoryCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear 清空缓存
func (c *InMemoryCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*cacheItem[V])
}

// Size 获取缓存大小
func (c *InMemoryCache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// startCleanup 启动清理 goroutine（定期清理过期项）
func (c *InMemoryCache[K, V]) startCleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		c.cleanup()
	}
}

// cleanup 清理过期项
func (c *InMemoryCache[K, V]) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, key)
		}
	}
}

// DedupCache 事务去重缓存（txID -> 处理时间，TTL 约束）
// 去重只是优化：即使记录过期后事件被重放，下游的幂等处理仍然安全。
type DedupCache struct {
	cache *InMemoryCache[string, time.Time]
	ttl   time.Duration
}

// NewDedupCache 创建新的去重缓存
func NewDedupCache(ttl time.Duration) *DedupCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &DedupCache{
		cache: NewInMemoryCache[string, time.Time](ttl),
		ttl:   ttl,
	}
}

// MarkIfNew 标记事务 ID，返回 true 表示首次出现（应该处理）
func (d *DedupCache) MarkIfNew(txID string) bool {
	return d.cache.SetIfAbsent(txID, time.Now(), d.ttl)
}

// Seen 检查事务 ID 是否已处理过（不修改状态）
func (d *DedupCache) Seen(txID string) bool {
	_, ok := d.cache.Get(txID)
	return ok
}

// Size 当前记录数
func (d *DedupCache) Size() int {
	return d.cache.Size()
}

// UserViewCache 用户视图缓存（仓位/盈亏等汇总的下游读缓存）
// P&L 重算完成后按用户失效，让前端下一次读取拿到新数据。
type UserViewCache struct {
	cache *InMemoryCache[string, any]
}

// NewUserViewCache 创建新的用户视图缓存
func NewUserViewCache(ttl time.Duration) *UserViewCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &UserViewCache{
		cache: NewInMemoryCache[string, any](ttl),
	}
}

// Get 获取用户视图
func (u *UserViewCache) Get(userID string) (any, bool) {
	return u.cache.Get(userID)
}

// Set 设置用户视图
func (u *UserViewCache) Set(userID string, view any) {
	u.cache.Set(userID, view, 0)
}

// Invalidate 按用户失效
func (u *UserViewCache) Invalidate(userID string) {
	u.cache.Delete(userID)
}
