// Package cache 问题到检索/生成结果的进程内缓存：单飞去重、LRU 淘汰、TTL 过期、按图谱版本失效
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"schema-retriever/internal/graph"
)

// Entry 缓存项
type Entry[V any] struct {
	Key        string
	Value      V
	Version    graph.Version
	CreatedAt  time.Time
	AccessedAt time.Time
	Hits       int64
}

// Config 缓存参数，TTL 为 0 表示不过期
type Config struct {
	MaxEntries int
	TTL        time.Duration
}

// DefaultConfig 1000 项、1 小时
func DefaultConfig() Config {
	return Config{
		MaxEntries: 1000,
		TTL:        time.Hour,
	}
}

// Clock 时间源，测试中可注入
type Clock func() time.Time

// Option 缓存选项
type Option func(*options)

type options struct {
	clock      Clock
	registerer prometheus.Registerer
	component  string
}

// WithClock 注入时间源
func WithClock(c Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithMetrics 向 registerer 注册 Prometheus 指标，component 作为常量标签
func WithMetrics(reg prometheus.Registerer, component string) Option {
	return func(o *options) {
		o.registerer = reg
		o.component = component
	}
}

// Stats 缓存统计
type Stats struct {
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Computations int64 `json:"computations"`
	Shared       int64 `json:"shared"`
	Evictions    int64 `json:"evictions"`
	Expired      int64 `json:"expired"`
	Purged       int64 `json:"purged"`
	Size         int   `json:"size"`
}

// Cache 带单飞语义的 get-or-compute 缓存。
// 同一键的并发调用只执行一次计算并共享结果，不同键互不等待；只有成功的计算会写入缓存。
type Cache[V any] struct {
	cfg    Config
	store  *lru.Cache[string, *Entry[V]]
	group  singleflight.Group
	clock  Clock
	logger *zap.Logger

	// mu 保护 latest、写入与 Entry 的可变字段，持有时间很短，计算期间从不持有
	mu     sync.Mutex
	latest graph.Version

	hits, misses, computations, shared atomic.Int64
	evictions, expired, purged         atomic.Int64

	metrics *metrics
}

// New 创建缓存
func New[V any](cfg Config, logger *zap.Logger, opts ...Option) (*Cache[V], error) {
	if cfg.MaxEntries < 1 {
		return nil, fmt.Errorf("cache max entries must be >= 1, got %d", cfg.MaxEntries)
	}
	if cfg.TTL < 0 {
		return nil, fmt.Errorf("cache ttl must be >= 0, got %s", cfg.TTL)
	}

	o := options{clock: time.Now, component: "query"}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := lru.New[string, *Entry[V]](cfg.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}

	c := &Cache[V]{
		cfg:    cfg,
		store:  store,
		clock:  o.clock,
		logger: logger.Named("cache"),
	}
	if o.registerer != nil {
		m, err := newMetrics(o.registerer, o.component)
		if err != nil {
			return nil, err
		}
		c.metrics = m
	}
	return c, nil
}

// NormalizeQuestion 大小写折叠、空白折叠、去掉末尾的中英文标点
func NormalizeQuestion(q string) string {
	q = strings.Join(strings.Fields(strings.ToLower(q)), " ")
	return strings.TrimRightFunc(q, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

// Key 归一化问题与图谱版本的 SHA-256
func Key(question string, v graph.Version) string {
	sum := sha256.Sum256([]byte(NormalizeQuestion(question) + "\x00" + v.String()))
	return hex.EncodeToString(sum[:])
}

// Get 只读查询，不触发计算
func (c *Cache[V]) Get(question string, version graph.Version) (V, bool) {
	e, ok := c.lookup(Key(question, version), version)
	if !ok {
		var zero V
		return zero, false
	}
	return e, true
}

// GetOrCompute 命中时直接返回；未命中时同键只有第一个调用者执行 fn，其余等待同一结果。
// fn 运行在与调用者取消解耦的 context 上，等待者可以因自己的 ctx 取消而提前放弃。
// 返回值 hit 表示结果来自缓存。
func (c *Cache[V]) GetOrCompute(ctx context.Context, question string, version graph.Version, fn func(context.Context) (V, error)) (V, bool, error) {
	var zero V
	key := Key(question, version)

	if v, ok := c.lookup(key, version); ok {
		c.hits.Add(1)
		c.metrics.hit()
		return v, true, nil
	}
	c.misses.Add(1)
	c.metrics.miss()

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		// 单飞内再查一次，前一次飞行可能刚写入
		if v, ok := c.lookup(key, version); ok {
			return v, nil
		}

		c.computations.Add(1)
		c.metrics.computation()
		start := c.clock()
		v, err := fn(detached)
		if err != nil {
			c.logger.Debug("computation failed, not cached", zap.String("key", key[:12]), zap.Error(err))
			return nil, err
		}
		c.put(key, version, v)
		c.logger.Debug("computation cached",
			zap.String("key", key[:12]),
			zap.Stringer("version", version),
			zap.Duration("elapsed", c.clock().Sub(start)))
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.shared.Add(1)
		}
		if res.Err != nil {
			return zero, false, res.Err
		}
		v, ok := res.Val.(V)
		if !ok {
			return zero, false, fmt.Errorf("unexpected type from cache flight: got %T", res.Val)
		}
		return v, false, nil
	}
}

// lookup 先按版本清理旧条目，再检查 TTL
func (c *Cache[V]) lookup(key string, version graph.Version) (V, bool) {
	var zero V
	c.advance(version)

	e, ok := c.store.Get(key)
	if !ok {
		return zero, false
	}

	now := c.clock()
	c.mu.Lock()
	if e.Version != version || c.expiredAt(e, now) {
		c.mu.Unlock()
		c.store.Remove(key)
		c.expired.Add(1)
		c.metrics.setSize(c.store.Len())
		return zero, false
	}
	e.Hits++
	e.AccessedAt = now
	v := e.Value
	c.mu.Unlock()
	return v, true
}

func (c *Cache[V]) expiredAt(e *Entry[V], now time.Time) bool {
	return c.cfg.TTL > 0 && now.Sub(e.CreatedAt) >= c.cfg.TTL
}

// advance 看到更新的图谱版本时删除所有旧版本条目
func (c *Cache[V]) advance(version graph.Version) {
	c.mu.Lock()
	if !c.latest.Less(version) {
		c.mu.Unlock()
		return
	}
	prev := c.latest
	c.latest = version
	c.mu.Unlock()

	removed := 0
	for _, k := range c.store.Keys() {
		e, ok := c.store.Peek(k)
		if ok && e.Version.Less(version) {
			c.store.Remove(k)
			removed++
		}
	}
	if removed > 0 {
		c.purged.Add(int64(removed))
		c.metrics.purge(removed)
		c.metrics.setSize(c.store.Len())
		c.logger.Info("cache entries invalidated by graph version",
			zap.Stringer("from", prev),
			zap.Stringer("to", version),
			zap.Int("removed", removed))
	}
}

// put 写入计算结果，版本检查与写入都在 mu 内，不会与 advance 推进 latest 交错
func (c *Cache[V]) put(key string, version graph.Version, v V) {
	now := c.clock()
	c.mu.Lock()
	// 基于旧快照算出的结果不再写入
	if version.Less(c.latest) {
		c.mu.Unlock()
		return
	}
	evicted := c.store.Add(key, &Entry[V]{
		Key:        key,
		Value:      v,
		Version:    version,
		CreatedAt:  now,
		AccessedAt: now,
	})
	c.mu.Unlock()

	if evicted {
		c.evictions.Add(1)
		c.metrics.eviction()
	}
	c.metrics.setSize(c.store.Len())
}

// Entries 当前条目快照，按最久未使用到最近使用排列
func (c *Cache[V]) Entries() []Entry[V] {
	keys := c.store.Keys()
	out := make([]Entry[V], 0, len(keys))
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		if e, ok := c.store.Peek(k); ok {
			out = append(out, *e)
		}
	}
	return out
}

// Purge 清空缓存
func (c *Cache[V]) Purge() {
	n := c.store.Len()
	c.store.Purge()
	c.purged.Add(int64(n))
	c.metrics.purge(n)
	c.metrics.setSize(0)
}

// Len 当前条目数
func (c *Cache[V]) Len() int {
	return c.store.Len()
}

// Stats 统计快照
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Computations: c.computations.Load(),
		Shared:       c.shared.Load(),
		Evictions:    c.evictions.Load(),
		Expired:      c.expired.Load(),
		Purged:       c.purged.Load(),
		Size:         c.store.Len(),
	}
}
