package udf

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type (
	// Cache stores cascade results keyed by the request hash. Implementations
	// must be safe for concurrent use. A ttl of exactly zero disables caching:
	// Set must not store the value. Negative ttls (CacheForever) store without
	// an expiry. The in-process LRU below is the default; a Redis-backed
	// implementation lives under features/cache.
	Cache interface {
		Get(ctx context.Context, key string) (string, bool)
		Set(ctx context.Context, key, value string, ttl time.Duration)
	}

	lruCache struct {
		mu      sync.Mutex
		max     int
		entries map[string]*list.Element
		order   *list.List
		now     func() time.Time
	}

	lruEntry struct {
		key     string
		value   string
		expires time.Time
	}
)

// CacheForever marks an entry that never expires, distinct from a ttl of
// zero which disables caching entirely.
const CacheForever time.Duration = -1

// NewLRUCache returns a process-scoped result cache holding at most max
// entries. The least recently used entry is evicted on overflow; entries
// with a TTL expire on read.
func NewLRUCache(max int) Cache {
	if max < 1 {
		max = 1
	}
	return &lruCache{
		max:     max,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

func (c *lruCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return "", false
	}
	entry := el.Value.(*lruEntry)
	if !entry.expires.IsZero() && c.now().After(entry.expires) {
		c.order.Remove(el)
		delete(c.entries, key)
		return "", false
	}
	c.order.MoveToFront(el)
	return entry.value, true
}

func (c *lruCache) Set(_ context.Context, key, value string, ttl time.Duration) {
	if ttl == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = c.now().Add(ttl)
	}
	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*lruEntry)
		entry.value = value
		entry.expires = expires
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&lruEntry{key: key, value: value, expires: expires})
	c.entries[key] = el
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*lruEntry).key)
	}
}
