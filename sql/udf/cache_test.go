package udf

import (
	"context"
	"testing"
	"time"
)

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(2)

	c.Set(ctx, "a", "1", CacheForever)
	c.Set(ctx, "b", "2", CacheForever)
	c.Set(ctx, "c", "3", CacheForever)

	if _, ok := c.Get(ctx, "a"); ok {
		t.Error("a should have been evicted")
	}
	if v, ok := c.Get(ctx, "b"); !ok || v != "2" {
		t.Errorf("b = %q, %v", v, ok)
	}

	// b was just read, so the next overflow evicts c.
	c.Set(ctx, "d", "4", CacheForever)
	if _, ok := c.Get(ctx, "c"); ok {
		t.Error("c should have been evicted")
	}
	if _, ok := c.Get(ctx, "b"); !ok {
		t.Error("b should survive")
	}
}

func TestLRUSetUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(2)

	c.Set(ctx, "a", "1", CacheForever)
	c.Set(ctx, "b", "2", CacheForever)
	c.Set(ctx, "a", "one", CacheForever)
	c.Set(ctx, "c", "3", CacheForever)

	// Updating a refreshed it, so b is the eviction victim.
	if _, ok := c.Get(ctx, "b"); ok {
		t.Error("b should have been evicted")
	}
	if v, ok := c.Get(ctx, "a"); !ok || v != "one" {
		t.Errorf("a = %q, %v", v, ok)
	}
}

func TestLRUTTLExpiresOnRead(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewLRUCache(10).(*lruCache)
	c.now = func() time.Time { return clock }

	c.Set(ctx, "a", "1", time.Minute)
	c.Set(ctx, "b", "2", CacheForever)

	clock = clock.Add(30 * time.Second)
	if v, ok := c.Get(ctx, "a"); !ok || v != "1" {
		t.Errorf("before expiry: a = %q, %v", v, ok)
	}

	clock = clock.Add(time.Hour)
	if _, ok := c.Get(ctx, "a"); ok {
		t.Error("a should have expired")
	}
	// No TTL means no expiry.
	if v, ok := c.Get(ctx, "b"); !ok || v != "2" {
		t.Errorf("b = %q, %v", v, ok)
	}
}

func TestLRUZeroTTLDisablesCaching(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(10)

	c.Set(ctx, "k", "v", 0)
	if v, ok := c.Get(ctx, "k"); ok {
		t.Errorf("zero ttl must not store, got %q", v)
	}

	// An existing entry is not touched by a zero-ttl Set.
	c.Set(ctx, "k", "v", time.Minute)
	c.Set(ctx, "k", "other", 0)
	if v, ok := c.Get(ctx, "k"); !ok || v != "v" {
		t.Errorf("k = %q, %v", v, ok)
	}
}

func TestLRUMinimumCapacity(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(0)
	c.Set(ctx, "a", "1", CacheForever)
	if v, ok := c.Get(ctx, "a"); !ok || v != "1" {
		t.Errorf("a = %q, %v", v, ok)
	}
	c.Set(ctx, "b", "2", CacheForever)
	if _, ok := c.Get(ctx, "a"); ok {
		t.Error("capacity floor is one entry")
	}
}
