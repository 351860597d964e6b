// Package redis provides a UDF result cache shared across processes, backed
// by Redis. Never-expiring entries are capped at the configured default TTL
// so the keyspace stays bounded.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"rvbbit.dev/rvbbit/runtime/cascade/telemetry"
)

type (
	// Cache implements udf.Cache on a Redis client.
	Cache struct {
		client     goredis.UniversalClient
		prefix     string
		defaultTTL time.Duration
		logger     telemetry.Logger
	}

	// Option configures a Cache.
	Option func(*Cache)
)

// WithPrefix sets the key namespace. Defaults to "rvbbit:udf:".
func WithPrefix(prefix string) Option {
	return func(c *Cache) { c.prefix = prefix }
}

// WithDefaultTTL bounds never-expiring entries.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *Cache) { c.defaultTTL = d }
}

// WithLogger overrides the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New wraps a Redis client. Cache misses and Redis failures both report as
// misses; the UDF runtime recomputes on miss, so a flaky Redis degrades to
// slower queries rather than errors.
func New(client goredis.UniversalClient, opts ...Option) *Cache {
	c := &Cache{
		client:     client,
		prefix:     "rvbbit:udf:",
		defaultTTL: 7 * 24 * time.Hour,
		logger:     telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get implements udf.Cache.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	val, err := c.client.Get(ctx, c.prefix+key).Result()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.logger.Warn(ctx, "redis cache get failed", "err", err)
		}
		return "", false
	}
	return val, true
}

// Set implements udf.Cache. A ttl of zero disables caching; negative ttls
// mean no expiry and are capped at the default TTL.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if ttl == 0 {
		return
	}
	if ttl < 0 {
		ttl = c.defaultTTL
	}
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		c.logger.Warn(ctx, "redis cache set failed", "err", err)
	}
}
