package cacher

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// MemoryCacher is an in-process Cacher backed by go-cache, with singleflight
// preventing a stampede of fetches for the same key.
type MemoryCacher[T any] struct {
	cache *cache.Cache
	group singleflight.Group
}

// NewMemoryCacher creates a MemoryCacher.
//
// Parameters:
//   - defaultExpiration: TTL used when GetOrFetch is given cache.DefaultExpiration
//   - cleanupInterval: How often expired items are purged
//
// Returns:
//   - A new MemoryCacher
func NewMemoryCacher[T any](defaultExpiration, cleanupInterval time.Duration) *MemoryCacher[T] {
	return &MemoryCacher[T]{
		cache: cache.New(defaultExpiration, cleanupInterval),
	}
}

// GetOrFetch implements Cacher.
func (c *MemoryCacher[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T

	if v, ok := c.lookup(key); ok {
		return v, nil
	}

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	val, err, _ := c.group.Do(key, func() (any, error) {
		// Another caller may have filled the key while we waited.
		if v, ok := c.lookup(key); ok {
			return v, nil
		}

		fetched, err := fetchFn(ctx)
		if err != nil {
			return zero, err
		}

		c.cache.Set(key, fetched, ttl)
		return fetched, nil
	})
	if err != nil {
		return zero, err
	}

	typed, ok := val.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected type in cache for key %s", key)
	}

	return typed, nil
}

func (c *MemoryCacher[T]) lookup(key string) (T, bool) {
	if v, found := c.cache.Get(key); found {
		if typed, ok := v.(T); ok {
			return typed, true
		}
	}

	var zero T
	return zero, false
}

// Delete implements Cacher.
func (c *MemoryCacher[T]) Delete(key string) {
	c.cache.Delete(key)
}
