// Package cacher provides a TTL cache that fills misses through a fetch
// function, collapsing concurrent misses on the same key into one fetch. The
// relay uses it to share target name lookups between sessions.
package cacher

import (
	"context"
	"time"
)

// FetchFunc loads the value for a key on a cache miss.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Cacher caches values of type T by string key.
type Cacher[T any] interface {
	// GetOrFetch returns the cached value for key, or calls fetchFn and caches
	// its result for ttl. Failed fetches are not cached.
	//
	// Parameters:
	//   - ctx: Context for cancellation, also passed to fetchFn
	//   - key: The cache key
	//   - ttl: Lifetime of a freshly fetched value
	//   - fetchFn: Loader called on a miss
	//
	// Returns:
	//   - The cached or fetched value
	//   - An error if ctx is done or fetchFn fails
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error)

	// Delete drops key so the next GetOrFetch fetches again.
	Delete(key string)
}
