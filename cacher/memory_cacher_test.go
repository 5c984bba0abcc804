package cacher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMemoryCacher(t *testing.T) {
	c := NewMemoryCacher[string](time.Minute, 10*time.Minute)
	require.NotNil(t, c)
	require.NotNil(t, c.cache)
	assert.Equal(t, 0, c.cache.ItemCount())

	var _ Cacher[string] = c
}

func TestMemoryCacher_GetOrFetch(t *testing.T) {
	ctx := context.Background()

	t.Run("miss fetches and caches", func(t *testing.T) {
		c := NewMemoryCacher[[]string](cache.NoExpiration, time.Minute)
		calls := 0
		fetch := func(context.Context) ([]string, error) {
			calls++
			return []string{"127.0.0.1"}, nil
		}

		v, err := c.GetOrFetch(ctx, "localhost", time.Minute, fetch)
		require.NoError(t, err)
		assert.Equal(t, []string{"127.0.0.1"}, v)

		v, err = c.GetOrFetch(ctx, "localhost", time.Minute, fetch)
		require.NoError(t, err)
		assert.Equal(t, []string{"127.0.0.1"}, v)
		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, c.cache.ItemCount())
	})

	t.Run("errors are not cached", func(t *testing.T) {
		c := NewMemoryCacher[string](cache.NoExpiration, time.Minute)

		_, err := c.GetOrFetch(ctx, "k", time.Minute, func(context.Context) (string, error) {
			return "", assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)

		v, err := c.GetOrFetch(ctx, "k", time.Minute, func(context.Context) (string, error) {
			return "ok", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "ok", v)
	})

	t.Run("expired values are fetched again", func(t *testing.T) {
		c := NewMemoryCacher[string](cache.NoExpiration, time.Minute)
		var calls atomic.Int32
		fetch := func(context.Context) (string, error) {
			calls.Add(1)
			return "v", nil
		}

		_, err := c.GetOrFetch(ctx, "k", 20*time.Millisecond, fetch)
		require.NoError(t, err)
		time.Sleep(40 * time.Millisecond)
		_, err = c.GetOrFetch(ctx, "k", 20*time.Millisecond, fetch)
		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("cancelled context skips fetch", func(t *testing.T) {
		c := NewMemoryCacher[string](cache.NoExpiration, time.Minute)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		called := false
		_, err := c.GetOrFetch(cctx, "k", time.Minute, func(context.Context) (string, error) {
			called = true
			return "v", nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})

	t.Run("concurrent misses share one fetch", func(t *testing.T) {
		c := NewMemoryCacher[int](cache.NoExpiration, time.Minute)
		var calls atomic.Int32
		release := make(chan struct{})
		fetch := func(context.Context) (int, error) {
			calls.Add(1)
			<-release
			return 42, nil
		}

		const n = 20
		var wg sync.WaitGroup
		results := make([]int, n)
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func(idx int) {
				defer wg.Done()
				v, err := c.GetOrFetch(ctx, "k", time.Minute, fetch)
				assert.NoError(t, err)
				results[idx] = v
			}(i)
		}

		time.Sleep(20 * time.Millisecond)
		close(release)
		wg.Wait()

		assert.Equal(t, int32(1), calls.Load())
		for _, v := range results {
			assert.Equal(t, 42, v)
		}
	})
}

func TestMemoryCacher_Delete(t *testing.T) {
	c := NewMemoryCacher[string](cache.NoExpiration, time.Minute)
	ctx := context.Background()
	calls := 0
	fetch := func(context.Context) (string, error) {
		calls++
		return "v", nil
	}

	_, _ = c.GetOrFetch(ctx, "k", time.Minute, fetch)
	c.Delete("k")
	c.Delete("missing")
	assert.Equal(t, 0, c.cache.ItemCount())

	_, _ = c.GetOrFetch(ctx, "k", time.Minute, fetch)
	assert.Equal(t, 2, calls)
}
