package fault

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/subjectmap/internal/log"
)

const (
	DefaultCacheTTL             = 10 * time.Minute
	DefaultCacheCleanupInterval = 30 * time.Minute
)

// Cache is a read-through memoizing wrapper around a provider.
//
// Calls made for OriginSubscribe are served from the cache when possible.
// Calls made for OriginRefresh always reach the wrapped provider and replace
// the cached entry, so an explicit refresh is never answered with stale data.
// Errors are never cached.
type Cache[K comparable, V any] struct {
	next  Func[K, V]
	cache *gocache.Cache
	ttl   time.Duration
}

// NewCache wraps next with a cache whose entries expire after ttl.
func NewCache[K comparable, V any](next Func[K, V], ttl, cleanupInterval time.Duration) *Cache[K, V] {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCacheCleanupInterval
	}
	return &Cache[K, V]{
		next:  next,
		cache: gocache.New(ttl, cleanupInterval),
		ttl:   ttl,
	}
}

// Func returns the cache as a provider.
func (c *Cache[K, V]) Func() Func[K, V] {
	return c.Get
}

// Get returns the cached value for key or computes it with the wrapped
// provider.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (V, error) {
	ck := cacheKey(key)

	if OriginFrom(ctx) != OriginRefresh {
		if cached, found := c.cache.Get(ck); found {
			if v, ok := cached.(V); ok {
				log.Debug(log.CatCache, "cache hit", "key", ck)
				return v, nil
			}
			// Type assertion check to ensure the type is correct
			log.Error(log.CatCache, "wrong type assertion when getting value", "key", ck)
		}
	}

	v, err := c.next(ctx, key)
	if err != nil {
		return v, err
	}

	c.cache.Set(ck, v, c.ttl)
	return v, nil
}

// Invalidate drops the cached entries for keys.
func (c *Cache[K, V]) Invalidate(keys ...K) {
	for _, key := range keys {
		c.cache.Delete(cacheKey(key))
	}
}

// Flush drops every cached entry.
func (c *Cache[K, V]) Flush() {
	c.cache.Flush()
}

// Len returns the number of cached entries, including expired ones not yet
// cleaned up.
func (c *Cache[K, V]) Len() int {
	return c.cache.ItemCount()
}

func cacheKey[K comparable](key K) string {
	if s, ok := any(key).(string); ok {
		return s
	}
	return fmt.Sprintf("%v", key)
}
