package idpkit

import (
	"context"
	"sync"
	"time"
)

// Cache is a TTL'd cache-aside helper: values come from the loader on miss
// and are then held for the configured duration. It composes in front of any
// store interface without that store knowing.
type Cache[T any] struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry[T]
}

type cacheEntry[T any] struct {
	value   T
	expires time.Time
}

// NewCache creates a cache holding entries for ttl.
func NewCache[T any](ttl time.Duration) *Cache[T] {
	return &Cache[T]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry[T]),
	}
}

// GetOrCompute returns the cached value for key, or invokes loader and caches
// its result. Loader errors are not cached.
func (c *Cache[T]) GetOrCompute(ctx context.Context, key string, loader func(ctx context.Context) (T, error)) (T, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	val, err := loader(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry[T]{value: val, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()

	return val, nil
}

// Invalidate drops the entry for key, if present.
func (c *Cache[T]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// CachingClientStore wraps a ClientStore with a read-through cache. Client
// records are read-mostly configuration, so a short TTL removes most store
// round trips without a meaningful staleness window.
type CachingClientStore struct {
	inner ClientStore
	cache *Cache[*Client]
}

// NewCachingClientStore wraps inner with the given TTL.
func NewCachingClientStore(inner ClientStore, ttl time.Duration) *CachingClientStore {
	return &CachingClientStore{inner: inner, cache: NewCache[*Client](ttl)}
}

func (c *CachingClientStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	return c.cache.GetOrCompute(ctx, clientID, func(ctx context.Context) (*Client, error) {
		return c.inner.GetClient(ctx, clientID)
	})
}

// CachingScopeStore wraps a ScopeStore with a per-name read-through cache.
type CachingScopeStore struct {
	inner ScopeStore
	cache *Cache[*Scope]
}

// NewCachingScopeStore wraps inner with the given TTL.
func NewCachingScopeStore(inner ScopeStore, ttl time.Duration) *CachingScopeStore {
	return &CachingScopeStore{inner: inner, cache: NewCache[*Scope](ttl)}
}

func (c *CachingScopeStore) GetScopesByName(ctx context.Context, names []string) ([]Scope, error) {
	var out []Scope
	for _, name := range names {
		sc, err := c.cache.GetOrCompute(ctx, name, func(ctx context.Context) (*Scope, error) {
			scopes, err := c.inner.GetScopesByName(ctx, []string{name})
			if err != nil {
				return nil, err
			}
			if len(scopes) == 0 {
				return nil, nil
			}
			cp := scopes[0]
			return &cp, nil
		})
		if err != nil {
			return nil, err
		}
		if sc != nil {
			out = append(out, *sc)
		}
	}
	return out, nil
}

var (
	_ ClientStore = (*CachingClientStore)(nil)
	_ ScopeStore  = (*CachingScopeStore)(nil)
)
