// Package tokencache caches refreshed OAuth access tokens per account and
// single-flights the refresh call so concurrent Connects for the same
// account never race two refresh requests against the provider
// (SPEC_FULL.md §4.I "Access token cache").
package tokencache

import (
	"context"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/catemails/engine/internal/models"
)

// Cache is a process-wide, short-TTL store of CachedToken keyed by account
// refresh token. A single Cache is shared by every Client a Factory hands
// out, matching the "per-process, short-TTL, no cross-instance sharing"
// characterization in DESIGN.md (ruling out redis/go-redis in favor of
// go-cache).
type Cache struct {
	store *cache.Cache

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a Cache whose entries expire after ttl; expired entries are
// swept every 2*ttl.
func New(ttl time.Duration) *Cache {
	return &Cache{
		store: cache.New(ttl, ttl*2),
		locks: make(map[string]*sync.Mutex),
	}
}

// GetOrRefresh returns the cached token for key if it is not within skew of
// expiring, otherwise calls refresh under a per-key lock and caches the
// result. Concurrent callers for the same key block on the same lock
// rather than issuing duplicate refresh calls.
func (c *Cache) GetOrRefresh(ctx context.Context, key string, skew time.Duration, refresh func(ctx context.Context) (*models.CachedToken, error)) (*models.CachedToken, error) {
	if tok, ok := c.lookup(key, skew); ok {
		return tok, nil
	}

	lock := c.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if tok, ok := c.lookup(key, skew); ok {
		return tok, nil
	}

	tok, err := refresh(ctx)
	if err != nil {
		return nil, err
	}
	c.store.SetDefault(key, tok)
	return tok, nil
}

func (c *Cache) lookup(key string, skew time.Duration) (*models.CachedToken, bool) {
	v, ok := c.store.Get(key)
	if !ok {
		return nil, false
	}
	tok := v.(*models.CachedToken)
	if tok.Expired(skew) {
		return nil, false
	}
	return tok, true
}

func (c *Cache) keyLock(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}
