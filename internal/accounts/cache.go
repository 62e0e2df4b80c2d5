package accounts

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/mixaill76/evm_gateway/internal/monitoring"
	"github.com/mixaill76/evm_gateway/internal/utils"
)

// sharedLookupTimeout bounds a backend lookup shared by concurrent callers.
const sharedLookupTimeout = 5 * time.Second

type cachedKey struct {
	key      *APIKey
	cachedAt time.Time
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Size    int
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// CachedStore puts an LRU with TTL in front of a Store. Concurrent misses for
// the same key share one backend lookup. Unknown keys and errors are not cached.
type CachedStore struct {
	backend Store
	cache   *lru.Cache[string, *cachedKey]
	ttl     time.Duration
	clock   utils.Clock
	group   singleflight.Group
	metrics *monitoring.Metrics
	mu      sync.RWMutex

	hits   atomic.Uint64
	misses atomic.Uint64
}

func NewCachedStore(backend Store, maxSize int, ttl time.Duration, clock utils.Clock, metrics *monitoring.Metrics) (*CachedStore, error) {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if clock == nil {
		clock = utils.SystemClock
	}

	cache, err := lru.New[string, *cachedKey](maxSize)
	if err != nil {
		return nil, fmt.Errorf("accounts: failed to create key cache: %w", err)
	}
	return &CachedStore{
		backend: backend,
		cache:   cache,
		ttl:     ttl,
		clock:   clock,
		metrics: metrics,
	}, nil
}

func (c *CachedStore) Lookup(ctx context.Context, keyHash string) (*APIKey, error) {
	if key, ok := c.get(keyHash); ok {
		c.hits.Add(1)
		c.metrics.RecordAuthCache(true)
		return key, nil
	}
	c.misses.Add(1)
	c.metrics.RecordAuthCache(false)

	// The shared lookup must outlive the caller that started it, so it runs
	// detached from that caller's cancellation.
	lookupCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(keyHash, func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(lookupCtx, sharedLookupTimeout)
		defer cancel()
		key, err := c.backend.Lookup(lctx, keyHash)
		if err != nil {
			return nil, err
		}
		c.set(keyHash, key)
		return key, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		cp := *res.Val.(*APIKey)
		return &cp, nil
	}
}

func (c *CachedStore) get(keyHash string) (*APIKey, bool) {
	c.mu.RLock()
	entry, ok := c.cache.Get(keyHash)
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if c.clock().Sub(entry.cachedAt) > c.ttl {
		// re-check under the write lock so a fresh Set is not evicted
		c.mu.Lock()
		current, stillThere := c.cache.Get(keyHash)
		if stillThere && c.clock().Sub(current.cachedAt) > c.ttl {
			c.cache.Remove(keyHash)
		}
		c.mu.Unlock()
		return nil, false
	}
	cp := *entry.key
	return &cp, true
}

func (c *CachedStore) set(keyHash string, key *APIKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(keyHash, &cachedKey{key: key, cachedAt: c.clock()})
}

// Invalidate drops one key, e.g. after it was suspended.
func (c *CachedStore) Invalidate(keyHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(keyHash)
}

func (c *CachedStore) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

func (c *CachedStore) Stats() CacheStats {
	c.mu.RLock()
	size := c.cache.Len()
	c.mu.RUnlock()

	hits, misses := c.hits.Load(), c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total) * 100
	}
	return CacheStats{Size: size, Hits: hits, Misses: misses, HitRate: rate}
}
