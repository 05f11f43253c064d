package dns

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Defaults for NewCache.
const (
	DefaultCacheSize = 4096
	DefaultCacheTTL  = 5 * time.Minute
)

type cacheKey struct {
	t    Type
	name string
}

type cacheEntry struct {
	records  []string
	notFound bool
}

// Cache is a Resolver that remembers answers and NXDOMAIN results of the
// Resolver it wraps for a fixed TTL.  Failures and timeouts are not cached.
// It is safe for concurrent use and meant to be shared by all checks.
type Cache struct {
	next Resolver
	lru  *expirable.LRU[cacheKey, cacheEntry]
}

var _ Resolver = (*Cache)(nil)

// NewCache wraps next.  size bounds the number of entries and ttl their
// lifetime; zero values select DefaultCacheSize and DefaultCacheTTL.
func NewCache(next Resolver, size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		next: next,
		lru:  expirable.NewLRU[cacheKey, cacheEntry](size, nil, ttl),
	}
}

// Lookup implements Resolver.
func (c *Cache) Lookup(ctx context.Context, t Type, name string) ([]string, error) {
	key := cacheKey{t: t, name: canonical(name)}
	if e, ok := c.lru.Get(key); ok {
		if e.notFound {
			return nil, ErrNoDNSrecord
		}
		return append([]string(nil), e.records...), nil
	}

	records, err := c.next.Lookup(ctx, t, name)
	switch {
	case err == nil:
		c.lru.Add(key, cacheEntry{records: append([]string(nil), records...)})
	case IsNotFound(err):
		c.lru.Add(key, cacheEntry{notFound: true})
	}
	return records, err
}

// Len returns the number of cached entries, expired ones included until
// they are purged.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Purge drops all entries.
func (c *Cache) Purge() {
	c.lru.Purge()
}
