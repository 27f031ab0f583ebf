package relay

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const cacheKey = "relay_credentials"

// CachedSource reuses fetched credentials until shortly before they expire,
// so a reconnect or the fallback attempt does not mint a new token.
type CachedSource struct {
	inner  Source
	ttl    time.Duration
	margin time.Duration
	cache  *gocache.Cache
	mu     sync.Mutex
}

// NewCachedSource caches for ttl when the credentials carry no TTL of their own.
func NewCachedSource(inner Source, ttl time.Duration) *CachedSource {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedSource{
		inner:  inner,
		ttl:    ttl,
		margin: 30 * time.Second,
		cache:  gocache.New(ttl, 2*ttl),
	}
}

func (c *CachedSource) Fetch(ctx context.Context) (Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.cache.Get(cacheKey); ok {
		return v.(Credentials), nil
	}
	creds, err := c.inner.Fetch(ctx)
	if err != nil {
		return Credentials{}, err
	}
	ttl := c.ttl
	if creds.TTL > 0 {
		ttl = creds.TTL
	}
	if ttl > 2*c.margin {
		ttl -= c.margin
	}
	c.cache.Set(cacheKey, creds, ttl)
	return creds, nil
}

// Invalidate drops cached credentials, e.g. after the relay rejected them.
func (c *CachedSource) Invalidate() {
	c.cache.Delete(cacheKey)
}

var _ Source = (*CachedSource)(nil)
