package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	DefaultCacheExpiration      = 10 * time.Minute
	DefaultCacheCleanupInterval = 30 * time.Minute
)

// Cached memoises another embedder's results in memory
type Cached struct {
	next  Embedder
	cache *gocache.Cache
}

// NewCached wraps next with a TTL cache keyed by a digest of the text
func NewCached(next Embedder, expiration, cleanupInterval time.Duration) *Cached {
	if expiration <= 0 {
		expiration = DefaultCacheExpiration
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCacheCleanupInterval
	}
	return &Cached{
		next:  next,
		cache: gocache.New(expiration, cleanupInterval),
	}
}

// Embed returns the cached vector for text, computing it on a miss.
// Failures are not cached.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	if v, found := c.cache.Get(key); found {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}

	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, vec)
	return vec, nil
}

// Ping delegates to the wrapped embedder
func (c *Cached) Ping(ctx context.Context) error {
	return Ping(ctx, c.next)
}

// Len returns the number of cached vectors
func (c *Cached) Len() int {
	return c.cache.ItemCount()
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
