package token

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"

	"aegis.dev/internal/wa"
)

// DefaultCacheSize bounds the verification cache when no size is configured.
const DefaultCacheSize = 1024

type cacheEntry struct {
	ctx     wa.AuthorizationContext
	version uint64
}

// Cache memoizes successful verifications. Entries are keyed by a hash of
// the raw token and carry the certificate version seen at verification
// time; a hit is honored only while that version is still current, so
// rotation and revocation invalidate cached results immediately.
type Cache struct {
	lru *lru.Cache[string, cacheEntry]
}

// NewCache returns a bounded cache. size <= 0 selects DefaultCacheSize.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("token: cache: %w", err)
	}
	return &Cache{lru: c}, nil
}

func cacheKey(token string) string {
	sum := blake3.Sum256([]byte(token))
	return string(sum[:])
}

// Get returns the cached context for a token when the stored certificate
// version matches currentVersion. A version mismatch evicts the entry.
func (c *Cache) Get(token string, currentVersion uint64) (wa.AuthorizationContext, bool) {
	key := cacheKey(token)
	entry, ok := c.lru.Get(key)
	if !ok {
		return wa.AuthorizationContext{}, false
	}
	if entry.version != currentVersion {
		c.lru.Remove(key)
		return wa.AuthorizationContext{}, false
	}
	return entry.ctx, true
}

// Put stores a verified context under the token's hash.
func (c *Cache) Put(token string, ctx wa.AuthorizationContext, version uint64) {
	c.lru.Add(cacheKey(token), cacheEntry{ctx: ctx, version: version})
}

// Remove drops a token's entry, if present.
func (c *Cache) Remove(token string) {
	c.lru.Remove(cacheKey(token))
}

// Purge empties the cache.
func (c *Cache) Purge() { c.lru.Purge() }

// Len reports the number of live entries.
func (c *Cache) Len() int { return c.lru.Len() }
