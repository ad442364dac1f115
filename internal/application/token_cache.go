package application

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// tokenCache remembers recently verified tokens so that the hash is not
// recomputed on every request. Keys are digests, never raw tokens.
type tokenCache struct {
	mu         sync.RWMutex
	now        func() time.Time
	ttl        time.Duration
	maxEntries int
	entries    map[string]tokenCacheEntry
}

type tokenCacheEntry struct {
	principal Principal
	expiresAt time.Time
}

func newTokenCache(ttl time.Duration, maxEntries int, now func() time.Time) *tokenCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 256
	}
	if now == nil {
		now = time.Now
	}
	return &tokenCache{
		now:        now,
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]tokenCacheEntry),
	}
}

func tokenCacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (c *tokenCache) Get(key string) (Principal, bool) {
	if c == nil {
		return Principal{}, false
	}
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Principal{}, false
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return Principal{}, false
	}
	return entry.principal, true
}

func (c *tokenCache) Store(key string, principal Principal) {
	if c == nil {
		return
	}
	expiry := c.now().Add(c.ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanupLocked()
	if len(c.entries) >= c.maxEntries {
		c.evictOneLocked()
	}
	c.entries[key] = tokenCacheEntry{principal: principal, expiresAt: expiry}
}

func (c *tokenCache) Invalidate() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries = make(map[string]tokenCacheEntry)
	c.mu.Unlock()
}

func (c *tokenCache) cleanupLocked() {
	now := c.now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}

func (c *tokenCache) evictOneLocked() {
	for key := range c.entries {
		delete(c.entries, key)
		return
	}
}
