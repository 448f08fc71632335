package acl

import (
	"sync"
	"time"

	"github.com/quarryhq/quarry/types"
)

// decisionCache remembers positive access decisions so hot paths (the
// frontend re-checking the same operator every few seconds) skip the
// approval scan. Entries expire after the TTL, and hits always return
// the approval's own expiry so the caller can reject a cached grant
// whose approval has since lapsed. Denials are never cached; a fresh
// grant must take effect immediately.
type decisionCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[cacheKey]cacheEntry
}

type cacheKey struct {
	username string
	target   string
	mode     AccessMode
}

type cacheEntry struct {
	approvalExpires types.Timestamp
	cachedAt        types.Timestamp
}

func newDecisionCache(ttl time.Duration) *decisionCache {
	return &decisionCache{
		ttl:     ttl,
		entries: make(map[cacheKey]cacheEntry),
	}
}

// get returns the cached approval expiry for the key, if the entry is
// within its TTL.
func (c *decisionCache) get(username, target string, mode AccessMode, now types.Timestamp) (types.Timestamp, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[cacheKey{username, target, mode}]
	if !ok {
		return 0, false
	}
	if now >= entry.cachedAt.Add(c.ttl) {
		delete(c.entries, cacheKey{username, target, mode})
		return 0, false
	}
	return entry.approvalExpires, true
}

func (c *decisionCache) put(username, target string, mode AccessMode, approvalExpires, now types.Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey{username, target, mode}] = cacheEntry{
		approvalExpires: approvalExpires,
		cachedAt:        now,
	}
}

func (c *decisionCache) invalidate(username, target string, mode AccessMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey{username, target, mode})
}

// invalidateUser drops every mode's entry for (username, target).
func (c *decisionCache) invalidateUser(username, target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, mode := range []AccessMode{Read, Write, Query} {
		delete(c.entries, cacheKey{username, target, mode})
	}
}
