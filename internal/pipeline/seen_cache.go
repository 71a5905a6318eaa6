package pipeline

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

const defaultSeenCacheSize = 4096

// SeenCache is a bounded in-memory front for the durable dedup record.
// Concurrent misses for the same key are collapsed into a single storage
// lookup. Eviction is generational: when the active set fills, it becomes
// the previous generation and lookups consult both.
type SeenCache struct {
	mu      sync.Mutex
	active  map[string]struct{}
	prev    map[string]struct{}
	maxSize int

	group singleflight.Group
}

// NewSeenCache creates a cache holding up to roughly 2*maxSize keys.
func NewSeenCache(maxSize int) *SeenCache {
	if maxSize <= 0 {
		maxSize = defaultSeenCacheSize
	}
	return &SeenCache{
		active:  make(map[string]struct{}, maxSize),
		prev:    map[string]struct{}{},
		maxSize: maxSize,
	}
}

func seenKey(postID, topicID string) string {
	return postID + "\x00" + topicID
}

// Has reports whether the key is cached as seen. A false answer is not
// authoritative; callers fall through to Lookup.
func (c *SeenCache) Has(postID, topicID string) bool {
	key := seenKey(postID, topicID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[key]; ok {
		return true
	}
	_, ok := c.prev[key]
	return ok
}

// Mark records the key as seen.
func (c *SeenCache) Mark(postID, topicID string) {
	key := seenKey(postID, topicID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.active) >= c.maxSize {
		c.prev = c.active
		c.active = make(map[string]struct{}, c.maxSize)
	}
	c.active[key] = struct{}{}
}

// Lookup consults the durable store for a cache miss, collapsing
// concurrent misses for the same key into one call. A positive answer is
// cached.
func (c *SeenCache) Lookup(postID, topicID string, fetch func() (bool, error)) (bool, error) {
	key := seenKey(postID, topicID)
	v, err, _ := c.group.Do(key, func() (any, error) {
		seen, err := fetch()
		if err != nil {
			return false, err
		}
		if seen {
			c.Mark(postID, topicID)
		}
		return seen, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}
