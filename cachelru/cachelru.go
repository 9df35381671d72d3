// Package cachelru wraps hashicorp/golang-lru into a byte-budgeted cache
// for frequently accessed blobs and deltas — the eviction bound is total
// bytes, not entry count.
package cachelru

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ByteBounded is an LRU cache whose eviction is driven by a total byte
// budget rather than an entry count, since blobs and deltas vary wildly
// in size.
type ByteBounded struct {
	mu        sync.Mutex
	maxBytes  int64
	curBytes  int64
	lru       *lru.Cache[string, []byte]
}

// New creates a cache that evicts least-recently-used entries once the
// sum of cached payload sizes would exceed maxBytes. capacityHint is the
// underlying LRU's entry-count limit: once more than capacityHint entries
// are cached, the least recently used one is evicted even while the byte
// budget still has room.
func New(maxBytes int64, capacityHint int) *ByteBounded {
	if capacityHint <= 0 {
		capacityHint = 1024
	}
	c := &ByteBounded{maxBytes: maxBytes}
	l, _ := lru.NewWithEvict[string, []byte](capacityHint, func(_ string, v []byte) {
		c.curBytes -= int64(len(v))
	})
	c.lru = l
	return c
}

// Get returns a copy of the cached payload for key, if present.
func (c *ByteBounded) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// Put stores value under key, evicting least-recently-used entries until
// the cache fits within maxBytes (including the new entry).
func (c *ByteBounded) Put(key string, value []byte) {
	if c.maxBytes <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if int64(len(value)) > c.maxBytes {
		// Too large to ever fit; skip caching rather than evict everything.
		return
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	if old, ok := c.lru.Peek(key); ok {
		c.curBytes -= int64(len(old))
	}
	c.lru.Add(key, cp)
	c.curBytes += int64(len(cp))
	for c.curBytes > c.maxBytes {
		_, _, ok := c.lru.RemoveOldest()
		if !ok {
			break
		}
	}
}

// Remove evicts key if present.
func (c *ByteBounded) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Len returns the number of cached entries (for tests/metrics).
func (c *ByteBounded) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
