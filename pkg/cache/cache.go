// Package cache implements the proxy's in-memory, read-through cache.
//
// Entries are keyed by the opaque object key derived from the request path.
// Admission is size-gated and eviction is strict LRU: the least recently
// touched entry is dropped first whenever a write would push the cache over
// its configured byte budget.
package cache

import (
	"container/list"
	"sync"
)

// Entry is a single cached object. Get returns a copy of an entry's bytes so
// callers can mutate the returned slice without racing the cache's internal
// state.
type Entry struct {
	Key  string
	Data []byte
}

// entryNode is the value stored in the LRU list; lruElem lets Contains/Get
// move, and Delete/evictLocked remove, a specific node in O(1).
type entryNode struct {
	key     string
	data    []byte
	lruElem *list.Element
}

// Cache is a bounded, LRU-evicting, concurrency-safe key/byte-slice store.
//
// MaxTotalBytes bounds the sum of all resident entries; MaxEntryBytes bounds
// any single entry. Both are optional: a zero value disables the
// corresponding limit. Entries larger than MaxEntryBytes are never admitted;
// admitting an entry that would push TotalBytes() over MaxTotalBytes evicts
// least-recently-used entries first.
type Cache struct {
	mu            sync.Mutex
	entries       map[string]*entryNode
	lru           *list.List // front = most recently used, back = least recently used
	totalBytes    int64
	maxTotalBytes int64
	maxEntryBytes int64

	// evictions counts entries dropped by eviction, for metrics/tests.
	evictions int64
}

// New creates a Cache bounded by maxTotalBytes and maxEntryBytes. A zero
// value for either disables that particular limit.
func New(maxTotalBytes, maxEntryBytes int64) *Cache {
	return &Cache{
		entries:       make(map[string]*entryNode),
		lru:           list.New(),
		maxTotalBytes: maxTotalBytes,
		maxEntryBytes: maxEntryBytes,
	}
}

// Contains reports whether k is cached, refreshing its recency if so.
func (c *Cache) Contains(k string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.entries[k]
	if !ok {
		return false
	}
	c.lru.MoveToFront(node.lruElem)
	return true
}

// Get returns a copy of the cached bytes for k, refreshing its recency.
func (c *Cache) Get(k string) (data []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(node.lruElem)

	out := make([]byte, len(node.data))
	copy(out, node.data)
	return out, true
}

// MaybeAdd admits data under k if it fits the per-entry cap, evicting
// least-recently-used entries as needed to stay under the total budget. An
// entry that alone exceeds MaxTotalBytes is rejected silently, matching the
// build tool's expectation that caching is best-effort.
func (c *Cache) MaybeAdd(k string, data []byte) {
	size := int64(len(data))

	if c.maxEntryBytes > 0 && size > c.maxEntryBytes {
		return
	}
	if c.maxTotalBytes > 0 && size > c.maxTotalBytes {
		return
	}

	stored := make([]byte, size)
	copy(stored, data)

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[k]; ok {
		c.totalBytes -= int64(len(existing.data))
		c.lru.Remove(existing.lruElem)
		delete(c.entries, k)
	}

	if c.maxTotalBytes > 0 {
		for c.totalBytes+size > c.maxTotalBytes {
			back := c.lru.Back()
			if back == nil {
				break
			}
			c.evictLocked(back)
		}
	}

	node := &entryNode{key: k, data: stored}
	node.lruElem = c.lru.PushFront(node)
	c.entries[k] = node
	c.totalBytes += size
}

// Delete removes k if present. It is idempotent.
func (c *Cache) Delete(k string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.entries[k]
	if !ok {
		return
	}
	c.totalBytes -= int64(len(node.data))
	c.lru.Remove(node.lruElem)
	delete(c.entries, k)
}

// evictLocked removes the entry behind elem. Caller must hold c.mu.
func (c *Cache) evictLocked(elem *list.Element) {
	node := elem.Value.(*entryNode)
	c.totalBytes -= int64(len(node.data))
	c.lru.Remove(elem)
	delete(c.entries, node.key)
	c.evictions++
}

// TotalBytes returns the current sum of resident entry sizes.
func (c *Cache) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

// Len returns the number of resident entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Evictions returns the lifetime count of entries dropped by LRU eviction.
func (c *Cache) Evictions() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}
