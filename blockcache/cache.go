// Package blockcache implements the process-wide LRU cache of
// fixed-size filesystem blocks that sits between every DiskBackedFS
// and its underlying BlockDevice. See spec §3/§4.1: entries are keyed
// by (filesystem-id, block-index) so that unrelated filesystem
// instances never collide, and the cache is shared across all of them
// rather than being reinstantiated per mount.
package blockcache

import (
	"container/list"
	"sync"
)

// DefaultCapacity is the number of blocks kept resident before the
// cache starts evicting the least-recently-used entry.
const DefaultCapacity = 4096

// Key identifies one cached block.
type Key struct {
	FSID        uint32
	BlockIndex  uint64
}

type entry struct {
	key  Key
	data []byte
}

// Cache is a process-wide, size-bounded LRU of block contents. It is
// safe for concurrent use; a single instance is meant to be shared by
// every DiskBackedFS / block.Device in the process, the way spec §5
// describes "the process-wide block cache is shared across all
// filesystem instances."
type Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	index    map[Key]*list.Element
}

// New creates a block cache holding up to capacity blocks. A capacity
// of 0 or less falls back to DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[Key]*list.Element),
	}
}

// Get returns the cached bytes for key, and whether they were present.
// The returned slice is a defensive copy; callers may mutate it freely.
func (c *Cache) Get(key Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	e := el.Value.(*entry)
	out := make([]byte, len(e.data))
	copy(out, e.data)
	return out, true
}

// Put installs or overwrites the cached bytes for key, evicting the
// least-recently-used entry if the cache is at capacity. The engine
// never treats cache mutation as fallible (spec §4.1: "Cache mutation
// is infallible").
func (c *Cache) Put(key Key, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)

	if el, ok := c.index[key]; ok {
		el.Value.(*entry).data = stored
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&entry{key: key, data: stored})
	c.index[key] = el

	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.index, oldest.Value.(*entry).key)
	}
}

// Invalidate drops any cached entry for key, e.g. after a block is
// freed back to the filesystem and must never be served stale.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.ll.Remove(el)
		delete(c.index, key)
	}
}

// InvalidateFS drops every entry belonging to a given filesystem id,
// used on unmount so a later filesystem reusing the same id never
// observes another mount's stale blocks.
func (c *Cache) InvalidateFS(fsID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, el := range c.index {
		if key.FSID == fsID {
			c.ll.Remove(el)
			delete(c.index, key)
		}
	}
}

// Len reports the number of blocks currently resident, for tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
