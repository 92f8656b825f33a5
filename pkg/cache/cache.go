// Package cache holds recently appended and fetched record batches in memory.
package cache

import (
	"container/list"
	"sync"

	"github.com/fluxorio/replstream/pkg/metrics"
	"github.com/fluxorio/replstream/pkg/model"
)

// Key identifies one batch.
type Key struct {
	StreamID   int64
	RangeIndex int32
	BaseOffset uint64
}

// KeyOf returns the key of b.
func KeyOf(b model.Block) Key {
	return Key{StreamID: b.StreamID, RangeIndex: b.RangeIndex, BaseOffset: b.BaseOffset}
}

type entry struct {
	key   Key
	block model.Block
}

// Cache is a byte-bounded LRU of blocks. A nil *Cache is valid and caches
// nothing.
type Cache struct {
	mu       sync.Mutex
	maxBytes int64
	bytes    int64
	ll       *list.List
	items    map[Key]*list.Element
	metrics  *metrics.Metrics
}

// New creates a cache holding at most maxBytes of block data.
func New(maxBytes int64, m *metrics.Metrics) *Cache {
	return &Cache{
		maxBytes: maxBytes,
		ll:       list.New(),
		items:    make(map[Key]*list.Element),
		metrics:  m,
	}
}

// Get returns the block stored under k.
func (c *Cache) Get(k Key) (model.Block, bool) {
	if c == nil {
		return model.Block{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[k]
	if !ok {
		c.metrics.RecordCacheLookup(false)
		return model.Block{}, false
	}
	c.ll.MoveToFront(el)
	c.metrics.RecordCacheLookup(true)
	return el.Value.(*entry).block, true
}

// Put stores b, evicting the least recently used blocks to stay within the
// byte bound. Blocks larger than the bound are not cached.
func (c *Cache) Put(b model.Block) {
	if c == nil {
		return
	}
	size := int64(len(b.Data))
	if size > c.maxBytes {
		return
	}
	k := KeyOf(b)

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[k]; ok {
		old := el.Value.(*entry)
		c.bytes += size - int64(len(old.block.Data))
		old.block = b
		c.ll.MoveToFront(el)
	} else {
		c.items[k] = c.ll.PushFront(&entry{key: k, block: b})
		c.bytes += size
	}
	for c.bytes > c.maxBytes {
		c.removeElement(c.ll.Back())
	}
	c.metrics.SetCacheBytes(c.bytes)
}

// RemoveRange drops every block of one range.
func (c *Cache) RemoveRange(streamID int64, rangeIndex int32) int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, el := range c.items {
		if k.StreamID == streamID && k.RangeIndex == rangeIndex {
			c.removeElement(el)
			n++
		}
	}
	c.metrics.SetCacheBytes(c.bytes)
	return n
}

func (c *Cache) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.items, e.key)
	c.bytes -= int64(len(e.block.Data))
}

// Len returns the number of cached blocks.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Bytes returns the cached payload size.
func (c *Cache) Bytes() int64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}
