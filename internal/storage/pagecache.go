package storage

import (
	"github.com/golang/groupcache/lru"
)

// DefaultCacheCapacity is the default number of recently-evicted or
// recently-read pages a PageCache retains.
const DefaultCacheCapacity = 5

// PageCache is a fixed-capacity LRU of PageTrees, keyed by the byte
// position of the page on disk.
//
// EDUCATIONAL NOTE:
// -----------------
// A scan or a burst of updates against old records tends to touch the same
// handful of on-disk pages repeatedly. Re-reading and re-decoding a page on
// every touch would make that pattern quadratic; caching the decoded
// PageTree turns repeat touches into O(1) lookups. groupcache's lru.Cache
// supplies the get-promotes-to-MRU, insert-evicts-LRU bookkeeping so there
// is no reason to hand-roll a doubly linked list plus map here. PageCache
// additionally tracks MRU order itself, since groupcache's cache does not
// expose ordered iteration and the query/mutation engines need to walk
// "cache, most-recently-used first" per spec.md 4.6.
type PageCache struct {
	inner *lru.Cache
	order []int64 // front (index 0) is most recently used
}

// NewPageCache creates a PageCache holding at most capacity pages.
func NewPageCache(capacity int) *PageCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	c := &PageCache{inner: lru.New(capacity)}
	c.inner.OnEvicted = func(key lru.Key, _ interface{}) {
		c.removeFromOrder(key.(int64))
	}
	return c
}

// Get returns the cached page at position, promoting it to
// most-recently-used on a hit.
func (c *PageCache) Get(position int64) (*PageTree, bool) {
	v, ok := c.inner.Get(position)
	if !ok {
		return nil, false
	}
	c.removeFromOrder(position)
	c.order = append([]int64{position}, c.order...)
	return v.(*PageTree), true
}

// Put inserts tree under position, evicting the least-recently-used entry
// if the cache is already at capacity.
func (c *PageCache) Put(position int64, tree *PageTree) {
	c.removeFromOrder(position)
	c.inner.Add(position, tree)
	c.order = append([]int64{position}, c.order...)
}

// Len returns the number of pages currently cached.
func (c *PageCache) Len() int {
	return c.inner.Len()
}

// Positions returns the cached positions, most-recently-used first.
func (c *PageCache) Positions() []int64 {
	return append([]int64(nil), c.order...)
}

func (c *PageCache) removeFromOrder(position int64) {
	for i, p := range c.order {
		if p == position {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
