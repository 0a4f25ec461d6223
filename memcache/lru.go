// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package memcache provides the bounded in-memory tier of the load
// engine: a least-recently-used cache of decoded artifacts, bounded
// by total byte cost rather than entry count.  The engine moves
// resources here when their last consumer releases them, and moves
// them back out (via Remove) when a new consumer asks for them.
package memcache

import (
	"container/list"
	"sync"

	"github.com/diffeo/go-loadengine/resource"
)

// LRU is a least-recently-used resource cache with a fixed byte
// budget.  The cache can be safely accessed from multiple
// goroutines.
type LRU struct {
	maxSize int64

	lock        sync.Mutex
	evictList   *list.List
	index       map[resource.Key]*list.Element
	currentSize int64
	listener    resource.ResourceRemovedListener
}

type entry struct {
	key resource.Key
	res resource.Resource
}

// NewLRU creates an empty cache with a budget of maxSize bytes.
func NewLRU(maxSize int64) *LRU {
	return &LRU{
		maxSize:   maxSize,
		evictList: list.New(),
		index:     make(map[resource.Key]*list.Element),
	}
}

// SetResourceRemovedListener registers the single listener notified
// of evictions.  The engine installs itself here so evicted
// artifacts get recycled.
func (c *LRU) SetResourceRemovedListener(listener resource.ResourceRemovedListener) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.listener = listener
}

// Put adds a resource to the cache, possibly evicting older entries.
// If a resource is already stored under key it is displaced and
// returned; the caller decides what to do with it.  A resource whose
// byte cost alone exceeds the budget is refused (returned as the
// "displaced" value) rather than immediately evicting everything
// else for nothing.
func (c *LRU) Put(key resource.Key, res resource.Resource) resource.Resource {
	cost := int64(res.ByteCost())
	if cost > c.maxSize {
		return res
	}

	c.lock.Lock()

	var displaced resource.Resource
	if element, present := c.index[key]; present {
		old := element.Value.(*entry)
		displaced = old.res
		c.currentSize -= int64(old.res.ByteCost())
		old.res = res
		c.evictList.MoveToBack(element)
	} else {
		c.index[key] = c.evictList.PushBack(&entry{key: key, res: res})
	}
	c.currentSize += cost

	evicted, listener := c.trimToSize(c.maxSize)
	c.lock.Unlock()

	// Notify outside the lock: recycling can cascade into further
	// cache operations.
	if listener != nil {
		for _, res := range evicted {
			listener.OnResourceRemoved(res)
		}
	}
	return displaced
}

// Remove takes an entry out of the cache and returns it, or nil if
// the key is not present.  The removal listener is not notified;
// ownership of the resource passes to the caller.
func (c *LRU) Remove(key resource.Key) resource.Resource {
	c.lock.Lock()
	defer c.lock.Unlock()

	element, present := c.index[key]
	if !present {
		return nil
	}
	removed := element.Value.(*entry)
	delete(c.index, key)
	c.evictList.Remove(element)
	c.currentSize -= int64(removed.res.ByteCost())
	return removed.res
}

// CurrentSize returns the total byte cost of cached entries.
func (c *LRU) CurrentSize() int64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.currentSize
}

// MaxSize returns the byte budget.
func (c *LRU) MaxSize() int64 {
	return c.maxSize
}

// Clear evicts every entry, notifying the removal listener for each.
func (c *LRU) Clear() {
	c.lock.Lock()
	evicted, listener := c.trimToSize(0)
	c.lock.Unlock()

	if listener != nil {
		for _, res := range evicted {
			listener.OnResourceRemoved(res)
		}
	}
}

// trimToSize evicts least-recently-used entries until the cache fits
// in size bytes.  It runs under the cache lock and returns what was
// evicted along with the listener to tell about it.
func (c *LRU) trimToSize(size int64) ([]resource.Resource, resource.ResourceRemovedListener) {
	var evicted []resource.Resource
	for c.currentSize > size {
		head := c.evictList.Front()
		oldest := head.Value.(*entry)
		delete(c.index, oldest.key)
		c.evictList.Remove(head)
		c.currentSize -= int64(oldest.res.ByteCost())
		evicted = append(evicted, oldest.res)
	}
	return evicted, c.listener
}
