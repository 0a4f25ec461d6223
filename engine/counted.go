// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package engine

import (
	"sync"

	"github.com/diffeo/go-loadengine/resource"
)

// resourceListener is told when a counted resource's last consumer
// releases it.  The engine implements this and decides whether the
// resource goes to the memory cache or to the recycler; the resource
// itself never knows which tier it belongs to.
type resourceListener interface {
	onResourceReleased(key resource.Key, res *countedResource)
}

// countedResource wraps exactly one decoded resource in an acquire
// count.  It is what load callbacks actually receive; callers give
// it back through Engine.Release.  At any moment a counted resource
// is owned by exactly one of: the active table, the memory cache, or
// its consumers (via the count).
type countedResource struct {
	res        resource.Resource
	key        resource.Key
	cacheable  bool
	recyclable bool
	listener   resourceListener

	lock     sync.Mutex
	acquired int
	recycled bool
	demoted  bool
}

// newCountedResource wraps res with an acquire count of zero; the
// creator acquires it before handing it anywhere.
func newCountedResource(res resource.Resource, cacheable, recyclable bool,
	key resource.Key, listener resourceListener) *countedResource {
	return &countedResource{
		res:        res,
		key:        key,
		cacheable:  cacheable,
		recyclable: recyclable,
		listener:   listener,
	}
}

// Value implements resource.Resource.
func (c *countedResource) Value() interface{} {
	return c.res.Value()
}

// ByteCost implements resource.Resource.
func (c *countedResource) ByteCost() int {
	return c.res.ByteCost()
}

// Recycle implements resource.Resource.  Only an unreferenced
// resource may be recycled; the engine calls this when no cache tier
// wants the resource any longer.
func (c *countedResource) Recycle() {
	c.lock.Lock()
	if c.acquired > 0 {
		c.lock.Unlock()
		panic(resource.ErrAlreadyRecycled)
	}
	if c.recycled {
		c.lock.Unlock()
		return
	}
	c.recycled = true
	recycle := c.recyclable
	c.lock.Unlock()

	if recycle {
		c.res.Recycle()
	}
}

// acquire adds a consumer.  Acquiring a resource that has already
// been recycled is a programming error and panics.  Re-acquiring a
// demoted resource (a memory cache hit) arms it for a fresh demotion
// on its next last release.
func (c *countedResource) acquire() {
	c.lock.Lock()
	if c.recycled {
		c.lock.Unlock()
		panic(resource.ErrAlreadyRecycled)
	}
	c.acquired++
	c.demoted = false
	c.lock.Unlock()
}

// release drops a consumer.  When the count reaches zero the
// listener is notified, exactly once, outside the resource's lock.
func (c *countedResource) release() {
	c.lock.Lock()
	if c.acquired <= 0 {
		c.lock.Unlock()
		panic(resource.ErrAlreadyRecycled)
	}
	c.acquired--
	last := c.acquired == 0
	listener := c.listener
	c.lock.Unlock()

	if last && listener != nil {
		listener.onResourceReleased(c.key, c)
	}
}

// tryDemote claims the resource for a single demotion.  The claim
// succeeds only while the count is still zero and no other zero
// crossing has already claimed it: a release can race with a load
// that re-acquires the wrapper from the active table, and in that
// case the resource must stay where it is.  Callers serialize with
// the re-acquisition paths through the engine lock.
func (c *countedResource) tryDemote() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.acquired > 0 || c.recycled || c.demoted {
		return false
	}
	c.demoted = true
	return true
}

// neutralize detaches the wrapper from the engine: later releases
// become inert and the payload will never be recycled through this
// wrapper.  The sweeper uses this on wrappers it cannot prove are
// dead, since their payload may now be shared with a revived copy.
func (c *countedResource) neutralize() {
	c.lock.Lock()
	c.listener = nil
	c.recyclable = false
	c.lock.Unlock()
}
