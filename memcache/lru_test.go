// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package memcache

import (
	"testing"

	"github.com/diffeo/go-loadengine/resource"
	"github.com/stretchr/testify/assert"
)

// fakeResource is a trivially recyclable resource of a fixed cost.
type fakeResource struct {
	name     string
	cost     int
	recycled bool
}

func (r *fakeResource) Value() interface{} { return r.name }
func (r *fakeResource) ByteCost() int      { return r.cost }
func (r *fakeResource) Recycle()           { r.recycled = true }

// recorder collects eviction notifications.
type recorder struct {
	removed []resource.Resource
}

func (r *recorder) OnResourceRemoved(res resource.Resource) {
	r.removed = append(r.removed, res)
}

func key(model string) resource.Key {
	return resource.NewKey(resource.KeySpec{Model: model})
}

func TestPutRemove(t *testing.T) {
	c := NewLRU(100)
	res := &fakeResource{name: "a", cost: 10}

	assert.Nil(t, c.Put(key("a"), res))
	assert.Equal(t, int64(10), c.CurrentSize())

	got := c.Remove(key("a"))
	assert.Equal(t, res, got)
	assert.Equal(t, int64(0), c.CurrentSize())
	assert.Nil(t, c.Remove(key("a")))
}

func TestPutDisplaces(t *testing.T) {
	c := NewLRU(100)
	first := &fakeResource{name: "first", cost: 10}
	second := &fakeResource{name: "second", cost: 20}

	assert.Nil(t, c.Put(key("a"), first))
	displaced := c.Put(key("a"), second)
	assert.Equal(t, first, displaced)
	assert.Equal(t, int64(20), c.CurrentSize())
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU(100)
	listener := &recorder{}
	c.SetResourceRemovedListener(listener)

	a := &fakeResource{name: "a", cost: 40}
	b := &fakeResource{name: "b", cost: 40}
	c.Put(key("a"), a)
	c.Put(key("b"), b)

	// Touch "a" so "b" becomes the eviction candidate.
	assert.Equal(t, a, c.Remove(key("a")))
	c.Put(key("a"), a)

	c.Put(key("c"), &fakeResource{name: "c", cost: 40})
	assert.Equal(t, []resource.Resource{b}, listener.removed)
	assert.Equal(t, int64(80), c.CurrentSize())
}

func TestRemoveDoesNotNotify(t *testing.T) {
	c := NewLRU(100)
	listener := &recorder{}
	c.SetResourceRemovedListener(listener)

	c.Put(key("a"), &fakeResource{name: "a", cost: 10})
	c.Remove(key("a"))
	assert.Empty(t, listener.removed)
}

func TestOversizedResourceRefused(t *testing.T) {
	c := NewLRU(50)
	listener := &recorder{}
	c.SetResourceRemovedListener(listener)

	small := &fakeResource{name: "small", cost: 10}
	c.Put(key("small"), small)

	huge := &fakeResource{name: "huge", cost: 60}
	assert.Equal(t, huge, c.Put(key("huge"), huge))

	// The existing entry survives and nothing was evicted.
	assert.Equal(t, int64(10), c.CurrentSize())
	assert.Empty(t, listener.removed)
}

func TestClear(t *testing.T) {
	c := NewLRU(100)
	listener := &recorder{}
	c.SetResourceRemovedListener(listener)

	c.Put(key("a"), &fakeResource{name: "a", cost: 10})
	c.Put(key("b"), &fakeResource{name: "b", cost: 10})
	c.Clear()

	assert.Equal(t, int64(0), c.CurrentSize())
	assert.Len(t, listener.removed, 2)
	assert.Nil(t, c.Remove(key("a")))
}
