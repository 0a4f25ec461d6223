// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package pool provides keyed object pools for recycling allocations
// whose useful identity is a size class rather than a specific
// object, most notably same-size byte buffers reused across decodes.
package pool

import "container/list"

// Grouped is a keyed multi-value pool ordered by group recency.  It
// behaves like an access-ordered map except that recency is tracked
// per group of interchangeable values, not per value: the caller
// cares about which size class is cold, never about which specific
// buffer is cold.
//
// Both Put and Get count as an access to the group, including a Get
// on a group that holds no values.  Grouped itself is not safe for
// concurrent use; callers such as Bytes wrap it in their own lock.
type Grouped struct {
	groups *list.List
	index  map[interface{}]*list.Element
}

// group is one size class: a key plus its stack of interchangeable
// values, most recently pooled last.
type group struct {
	key    interface{}
	values []interface{}
}

// NewGrouped creates an empty pool.
func NewGrouped() *Grouped {
	return &Grouped{
		groups: list.New(),
		index:  make(map[interface{}]*list.Element),
	}
}

// Put appends value to the group for key, creating the group if
// absent, and marks the group most recently used.
func (g *Grouped) Put(key, value interface{}) {
	entry := g.access(key)
	entry.values = append(entry.values, value)
}

// Get pops the most recently pooled value from the group for key,
// marking the group most recently used.  The access counts even if
// the group is empty or absent; an empty group is created so that a
// popular size class stays warm.  Returns nil if the group holds no
// values.
func (g *Grouped) Get(key interface{}) interface{} {
	entry := g.access(key)
	n := len(entry.values)
	if n == 0 {
		return nil
	}
	value := entry.values[n-1]
	entry.values[n-1] = nil
	entry.values = entry.values[:n-1]
	return value
}

// RemoveLast pops a value from the least recently used non-empty
// group.  Empty groups encountered on the way are deleted
// immediately; they are likely one-off sizes and keeping them only
// slows this scan down.  Returns nil once every group is empty.
func (g *Grouped) RemoveLast() interface{} {
	for element := g.groups.Back(); element != nil; {
		entry := element.Value.(*group)
		if n := len(entry.values); n > 0 {
			value := entry.values[n-1]
			entry.values[n-1] = nil
			entry.values = entry.values[:n-1]
			return value
		}
		prev := element.Prev()
		g.groups.Remove(element)
		delete(g.index, entry.key)
		element = prev
	}
	return nil
}

// Len returns the total number of pooled values across all groups.
func (g *Grouped) Len() int {
	n := 0
	for element := g.groups.Front(); element != nil; element = element.Next() {
		n += len(element.Value.(*group).values)
	}
	return n
}

// access finds or creates the group for key and moves it to the
// most-recently-used position.
func (g *Grouped) access(key interface{}) *group {
	if element, present := g.index[key]; present {
		g.groups.MoveToFront(element)
		return element.Value.(*group)
	}
	entry := &group{key: key}
	g.index[key] = g.groups.PushFront(entry)
	return entry
}
