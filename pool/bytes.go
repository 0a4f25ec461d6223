// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package pool

import "sync"

// Bytes is a pool of byte buffers grouped by exact length and
// bounded by a total byte budget.  Decoders ask it for scratch
// buffers; when the budget overflows, whole least-recently-used size
// classes are dropped first.  Bytes is safe for concurrent use.
type Bytes struct {
	maxSize int

	lock        sync.Mutex
	groups      *Grouped
	currentSize int
}

// NewBytes creates a byte buffer pool with a total budget of maxSize
// bytes.
func NewBytes(maxSize int) *Bytes {
	return &Bytes{
		maxSize: maxSize,
		groups:  NewGrouped(),
	}
}

// Get returns a buffer of exactly size bytes, reusing a pooled one
// when the size class has any, allocating otherwise.  The contents
// of a reused buffer are unspecified.
func (p *Bytes) Get(size int) []byte {
	p.lock.Lock()
	pooled := p.groups.Get(size)
	if pooled != nil {
		p.currentSize -= size
	}
	p.lock.Unlock()

	if pooled != nil {
		return pooled.([]byte)
	}
	return make([]byte, size)
}

// Put offers a buffer back to the pool.  Buffers larger than half
// the total budget are dropped rather than pooled; a single huge
// buffer would evict everything else for one unlikely reuse.
func (p *Bytes) Put(buf []byte) {
	size := len(buf)
	if size == 0 || size > p.maxSize/2 {
		return
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	p.groups.Put(size, buf)
	p.currentSize += size
	for p.currentSize > p.maxSize {
		evicted := p.groups.RemoveLast()
		if evicted == nil {
			p.currentSize = 0
			break
		}
		p.currentSize -= len(evicted.([]byte))
	}
}

// CurrentSize returns the total bytes currently pooled.
func (p *Bytes) CurrentSize() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.currentSize
}

// Clear drops every pooled buffer.
func (p *Bytes) Clear() {
	p.lock.Lock()
	defer p.lock.Unlock()

	for p.groups.RemoveLast() != nil {
	}
	p.currentSize = 0
}
