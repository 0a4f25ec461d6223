// Copyright 2015-2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package main

import (
	"sync"

	"github.com/diffeo/go-loadengine/pool"
	"github.com/diffeo/go-loadengine/resource"
)

// rawDecoder is the identity decoder: the artifact is the source
// bytes themselves, held in a buffer drawn from the shared pool so
// recycled artifacts give their storage back.
type rawDecoder struct {
	buffers *pool.Bytes
}

func newRawDecoder(buffers *pool.Bytes) *rawDecoder {
	return &rawDecoder{buffers: buffers}
}

// Decode implements resource.Decoder.
func (d *rawDecoder) Decode(data []byte, width, height int, options resource.Options) (resource.Resource, error) {
	buf := d.buffers.Get(len(data))
	copy(buf, data)
	return &rawResource{data: buf, buffers: d.buffers}, nil
}

type rawResource struct {
	lock    sync.Mutex
	data    []byte
	buffers *pool.Bytes
}

func (r *rawResource) Value() interface{} {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.data
}

func (r *rawResource) ByteCost() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.data)
}

// Recycle returns the buffer to the pool.  The engine guarantees it
// is called at most once and only when nothing holds the resource.
func (r *rawResource) Recycle() {
	r.lock.Lock()
	buf := r.data
	r.data = nil
	r.lock.Unlock()
	if buf != nil {
		r.buffers.Put(buf)
	}
}
