// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package fetch

import (
	"fmt"

	"github.com/diffeo/go-loadengine/resource"
)

// Static is a Factory serving models from an in-process map.  It is
// mostly intended for tests and for data preloaded at startup.
type Static struct {
	blobs  map[string][]byte
	source resource.DataSource
}

// NewStatic creates a factory serving the given blobs as local data.
func NewStatic(blobs map[string][]byte) *Static {
	return &Static{blobs: blobs, source: resource.DataSourceLocal}
}

// NewStaticRemote creates a factory serving the given blobs but
// reporting them as remote data, so they are subject to disk cache
// write-through.  Tests of the cache path use this.
func NewStaticRemote(blobs map[string][]byte) *Static {
	return &Static{blobs: blobs, source: resource.DataSourceRemote}
}

// Handles implements Factory.
func (s *Static) Handles(model string) bool {
	_, present := s.blobs[model]
	return present
}

// New implements Factory.
func (s *Static) New(model string) resource.DataFetcher {
	return &staticFetcher{data: s.blobs[model], source: s.source}
}

type staticFetcher struct {
	data   []byte
	source resource.DataSource
}

func (f *staticFetcher) LoadData(priority resource.Priority, callback resource.DataCallback) {
	if f.data == nil {
		callback.OnLoadFailed(fmt.Errorf("no data"))
		return
	}
	// Hand out a copy; consumers may hold the slice beyond the
	// fetcher's lifetime.
	data := make([]byte, len(f.data))
	copy(data, f.data)
	callback.OnDataReady(data)
}

func (f *staticFetcher) Cancel()  {}
func (f *staticFetcher) Cleanup() {}

func (f *staticFetcher) DataSource() resource.DataSource {
	return f.source
}
