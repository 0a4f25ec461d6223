// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package resource defines the abstract API to the load engine.
//
// In most cases, applications will hold a concrete engine.Engine and
// hand it implementations of the collaborator interfaces defined here:
// a MemoryCache, a DiskCache, a Decoder for each artifact format they
// care about, and a DataFetcher per kind of data source.  The engine
// package composes these into the three-tier cache described in its
// documentation.
//
// In general, objects here have a small amount of immutable data (a
// Key never changes once built, for instance) and accessors of these
// return the value directly.  Operations that touch shared or
// persistent state return the value and an error.
package resource

// Resource is an opaque decoded artifact.  A Resource is produced by
// a Decoder, accounted for by its byte cost, and handed back to its
// producer's storage via Recycle when no cache tier wants it any
// longer.
type Resource interface {
	// Value returns the decoded artifact itself.  The dynamic
	// type is whatever the producing Decoder built; callers are
	// expected to know what they asked for.
	Value() interface{}

	// ByteCost returns the size of the artifact for cache
	// accounting.  This must be constant over the life of the
	// resource.
	ByteCost() int

	// Recycle releases the underlying storage for reuse, for
	// instance returning byte buffers to a pool.  A Resource is
	// recycled at most once, and never while any consumer still
	// holds it.
	Recycle()
}

// Priority expresses how urgently a load's data should be fetched
// relative to other outstanding loads.
type Priority int

// Priorities, in increasing order of urgency.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityImmediate
)

// DataSource identifies where the bytes backing a decoded artifact
// ultimately came from.
type DataSource int

const (
	// DataSourceLocal is original data on the local device.
	DataSourceLocal DataSource = iota
	// DataSourceRemote is original data fetched remotely.
	DataSourceRemote
	// DataSourceDataDiskCache is unmodified source data read back
	// from the disk cache.
	DataSourceDataDiskCache
	// DataSourceMemoryCache is a decoded artifact served from the
	// in-memory tiers.
	DataSourceMemoryCache
)

func (ds DataSource) String() string {
	switch ds {
	case DataSourceLocal:
		return "local"
	case DataSourceRemote:
		return "remote"
	case DataSourceDataDiskCache:
		return "data-disk-cache"
	case DataSourceMemoryCache:
		return "memory-cache"
	}
	return "unknown"
}

// Cacheable reports whether source data from this data source should
// be written through to the disk cache.  Data that already lives on
// the local device is not worth a second copy.
func (ds DataSource) Cacheable() bool {
	return ds == DataSourceRemote
}

// DataCallback receives the outcome of a single DataFetcher load
// attempt.  Exactly one of the two methods is invoked, exactly once.
type DataCallback interface {
	// OnDataReady delivers the fetched bytes.  A nil slice is
	// treated as a failed fetch by the pipeline.
	OnDataReady(data []byte)

	// OnLoadFailed reports that this attempt could not produce
	// data.
	OnLoadFailed(err error)
}

// DataFetcher retrieves original source data for one model.  A
// fetcher is single-use: the engine calls LoadData at most once, then
// Cleanup, and possibly Cancel from another goroutine while LoadData
// is outstanding.
type DataFetcher interface {
	// LoadData begins fetching data, calling back exactly once
	// with the result.  The callback may run on the fetcher's own
	// goroutine.
	LoadData(priority Priority, callback DataCallback)

	// Cancel requests that an outstanding LoadData stop early.
	// The callback must still be invoked (typically OnLoadFailed)
	// unless it already has been.  Safe to call at any time.
	Cancel()

	// Cleanup releases any state held by the fetcher.  Called
	// exactly once, after the callback has been delivered or the
	// fetch abandoned.
	Cleanup()

	// DataSource describes where this fetcher's data comes from.
	DataSource() DataSource
}

// Decoder turns fetched source bytes into a decoded Resource.
// Decoders may consult a buffer pool for scratch space; the engine
// does not otherwise constrain how they work.
type Decoder interface {
	// Decode builds an artifact from data, scaled to roughly
	// width x height, honoring any decoder-specific options.
	Decode(data []byte, width, height int, options Options) (Resource, error)
}

// ResourceRemovedListener is notified when a MemoryCache evicts an
// entry on overflow.  The engine registers itself here so evicted
// artifacts can be recycled.
type ResourceRemovedListener interface {
	OnResourceRemoved(resource Resource)
}

// MemoryCache is a bounded-by-bytes store of decoded artifacts that
// are not currently held by any consumer.  Implementations must be
// safe for concurrent use.
type MemoryCache interface {
	// Put stores a resource, possibly evicting older entries to
	// stay within the byte budget.  Returns the resource formerly
	// stored under key, or nil.
	Put(key Key, resource Resource) Resource

	// Remove takes an entry out of the cache and returns it, or
	// returns nil if the key is not present.  This is the hit
	// path: ownership of the returned resource transfers to the
	// caller.
	Remove(key Key) Resource

	// SetResourceRemovedListener registers the single listener
	// told about evictions.  Entries removed via Remove do not
	// notify the listener.
	SetResourceRemovedListener(listener ResourceRemovedListener)

	// Clear evicts every entry, notifying the removed listener
	// for each.
	Clear()

	// CurrentSize returns the current total byte cost.
	CurrentSize() int64

	// MaxSize returns the byte budget.
	MaxSize() int64
}
