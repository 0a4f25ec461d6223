// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package resource

import "io"

// DiskCache is a persistent key to byte-stream store.  Keys here are
// plain strings derived from source content and transformations (see
// DataKey), distinct from the in-memory Key type.  Implementations
// must be safe for concurrent use; the engine calls them from several
// worker pools at once.
type DiskCache interface {
	// Get opens the entry stored under key for reading.  The
	// caller must close the returned reader.  A missing entry is
	// reported as ErrNoSuchEntry.
	Get(key string) (io.ReadCloser, error)

	// Put stores an entry by handing the writer function an
	// io.Writer for the entry body.  If an entry already exists
	// under key it is left alone and the writer is not invoked;
	// the first write wins.  If the writer returns an error the
	// entry is not committed.
	Put(key string, writer func(io.Writer) error) error

	// Clear removes every entry from the cache.
	Clear() error
}
