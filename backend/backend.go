// Package backend provides a standard way to construct a disk cache
// based on command-line flags.
package backend

import (
	"errors"
	"strings"

	"github.com/diffeo/go-loadengine/diskcache"
	"github.com/diffeo/go-loadengine/diskcache/blobcache"
	"github.com/diffeo/go-loadengine/diskcache/postgres"
	"github.com/diffeo/go-loadengine/resource"
)

// Backend describes user-visible parameters for the source-data disk
// cache.  This implements the flag.Value interface, and so a typical
// use is
//
//     func main() {
//         backend := backend.Backend{Implementation: "memory"}
//         flag.Var(&backend, "disk-cache", "impl:address of the disk cache")
//         flag.Parse()
//         cache, err := backend.DiskCache()
//     }
type Backend struct {
	// Implementation holds the name of the implementation; for
	// instance, "memory" or "fs".
	Implementation string

	// Address holds some backend-specific address, such as a
	// directory path or a database connect string.
	Address string
}

// DiskCache creates a new disk cache.  This generally should be only
// called once: if the backend has in-process state, such as a
// database connection pool or an in-memory store, calling this
// multiple times will create multiple copies of that state.
//
// If b.Implementation does not match a known implementation, panics.
// It is assumed that Set() will validate at least the implementation.
func (b *Backend) DiskCache() (resource.DiskCache, error) {
	switch b.Implementation {
	case "", "memory":
		return diskcache.NewMemory(), nil
	case "none":
		return diskcache.Discard{}, nil
	case "fs":
		return diskcache.NewFS(b.Address, 0)
	case "blob":
		return blobcache.NewFile(b.Address)
	case "postgres":
		return postgres.New(b.Address)
	default:
		panic(errors.New("unknown disk cache backend " + b.Implementation))
	}
}

// String renders a backend description as a string.
func (b *Backend) String() string {
	if b.Address == "" {
		return b.Implementation
	}
	return b.Implementation + ":" + b.Address
}

// Set parses a string into an existing backend description.  The
// string should be of the form "implementation:address", where
// address can be any string.  Set checks to see if the provided
// implementation is any of the known implementations, and returns an
// appropriate error if not.
//
// This is part of the flag.Value interface.  If Set returns a nil
// error then DiskCache() will not panic.  Note that neither function
// attempts to validate the b.Address part of the string or attempts
// to actually make a connection.
func (b *Backend) Set(param string) error {
	parts := strings.SplitN(param, ":", 2)
	b.Implementation = parts[0]
	if len(parts) == 2 {
		b.Address = parts[1]
	} else {
		b.Address = ""
	}
	switch b.Implementation {
	case "", "memory", "none", "fs", "blob", "postgres":
		return nil
	default:
		return errors.New("unknown disk cache backend " + b.Implementation)
	}
}
