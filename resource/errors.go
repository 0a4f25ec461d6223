package resource

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoSuchEntry is returned from DiskCache.Get when no entry is
// stored under the requested key.
var ErrNoSuchEntry = errors.New("No such disk cache entry")

// ErrShutdown is returned from engine operations after Shutdown has
// been called.
var ErrShutdown = errors.New("Engine has been shut down")

// ErrCancelled is reported by fetch attempts that were cancelled
// before producing data.
var ErrCancelled = errors.New("Load was cancelled")

// ErrAlreadyRecycled is the panic value when a resource is acquired
// after its reference count has already reached zero and its storage
// has been recycled.  This is a programming error, never retried.
var ErrAlreadyRecycled = errors.New("Cannot acquire a recycled resource")

// ErrNotEngineResource is the panic value when Engine.Release is
// handed a resource the engine did not produce.  Only resources
// delivered by a load callback may be released.
var ErrNotEngineResource = errors.New("Cannot release anything but an engine resource")

// LoadFailure is the aggregated failure surfaced when a load
// pipeline has exhausted every strategy without producing an
// artifact.  It lists the cause of every attempt that was made.
type LoadFailure struct {
	// Key identifies the failed request.
	Key Key

	// Causes holds one error per failed pipeline attempt, in the
	// order the attempts ran.  It may be empty if no strategy was
	// even applicable (for instance, a cache-only load with a
	// cold cache).
	Causes []error
}

func (err LoadFailure) Error() string {
	if len(err.Causes) == 0 {
		return fmt.Sprintf("Failed to load %v: no load strategy produced data", err.Key)
	}
	messages := make([]string, len(err.Causes))
	for i, cause := range err.Causes {
		messages[i] = cause.Error()
	}
	return fmt.Sprintf("Failed to load %v: %s", err.Key, strings.Join(messages, "; "))
}
