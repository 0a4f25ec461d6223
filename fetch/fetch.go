// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package fetch provides data fetchers for the load engine: the
// registry that maps models to fetchers, an in-memory fetcher for
// tests and preloaded data, and an HTTP fetcher for remote sources.
package fetch

import (
	"fmt"
	"sync"

	"github.com/diffeo/go-loadengine/resource"
)

// ErrNoFetcher is returned from Registry.Fetcher when no registered
// factory recognizes the model.
type ErrNoFetcher struct {
	Model string
}

func (err ErrNoFetcher) Error() string {
	return fmt.Sprintf("No fetcher registered for model %v", err.Model)
}

// Factory builds fetchers for the class of models it understands.
type Factory interface {
	// Handles reports whether this factory can fetch the model.
	Handles(model string) bool

	// New builds a single-use fetcher for the model.
	New(model string) resource.DataFetcher
}

// Registry resolves models to data fetchers.  Factories are tried in
// registration order; the first one that handles a model wins.
// Registry is safe for concurrent use.
type Registry struct {
	lock      sync.RWMutex
	factories []Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a factory to the lookup order.
func (r *Registry) Register(factory Factory) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.factories = append(r.factories, factory)
}

// Fetcher builds a fetcher for model, or returns ErrNoFetcher.
func (r *Registry) Fetcher(model string) (resource.DataFetcher, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	for _, factory := range r.factories {
		if factory.Handles(model) {
			return factory.New(model), nil
		}
	}
	return nil, ErrNoFetcher{Model: model}
}
