// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package diskcache provides implementations of the engine's
// persistent byte-stream cache.  The engine only sees the
// resource.DiskCache interface; the implementations here differ in
// where the bytes land: process memory (Memory), a local directory
// with an LRU byte budget (FS), or nowhere at all (Discard).
// Additional backends live in subpackages so their heavier
// dependencies stay out of the common import graph.
package diskcache

import (
	"bytes"
	"io"
	"io/ioutil"
	"sync"

	"github.com/diffeo/go-loadengine/resource"
)

// Memory is an in-process resource.DiskCache.  There is no
// persistence and no size bound.  This is mostly intended as a
// simple reference implementation that can be used for testing,
// including in-process testing of higher-level components.
type Memory struct {
	lock    sync.Mutex
	entries map[string][]byte
}

// NewMemory creates an empty in-memory disk cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string][]byte)}
}

// Get implements resource.DiskCache.
func (m *Memory) Get(key string) (io.ReadCloser, error) {
	m.lock.Lock()
	body, present := m.entries[key]
	m.lock.Unlock()

	if !present {
		return nil, resource.ErrNoSuchEntry
	}
	return ioutil.NopCloser(bytes.NewReader(body)), nil
}

// Put implements resource.DiskCache.  The first write for a key
// wins; later writers are skipped without being invoked.
func (m *Memory) Put(key string, writer func(io.Writer) error) error {
	m.lock.Lock()
	_, present := m.entries[key]
	m.lock.Unlock()
	if present {
		return nil
	}

	var body bytes.Buffer
	if err := writer(&body); err != nil {
		return err
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	if _, present := m.entries[key]; !present {
		m.entries[key] = body.Bytes()
	}
	return nil
}

// Clear implements resource.DiskCache.
func (m *Memory) Clear() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.entries = make(map[string][]byte)
	return nil
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.entries)
}

// Discard is a resource.DiskCache that stores nothing.  It stands in
// when the caller's cache policy rules out disk caching entirely.
type Discard struct{}

// Get always misses.
func (Discard) Get(key string) (io.ReadCloser, error) {
	return nil, resource.ErrNoSuchEntry
}

// Put discards the entry without invoking the writer.
func (Discard) Put(key string, writer func(io.Writer) error) error {
	return nil
}

// Clear does nothing.
func (Discard) Clear() error {
	return nil
}
