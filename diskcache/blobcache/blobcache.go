// Copyright 2018 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package blobcache stores disk cache entries in a Go Cloud blob
// bucket.  This suits deployments where several load engine
// processes want to share one cache over a bucket-shaped store; for
// purely local use, diskcache.FS is cheaper and knows how to bound
// its own size.
package blobcache

import (
	"context"
	"io"
	"sync"

	"github.com/diffeo/go-loadengine/resource"
	"github.com/google/go-cloud/blob"
	"github.com/google/go-cloud/blob/fileblob"
)

// Cache is a resource.DiskCache backed by a blob.Bucket.
//
// The blob API has no way to enumerate keys, so Clear only removes
// entries written through this Cache instance during this process
// lifetime.  Shared buckets should be cleaned up by an external
// retention policy instead.
type Cache struct {
	bucket *blob.Bucket

	lock    sync.Mutex
	written map[string]struct{}
}

// New creates a cache on an existing bucket.
func New(bucket *blob.Bucket) *Cache {
	return &Cache{
		bucket:  bucket,
		written: make(map[string]struct{}),
	}
}

// NewFile creates a cache on a local fileblob bucket rooted at dir.
func NewFile(dir string) (*Cache, error) {
	bucket, err := fileblob.NewBucket(dir)
	if err != nil {
		return nil, err
	}
	return New(bucket), nil
}

// Get implements resource.DiskCache.  Any failure to open the blob
// is treated as a miss; the pipeline will fall through to the
// original source.
func (c *Cache) Get(key string) (io.ReadCloser, error) {
	r, err := c.bucket.NewReader(context.Background(), key)
	if err != nil {
		return nil, resource.ErrNoSuchEntry
	}
	return r, nil
}

// Put implements resource.DiskCache.  The first write for a key
// wins: if the blob already exists the writer function is not
// invoked.
func (c *Cache) Put(key string, writer func(io.Writer) error) error {
	ctx := context.Background()

	if r, err := c.bucket.NewReader(ctx, key); err == nil {
		r.Close()
		return nil
	}

	w, err := c.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return err
	}
	if err := writer(w); err != nil {
		w.Close()
		c.bucket.Delete(ctx, key)
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	c.lock.Lock()
	c.written[key] = struct{}{}
	c.lock.Unlock()
	return nil
}

// Clear implements resource.DiskCache for the keys this process has
// written.
func (c *Cache) Clear() error {
	c.lock.Lock()
	written := c.written
	c.written = make(map[string]struct{})
	c.lock.Unlock()

	ctx := context.Background()
	var firstErr error
	for key := range written {
		if err := c.bucket.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
