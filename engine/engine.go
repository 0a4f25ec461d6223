// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package engine ties the caching tiers, the fetch layer, and the
// decoders into a single load front end.
//
// A load consults the active-resource table, then the in-memory
// cache, then joins or starts a background job that reads the disk
// cache and finally the original data source.  Identical concurrent
// requests share one job and receive the same artifact instance.
// Artifacts are reference counted: consumers must release every
// resource they are handed, and a fully released artifact falls back
// into the memory cache for the next request.
package engine

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/diffeo/go-loadengine/diskcache"
	"github.com/diffeo/go-loadengine/fetch"
	"github.com/diffeo/go-loadengine/memcache"
	"github.com/diffeo/go-loadengine/pool"
	"github.com/diffeo/go-loadengine/resource"
	"github.com/sirupsen/logrus"
)

// Default sizing for an engine whose Config leaves the knobs zero.
const (
	DefaultMemoryCacheSize = 64 * 1024 * 1024
	DefaultBufferPoolSize  = 4 * 1024 * 1024
)

// ErrNoDecoder is returned by Load when no decoder is registered for
// the request's result type.
type ErrNoDecoder struct {
	ResultType string
}

func (err ErrNoDecoder) Error() string {
	return fmt.Sprintf("no decoder for result type %q", err.ResultType)
}

// Config holds the tunable parts of an Engine.  The zero value of
// every field is replaced with a usable default, so the minimal setup
// is a Fetchers registry and a Decoders map.
type Config struct {
	// MemoryCache holds decoded artifacts not currently in use.
	// Defaults to an LRU cache of DefaultMemoryCacheSize bytes.
	MemoryCache resource.MemoryCache

	// DiskCacheFactory builds the source-data cache.  It is called
	// at most once, lazily, from a disk cache worker.  Defaults to
	// a process-local in-memory cache.
	DiskCacheFactory func() resource.DiskCache

	// Fetchers resolves models to data fetchers.
	Fetchers *fetch.Registry

	// Decoders maps result types to decoders.
	Decoders map[string]resource.Decoder

	// BufferPoolSize bounds the scratch byte-buffer pool, in
	// bytes.
	BufferPoolSize int

	// SourceWorkers, DiskCacheWorkers, and AnimationWorkers size
	// the three bounded worker pools.  The unlimited source pool
	// is never bounded.
	SourceWorkers    int
	DiskCacheWorkers int
	AnimationWorkers int

	// RetainActiveData keeps a strong handle on active artifacts
	// so that ones leaked by their consumers can be returned to
	// the memory cache instead of being lost.
	RetainActiveData bool

	// LeakTimeout is how long an unreleased active artifact sits
	// idle before the sweeper reclaims it.  Zero disables the
	// sweeper.
	LeakTimeout time.Duration

	Clock  clock.Clock
	Logger *logrus.Logger
}

func (cfg *Config) setDefaults() {
	if cfg.MemoryCache == nil {
		cfg.MemoryCache = memcache.NewLRU(DefaultMemoryCacheSize)
	}
	if cfg.Fetchers == nil {
		cfg.Fetchers = fetch.NewRegistry()
	}
	if cfg.BufferPoolSize == 0 {
		cfg.BufferPoolSize = DefaultBufferPoolSize
	}
	if cfg.SourceWorkers == 0 {
		cfg.SourceWorkers = runtime.NumCPU()
		if cfg.SourceWorkers > 4 {
			cfg.SourceWorkers = 4
		}
	}
	if cfg.DiskCacheWorkers == 0 {
		cfg.DiskCacheWorkers = 1
	}
	if cfg.AnimationWorkers == 0 {
		cfg.AnimationWorkers = 1
		if runtime.NumCPU() >= 4 {
			cfg.AnimationWorkers = 2
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
}

// Stats is a point-in-time snapshot of engine activity.
type Stats struct {
	Loads       int64
	ActiveHits  int64
	MemoryHits  int64
	Completions int64
	Failures    int64

	InFlightJobs    int
	MemoryCacheSize int64
	MemoryCacheMax  int64
	BufferPoolSize  int
}

// Engine is the load front end.  Create one with New and stop it
// with Shutdown.
type Engine struct {
	memCache   resource.MemoryCache
	bufferPool *pool.Bytes
	fetchers   *fetch.Registry
	decoders   map[string]resource.Decoder
	logger     *logrus.Logger

	diskCacheOnce    sync.Once
	diskCacheFactory func() resource.DiskCache
	diskCacheImpl    resource.DiskCache

	diskCacheExec       *executor
	sourceExec          *executor
	sourceUnlimitedExec *executor
	animationExec       *executor

	lock     sync.Mutex
	jobs     *jobRegistry
	active   *activeResources
	shutdown bool
	stats    Stats
}

// New builds an Engine from cfg, filling in defaults for zero
// fields.
func New(cfg Config) *Engine {
	cfg.setDefaults()
	e := &Engine{
		memCache:         cfg.MemoryCache,
		bufferPool:       pool.NewBytes(cfg.BufferPoolSize),
		fetchers:         cfg.Fetchers,
		decoders:         cfg.Decoders,
		logger:           cfg.Logger,
		diskCacheFactory: cfg.DiskCacheFactory,
		jobs:             newJobRegistry(),
	}
	if e.diskCacheFactory == nil {
		e.diskCacheFactory = func() resource.DiskCache { return diskcache.NewMemory() }
	}
	e.diskCacheExec = newExecutor("disk-cache", cfg.DiskCacheWorkers, cfg.Logger)
	e.sourceExec = newExecutor("source", cfg.SourceWorkers, cfg.Logger)
	e.sourceUnlimitedExec = newExecutor("source-unlimited", 0, cfg.Logger)
	e.animationExec = newExecutor("animation", cfg.AnimationWorkers, cfg.Logger)
	e.active = newActiveResources(cfg.RetainActiveData, cfg.LeakTimeout,
		cfg.Clock, cfg.Logger)
	e.active.setListener(e)
	e.memCache.SetResourceRemovedListener(e)
	return e
}

// LoadRequest describes one load.  The embedded KeySpec identifies
// the artifact; the remaining fields are per-request policy and do
// not contribute to the cache key.
type LoadRequest struct {
	resource.KeySpec

	Priority resource.Priority

	// SkipMemoryCache bypasses the active table and memory cache
	// on lookup and keeps the result out of them afterwards.
	SkipMemoryCache bool

	// OnlyFromCache fails the load instead of going to the
	// original source.  Cache-only loads never share jobs with
	// ordinary loads.
	OnlyFromCache bool

	// SkipDiskCacheRead and SkipDiskCacheWrite bypass the disk
	// cache in the respective direction.
	SkipDiskCacheRead  bool
	SkipDiskCacheWrite bool

	// UseUnlimitedSourcePool and UseAnimationPool steer source
	// work onto an alternate pool.
	UseUnlimitedSourcePool bool
	UseAnimationPool       bool
}

// LoadStatus is a handle on an in-flight load; its only use is
// cancelling interest in the result.
type LoadStatus struct {
	job *job
	cb  ResourceCallback
}

// Cancel withdraws this load's callback.  If it was the job's last
// callback the whole job is cancelled.  Cancelling a finished load
// is a no-op.
func (s *LoadStatus) Cancel() {
	s.job.removeCallback(s.cb)
}

// Load resolves a request through the cache tiers, starting or
// joining a background job on a miss.  Synchronous hits deliver on
// exec and return a nil status; otherwise the returned LoadStatus
// can cancel the load.  The same callback value passed to Load must
// be used for any later bookkeeping since callbacks are compared by
// interface equality.
func (e *Engine) Load(req LoadRequest, cb ResourceCallback, exec CallbackExecutor) (*LoadStatus, error) {
	if cb == nil {
		return nil, errors.New("load requires a callback")
	}
	if exec == nil {
		exec = DirectExecutor{}
	}
	key := resource.NewKey(req.KeySpec)

	resolved, err := e.resolve(req, key, cb, exec)
	if err != nil {
		return nil, err
	}

	if resolved.hit != nil {
		hit := resolved.hit
		exec.Execute(func() {
			cb.OnResourceReady(hit, resource.DataSourceMemoryCache)
		})
		return nil, nil
	}
	if resolved.started != nil {
		e.logger.WithFields(logrus.Fields{
			"job": resolved.job.id,
			"key": key,
		}).Debug("Starting load")
		resolved.job.start(resolved.started)
	} else {
		e.logger.WithFields(logrus.Fields{
			"job": resolved.job.id,
			"key": key,
		}).Debug("Joined in-flight load")
	}
	return &LoadStatus{job: resolved.job, cb: cb}, nil
}

// loadResolution is the outcome of the locked part of a load:
// either a synchronous hit, a joined in-flight job, or a fresh job
// with the pipeline to start.
type loadResolution struct {
	hit     *countedResource
	job     *job
	started *pipeline
}

// resolve walks the cache tiers and the job registry for one load.
// The whole walk runs inside the engine critical section, unlocked
// by defer so a panicking collaborator cannot leave the engine lock
// held.
func (e *Engine) resolve(req LoadRequest, key resource.Key, cb ResourceCallback, exec CallbackExecutor) (loadResolution, error) {
	cacheable := !req.SkipMemoryCache

	e.lock.Lock()
	defer e.lock.Unlock()
	if e.shutdown {
		return loadResolution{}, resource.ErrShutdown
	}
	e.stats.Loads++

	if cacheable {
		if res := e.active.get(key); res != nil {
			res.acquire()
			e.stats.ActiveHits++
			return loadResolution{hit: res}, nil
		}
		if res := e.reviveFromMemoryCache(key); res != nil {
			e.stats.MemoryHits++
			return loadResolution{hit: res}, nil
		}
	}

	if j := e.jobs.get(key, req.OnlyFromCache); j != nil {
		if j.attachCallback(cb, exec) {
			return loadResolution{job: j}, nil
		}
		// The registered job was cancelled out from under us;
		// fall through and replace it.
		e.jobs.removeIfCurrent(key, j)
	}

	decoder := e.decoders[req.ResultType]
	if decoder == nil {
		return loadResolution{}, ErrNoDecoder{ResultType: req.ResultType}
	}

	j := newJob(key, cacheable, req.UseUnlimitedSourcePool,
		req.UseAnimationPool, req.OnlyFromCache)
	j.listener = e
	j.resListener = e
	j.diskCacheExec = e.diskCacheExec
	j.sourceExec = e.sourceExec
	j.sourceUnlimitedExec = e.sourceUnlimitedExec
	j.animationExec = e.animationExec
	j.logger = e.logger
	j.attachCallback(cb, exec)
	e.jobs.put(key, j)

	p := &pipeline{
		cb:            j,
		key:           key,
		spec:          req.KeySpec,
		priority:      req.Priority,
		readDisk:      !req.SkipDiskCacheRead,
		writeDisk:     !req.SkipDiskCacheWrite,
		onlyFromCache: req.OnlyFromCache,
		registry:      e.fetchers,
		decoder:       decoder,
		diskCache:     e.getDiskCache,
		logger:        e.logger,
	}
	return loadResolution{job: j, started: p}, nil
}

// RegisterDecoder adds (or replaces) the decoder for a result type.
func (e *Engine) RegisterDecoder(resultType string, decoder resource.Decoder) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.decoders == nil {
		e.decoders = make(map[string]resource.Decoder)
	}
	e.decoders[resultType] = decoder
}

// reviveFromMemoryCache moves a cached artifact back to the active
// table and hands the caller an acquired reference.  Runs under the
// engine lock.
func (e *Engine) reviveFromMemoryCache(key resource.Key) *countedResource {
	res := e.memCache.Remove(key)
	if res == nil {
		return nil
	}
	counted := res.(*countedResource)
	counted.acquire()
	e.active.activate(key, counted)
	return counted
}

// Release gives back a resource obtained from a load callback.  Every
// delivered resource must be released exactly once.  Passing a
// resource that did not come from this engine panics with
// ErrNotEngineResource.
func (e *Engine) Release(res resource.Resource) {
	counted, ok := res.(*countedResource)
	if !ok {
		panic(resource.ErrNotEngineResource)
	}
	counted.release()
}

// getDiskCache builds the disk cache on first use.
func (e *Engine) getDiskCache() resource.DiskCache {
	e.diskCacheOnce.Do(func() {
		e.diskCacheImpl = e.diskCacheFactory()
	})
	return e.diskCacheImpl
}

// ClearDiskCache empties the source-data cache.
func (e *Engine) ClearDiskCache() error {
	return e.getDiskCache().Clear()
}

// ClearMemory empties the in-memory cache and the scratch buffer
// pool.  Active resources are unaffected.
func (e *Engine) ClearMemory() {
	e.memCache.Clear()
	e.bufferPool.Clear()
}

// BufferPool returns the engine's scratch byte-buffer pool, shared
// with decoders that want recycled buffers.
func (e *Engine) BufferPool() *pool.Bytes {
	return e.bufferPool
}

// Stats returns a snapshot of engine counters and sizes.
func (e *Engine) Stats() Stats {
	e.lock.Lock()
	stats := e.stats
	stats.InFlightJobs = e.jobs.len()
	e.lock.Unlock()
	stats.MemoryCacheSize = e.memCache.CurrentSize()
	stats.MemoryCacheMax = e.memCache.MaxSize()
	stats.BufferPoolSize = e.bufferPool.CurrentSize()
	return stats
}

// Shutdown stops the worker pools and the active-resource machinery.
// Queued work is drained first; loads submitted afterwards fail with
// ErrShutdown.
func (e *Engine) Shutdown() {
	e.lock.Lock()
	if e.shutdown {
		e.lock.Unlock()
		return
	}
	e.shutdown = true
	e.lock.Unlock()

	e.sourceExec.Shutdown()
	e.sourceUnlimitedExec.Shutdown()
	e.animationExec.Shutdown()
	e.diskCacheExec.Shutdown()
	e.active.shutdown()
	e.logger.Debug("Engine shut down")
}

// onJobComplete implements jobListener.  A successful, cacheable
// result enters the active table; either way the job leaves the
// registry so the key can load again.
func (e *Engine) onJobComplete(j *job, key resource.Key, res *countedResource) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if res != nil {
		e.stats.Completions++
		if res.cacheable {
			e.active.activate(key, res)
		}
	} else {
		e.stats.Failures++
	}
	e.jobs.removeIfCurrent(key, j)
}

// onJobCancelled implements jobListener.
func (e *Engine) onJobCancelled(j *job, key resource.Key) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.jobs.removeIfCurrent(key, j)
}

// OnResourceRemoved implements resource.ResourceRemovedListener for
// memory cache evictions.
func (e *Engine) OnResourceRemoved(res resource.Resource) {
	res.Recycle()
}

// onResourceReleased implements resourceListener: an artifact whose
// last reference was released moves out of the active table and into
// the memory cache, or is recycled if it is not cacheable.
//
// The zero crossing that triggered this call may already be stale: a
// concurrent Load can have re-acquired the wrapper from the active
// table before we get the engine lock.  tryDemote decides, under the
// engine lock, whether this call still owns the demotion; every
// re-acquisition path holds the same lock, so exactly one side wins.
func (e *Engine) onResourceReleased(key resource.Key, res *countedResource) {
	e.lock.Lock()
	if !res.tryDemote() {
		e.lock.Unlock()
		return
	}
	e.active.deactivate(key, res)
	var displaced resource.Resource
	if res.cacheable {
		displaced = e.memCache.Put(key, res)
	}
	e.lock.Unlock()

	if !res.cacheable {
		res.Recycle()
	} else if displaced != nil {
		displaced.Recycle()
	}
}
