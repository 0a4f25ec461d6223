// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package engine

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/diffeo/go-loadengine/diskcache"
	"github.com/diffeo/go-loadengine/fetch"
	"github.com/diffeo/go-loadengine/memcache"
	"github.com/diffeo/go-loadengine/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blobResource is the decoded artifact used throughout these tests.
type blobResource struct {
	data     []byte
	recycled int32
}

func (r *blobResource) Value() interface{} { return r.data }
func (r *blobResource) ByteCost() int      { return len(r.data) }
func (r *blobResource) Recycle()           { atomic.AddInt32(&r.recycled, 1) }

func (r *blobResource) wasRecycled() bool {
	return atomic.LoadInt32(&r.recycled) > 0
}

// blobDecoder produces a blobResource from raw bytes.
type blobDecoder struct{}

func (blobDecoder) Decode(data []byte, width, height int, options resource.Options) (resource.Resource, error) {
	return &blobResource{data: data}, nil
}

// readyEvent is one successful delivery.
type readyEvent struct {
	res    resource.Resource
	source resource.DataSource
}

// recorder collects callback deliveries on channels so tests can
// wait for asynchronous completions.
type recorder struct {
	ready  chan readyEvent
	failed chan error
}

func newRecorder() *recorder {
	return &recorder{
		ready:  make(chan readyEvent, 4),
		failed: make(chan error, 4),
	}
}

func (r *recorder) OnResourceReady(res resource.Resource, source resource.DataSource) {
	r.ready <- readyEvent{res: res, source: source}
}

func (r *recorder) OnLoadFailed(err error) {
	r.failed <- err
}

func (r *recorder) waitReady(t *testing.T) readyEvent {
	select {
	case ev := <-r.ready:
		return ev
	case err := <-r.failed:
		t.Fatalf("load failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for load to finish")
	}
	panic("unreachable")
}

func (r *recorder) waitFailed(t *testing.T) error {
	select {
	case err := <-r.failed:
		return err
	case ev := <-r.ready:
		t.Fatalf("load unexpectedly succeeded with %v", ev.res.Value())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for load to fail")
	}
	panic("unreachable")
}

func (r *recorder) assertQuiet(t *testing.T) {
	select {
	case ev := <-r.ready:
		t.Fatalf("unexpected delivery of %v", ev.res.Value())
	case err := <-r.failed:
		t.Fatalf("unexpected failure %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

// gateFetcher blocks deliveries until its gate is opened, holding
// jobs in flight for as long as a test needs.
type gateFetcher struct {
	data []byte
	gate chan struct{}

	lock      sync.Mutex
	started   int
	cancelled int
}

func (f *gateFetcher) Handles(model string) bool             { return true }
func (f *gateFetcher) New(model string) resource.DataFetcher { return f }

func (f *gateFetcher) LoadData(priority resource.Priority, callback resource.DataCallback) {
	f.lock.Lock()
	f.started++
	f.lock.Unlock()
	<-f.gate
	callback.OnDataReady(f.data)
}

func (f *gateFetcher) Cancel() {
	f.lock.Lock()
	f.cancelled++
	f.lock.Unlock()
}

func (f *gateFetcher) Cleanup()                        {}
func (f *gateFetcher) DataSource() resource.DataSource { return resource.DataSourceRemote }

func testSpec(model string) resource.KeySpec {
	return resource.KeySpec{
		Model:      model,
		Signature:  "v1",
		Width:      100,
		Height:     100,
		ResultType: "blob",
	}
}

type testEngine struct {
	*Engine
	memCache *memcache.LRU
	disk     *diskcache.Memory
}

func newTestEngine(t *testing.T, cfg Config) *testEngine {
	if cfg.Fetchers == nil {
		cfg.Fetchers = fetch.NewRegistry()
		cfg.Fetchers.Register(fetch.NewStaticRemote(map[string][]byte{
			"thing": []byte("payload"),
		}))
	}
	mem, _ := cfg.MemoryCache.(*memcache.LRU)
	if mem == nil {
		mem = memcache.NewLRU(1 << 20)
		cfg.MemoryCache = mem
	}
	disk := diskcache.NewMemory()
	if cfg.DiskCacheFactory == nil {
		cfg.DiskCacheFactory = func() resource.DiskCache { return disk }
	}
	cfg.Decoders = map[string]resource.Decoder{"blob": blobDecoder{}}
	e := New(cfg)
	t.Cleanup(e.Shutdown)
	return &testEngine{Engine: e, memCache: mem, disk: disk}
}

func (e *testEngine) inFlight() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.jobs.len()
}

func TestLoadMissFetchesAndDecodes(t *testing.T) {
	e := newTestEngine(t, Config{})
	cb := newRecorder()

	status, err := e.Load(LoadRequest{KeySpec: testSpec("thing")}, cb, DirectExecutor{})
	require.NoError(t, err)
	require.NotNil(t, status)

	ev := cb.waitReady(t)
	assert.Equal(t, resource.DataSourceRemote, ev.source)
	assert.Equal(t, []byte("payload"), ev.res.Value())

	// The fetched data was written through to the disk cache.
	assert.Eventually(t, func() bool { return e.disk.Len() == 1 },
		time.Second, 10*time.Millisecond)

	// Releasing the only reference demotes the artifact to the
	// memory cache.
	e.Release(ev.res)
	assert.Eventually(t, func() bool { return e.memCache.CurrentSize() > 0 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(len("payload")), e.memCache.CurrentSize())
}

func TestLoadMemoryCacheHit(t *testing.T) {
	e := newTestEngine(t, Config{})
	cb := newRecorder()

	_, err := e.Load(LoadRequest{KeySpec: testSpec("thing")}, cb, DirectExecutor{})
	require.NoError(t, err)
	first := cb.waitReady(t)
	e.Release(first.res)

	require.Eventually(t, func() bool { return e.memCache.CurrentSize() > 0 },
		time.Second, 10*time.Millisecond)

	// The second load is a synchronous memory hit: nil status, the
	// same artifact instance, reported as a memory cache source.
	cb2 := newRecorder()
	status, err := e.Load(LoadRequest{KeySpec: testSpec("thing")}, cb2, DirectExecutor{})
	require.NoError(t, err)
	assert.Nil(t, status)
	second := cb2.waitReady(t)
	assert.Equal(t, resource.DataSourceMemoryCache, second.source)
	assert.Equal(t, first.res, second.res)
	assert.Zero(t, e.memCache.CurrentSize())
	e.Release(second.res)
}

func TestLoadActiveHit(t *testing.T) {
	e := newTestEngine(t, Config{})
	cb := newRecorder()

	_, err := e.Load(LoadRequest{KeySpec: testSpec("thing")}, cb, DirectExecutor{})
	require.NoError(t, err)
	first := cb.waitReady(t)

	// The first reference is still held, so the second load hits
	// the active table and shares the instance.
	cb2 := newRecorder()
	status, err := e.Load(LoadRequest{KeySpec: testSpec("thing")}, cb2, DirectExecutor{})
	require.NoError(t, err)
	assert.Nil(t, status)
	second := cb2.waitReady(t)
	assert.Equal(t, resource.DataSourceMemoryCache, second.source)
	assert.Equal(t, first.res, second.res)

	// Both references must be released before the artifact can be
	// cached.
	e.Release(first.res)
	cb.assertQuiet(t)
	assert.Zero(t, e.memCache.CurrentSize())
	e.Release(second.res)
	assert.Eventually(t, func() bool { return e.memCache.CurrentSize() > 0 },
		time.Second, 10*time.Millisecond)
}

func TestConcurrentLoadsShareOneJob(t *testing.T) {
	fetcher := &gateFetcher{data: []byte("payload"), gate: make(chan struct{})}
	fetchers := fetch.NewRegistry()
	fetchers.Register(fetcher)
	e := newTestEngine(t, Config{Fetchers: fetchers})

	cb1, cb2 := newRecorder(), newRecorder()
	status1, err := e.Load(LoadRequest{KeySpec: testSpec("thing")}, cb1, DirectExecutor{})
	require.NoError(t, err)
	require.NotNil(t, status1)
	status2, err := e.Load(LoadRequest{KeySpec: testSpec("thing")}, cb2, DirectExecutor{})
	require.NoError(t, err)
	require.NotNil(t, status2)

	assert.Equal(t, 1, e.inFlight())
	assert.Equal(t, status1.job, status2.job)

	close(fetcher.gate)
	ev1 := cb1.waitReady(t)
	ev2 := cb2.waitReady(t)
	assert.Equal(t, ev1.res, ev2.res)

	fetcher.lock.Lock()
	started := fetcher.started
	fetcher.lock.Unlock()
	assert.Equal(t, 1, started)

	e.Release(ev1.res)
	e.Release(ev2.res)
}

func TestCancelLastCallbackCancelsJob(t *testing.T) {
	fetcher := &gateFetcher{data: []byte("payload"), gate: make(chan struct{})}
	fetchers := fetch.NewRegistry()
	fetchers.Register(fetcher)
	e := newTestEngine(t, Config{Fetchers: fetchers})

	cb := newRecorder()
	status, err := e.Load(LoadRequest{KeySpec: testSpec("thing")}, cb, DirectExecutor{})
	require.NoError(t, err)
	require.NotNil(t, status)

	status.Cancel()
	assert.Zero(t, e.inFlight())

	// Let the fetch finish anyway: a result produced after
	// cancellation is recycled, never delivered or cached.
	close(fetcher.gate)
	cb.assertQuiet(t)
	assert.Zero(t, e.memCache.CurrentSize())
}

func TestCancelOneOfTwoCallbacks(t *testing.T) {
	fetcher := &gateFetcher{data: []byte("payload"), gate: make(chan struct{})}
	fetchers := fetch.NewRegistry()
	fetchers.Register(fetcher)
	e := newTestEngine(t, Config{Fetchers: fetchers})

	cb1, cb2 := newRecorder(), newRecorder()
	status1, err := e.Load(LoadRequest{KeySpec: testSpec("thing")}, cb1, DirectExecutor{})
	require.NoError(t, err)
	_, err = e.Load(LoadRequest{KeySpec: testSpec("thing")}, cb2, DirectExecutor{})
	require.NoError(t, err)

	status1.Cancel()
	assert.Equal(t, 1, e.inFlight())

	close(fetcher.gate)
	ev := cb2.waitReady(t)
	assert.Equal(t, []byte("payload"), ev.res.Value())
	cb1.assertQuiet(t)
	e.Release(ev.res)
}

func TestLoadAfterCancelStartsFreshJob(t *testing.T) {
	fetcher := &gateFetcher{data: []byte("payload"), gate: make(chan struct{})}
	fetchers := fetch.NewRegistry()
	fetchers.Register(fetcher)
	e := newTestEngine(t, Config{Fetchers: fetchers})

	cb1 := newRecorder()
	status1, err := e.Load(LoadRequest{KeySpec: testSpec("thing")}, cb1, DirectExecutor{})
	require.NoError(t, err)
	status1.Cancel()

	cb2 := newRecorder()
	status2, err := e.Load(LoadRequest{KeySpec: testSpec("thing")}, cb2, DirectExecutor{})
	require.NoError(t, err)
	require.NotNil(t, status2)
	assert.NotEqual(t, status1.job, status2.job)

	close(fetcher.gate)
	ev := cb2.waitReady(t)
	e.Release(ev.res)
}

func TestOnlyFromCacheMissFails(t *testing.T) {
	e := newTestEngine(t, Config{})
	cb := newRecorder()

	_, err := e.Load(LoadRequest{
		KeySpec:       testSpec("thing"),
		OnlyFromCache: true,
	}, cb, DirectExecutor{})
	require.NoError(t, err)

	err = cb.waitFailed(t)
	failure, ok := err.(resource.LoadFailure)
	require.True(t, ok, "expected LoadFailure, got %T", err)
	assert.Empty(t, failure.Causes)
}

func TestOnlyFromCacheHitsWarmDiskCache(t *testing.T) {
	e := newTestEngine(t, Config{})
	cb := newRecorder()

	// Warm the disk cache with an ordinary load, then drop the
	// decoded artifact from the memory tiers.
	_, err := e.Load(LoadRequest{KeySpec: testSpec("thing")}, cb, DirectExecutor{})
	require.NoError(t, err)
	ev := cb.waitReady(t)
	e.Release(ev.res)
	require.Eventually(t, func() bool { return e.disk.Len() == 1 },
		time.Second, 10*time.Millisecond)

	cb2 := newRecorder()
	_, err = e.Load(LoadRequest{
		KeySpec:         testSpec("thing"),
		OnlyFromCache:   true,
		SkipMemoryCache: true,
	}, cb2, DirectExecutor{})
	require.NoError(t, err)
	ev2 := cb2.waitReady(t)
	assert.Equal(t, resource.DataSourceDataDiskCache, ev2.source)
	assert.Equal(t, []byte("payload"), ev2.res.Value())
	e.Release(ev2.res)
}

func TestDiskCacheWrittenOnce(t *testing.T) {
	e := newTestEngine(t, Config{})

	for i := 0; i < 3; i++ {
		cb := newRecorder()
		_, err := e.Load(LoadRequest{
			KeySpec:         testSpec("thing"),
			SkipMemoryCache: true,
		}, cb, DirectExecutor{})
		require.NoError(t, err)
		ev := cb.waitReady(t)
		if i == 0 {
			assert.Equal(t, resource.DataSourceRemote, ev.source)
		} else {
			assert.Equal(t, resource.DataSourceDataDiskCache, ev.source)
		}
		e.Release(ev.res)
	}
	assert.Equal(t, 1, e.disk.Len())
}

func TestOversizedResultIsRecycledNotCached(t *testing.T) {
	e := newTestEngine(t, Config{MemoryCache: memcache.NewLRU(1)})
	cb := newRecorder()

	_, err := e.Load(LoadRequest{KeySpec: testSpec("thing")}, cb, DirectExecutor{})
	require.NoError(t, err)
	ev := cb.waitReady(t)
	blob := ev.res.Value().([]byte)
	assert.Equal(t, []byte("payload"), blob)

	underlying := findBlob(t, ev.res)
	e.Release(ev.res)
	assert.Eventually(t, underlying.wasRecycled,
		time.Second, 10*time.Millisecond)
	assert.Zero(t, e.memCache.CurrentSize())
}

func TestReleaseForeignResourcePanics(t *testing.T) {
	e := newTestEngine(t, Config{})
	assert.PanicsWithValue(t, resource.ErrNotEngineResource, func() {
		e.Release(&blobResource{data: []byte("x")})
	})
}

func TestDoubleRecyclePanics(t *testing.T) {
	e := newTestEngine(t, Config{})
	cb := newRecorder()
	_, err := e.Load(LoadRequest{
		KeySpec:         testSpec("thing"),
		SkipMemoryCache: true,
	}, cb, DirectExecutor{})
	require.NoError(t, err)
	ev := cb.waitReady(t)

	counted := ev.res.(*countedResource)
	assert.Panics(t, func() { counted.Recycle() }, "recycle while acquired must panic")
	e.Release(ev.res)
}

func TestNoDecoderForResultType(t *testing.T) {
	e := newTestEngine(t, Config{})
	spec := testSpec("thing")
	spec.ResultType = "hologram"
	_, err := e.Load(LoadRequest{KeySpec: spec}, newRecorder(), DirectExecutor{})
	require.Error(t, err)
	assert.Equal(t, ErrNoDecoder{ResultType: "hologram"}, err)
}

func TestLoadAfterShutdown(t *testing.T) {
	e := newTestEngine(t, Config{})
	e.Shutdown()
	_, err := e.Load(LoadRequest{KeySpec: testSpec("thing")}, newRecorder(), DirectExecutor{})
	assert.Equal(t, resource.ErrShutdown, err)
}

func TestLeakedResourceIsReclaimed(t *testing.T) {
	mock := clock.NewMock()
	e := newTestEngine(t, Config{
		RetainActiveData: true,
		LeakTimeout:      time.Minute,
		Clock:            mock,
	})
	cb := newRecorder()

	_, err := e.Load(LoadRequest{KeySpec: testSpec("thing")}, cb, DirectExecutor{})
	require.NoError(t, err)
	cb.waitReady(t)

	// The consumer never releases.  Once the artifact has sat idle
	// past the leak timeout the sweeper demotes its payload to the
	// memory cache.
	assert.Zero(t, e.memCache.CurrentSize())
	for i := 0; i < 4; i++ {
		mock.Add(time.Minute)
	}
	assert.Eventually(t, func() bool { return e.memCache.CurrentSize() > 0 },
		5*time.Second, 10*time.Millisecond)
}

func TestClearedEntryReclaimsPayload(t *testing.T) {
	e := newTestEngine(t, Config{RetainActiveData: true})
	cb := newRecorder()

	_, err := e.Load(LoadRequest{KeySpec: testSpec("thing")}, cb, DirectExecutor{})
	require.NoError(t, err)
	cb.waitReady(t)
	key := resource.NewKey(testSpec("thing"))

	// Simulate the wrapper disappearing without a release.  The
	// next lookup misses and the retained payload is demoted.
	e.active.markCleared(key)
	e.lock.Lock()
	res := e.active.get(key)
	e.lock.Unlock()
	assert.Nil(t, res)
	assert.Eventually(t, func() bool { return e.memCache.CurrentSize() > 0 },
		time.Second, 10*time.Millisecond)
}

func TestStats(t *testing.T) {
	e := newTestEngine(t, Config{})
	cb := newRecorder()

	_, err := e.Load(LoadRequest{KeySpec: testSpec("thing")}, cb, DirectExecutor{})
	require.NoError(t, err)
	ev := cb.waitReady(t)
	e.Release(ev.res)

	cb2 := newRecorder()
	require.Eventually(t, func() bool { return e.memCache.CurrentSize() > 0 },
		time.Second, 10*time.Millisecond)
	_, err = e.Load(LoadRequest{KeySpec: testSpec("thing")}, cb2, DirectExecutor{})
	require.NoError(t, err)
	ev2 := cb2.waitReady(t)
	e.Release(ev2.res)

	stats := e.Stats()
	assert.Equal(t, int64(2), stats.Loads)
	assert.Equal(t, int64(1), stats.Completions)
	assert.Equal(t, int64(1), stats.MemoryHits)
	assert.Zero(t, stats.InFlightJobs)
}

// hammerSink is a minimal success-only callback for tight loops.
type hammerSink struct {
	ready chan resource.Resource
}

func (s *hammerSink) OnResourceReady(res resource.Resource, source resource.DataSource) {
	s.ready <- res
}

func (s *hammerSink) OnLoadFailed(err error) {}

func TestConcurrentLoadReleaseOneKey(t *testing.T) {
	e := newTestEngine(t, Config{})

	// Warm the tiers so the hammer below runs on the hit and
	// demotion paths.
	cb := newRecorder()
	_, err := e.Load(LoadRequest{KeySpec: testSpec("thing")}, cb, DirectExecutor{})
	require.NoError(t, err)
	e.Release(cb.waitReady(t).res)

	// Several goroutines cycling one key exercise the race between a
	// last release demoting the artifact and a concurrent load
	// re-acquiring it: exactly one side may win each zero crossing,
	// or the wrapper ends up both cached and recycled.
	const workers = 4
	iterations := 50000
	if testing.Short() {
		iterations = 5000
	}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink := &hammerSink{ready: make(chan resource.Resource, 1)}
			for i := 0; i < iterations; i++ {
				if _, err := e.Load(LoadRequest{KeySpec: testSpec("thing")}, sink, DirectExecutor{}); err != nil {
					t.Errorf("load %d: %v", i, err)
					return
				}
				select {
				case res := <-sink.ready:
					e.Release(res)
				case <-time.After(5 * time.Second):
					t.Error("timed out waiting for a delivery")
					return
				}
			}
		}()
	}
	wg.Wait()

	// The engine must come out coherent: one more cycle still runs
	// the artifact through the memory cache.
	cb2 := newRecorder()
	_, err = e.Load(LoadRequest{KeySpec: testSpec("thing")}, cb2, DirectExecutor{})
	require.NoError(t, err)
	ev := cb2.waitReady(t)
	assert.Equal(t, []byte("payload"), ev.res.Value())
	e.Release(ev.res)
	assert.Eventually(t, func() bool { return e.memCache.CurrentSize() > 0 },
		time.Second, 10*time.Millisecond)
}

func TestReleaseAfterLeakSweepIsInert(t *testing.T) {
	mock := clock.NewMock()
	e := newTestEngine(t, Config{
		RetainActiveData: true,
		LeakTimeout:      time.Minute,
		Clock:            mock,
	})
	cb := newRecorder()

	_, err := e.Load(LoadRequest{KeySpec: testSpec("thing")}, cb, DirectExecutor{})
	require.NoError(t, err)
	ev := cb.waitReady(t)
	underlying := findBlob(t, ev.res)

	// The holder goes idle past the leak timeout, so the sweeper
	// gives up on it and demotes the payload to the memory cache.
	for i := 0; i < 4; i++ {
		mock.Add(time.Minute)
	}
	require.Eventually(t, func() bool { return e.memCache.CurrentSize() > 0 },
		5*time.Second, 10*time.Millisecond)

	// The holder was not actually gone.  Its late release must be
	// inert: the cached copy shares storage with the reference the
	// holder still has, so nothing may evict or recycle it here.
	e.Release(ev.res)
	assert.Equal(t, int64(len("payload")), e.memCache.CurrentSize())
	assert.False(t, underlying.wasRecycled())

	cb2 := newRecorder()
	status, err := e.Load(LoadRequest{KeySpec: testSpec("thing")}, cb2, DirectExecutor{})
	require.NoError(t, err)
	assert.Nil(t, status)
	ev2 := cb2.waitReady(t)
	assert.Equal(t, []byte("payload"), ev2.res.Value())
	assert.False(t, underlying.wasRecycled())
	e.Release(ev2.res)
}

func TestSourcePoolSelection(t *testing.T) {
	fetcher := &gateFetcher{data: []byte("payload"), gate: make(chan struct{})}
	fetchers := fetch.NewRegistry()
	fetchers.Register(fetcher)
	e := newTestEngine(t, Config{Fetchers: fetchers})

	cases := []struct {
		name string
		req  LoadRequest
		want *executor
	}{
		{"default", LoadRequest{KeySpec: testSpec("a")}, e.sourceExec},
		{"unlimited", LoadRequest{
			KeySpec:                testSpec("b"),
			UseUnlimitedSourcePool: true,
		}, e.sourceUnlimitedExec},
		{"animation", LoadRequest{
			KeySpec:          testSpec("c"),
			UseAnimationPool: true,
		}, e.animationExec},
	}

	var statuses []*LoadStatus
	for _, c := range cases {
		status, err := e.Load(c.req, newRecorder(), DirectExecutor{})
		require.NoError(t, err, c.name)
		require.NotNil(t, status, c.name)
		assert.Same(t, c.want, status.job.sourceExecutor(), c.name)
		statuses = append(statuses, status)
	}
	for _, status := range statuses {
		status.Cancel()
	}
	close(fetcher.gate)
}

// findBlob digs the underlying test resource out of however many
// engine wrappers surround it.
func findBlob(t *testing.T, res resource.Resource) *blobResource {
	for {
		switch r := res.(type) {
		case *blobResource:
			return r
		case *countedResource:
			res = r.res
		default:
			t.Fatalf("unexpected resource type %T", res)
		}
	}
}
