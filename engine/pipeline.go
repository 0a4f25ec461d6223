// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package engine

import (
	"io"
	"io/ioutil"
	"sync"

	"github.com/diffeo/go-loadengine/fetch"
	"github.com/diffeo/go-loadengine/resource"
	"github.com/sirupsen/logrus"
)

// pipelineCallback is how a pipeline reports back to its job.
type pipelineCallback interface {
	onPipelineReady(res resource.Resource, source resource.DataSource)
	onPipelineFailed(err error)
	reschedule(p *pipeline)
}

type pipelineStage int

const (
	stageDataCache pipelineStage = iota
	stageSource
)

// pipeline produces a decoded artifact for one key by trying, in
// order: the disk cache under the source-data key, then the original
// data source.  Source data that is cacheable by policy is written
// through to the disk cache and read back, so the decode path looks
// the same whether or not the cache was warm.  On exhausting every
// strategy the pipeline reports a single aggregated failure carrying
// each attempt's cause.
type pipeline struct {
	cb       pipelineCallback
	key      resource.Key
	spec     resource.KeySpec
	priority resource.Priority

	readDisk      bool
	writeDisk     bool
	onlyFromCache bool

	registry  *fetch.Registry
	decoder   resource.Decoder
	diskCache func() resource.DiskCache
	logger    *logrus.Logger

	lock           sync.Mutex
	stage          pipelineStage
	currentFetcher resource.DataFetcher
	cancelled      bool
	causes         []error
}

// willReadFromCache reports whether the first stage is a disk cache
// read; the job uses this to pick the starting worker pool.
func (p *pipeline) willReadFromCache() bool {
	return p.readDisk
}

// run executes the pipeline's current stage on the calling worker
// goroutine.  It is (re)invoked once per stage transition.
func (p *pipeline) run() {
	p.lock.Lock()
	if p.cancelled {
		p.lock.Unlock()
		return
	}
	stage := p.stage
	p.lock.Unlock()

	switch stage {
	case stageDataCache:
		p.runDataCache()
	case stageSource:
		p.runSource()
	}
}

// runDataCache tries the disk cache, then either finishes (hit,
// cache-only miss) or reschedules onto a source pool.
func (p *pipeline) runDataCache() {
	p.lock.Lock()
	p.stage = stageSource
	p.lock.Unlock()

	if p.readDisk {
		if data, ok := p.readEntry(); ok {
			if res, ok := p.decode(data); ok {
				p.cb.onPipelineReady(res, resource.DataSourceDataDiskCache)
				return
			}
			// A cache entry that will not decode behaves
			// like a miss; the source strategy gets its
			// chance and the decode error rides along as a
			// cause.
		}
	}
	if p.onlyFromCache {
		p.fail()
		return
	}
	p.cb.reschedule(p)
}

// runSource starts the fetch attempt for the original data.
func (p *pipeline) runSource() {
	fetcher, err := p.registry.Fetcher(p.spec.Model)
	if err != nil {
		p.addCause(err)
		p.fail()
		return
	}

	p.lock.Lock()
	if p.cancelled {
		p.lock.Unlock()
		fetcher.Cleanup()
		return
	}
	p.currentFetcher = fetcher
	p.lock.Unlock()

	fetcher.LoadData(p.priority, &fetchCallback{pipeline: p, fetcher: fetcher})
}

// fetchCallback ties a fetch attempt's delivery back to the
// pipeline.  Deliveries from an attempt that is no longer current
// are dropped silently: they are a dedup artifact, not an error.
type fetchCallback struct {
	pipeline *pipeline
	fetcher  resource.DataFetcher
}

func (c *fetchCallback) OnDataReady(data []byte) {
	if !c.pipeline.retire(c.fetcher) {
		return
	}
	c.pipeline.onFetchDone(c.fetcher, data, nil)
}

func (c *fetchCallback) OnLoadFailed(err error) {
	if !c.pipeline.retire(c.fetcher) {
		return
	}
	c.pipeline.onFetchDone(c.fetcher, nil, err)
}

// retire marks the attempt finished if it is still the current one,
// and reports whether its delivery should be accepted.  Identity is
// checked by pointer: results from superseded attempts are stale.
func (p *pipeline) retire(fetcher resource.DataFetcher) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.currentFetcher != fetcher {
		return false
	}
	p.currentFetcher = nil
	return true
}

// onFetchDone handles the single accepted delivery of a fetch
// attempt.
func (p *pipeline) onFetchDone(fetcher resource.DataFetcher, data []byte, err error) {
	defer fetcher.Cleanup()

	if err == nil && data == nil {
		err = resource.ErrNoSuchEntry
	}
	if err != nil {
		p.addCause(err)
		p.fail()
		return
	}

	source := fetcher.DataSource()
	if p.writeDisk && source.Cacheable() {
		p.writeEntry(data)
		// Read the entry back so the decode input went through
		// the same path it will take on every later request.
		// If the cache discarded the write, fall back to the
		// bytes in hand.
		if reread, ok := p.readEntry(); ok {
			data = reread
		}
	}

	if res, ok := p.decode(data); ok {
		p.cb.onPipelineReady(res, source)
		return
	}
	p.fail()
}

// readEntry reads this load's source data from the disk cache.  A
// miss is normal and is not recorded as a cause; a read that fails
// partway is.
func (p *pipeline) readEntry() ([]byte, bool) {
	r, err := p.diskCache().Get(resource.DataKey(p.spec.Model, p.spec.Signature))
	if err == resource.ErrNoSuchEntry {
		return nil, false
	}
	if err != nil {
		p.addCause(err)
		return nil, false
	}
	data, err := ioutil.ReadAll(r)
	r.Close()
	if err != nil {
		p.addCause(err)
		return nil, false
	}
	return data, true
}

// writeEntry writes fetched source data through to the disk cache.
// The cache's first-write-wins contract keeps racing pipelines from
// writing the same entry twice.  A failed write is worth a log line
// but not a failed load; the bytes in hand are still good.
func (p *pipeline) writeEntry(data []byte) {
	err := p.diskCache().Put(resource.DataKey(p.spec.Model, p.spec.Signature),
		func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		})
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"key": p.key,
			"err": err,
		}).Warn("Could not write source data to disk cache")
	}
}

// decode turns source bytes into an artifact, recording a failure as
// a cause.
func (p *pipeline) decode(data []byte) (resource.Resource, bool) {
	res, err := p.decoder.Decode(data, p.spec.Width, p.spec.Height, p.spec.Options)
	if err != nil {
		p.addCause(err)
		return nil, false
	}
	return res, true
}

func (p *pipeline) addCause(err error) {
	p.lock.Lock()
	p.causes = append(p.causes, err)
	p.lock.Unlock()
}

// fail reports the aggregated failure for every attempt made.
func (p *pipeline) fail() {
	p.lock.Lock()
	causes := make([]error, len(p.causes))
	copy(causes, p.causes)
	p.lock.Unlock()

	p.cb.onPipelineFailed(resource.LoadFailure{Key: p.key, Causes: causes})
}

// cancel stops the pipeline cooperatively: the stage boundary checks
// the flag, and whichever fetch attempt is outstanding is cancelled.
// A disk write already in progress is allowed to finish.
func (p *pipeline) cancel() {
	p.lock.Lock()
	p.cancelled = true
	fetcher := p.currentFetcher
	p.lock.Unlock()

	if fetcher != nil {
		fetcher.Cancel()
	}
}
