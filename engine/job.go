// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package engine

import (
	"sync"

	"github.com/diffeo/go-loadengine/resource"
	"github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
)

// ResourceCallback receives the outcome of a load.  Exactly one of
// the two methods is invoked per attached callback, exactly once, on
// the executor the callback was attached with.  A resource delivered
// through OnResourceReady is owned by the callback until it is given
// back via Engine.Release.
//
// Callback values are compared by interface equality when a load is
// cancelled, so attach and cancel must use the same value.
type ResourceCallback interface {
	OnResourceReady(res resource.Resource, source resource.DataSource)
	OnLoadFailed(err error)
}

// jobListener is how a job reports its terminal state to the
// engine.  Implementations take the engine lock; jobs call these
// hooks without holding their own lock.
type jobListener interface {
	onJobComplete(j *job, key resource.Key, res *countedResource)
	onJobCancelled(j *job, key resource.Key)
}

// jobCallback is one attached (callback, executor) pair.
type jobCallback struct {
	cb   ResourceCallback
	exec CallbackExecutor
}

// job orchestrates one deduplicated load: it owns a pipeline, fans
// the result out to every attached callback, and reports back to the
// engine.  A job delivers at most one terminal notification to each
// callback.
type job struct {
	id  string
	key resource.Key

	cacheable        bool
	useUnlimitedPool bool
	useAnimationPool bool
	onlyFromCache    bool

	listener    jobListener
	resListener resourceListener

	diskCacheExec       *executor
	sourceExec          *executor
	sourceUnlimitedExec *executor
	animationExec       *executor
	logger              *logrus.Logger

	lock      sync.Mutex
	callbacks []jobCallback
	pipeline  *pipeline
	cancelled bool
	finished  bool
	result    *countedResource
	source    resource.DataSource
	failure   error
	pending   int
}

func newJob(key resource.Key, cacheable, useUnlimitedPool, useAnimationPool,
	onlyFromCache bool) *job {
	return &job{
		id:               uuid.NewV4().String(),
		key:              key,
		cacheable:        cacheable,
		useUnlimitedPool: useUnlimitedPool,
		useAnimationPool: useAnimationPool,
		onlyFromCache:    onlyFromCache,
	}
}

// sourceExecutor picks the pool for source-stage work based on the
// request's policy flags.
func (j *job) sourceExecutor() *executor {
	switch {
	case j.useUnlimitedPool:
		return j.sourceUnlimitedExec
	case j.useAnimationPool:
		return j.animationExec
	default:
		return j.sourceExec
	}
}

// start dispatches the pipeline's first stage.  Cache stages run on
// the disk-cache pool; a pipeline that will go straight to the
// source starts on a source pool.
func (j *job) start(p *pipeline) {
	j.lock.Lock()
	j.pipeline = p
	j.lock.Unlock()

	if p.willReadFromCache() {
		j.diskCacheExec.Execute(p.run)
	} else {
		j.sourceExecutor().Execute(p.run)
	}
}

// reschedule moves the pipeline onto a source pool; called when the
// cache stages are exhausted (or when a fetch callback arrives on a
// foreign goroutine and wants back onto engine-owned threads).
func (j *job) reschedule(p *pipeline) {
	j.sourceExecutor().Execute(p.run)
}

// attachCallback adds a (callback, executor) pair.  If the job has
// already completed, the callback is notified immediately on its
// executor.  Returns false if the job has been cancelled, in which
// case the caller must start a fresh job instead of joining this
// one.
func (j *job) attachCallback(cb ResourceCallback, exec CallbackExecutor) bool {
	j.lock.Lock()
	if j.cancelled {
		j.lock.Unlock()
		return false
	}
	if j.finished {
		result, source, failure := j.result, j.source, j.failure
		if failure == nil {
			result.acquire()
		}
		j.lock.Unlock()
		exec.Execute(func() {
			if failure == nil {
				cb.OnResourceReady(result, source)
			} else {
				cb.OnLoadFailed(failure)
			}
		})
		return true
	}
	j.callbacks = append(j.callbacks, jobCallback{cb: cb, exec: exec})
	j.lock.Unlock()
	return true
}

// removeCallback detaches a callback.  Removing the last callback
// from a still-running job cancels it: the pipeline is told to stop
// and the engine deregisters the job.
func (j *job) removeCallback(cb ResourceCallback) {
	j.lock.Lock()
	kept := j.callbacks[:0]
	for _, entry := range j.callbacks {
		if entry.cb != cb {
			kept = append(kept, entry)
		}
	}
	j.callbacks = kept

	if len(j.callbacks) > 0 || j.finished || j.cancelled {
		j.lock.Unlock()
		return
	}
	j.cancelled = true
	p := j.pipeline
	j.lock.Unlock()

	j.logger.WithFields(logrus.Fields{
		"job": j.id,
		"key": j.key,
	}).Debug("Cancelling load with no remaining callbacks")
	if p != nil {
		p.cancel()
	}
	j.listener.onJobCancelled(j, j.key)
}

// onPipelineReady accepts the pipeline's decoded artifact, promotes
// it through the engine, and fans it out.  Each callback gets its
// own acquire; the job's own hold is released once every callback
// has run, at which point an otherwise-unwanted resource falls
// through to the memory cache.
func (j *job) onPipelineReady(res resource.Resource, source resource.DataSource) {
	j.lock.Lock()
	if j.cancelled {
		j.lock.Unlock()
		res.Recycle()
		return
	}
	wrapper := newCountedResource(res, j.cacheable, true, j.key, j.resListener)
	wrapper.acquire()
	j.result = wrapper
	j.source = source
	j.finished = true
	callbacks := make([]jobCallback, len(j.callbacks))
	copy(callbacks, j.callbacks)
	j.pending = len(callbacks)
	j.lock.Unlock()

	j.logger.WithFields(logrus.Fields{
		"job":       j.id,
		"key":       j.key,
		"source":    source,
		"callbacks": len(callbacks),
	}).Debug("Load finished")

	j.listener.onJobComplete(j, j.key, wrapper)

	if len(callbacks) == 0 {
		wrapper.release()
		return
	}
	for _, entry := range callbacks {
		wrapper.acquire()
		cb := entry.cb
		entry.exec.Execute(func() {
			cb.OnResourceReady(wrapper, source)
			j.callbackDone(wrapper)
		})
	}
}

// callbackDone releases the job's own hold once the last completion
// callback has run.
func (j *job) callbackDone(wrapper *countedResource) {
	j.lock.Lock()
	j.pending--
	last := j.pending == 0
	j.lock.Unlock()
	if last {
		wrapper.release()
	}
}

// onPipelineFailed reports the aggregated failure to every attached
// callback and deregisters the job.
func (j *job) onPipelineFailed(err error) {
	j.lock.Lock()
	if j.cancelled {
		j.lock.Unlock()
		return
	}
	j.finished = true
	j.failure = err
	callbacks := make([]jobCallback, len(j.callbacks))
	copy(callbacks, j.callbacks)
	j.lock.Unlock()

	j.logger.WithFields(logrus.Fields{
		"job": j.id,
		"key": j.key,
		"err": err,
	}).Debug("Load failed")

	j.listener.onJobComplete(j, j.key, nil)

	for _, entry := range callbacks {
		cb := entry.cb
		entry.exec.Execute(func() {
			cb.OnLoadFailed(err)
		})
	}
}
