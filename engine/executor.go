// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package engine

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// CallbackExecutor runs load callbacks on behalf of a caller.  Every
// callback attached to a load names the executor it wants to be
// notified on; UI-oriented callers typically supply one that posts
// to their event loop.
type CallbackExecutor interface {
	Execute(task func())
}

// DirectExecutor is a CallbackExecutor that runs tasks inline on
// whatever goroutine delivers the notification.
type DirectExecutor struct{}

// Execute implements CallbackExecutor.
func (DirectExecutor) Execute(task func()) { task() }

// executor is a worker pool for pipeline stages.  A pool with
// workers > 0 runs tasks on that many long-lived goroutines; a pool
// with workers == 0 is unlimited and spawns a goroutine per task.
// Submitting never blocks: the engine's calling thread must get back
// to its caller no matter how busy the pools are.
type executor struct {
	name    string
	workers int
	logger  *logrus.Logger

	lock     sync.Mutex
	cond     *sync.Cond
	queue    []func()
	stopped  bool
	inflight sync.WaitGroup
}

func newExecutor(name string, workers int, logger *logrus.Logger) *executor {
	e := &executor{name: name, workers: workers, logger: logger}
	e.cond = sync.NewCond(&e.lock)
	for i := 0; i < workers; i++ {
		e.inflight.Add(1)
		go e.work()
	}
	return e
}

// Execute submits a task.  Tasks submitted after Shutdown are
// dropped; by then every job that could produce one has already been
// told to stop, so a late task is only a stale pipeline stage.
func (e *executor) Execute(task func()) {
	e.lock.Lock()
	if e.stopped {
		e.lock.Unlock()
		e.logger.WithFields(logrus.Fields{
			"executor": e.name,
		}).Debug("Dropping task submitted after shutdown")
		return
	}
	if e.workers == 0 {
		e.inflight.Add(1)
		e.lock.Unlock()
		go func() {
			defer e.inflight.Done()
			task()
		}()
		return
	}
	e.queue = append(e.queue, task)
	e.cond.Signal()
	e.lock.Unlock()
}

// work is the body of one pooled worker goroutine.
func (e *executor) work() {
	defer e.inflight.Done()
	for {
		e.lock.Lock()
		for len(e.queue) == 0 && !e.stopped {
			e.cond.Wait()
		}
		if len(e.queue) == 0 && e.stopped {
			e.lock.Unlock()
			return
		}
		task := e.queue[0]
		e.queue = e.queue[1:]
		e.lock.Unlock()
		task()
	}
}

// Shutdown stops accepting tasks, runs whatever is already queued,
// and waits for all workers to exit.
func (e *executor) Shutdown() {
	e.lock.Lock()
	if e.stopped {
		e.lock.Unlock()
		e.inflight.Wait()
		return
	}
	e.stopped = true
	e.cond.Broadcast()
	e.lock.Unlock()
	e.inflight.Wait()
}
