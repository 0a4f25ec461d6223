// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package engine

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/diffeo/go-loadengine/resource"
	"github.com/sirupsen/logrus"
)

// activeResources tracks resources currently handed to at least one
// consumer.  Entries normally leave the table deterministically,
// when the counted resource's last release fires the engine's
// demotion hook.  As a safety net for consumers that forget to
// release, a background sweeper reclaims entries that have not been
// touched for leakTimeout: reclaimed entries flow through a
// notification queue, and for each cacheable entry whose payload was
// retained, a fresh non-recyclable wrapper is synthesized and the
// released hook invoked so the artifact still reaches the memory
// cache.  The hook runs outside the table lock; release cascades
// into further cache operations and holding the lock there would
// deadlock.
type activeResources struct {
	retentionAllowed bool
	leakTimeout      time.Duration
	clk              clock.Clock
	logger           *logrus.Logger
	listener         resourceListener

	lock    sync.Mutex
	entries map[resource.Key]*activeEntry

	queue chan *activeEntry
	stop  chan struct{}
	done  chan struct{}
}

// activeEntry is one tracked resource.  payload is the strong handle
// to the underlying artifact, retained only while the table is
// allowed to resurrect leaked-but-cacheable resources.
type activeEntry struct {
	key       resource.Key
	wrapper   *countedResource
	cacheable bool
	payload   resource.Resource
	lastTouch time.Time
	cleared   bool
}

func newActiveResources(retentionAllowed bool, leakTimeout time.Duration,
	clk clock.Clock, logger *logrus.Logger) *activeResources {
	a := &activeResources{
		retentionAllowed: retentionAllowed,
		leakTimeout:      leakTimeout,
		clk:              clk,
		logger:           logger,
		entries:          make(map[resource.Key]*activeEntry),
		queue:            make(chan *activeEntry, 16),
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
	go a.drainQueue()
	if leakTimeout > 0 {
		go a.sweepLoop()
	}
	return a
}

// sweepLoop periodically runs the leak sweep until shutdown.
func (a *activeResources) sweepLoop() {
	ticker := a.clk.Ticker(a.leakTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.sweep()
		case <-a.stop:
			return
		}
	}
}

// setListener installs the engine's released hook.  Must be called
// before any entry can be reclaimed.
func (a *activeResources) setListener(listener resourceListener) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.listener = listener
}

// activate installs (or replaces) the entry for key.
func (a *activeResources) activate(key resource.Key, res *countedResource) {
	entry := &activeEntry{
		key:       key,
		wrapper:   res,
		cacheable: res.cacheable,
		lastTouch: a.clk.Now(),
	}
	if res.cacheable && a.retentionAllowed {
		entry.payload = res.res
	}

	a.lock.Lock()
	replaced := a.entries[key]
	a.entries[key] = entry
	a.lock.Unlock()

	if replaced != nil {
		replaced.payload = nil
	}
}

// get returns the live resource for key, or nil.  An entry that has
// been cleared (by the sweeper or a test) counts as a miss and is
// queued for cleanup.
func (a *activeResources) get(key resource.Key) *countedResource {
	a.lock.Lock()
	entry, present := a.entries[key]
	if !present {
		a.lock.Unlock()
		return nil
	}
	if entry.cleared {
		delete(a.entries, key)
		a.lock.Unlock()
		a.enqueue(entry)
		return nil
	}
	entry.lastTouch = a.clk.Now()
	wrapper := entry.wrapper
	a.lock.Unlock()
	return wrapper
}

// deactivate removes the entry for key, but only if it still belongs
// to wrapper.  A demotion that lost a race with a fresh activation
// for the same key must not knock out the newer entry.
func (a *activeResources) deactivate(key resource.Key, wrapper *countedResource) {
	a.lock.Lock()
	entry, present := a.entries[key]
	if present && entry.wrapper == wrapper {
		delete(a.entries, key)
		entry.payload = nil
		entry.wrapper = nil
	}
	a.lock.Unlock()
}

// markCleared flags the entry for key as if its consumer vanished
// without releasing.  Intended for tests of the reclamation path.
func (a *activeResources) markCleared(key resource.Key) {
	a.lock.Lock()
	if entry, present := a.entries[key]; present {
		entry.cleared = true
		entry.wrapper = nil
	}
	a.lock.Unlock()
}

// sweep moves entries idle past the leak timeout onto the
// notification queue.  Called from the engine's sweeper ticker; a
// zero leakTimeout disables it.
func (a *activeResources) sweep() {
	if a.leakTimeout <= 0 {
		return
	}
	deadline := a.clk.Now().Add(-a.leakTimeout)

	a.lock.Lock()
	var leaked []*activeEntry
	for key, entry := range a.entries {
		if entry.cleared || entry.lastTouch.Before(deadline) {
			delete(a.entries, key)
			if !entry.cleared && entry.wrapper != nil {
				// The original holder may still exist and
				// still be using the payload.  Detach its
				// wrapper so a late release cannot demote or
				// recycle storage the revived copy now shares.
				entry.wrapper.neutralize()
			}
			entry.wrapper = nil
			leaked = append(leaked, entry)
		}
	}
	a.lock.Unlock()

	for _, entry := range leaked {
		a.logger.WithFields(logrus.Fields{
			"key": entry.key,
		}).Warn("Reclaiming active resource that was never released")
		a.enqueue(entry)
	}
}

// enqueue hands an entry to the background drain.  It must not
// block: callers hold the engine lock, and the drain itself takes
// that lock, so a full queue spills to a fresh goroutine instead.
func (a *activeResources) enqueue(entry *activeEntry) {
	select {
	case a.queue <- entry:
	case <-a.stop:
		a.reclaim(entry)
	default:
		go a.reclaim(entry)
	}
}

// drainQueue is the background task processing reclaimed entries.
func (a *activeResources) drainQueue() {
	defer close(a.done)
	for {
		select {
		case entry := <-a.queue:
			a.reclaim(entry)
		case <-a.stop:
			// Drain anything already queued before exiting.
			for {
				select {
				case entry := <-a.queue:
					a.reclaim(entry)
				default:
					return
				}
			}
		}
	}
}

// reclaim demotes one reclaimed entry.  A cacheable entry whose
// payload survived goes back through the released hook wrapped
// non-recyclable: the consumer that leaked it may still be using the
// underlying artifact, so its storage must not be reused.
func (a *activeResources) reclaim(entry *activeEntry) {
	a.lock.Lock()
	listener := a.listener
	a.lock.Unlock()

	if !entry.cacheable || entry.payload == nil || listener == nil {
		return
	}
	revived := newCountedResource(entry.payload, true, false, entry.key, listener)
	listener.onResourceReleased(entry.key, revived)
}

// shutdown stops the background drain and waits for it to exit.
func (a *activeResources) shutdown() {
	close(a.stop)
	<-a.done
}
