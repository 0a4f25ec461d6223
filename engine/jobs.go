// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package engine

import "github.com/diffeo/go-loadengine/resource"

// jobRegistry deduplicates concurrent loads: at most one job per
// (key, onlyFromCache) pair is in flight at a time.  Cache-only
// probes and full loads never satisfy each other, so they live in
// separate maps.  The registry has no lock of its own; every access
// happens inside the engine-wide critical section.
type jobRegistry struct {
	jobs          map[resource.Key]*job
	onlyCacheJobs map[resource.Key]*job
}

func newJobRegistry() *jobRegistry {
	return &jobRegistry{
		jobs:          make(map[resource.Key]*job),
		onlyCacheJobs: make(map[resource.Key]*job),
	}
}

func (r *jobRegistry) jobMap(onlyFromCache bool) map[resource.Key]*job {
	if onlyFromCache {
		return r.onlyCacheJobs
	}
	return r.jobs
}

// get returns the in-flight job for key whose onlyFromCache flag
// matches, or nil.
func (r *jobRegistry) get(key resource.Key, onlyFromCache bool) *job {
	return r.jobMap(onlyFromCache)[key]
}

// put registers a job under its key.
func (r *jobRegistry) put(key resource.Key, j *job) {
	r.jobMap(j.onlyFromCache)[key] = j
}

// removeIfCurrent deregisters a job, unless the slot has already
// been taken over by a newer job for the same key.
func (r *jobRegistry) removeIfCurrent(key resource.Key, j *job) {
	jobs := r.jobMap(j.onlyFromCache)
	if jobs[key] == j {
		delete(jobs, key)
	}
}

// len returns the total number of registered jobs.
func (r *jobRegistry) len() int {
	return len(r.jobs) + len(r.onlyCacheJobs)
}
