// Copyright 2015-2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package main

import (
	"time"

	"github.com/diffeo/go-loadengine/engine"
	"github.com/prometheus/client_golang/prometheus"
)

var engineCounters = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "diffeo",
		Subsystem: "loadengine",
		Name:      "engine_events_total",
		Help:      "Cumulative counts of load engine events",
	},
	[]string{
		"event",
	},
)

var engineSizes = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "diffeo",
		Subsystem: "loadengine",
		Name:      "engine_size_bytes",
		Help:      "Current sizes of the in-memory stores",
	},
	[]string{
		"store",
	},
)

var inFlightJobs = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "diffeo",
		Subsystem: "loadengine",
		Name:      "in_flight_jobs",
		Help:      "Number of loads currently running or queued",
	},
)

func init() {
	prometheus.MustRegister(engineCounters)
	prometheus.MustRegister(engineSizes)
	prometheus.MustRegister(inFlightJobs)
}

func observe(e *engine.Engine) {
	for {
		stats := e.Stats()
		engineCounters.With(prometheus.Labels{"event": "loads"}).Set(float64(stats.Loads))
		engineCounters.With(prometheus.Labels{"event": "active_hits"}).Set(float64(stats.ActiveHits))
		engineCounters.With(prometheus.Labels{"event": "memory_hits"}).Set(float64(stats.MemoryHits))
		engineCounters.With(prometheus.Labels{"event": "completions"}).Set(float64(stats.Completions))
		engineCounters.With(prometheus.Labels{"event": "failures"}).Set(float64(stats.Failures))
		engineSizes.With(prometheus.Labels{"store": "memory_cache"}).Set(float64(stats.MemoryCacheSize))
		engineSizes.With(prometheus.Labels{"store": "buffer_pool"}).Set(float64(stats.BufferPoolSize))
		inFlightJobs.Set(float64(stats.InFlightJobs))
		time.Sleep(10 * time.Second)
	}
}
