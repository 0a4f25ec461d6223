// Copyright 2015-2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/diffeo/go-loadengine/engine"
	"github.com/diffeo/go-loadengine/resource"
	"github.com/gorilla/mux"
	"github.com/mitchellh/mapstructure"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/negroni"
)

// loadParams is the JSON body of a load request.
type loadParams struct {
	Model           string                 `mapstructure:"model"`
	Signature       string                 `mapstructure:"signature"`
	Width           int                    `mapstructure:"width"`
	Height          int                    `mapstructure:"height"`
	Transformations []string               `mapstructure:"transformations"`
	ResultType      string                 `mapstructure:"result_type"`
	Options         map[string]interface{} `mapstructure:"options"`

	Priority           string `mapstructure:"priority"`
	OnlyFromCache      bool   `mapstructure:"only_from_cache"`
	SkipMemoryCache    bool   `mapstructure:"skip_memory_cache"`
	SkipDiskCacheRead  bool   `mapstructure:"skip_disk_cache_read"`
	SkipDiskCacheWrite bool   `mapstructure:"skip_disk_cache_write"`
}

// loadResult is the JSON response to a successful load.
type loadResult struct {
	Source   string `json:"source"`
	ByteCost int    `json:"byte_cost"`
	Data     []byte `json:"data"`
}

type restAPI struct {
	engine *engine.Engine
}

// ServeHTTP runs the daemon's HTTP server on the specified local
// address.  This serves connections until the listener fails and is
// expected to be the last thing main does.
func ServeHTTP(e *engine.Engine, laddr string, reqLogger *logrus.Logger) {
	api := &restAPI{engine: e}
	r := mux.NewRouter()
	r.Path("/v1/load").Methods("POST").HandlerFunc(api.Load)
	r.Path("/v1/stats").Methods("GET").HandlerFunc(api.Stats)
	r.Path("/v1/cache/memory").Methods("DELETE").HandlerFunc(api.ClearMemory)
	r.Path("/v1/cache/disk").Methods("DELETE").HandlerFunc(api.ClearDisk)
	r.Handle("/metrics", promhttp.Handler())

	n := negroni.New(negroni.NewRecovery())
	if reqLogger != nil {
		n.Use(requestLogger(reqLogger))
	}
	n.UseHandler(r)
	http.ListenAndServe(laddr, n)
}

// requestLogger logs one line per request at debug level.
func requestLogger(logger *logrus.Logger) negroni.Handler {
	return negroni.HandlerFunc(func(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
		start := time.Now()
		next(w, r)
		logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("Handled request")
	})
}

// waitCallback resolves a load into a channel the handler can block
// on.  The delivered resource is copied and released immediately, so
// the handler never holds an engine reference.
type waitCallback struct {
	engine *engine.Engine
	ready  chan loadResult
	failed chan error
}

func (cb *waitCallback) OnResourceReady(res resource.Resource, source resource.DataSource) {
	data, _ := res.Value().([]byte)
	copied := make([]byte, len(data))
	copy(copied, data)
	cost := res.ByteCost()
	cb.engine.Release(res)
	cb.ready <- loadResult{
		Source:   source.String(),
		ByteCost: cost,
		Data:     copied,
	}
}

func (cb *waitCallback) OnLoadFailed(err error) {
	cb.failed <- err
}

// Load handles POST /v1/load.
func (api *restAPI) Load(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var params loadParams
	if err := mapstructure.Decode(body, &params); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if params.ResultType == "" {
		params.ResultType = "raw"
	}
	priority, err := parsePriority(params.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	transformations := make([]resource.Transformation, len(params.Transformations))
	for i, t := range params.Transformations {
		transformations[i] = resource.Transformation(t)
	}
	req := engine.LoadRequest{
		KeySpec: resource.KeySpec{
			Model:           params.Model,
			Signature:       params.Signature,
			Width:           params.Width,
			Height:          params.Height,
			Transformations: transformations,
			ResultType:      params.ResultType,
			Options:         resource.Options(params.Options),
		},
		Priority:           priority,
		OnlyFromCache:      params.OnlyFromCache,
		SkipMemoryCache:    params.SkipMemoryCache,
		SkipDiskCacheRead:  params.SkipDiskCacheRead,
		SkipDiskCacheWrite: params.SkipDiskCacheWrite,
	}

	cb := &waitCallback{
		engine: api.engine,
		ready:  make(chan loadResult, 1),
		failed: make(chan error, 1),
	}
	status, err := api.engine.Load(req, cb, engine.DirectExecutor{})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	select {
	case result := <-cb.ready:
		writeJSON(w, http.StatusOK, result)
	case err := <-cb.failed:
		writeError(w, http.StatusBadGateway, err)
	case <-r.Context().Done():
		if status != nil {
			status.Cancel()
		}
	}
}

// Stats handles GET /v1/stats.
func (api *restAPI) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.engine.Stats())
}

// ClearMemory handles DELETE /v1/cache/memory.
func (api *restAPI) ClearMemory(w http.ResponseWriter, r *http.Request) {
	api.engine.ClearMemory()
	w.WriteHeader(http.StatusNoContent)
}

// ClearDisk handles DELETE /v1/cache/disk.
func (api *restAPI) ClearDisk(w http.ResponseWriter, r *http.Request) {
	if err := api.engine.ClearDiskCache(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parsePriority(s string) (resource.Priority, error) {
	switch s {
	case "low":
		return resource.PriorityLow, nil
	case "", "normal":
		return resource.PriorityNormal, nil
	case "high":
		return resource.PriorityHigh, nil
	case "immediate":
		return resource.PriorityImmediate, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
