// Copyright 2015-2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package loadengined provides an HTTP front end to the resource
// load engine.  Clients post load requests describing a model, a
// signature, and a result type; the daemon resolves them through its
// cache tiers and returns the decoded bytes.  A Prometheus metrics
// endpoint reports cache effectiveness.
package main

import (
	"flag"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/diffeo/go-loadengine/backend"
	"github.com/diffeo/go-loadengine/engine"
	"github.com/diffeo/go-loadengine/fetch"
	"github.com/diffeo/go-loadengine/memcache"
	"github.com/diffeo/go-loadengine/resource"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

func main() {
	var err error

	httpBind := flag.String("http", ":5990",
		"[ip]:port for HTTP REST interface")
	diskCache := backend.Backend{Implementation: "memory", Address: ""}
	flag.Var(&diskCache, "disk-cache", "impl[:address] of the disk cache")
	config := flag.String("config", "", "global configuration YAML file")
	fetchURL := flag.String("fetch-url", "",
		"URI template for remote data, with a {model} variable")
	memoryCacheSize := flag.Int64("memory-cache-size",
		engine.DefaultMemoryCacheSize, "decoded artifact cache size in bytes")
	leakTimeout := flag.Duration("leak-timeout", time.Minute,
		"reclaim unreleased artifacts after this long idle")
	logRequests := flag.Bool("log-requests", false, "log all requests")
	flag.Parse()

	var gConfig map[string]interface{}
	if *config != "" {
		gConfig, err = loadConfigYaml(*config)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"err": err,
			}).Fatal("Could not load YAML configuration")
			return
		}
	}
	if *fetchURL == "" {
		if s, ok := gConfig["fetch_url"].(string); ok {
			*fetchURL = s
		}
	}

	fetchers := fetch.NewRegistry()
	if *fetchURL != "" {
		var httpFetch *fetch.HTTP
		httpFetch, err = fetch.NewHTTPTemplate(http.DefaultClient, *fetchURL)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"err": err,
			}).Fatal("Could not parse fetch URL template")
			return
		}
		fetchers.Register(httpFetch)
	} else {
		fetchers.Register(fetch.NewHTTP(http.DefaultClient))
	}

	e := engine.New(engine.Config{
		MemoryCache: memcache.NewLRU(*memoryCacheSize),
		DiskCacheFactory: func() resource.DiskCache {
			cache, err := diskCache.DiskCache()
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"err": err,
				}).Fatal("Could not create disk cache backend")
			}
			return cache
		},
		Fetchers:         fetchers,
		LeakTimeout:      *leakTimeout,
		RetainActiveData: true,
	})
	e.RegisterDecoder("raw", newRawDecoder(e.BufferPool()))

	var reqLogger *logrus.Logger
	if *logRequests {
		stdlog := logrus.StandardLogger()
		reqLogger = &logrus.Logger{
			Out:       stdlog.Out,
			Formatter: stdlog.Formatter,
			Hooks:     stdlog.Hooks,
			Level:     logrus.DebugLevel,
		}
	}

	go observe(e)
	ServeHTTP(e, *httpBind, reqLogger)
}

func loadConfigYaml(filename string) (map[string]interface{}, error) {
	var result map[string]interface{}
	var err error
	var bytes []byte
	bytes, err = ioutil.ReadFile(filename)
	if err == nil {
		err = yaml.Unmarshal(bytes, &result)
	}
	return result, err
}
