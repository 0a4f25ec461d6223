// Copyright 2016-2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package loadbench provides a load-generation tool for the resource
// load engine.
package main

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/diffeo/go-loadengine/backend"
	"github.com/diffeo/go-loadengine/engine"
	"github.com/diffeo/go-loadengine/fetch"
	"github.com/diffeo/go-loadengine/resource"
	"github.com/urfave/cli"
)

type benchWork struct {
	Engine      *engine.Engine
	Concurrency int
}

func (bench *benchWork) Run(runner func()) {
	wg := sync.WaitGroup{}
	wg.Add(bench.Concurrency)
	for i := 0; i < bench.Concurrency; i++ {
		go func() {
			defer wg.Done()
			runner()
		}()
	}
	wg.Wait()
}

var bench benchWork

// benchCallback funnels one load's outcome into a channel.
type benchCallback struct {
	done chan error
}

func (cb *benchCallback) OnResourceReady(res resource.Resource, source resource.DataSource) {
	bench.Engine.Release(res)
	cb.done <- nil
}

func (cb *benchCallback) OnLoadFailed(err error) {
	cb.done <- err
}

func loadOne(model string, skipMemory bool) error {
	cb := &benchCallback{done: make(chan error, 1)}
	_, err := bench.Engine.Load(engine.LoadRequest{
		KeySpec: resource.KeySpec{
			Model:      model,
			Signature:  "bench",
			ResultType: "blob",
		},
		SkipMemoryCache: skipMemory,
	}, cb, engine.DirectExecutor{})
	if err != nil {
		return err
	}
	return <-cb.done
}

var doLoads = cli.Command{
	Name:  "load",
	Usage: "run many loads against the engine",
	Flags: []cli.Flag{
		cli.IntFlag{
			Name:  "count",
			Value: 1000,
			Usage: "number of loads to run",
		},
		cli.IntFlag{
			Name:  "keys",
			Value: 100,
			Usage: "number of distinct keys to spread loads over",
		},
		cli.BoolFlag{
			Name:  "skip-memory-cache",
			Usage: "bypass the in-memory tiers on every load",
		},
	},
	Action: func(c *cli.Context) {
		count := c.Int("count")
		keys := c.Int("keys")
		skipMemory := c.Bool("skip-memory-cache")
		numbers := make(chan int)
		go func() {
			for i := 1; i <= count; i++ {
				numbers <- i
			}
			close(numbers)
		}()
		bench.Run(func() {
			for i := range numbers {
				model := fmt.Sprintf("key-%03d", i%keys)
				if err := loadOne(model, skipMemory); err != nil {
					fmt.Fprintf(os.Stderr, "load %s: %v\n", model, err)
				}
			}
		})
		stats := bench.Engine.Stats()
		fmt.Printf("loads=%d active_hits=%d memory_hits=%d completions=%d failures=%d\n",
			stats.Loads, stats.ActiveHits, stats.MemoryHits,
			stats.Completions, stats.Failures)
	},
}

var clear = cli.Command{
	Name:  "clear",
	Usage: "empty every cache tier",
	Action: func(c *cli.Context) {
		bench.Engine.ClearMemory()
		if err := bench.Engine.ClearDiskCache(); err != nil {
			fmt.Fprintf(os.Stderr, "clear disk cache: %v\n", err)
		}
	},
}

// benchDecoder makes a copy of the source bytes; the artifact is the
// bytes themselves.
type benchDecoder struct{}

func (benchDecoder) Decode(data []byte, width, height int, options resource.Options) (resource.Resource, error) {
	copied := make([]byte, len(data))
	copy(copied, data)
	return benchResource(copied), nil
}

type benchResource []byte

func (r benchResource) Value() interface{} { return []byte(r) }
func (r benchResource) ByteCost() int      { return len(r) }
func (r benchResource) Recycle()           {}

func main() {
	diskCache := backend.Backend{Implementation: "memory"}
	app := cli.NewApp()
	app.Usage = "benchmark the resource load engine"
	app.Flags = []cli.Flag{
		cli.GenericFlag{
			Name:  "disk-cache",
			Value: &diskCache,
			Usage: "impl[:address] of the disk cache",
		},
		cli.IntFlag{
			Name:  "concurrency",
			Value: runtime.NumCPU(),
			Usage: "run this many loads in parallel",
		},
		cli.IntFlag{
			Name:  "size",
			Value: 4096,
			Usage: "size in bytes of each synthetic payload",
		},
	}
	app.Commands = []cli.Command{
		doLoads,
		clear,
	}
	app.Before = func(c *cli.Context) error {
		payload := make([]byte, c.Int("size"))
		fetchers := fetch.NewRegistry()
		fetchers.Register(&syntheticFactory{payload: payload})

		bench.Engine = engine.New(engine.Config{
			DiskCacheFactory: func() resource.DiskCache {
				cache, err := diskCache.DiskCache()
				if err != nil {
					fmt.Fprintf(os.Stderr, "disk cache: %v\n", err)
					os.Exit(1)
				}
				return cache
			},
			Fetchers: fetchers,
			Decoders: map[string]resource.Decoder{"blob": benchDecoder{}},
		})
		bench.Concurrency = c.Int("concurrency")
		return nil
	}
	app.Run(os.Args)
}

// syntheticFactory serves the same payload for every model, as if
// from a remote source, so the disk cache tier gets exercised.
type syntheticFactory struct {
	payload []byte
}

func (f *syntheticFactory) Handles(model string) bool { return true }

func (f *syntheticFactory) New(model string) resource.DataFetcher {
	return &syntheticFetcher{payload: f.payload}
}

type syntheticFetcher struct {
	payload []byte
}

func (f *syntheticFetcher) LoadData(priority resource.Priority, callback resource.DataCallback) {
	callback.OnDataReady(f.payload)
}

func (f *syntheticFetcher) Cancel()                          {}
func (f *syntheticFetcher) Cleanup()                         {}
func (f *syntheticFetcher) DataSource() resource.DataSource { return resource.DataSourceRemote }
