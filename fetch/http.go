// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package fetch

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"
	"sync"

	"github.com/diffeo/go-loadengine/resource"
	"github.com/jtacoma/uritemplates"
)

// ErrBadStatus is returned as the failure cause when a remote server
// answers with a non-success status.
type ErrBadStatus struct {
	URL    string
	Status string
}

func (err ErrBadStatus) Error() string {
	return fmt.Sprintf("Fetching %v: %v", err.URL, err.Status)
}

// HTTP is a Factory fetching models over plain HTTP GET.  By default
// it handles models that are themselves http or https URLs.  With a
// URI template it instead handles every model, expanding the
// template with the model as the "model" variable:
//
//	factory, err := fetch.NewHTTPTemplate(nil,
//		"https://images.example.com/originals/{model}")
//
// Priorities do not influence the request itself; ordering across
// requests is the business of the engine's worker pools.
type HTTP struct {
	client   *http.Client
	template *uritemplates.UriTemplate
}

// NewHTTP creates a factory for URL models.  A nil client uses
// http.DefaultClient.
func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{client: client}
}

// NewHTTPTemplate creates a factory that builds the URL for any
// model from a URI template.
func NewHTTPTemplate(client *http.Client, template string) (*HTTP, error) {
	tmpl, err := uritemplates.Parse(template)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{client: client, template: tmpl}, nil
}

// Handles implements Factory.
func (h *HTTP) Handles(model string) bool {
	if h.template != nil {
		return true
	}
	return strings.HasPrefix(model, "http://") || strings.HasPrefix(model, "https://")
}

// New implements Factory.
func (h *HTTP) New(model string) resource.DataFetcher {
	url := model
	if h.template != nil {
		expanded, err := h.template.Expand(map[string]interface{}{"model": model})
		if err == nil {
			url = expanded
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &httpFetcher{client: h.client, url: url, ctx: ctx, cancel: cancel}
}

// httpFetcher performs one GET.  LoadData blocks its caller until
// the response (or cancellation) arrives; the engine always invokes
// it from a source worker pool.
type httpFetcher struct {
	client *http.Client
	url    string
	ctx    context.Context
	cancel context.CancelFunc

	lock      sync.Mutex
	delivered bool
}

func (f *httpFetcher) LoadData(priority resource.Priority, callback resource.DataCallback) {
	req, err := http.NewRequest("GET", f.url, nil)
	if err != nil {
		f.deliver(callback, nil, err)
		return
	}
	req = req.WithContext(f.ctx)

	resp, err := f.client.Do(req)
	if err != nil {
		if f.ctx.Err() != nil {
			err = resource.ErrCancelled
		}
		f.deliver(callback, nil, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		f.deliver(callback, nil, ErrBadStatus{URL: f.url, Status: resp.Status})
		return
	}

	body, err := ioutil.ReadAll(resp.Body)
	f.deliver(callback, body, err)
}

// deliver invokes the callback exactly once.
func (f *httpFetcher) deliver(callback resource.DataCallback, data []byte, err error) {
	f.lock.Lock()
	if f.delivered {
		f.lock.Unlock()
		return
	}
	f.delivered = true
	f.lock.Unlock()

	if err != nil {
		callback.OnLoadFailed(err)
	} else {
		callback.OnDataReady(data)
	}
}

func (f *httpFetcher) Cancel() {
	f.cancel()
}

func (f *httpFetcher) Cleanup() {
	f.cancel()
}

func (f *httpFetcher) DataSource() resource.DataSource {
	return resource.DataSourceRemote
}
