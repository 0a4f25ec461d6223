// Copyright 2015 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package restclient provides an HTTP client for the load engine
// daemon in the "cmd/loadengined" package.  Call New() with the base
// URL of that service; for instance,
//
//     c, err := restclient.New("http://localhost:5990/")
package restclient

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"

	"github.com/diffeo/go-loadengine/engine"
	"github.com/ugorji/go/codec"
)

// LoadParams describes one load request.  Model, Signature, and
// ResultType are required; everything else is optional policy.
type LoadParams struct {
	Model           string                 `json:"model"`
	Signature       string                 `json:"signature"`
	Width           int                    `json:"width,omitempty"`
	Height          int                    `json:"height,omitempty"`
	Transformations []string               `json:"transformations,omitempty"`
	ResultType      string                 `json:"result_type"`
	Options         map[string]interface{} `json:"options,omitempty"`

	Priority           string `json:"priority,omitempty"`
	OnlyFromCache      bool   `json:"only_from_cache,omitempty"`
	SkipMemoryCache    bool   `json:"skip_memory_cache,omitempty"`
	SkipDiskCacheRead  bool   `json:"skip_disk_cache_read,omitempty"`
	SkipDiskCacheWrite bool   `json:"skip_disk_cache_write,omitempty"`
}

// LoadResult is the outcome of a successful load.
type LoadResult struct {
	Source   string `json:"source"`
	ByteCost int    `json:"byte_cost"`
	Data     []byte `json:"data"`
}

// Error is a failure reported by the daemon.
type Error struct {
	Status  int
	Message string `json:"error"`
}

func (e Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// Client talks to one load engine daemon.
type Client struct {
	url    *url.URL
	client *http.Client
	json   *codec.JsonHandle
}

// New creates a client for the daemon at baseURL.
func New(baseURL string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		url:    u,
		client: http.DefaultClient,
		json:   &codec.JsonHandle{},
	}, nil
}

// Load asks the daemon to resolve one artifact.
func (c *Client) Load(params LoadParams) (*LoadResult, error) {
	var result LoadResult
	err := c.do("POST", "v1/load", params, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Stats retrieves the daemon's engine counters.
func (c *Client) Stats() (engine.Stats, error) {
	var stats engine.Stats
	err := c.do("GET", "v1/stats", nil, &stats)
	return stats, err
}

// ClearMemoryCache empties the daemon's in-memory tiers.
func (c *Client) ClearMemoryCache() error {
	return c.do("DELETE", "v1/cache/memory", nil, nil)
}

// ClearDiskCache empties the daemon's source-data cache.
func (c *Client) ClearDiskCache() error {
	return c.do("DELETE", "v1/cache/disk", nil, nil)
}

// do performs some HTTP action.  If in is non-nil, the request data
// is serialized and sent as the request body.  If out is non-nil,
// the response data (if any) is deserialized into this object, which
// must be of pointer type.
func (c *Client) do(method, path string, in, out interface{}) error {
	u, err := c.url.Parse(path)
	if err != nil {
		return err
	}

	var body *bytes.Buffer
	if in != nil {
		body = &bytes.Buffer{}
		if err = codec.NewEncoder(body, c.json).Encode(in); err != nil {
			return err
		}
	}

	var req *http.Request
	if body != nil {
		req, err = http.NewRequest(method, u.String(), body)
	} else {
		req, err = http.NewRequest(method, u.String(), nil)
	}
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		failure := Error{Status: resp.StatusCode}
		if decodeErr := codec.NewDecoder(resp.Body, c.json).Decode(&failure); decodeErr != nil {
			failure.Message = resp.Status
		}
		return failure
	}
	if out != nil {
		return codec.NewDecoder(resp.Body, c.json).Decode(out)
	}
	return nil
}
