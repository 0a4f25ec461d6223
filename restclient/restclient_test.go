// Copyright 2015 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package restclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		require.Equal(t, "/v1/load", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"source":    "remote",
			"byte_cost": 7,
			"data":      []byte("payload"),
		})
	}))
	defer server.Close()

	c, err := New(server.URL)
	require.NoError(t, err)

	result, err := c.Load(LoadParams{
		Model:      "thing",
		Signature:  "v1",
		ResultType: "raw",
	})
	require.NoError(t, err)
	assert.Equal(t, "remote", result.Source)
	assert.Equal(t, 7, result.ByteCost)
	assert.Equal(t, []byte("payload"), result.Data)

	assert.Equal(t, "thing", gotBody["model"])
	assert.Equal(t, "v1", gotBody["signature"])
	assert.Equal(t, "raw", gotBody["result_type"])
}

func TestLoadFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]string{"error": "fetch failed"})
	}))
	defer server.Close()

	c, err := New(server.URL)
	require.NoError(t, err)

	_, err = c.Load(LoadParams{Model: "thing"})
	require.Error(t, err)
	failure, ok := err.(Error)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadGateway, failure.Status)
	assert.Equal(t, "fetch failed", failure.Message)
}

func TestClear(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "DELETE", r.Method)
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c, err := New(server.URL)
	require.NoError(t, err)
	require.NoError(t, c.ClearMemoryCache())
	require.NoError(t, c.ClearDiskCache())
	assert.Equal(t, []string{"/v1/cache/memory", "/v1/cache/disk"}, paths)
}
