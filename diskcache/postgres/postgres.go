// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package postgres stores disk cache entries in a PostgreSQL table.
// Compared to a local directory this makes the cache durable and
// shareable across engine processes, at the cost of a database
// round trip per entry.  Entry bodies live in a BYTEA column; this
// backend suits moderate artifact sizes, not multi-megabyte video.
package postgres

import (
	"bytes"
	"database/sql"
	"io"
	"io/ioutil"
	"strings"

	"github.com/diffeo/go-loadengine/resource"
	_ "github.com/lib/pq"
)

// Cache is a resource.DiskCache backed by a PostgreSQL database.
type Cache struct {
	db *sql.DB
}

// New creates a cache from a PostgreSQL connection string.  The
// connection string may be an expanded PostgreSQL string, a
// "postgres:" URL, or a URL without a scheme; see
// http://godoc.org/github.com/lib/pq for details.  If parameters are
// missing they are filled in from the libpq environment variables.
//
// The returned Cache carries a connection pool around with it and
// should be shared across the application; call New sparingly,
// ideally exactly once.
func New(connectionString string) (*Cache, error) {
	// If the connection string is a destructured URL, turn it
	// back into a proper URL.
	if strings.HasPrefix(connectionString, "//") {
		connectionString = "postgres:" + connectionString
	}

	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, err
	}
	if err = Upgrade(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Get implements resource.DiskCache.
func (c *Cache) Get(key string) (io.ReadCloser, error) {
	var body []byte
	row := c.db.QueryRow("SELECT body FROM load_cache_entries WHERE key=$1", key)
	err := row.Scan(&body)
	if err == sql.ErrNoRows {
		return nil, resource.ErrNoSuchEntry
	}
	if err != nil {
		return nil, err
	}
	return ioutil.NopCloser(bytes.NewReader(body)), nil
}

// Put implements resource.DiskCache.  The first write for a key
// wins; a concurrent insert of the same key from another process is
// not an error.
func (c *Cache) Put(key string, writer func(io.Writer) error) error {
	var exists bool
	row := c.db.QueryRow("SELECT EXISTS(SELECT 1 FROM load_cache_entries WHERE key=$1)", key)
	if err := row.Scan(&exists); err != nil {
		return err
	}
	if exists {
		return nil
	}

	var body bytes.Buffer
	if err := writer(&body); err != nil {
		return err
	}

	_, err := c.db.Exec(
		"INSERT INTO load_cache_entries(key, body) VALUES ($1, $2) "+
			"ON CONFLICT (key) DO NOTHING",
		key, body.Bytes())
	return err
}

// Clear implements resource.DiskCache.
func (c *Cache) Clear() error {
	_, err := c.db.Exec("DELETE FROM load_cache_entries")
	return err
}

// Close releases the database connection pool.
func (c *Cache) Close() error {
	return c.db.Close()
}
