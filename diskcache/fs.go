// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package diskcache

import (
	"container/list"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/diffeo/go-loadengine/resource"
	"github.com/ugorji/go/codec"
)

// journalName is the cache state file kept alongside the entries.
const journalName = "journal.cbor"

// journalEntry is one record in the on-disk journal: entries are
// stored least recently used first.
type journalEntry struct {
	Key  string
	Size int64
}

// FS is a resource.DiskCache backed by a local directory.  Each
// entry is one file named by its key; a CBOR journal records sizes
// and access order so the cache can trim itself to a byte budget
// from the least recently used entry, and so a restarted process
// picks up roughly where it left off.  FS is safe for concurrent
// use.
type FS struct {
	dir     string
	maxSize int64

	lock        sync.Mutex
	order       *list.List
	index       map[string]*list.Element
	currentSize int64
	cbor        *codec.CborHandle
}

// DefaultMaxSize is the byte budget used when NewFS is given a
// non-positive one.
const DefaultMaxSize = 250 * 1024 * 1024

// NewFS opens (or creates) a disk cache in dir with a budget of
// maxSize bytes.  An existing journal is loaded; journal entries
// whose files have gone missing are dropped silently.
func NewFS(dir string, maxSize int64) (*FS, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	fs := &FS{
		dir:     dir,
		maxSize: maxSize,
		order:   list.New(),
		index:   make(map[string]*list.Element),
		cbor:    new(codec.CborHandle),
	}
	if err := fs.loadJournal(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Get implements resource.DiskCache.  A hit marks the entry most
// recently used.
func (fs *FS) Get(key string) (io.ReadCloser, error) {
	fs.lock.Lock()
	element, present := fs.index[key]
	if present {
		fs.order.MoveToBack(element)
	}
	fs.lock.Unlock()

	if !present {
		return nil, resource.ErrNoSuchEntry
	}

	f, err := os.Open(fs.path(key))
	if err != nil {
		// The file went away underneath us; treat it as a miss
		// and forget the entry.
		fs.forget(key)
		return nil, resource.ErrNoSuchEntry
	}
	return f, nil
}

// Put implements resource.DiskCache.  The entry body is written to a
// temporary file and committed with a rename, so readers never see a
// partial entry.  The first writer for a key wins; if an entry
// already exists the writer function is not invoked.
func (fs *FS) Put(key string, writer func(io.Writer) error) error {
	fs.lock.Lock()
	_, present := fs.index[key]
	fs.lock.Unlock()
	if present {
		return nil
	}

	tmp, err := ioutil.TempFile(fs.dir, "put-*")
	if err != nil {
		return err
	}
	if err := writer(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err == nil {
		err = tmp.Close()
	} else {
		tmp.Close()
	}
	if err != nil {
		os.Remove(tmp.Name())
		return err
	}

	fs.lock.Lock()
	if _, present := fs.index[key]; present {
		// Somebody else committed the same key while we were
		// writing; their copy is as good as ours.
		fs.lock.Unlock()
		os.Remove(tmp.Name())
		return nil
	}
	if err := os.Rename(tmp.Name(), fs.path(key)); err != nil {
		fs.lock.Unlock()
		os.Remove(tmp.Name())
		return err
	}
	fs.index[key] = fs.order.PushBack(&journalEntry{Key: key, Size: size})
	fs.currentSize += size
	fs.trim()
	err = fs.saveJournal()
	fs.lock.Unlock()
	return err
}

// Clear implements resource.DiskCache, removing every entry and the
// journal.
func (fs *FS) Clear() error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	for element := fs.order.Front(); element != nil; element = element.Next() {
		os.Remove(fs.path(element.Value.(*journalEntry).Key))
	}
	fs.order.Init()
	fs.index = make(map[string]*list.Element)
	fs.currentSize = 0
	if err := os.Remove(filepath.Join(fs.dir, journalName)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CurrentSize returns the total size in bytes of all entries.
func (fs *FS) CurrentSize() int64 {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.currentSize
}

func (fs *FS) path(key string) string {
	return filepath.Join(fs.dir, key)
}

// forget drops a journal entry whose backing file has disappeared.
func (fs *FS) forget(key string) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if element, present := fs.index[key]; present {
		entry := element.Value.(*journalEntry)
		fs.currentSize -= entry.Size
		fs.order.Remove(element)
		delete(fs.index, key)
	}
}

// trim evicts least-recently-used entries until the cache fits its
// budget.  Runs under the cache lock.
func (fs *FS) trim() {
	for fs.currentSize > fs.maxSize {
		head := fs.order.Front()
		if head == nil {
			return
		}
		entry := head.Value.(*journalEntry)
		os.Remove(fs.path(entry.Key))
		fs.order.Remove(head)
		delete(fs.index, entry.Key)
		fs.currentSize -= entry.Size
	}
}

// loadJournal restores entry order and sizes from the journal file,
// if one exists, keeping only entries whose files are still present.
func (fs *FS) loadJournal() error {
	f, err := os.Open(filepath.Join(fs.dir, journalName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var entries []journalEntry
	if err := codec.NewDecoder(f, fs.cbor).Decode(&entries); err != nil {
		// A corrupt journal is not worth failing startup over;
		// start cold instead.
		return nil
	}
	for i := range entries {
		entry := entries[i]
		if _, err := os.Stat(fs.path(entry.Key)); err != nil {
			continue
		}
		fs.index[entry.Key] = fs.order.PushBack(&entry)
		fs.currentSize += entry.Size
	}
	return nil
}

// saveJournal writes the current entry order and sizes.  Runs under
// the cache lock.
func (fs *FS) saveJournal() error {
	entries := make([]journalEntry, 0, fs.order.Len())
	for element := fs.order.Front(); element != nil; element = element.Next() {
		entries = append(entries, *element.Value.(*journalEntry))
	}

	tmp, err := ioutil.TempFile(fs.dir, "journal-*")
	if err != nil {
		return err
	}
	err = codec.NewEncoder(tmp, fs.cbor).Encode(entries)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(fs.dir, journalName))
}
