package feature

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/blake3"
)

// carvesPerDir bounds the number of carved objects in one directory.
const carvesPerDir = 1000

// carveStore persists carved bytes under relative paths.
type carveStore interface {
	put(rel string, data []byte) error
	appendTo(rel string, data []byte) (int64, error)
	read(rel string) ([]byte, error)
	close() error
}

// dirStore writes carved objects below root.
type dirStore struct {
	root string

	mu    sync.Mutex
	files map[string]*os.File
}

func newDirStore(root string) *dirStore {
	return &dirStore{root: root, files: make(map[string]*os.File)}
}

func (d *dirStore) put(rel string, data []byte) error {
	path := filepath.Join(d.root, rel)
	if err := os.MkdirAll(filepath.Dir(path), outDirPerm); err != nil {
		return err
	}
	return os.WriteFile(path, data, outFilePerm)
}

func (d *dirStore) appendTo(rel string, data []byte) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.files[rel]
	if !ok {
		path := filepath.Join(d.root, rel)
		if err := os.MkdirAll(filepath.Dir(path), outDirPerm); err != nil {
			return 0, err
		}
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, outFilePerm)
		if err != nil {
			return 0, err
		}
		d.files[rel] = f
	}
	off, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := f.Write(data); err != nil {
		return 0, err
	}
	return off, nil
}

func (d *dirStore) read(rel string) ([]byte, error) {
	return os.ReadFile(filepath.Join(d.root, rel))
}

func (d *dirStore) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var first error
	for rel, f := range d.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(d.files, rel)
	}
	return first
}

// memStore keeps carved objects in memory.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) put(rel string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	m.mu.Lock()
	m.objects[rel] = cp
	m.mu.Unlock()
	return nil
}

func (m *memStore) appendTo(rel string, data []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	off := int64(len(m.objects[rel]))
	m.objects[rel] = append(m.objects[rel], data...)
	return off, nil
}

func (m *memStore) read(rel string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[rel]
	if !ok {
		return nil, os.ErrNotExist
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *memStore) close() error { return nil }

// digest returns the hex BLAKE3-256 of data.
func digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// carveCache maps content digests to the path they were first carved to.
// An entry is only usable once the write it stands for has succeeded.
type carveCache struct {
	mu      sync.Mutex
	entries map[string]*carveEntry
}

type carveEntry struct {
	rel  string
	done chan struct{}
	ok   bool
}

func newCarveCache() *carveCache {
	return &carveCache{entries: make(map[string]*carveEntry)}
}

// claim returns ("", true) when the caller now owns digest and must write
// rel, then call finish. Otherwise it returns the path an earlier carve
// wrote the same content to. A claim whose write failed is dropped, and
// the next caller takes it over.
func (c *carveCache) claim(digest, rel string) (string, bool) {
	for {
		c.mu.Lock()
		e, ok := c.entries[digest]
		if !ok {
			c.entries[digest] = &carveEntry{rel: rel, done: make(chan struct{})}
			c.mu.Unlock()
			return "", true
		}
		c.mu.Unlock()

		<-e.done
		if e.ok {
			return e.rel, false
		}
	}
}

// finish settles the claim on digest.
func (c *carveCache) finish(digest string, ok bool) {
	c.mu.Lock()
	e := c.entries[digest]
	if !ok {
		delete(c.entries, digest)
	}
	c.mu.Unlock()
	if e == nil {
		return
	}
	e.ok = ok
	close(e.done)
}

// fileObject renders the context written alongside a carved object.
func fileObject(rel string, size int, hexDigest string) string {
	return fmt.Sprintf("<fileobject><filename>%s</filename><filesize>%d</filesize>"+
		"<hashdigest type='blake3'>%s</hashdigest></fileobject>", rel, size, hexDigest)
}
