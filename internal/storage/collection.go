// Package storage persists kensa artifacts.
//
// Artifacts are JSON files, one per id, in a directory per kind. Writes go
// through a temp file and rename so readers never see a partial document.
// Each runner additionally owns a SQLite database of its runs (RunnerDB).
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const fileExt = ".json"

// Identifiable is implemented by every stored artifact.
type Identifiable interface {
	GetID() string
}

// Collection stores artifacts of one kind as {dir}/{id}.json.
type Collection[T Identifiable] struct {
	kind  string
	dir   string
	locks keyedMutex
}

// NewCollection returns a collection rooted at dir. The directory is created
// lazily on first write.
func NewCollection[T Identifiable](kind, dir string) *Collection[T] {
	return &Collection[T]{kind: kind, dir: dir}
}

// Kind returns the artifact kind name used in error messages.
func (c *Collection[T]) Kind() string { return c.kind }

// Dir returns the collection's directory.
func (c *Collection[T]) Dir() string { return c.dir }

func (c *Collection[T]) path(id string) string {
	return filepath.Join(c.dir, id+fileExt)
}

func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

// Create writes v. It fails with ErrAlreadyExists if the id is taken.
func (c *Collection[T]) Create(v T) error {
	id := v.GetID()
	if !validID(id) {
		return fmt.Errorf("storage: invalid %s id %q", c.kind, id)
	}
	unlock := c.locks.lock(id)
	defer unlock()

	if _, err := os.Stat(c.path(id)); err == nil {
		return fmt.Errorf("storage: %s %s: %w", c.kind, id, ErrAlreadyExists)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: stat %s %s: %w", c.kind, id, err)
	}
	return c.write(id, v)
}

// Put writes v, replacing any existing artifact with the same id.
func (c *Collection[T]) Put(v T) error {
	id := v.GetID()
	if !validID(id) {
		return fmt.Errorf("storage: invalid %s id %q", c.kind, id)
	}
	unlock := c.locks.lock(id)
	defer unlock()
	return c.write(id, v)
}

// Read loads the artifact with the given id.
func (c *Collection[T]) Read(id string) (T, error) {
	var zero T
	if !validID(id) {
		return zero, fmt.Errorf("storage: %s %q: %w", c.kind, id, ErrNotFound)
	}
	return c.read(id)
}

func (c *Collection[T]) read(id string) (T, error) {
	var v T
	data, err := os.ReadFile(c.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return v, fmt.Errorf("storage: %s %s: %w", c.kind, id, ErrNotFound)
		}
		return v, fmt.Errorf("storage: read %s %s: %w", c.kind, id, err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("storage: decode %s %s: %w", c.kind, id, err)
	}
	return v, nil
}

// Exists reports whether an artifact with the given id is stored.
func (c *Collection[T]) Exists(id string) (bool, error) {
	if !validID(id) {
		return false, nil
	}
	_, err := os.Stat(c.path(id))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("storage: stat %s %s: %w", c.kind, id, err)
	}
}

// IDs returns the ids of every stored artifact, in directory order.
func (c *Collection[T]) IDs() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: list %s: %w", c.kind, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, fileExt))
	}
	return ids, nil
}

// List loads every stored artifact. Artifacts removed between the directory
// scan and the read are skipped.
func (c *Collection[T]) List() ([]T, error) {
	ids, err := c.IDs()
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		v, err := c.read(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Update applies fn to the stored artifact and writes the result. fn must
// not change the id; a changed id is rejected.
func (c *Collection[T]) Update(id string, fn func(*T) error) (T, error) {
	var zero T
	if !validID(id) {
		return zero, fmt.Errorf("storage: %s %q: %w", c.kind, id, ErrNotFound)
	}
	unlock := c.locks.lock(id)
	defer unlock()

	v, err := c.read(id)
	if err != nil {
		return zero, err
	}
	if err := fn(&v); err != nil {
		return zero, err
	}
	if got := v.GetID(); got != id {
		return zero, fmt.Errorf("storage: %s id is immutable (%s -> %s)", c.kind, id, got)
	}
	if err := c.write(id, v); err != nil {
		return zero, err
	}
	return v, nil
}

// Delete removes the artifact with the given id.
func (c *Collection[T]) Delete(id string) error {
	if !validID(id) {
		return fmt.Errorf("storage: %s %q: %w", c.kind, id, ErrNotFound)
	}
	unlock := c.locks.lock(id)
	defer unlock()

	if err := os.Remove(c.path(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("storage: %s %s: %w", c.kind, id, ErrNotFound)
		}
		return fmt.Errorf("storage: delete %s %s: %w", c.kind, id, err)
	}
	return nil
}

// write must be called with the id lock held.
func (c *Collection[T]) write(id string, v T) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: encode %s %s: %w", c.kind, id, err)
	}
	if err := writeFileAtomic(c.path(id), data); err != nil {
		return fmt.Errorf("storage: write %s %s: %w", c.kind, id, err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it, and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

// keyedMutex serializes writers per id. Entries are reference counted and
// removed when the last holder unlocks.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(id string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
