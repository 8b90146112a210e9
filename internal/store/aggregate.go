package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const documentVersion = 1

// document is the on-disk shape of one aggregate file.
type document[T any] struct {
	Version int           `json:"version"`
	Records map[string]*T `json:"records"`
}

// aggregate guards one JSON document holding every record of a kind.
// Every write replaces the whole file through a temp file and rename so a
// crash leaves either the old or the new document, never a partial one.
type aggregate[T any] struct {
	mu   sync.Mutex
	path string
}

func newAggregate[T any](path string) *aggregate[T] {
	return &aggregate[T]{path: path}
}

// read loads the document. A missing file is an empty document.
func (a *aggregate[T]) read() (*document[T], error) {
	data, err := os.ReadFile(a.path)
	if errors.Is(err, os.ErrNotExist) {
		return &document[T]{Version: documentVersion, Records: map[string]*T{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", a.path, err)
	}

	var doc document[T]
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, a.path, err)
	}
	if doc.Records == nil {
		doc.Records = map[string]*T{}
	}
	return &doc, nil
}

// write atomically replaces the document on disk.
func (a *aggregate[T]) write(doc *document[T]) error {
	doc.Version = documentVersion
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", a.path, err)
	}

	dir := filepath.Dir(a.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(a.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, a.path); err != nil {
		cleanup()
		return fmt.Errorf("replacing %s: %w", a.path, err)
	}

	// Persist the rename itself. Not every platform supports fsync on a
	// directory, so failures here are ignored.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// mutate runs fn against the freshly read document and writes the result.
// Nothing is written when fn returns an error.
func (a *aggregate[T]) mutate(fn func(doc *document[T]) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	doc, err := a.read()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return a.write(doc)
}

func (a *aggregate[T]) get(id string) (*T, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	doc, err := a.read()
	if err != nil {
		return nil, err
	}
	rec, ok := doc.Records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

func (a *aggregate[T]) list(less func(a, b *T) bool) ([]*T, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	doc, err := a.read()
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(doc.Records))
	for _, rec := range doc.Records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out, nil
}
