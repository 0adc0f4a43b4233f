package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// File is the default backend: one JSON document on local disk, rewritten
// atomically on every mutation.
type File struct {
	mu    sync.Mutex
	path  string
	cache *Memory
}

func OpenFile(path string) (*File, error) {
	f := &File{path: path, cache: NewMemory()}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", path, err)
	}
	f.cache.replace(doc.Records)

	return f, nil
}

type stateDocument struct {
	Version int      `json:"version"`
	Records []Record `json:"records"`
}

func (f *File) Get(ctx context.Context, id string) (Record, bool, error) {
	return f.cache.Get(ctx, id)
}

func (f *File) Put(ctx context.Context, r Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.cache.Put(ctx, r); err != nil {
		return err
	}

	return f.flush()
}

func (f *File) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.cache.Delete(ctx, id); err != nil {
		return err
	}

	return f.flush()
}

func (f *File) List(ctx context.Context) ([]Record, error) {
	return f.cache.List(ctx)
}

func (f *File) Close() error { return nil }

func (f *File) flush() error {
	doc := stateDocument{Version: 1, Records: f.cache.snapshot()}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".state-*")
	if err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write state file: %w", err)
	}

	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write state file: %w", err)
	}

	return nil
}
