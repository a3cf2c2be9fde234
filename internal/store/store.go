// Package store provides the minimal persisted key/value interface used to
// keep small pieces of session state (such as resumption handles) across
// process restarts. The browser build of the product used localStorage for
// this; server and CLI builds substitute a file-backed store.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// KV is a minimal persisted key/value store. Implementations must be safe
// for concurrent use. A missing key is reported via ok == false, not an error.
type KV interface {
	// Get returns the value stored under key, if any.
	Get(key string) (value string, ok bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(key, value string) error

	// Delete removes key. Deleting a missing key is a no-op.
	Delete(key string) error
}

// Compile-time interface checks.
var (
	_ KV = (*Memory)(nil)
	_ KV = (*File)(nil)
)

// Memory is an in-process KV used in tests and for sessions that do not need
// to survive a restart.
type Memory struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemory creates an empty in-memory KV.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

// Get returns the value stored under key, if any.
func (m *Memory) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// Set stores value under key.
func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// Delete removes key.
func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// File persists keys as a single JSON object in a local file. Every write
// rewrites the file via a temp-file rename so a crash mid-write never leaves
// a truncated store behind. Suitable for the handful of keys this product
// stores; not a general-purpose database.
type File struct {
	mu   sync.Mutex
	path string
}

// NewFile creates a File store backed by path. The file is created lazily on
// the first Set; a missing file reads as an empty store.
func NewFile(path string) *File {
	return &File{path: path}
}

// Get returns the value stored under key, if any.
func (f *File) Get(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

// Set stores value under key and flushes the store to disk.
func (f *File) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return err
	}
	values[key] = value
	return f.flush(values)
}

// Delete removes key and flushes the store to disk.
func (f *File) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return f.flush(values)
}

// load reads the backing file. Callers must hold f.mu.
func (f *File) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %q: %w", f.path, err)
	}

	values := make(map[string]string)
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("store: decode %q: %w", f.path, err)
	}
	return values, nil
}

// flush writes values atomically. Callers must hold f.mu.
func (f *File) flush(values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".store-*")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: rename %q: %w", f.path, err)
	}
	return nil
}
