// Package memfile implements the default storage.Store backend: an
// in-memory map snapshotted to a single JSON file on disk. No pack
// dependency or ecosystem library targets this exact "zero external
// deps" niche, so it is built directly on encoding/json and os.
package memfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/knx-iot/gateway/internal/metrics"
)

// Store is a storage.Store backed by a JSON file. Every mutation
// rewrites the whole file via a temp-file-then-rename swap so a crash
// mid-write never corrupts the snapshot.
type Store struct {
	mu   sync.Mutex
	path string
	data map[string][]byte
}

// Open loads path if it exists, or starts with an empty map if it
// does not.
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: make(map[string][]byte)}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("memfile: reading %s: %w", path, err)
	}
	if len(raw) == 0 {
		return s, nil
	}

	encoded := make(map[string]string)
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("memfile: parsing %s: %w", path, err)
	}
	for k, v := range encoded {
		s.data[k] = []byte(v)
	}
	return s, nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *Store) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	s.data[key] = stored
	if err := s.flushLocked(); err != nil {
		metrics.StorageOperationsTotal.WithLabelValues("put", "error").Inc()
		return err
	}
	metrics.StorageOperationsTotal.WithLabelValues("put", "ok").Inc()
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	if err := s.flushLocked(); err != nil {
		metrics.StorageOperationsTotal.WithLabelValues("delete", "error").Inc()
		return err
	}
	metrics.StorageOperationsTotal.WithLabelValues("delete", "ok").Inc()
	return nil
}

// Ready reports whether the backing directory is still writable.
func (s *Store) Ready(_ context.Context) error {
	dir := filepath.Dir(s.path)
	probe := filepath.Join(dir, ".ready-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("memfile: backing directory %s not writable: %w", dir, err)
	}
	return os.Remove(probe)
}

func (s *Store) Close() error { return nil }

func (s *Store) flushLocked() error {
	encoded := make(map[string]string, len(s.data))
	for k, v := range s.data {
		encoded[k] = string(v)
	}
	raw, err := json.MarshalIndent(encoded, "", "  ")
	if err != nil {
		return fmt.Errorf("memfile: encoding snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".memfile-*.tmp")
	if err != nil {
		return fmt.Errorf("memfile: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("memfile: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("memfile: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("memfile: renaming temp file into place: %w", err)
	}
	return nil
}
