// Package compressed decorates a storage.Store with zstd compression
// for values above a size threshold, following the package-level
// encoder pattern used for BMP payload compression in the teacher.
package compressed

import (
	"context"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/knx-iot/gateway/internal/metrics"
	"github.com/knx-iot/gateway/internal/storage"
)

const (
	flagRaw        byte = 0
	flagCompressed byte = 1
)

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("storage/compressed: zstd encoder init: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("storage/compressed: zstd decoder init: %v", err))
	}
}

// Store wraps an underlying storage.Store, compressing values at or
// above Threshold bytes before delegating the write, and prefixing
// every stored value with a one-byte flag so Get can self-detect
// whether it needs to decompress.
type Store struct {
	inner     storage.Store
	threshold int
	backend   string
}

// New wraps inner, compressing values of threshold bytes or more.
// backend names the inner store for the compression-ratio metric's
// label (e.g. "memfile", "postgres").
func New(inner storage.Store, threshold int, backend string) *Store {
	return &Store{inner: inner, threshold: threshold, backend: backend}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, found, err := s.inner.Get(ctx, key)
	if err != nil || !found {
		return nil, found, err
	}
	if len(raw) == 0 {
		return nil, false, fmt.Errorf("storage/compressed: stored value for %q missing flag byte", key)
	}
	flag, body := raw[0], raw[1:]
	switch flag {
	case flagRaw:
		return body, true, nil
	case flagCompressed:
		plain, err := decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, false, fmt.Errorf("storage/compressed: decompressing %q: %w", key, err)
		}
		return plain, true, nil
	default:
		return nil, false, fmt.Errorf("storage/compressed: unknown flag byte %d for %q", flag, key)
	}
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	var stored []byte
	if len(value) >= s.threshold {
		compressed := encoder.EncodeAll(value, nil)
		if len(value) > 0 {
			metrics.StorageCompressedRatio.WithLabelValues(s.backend).Observe(float64(len(compressed)) / float64(len(value)))
		}
		stored = append([]byte{flagCompressed}, compressed...)
	} else {
		stored = append([]byte{flagRaw}, value...)
	}
	return s.inner.Put(ctx, key, stored)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *Store) Ready(ctx context.Context) error {
	return s.inner.Ready(ctx)
}

func (s *Store) Close() error {
	return s.inner.Close()
}
