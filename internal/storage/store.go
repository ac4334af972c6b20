// Package storage defines the key/value persistence contract used to
// save Group Object Table entries and load state across restarts.
package storage

import "context"

// Store is a byte-oriented key/value persistence backend. Keys are
// opaque strings chosen by callers (table and record identity encoded
// into the key, e.g. "gm/recipient/3"); values are caller-defined
// encodings (typically JSON or CBOR).
type Store interface {
	// Get returns the value for key. found is false when no record
	// exists under that key; this is not an error.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Ready reports whether the backend is reachable, for the admin
	// surface's readiness probe.
	Ready(ctx context.Context) error
	Close() error
}
