// Package store implements the byte store (C1): append/get/remove of
// opaque byte values under string keys. Atomic reserve-then-put
// semantics are layered on top by kv/manager. It wraps goleveldb, an
// embedded ordered single-writer KV engine, behind the same
// contains/get/insert/remove/list shape the teacher's crypto/storage
// package wraps around an in-memory map.
package store

import "errors"

// ErrNotFound is returned by Get/Remove when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Store is the byte store contract (C1).
type Store interface {
	Contains(key string) (bool, error)
	Get(key string) ([]byte, error)
	Insert(key string, value []byte) (prev []byte, err error)
	Remove(key string) (prev []byte, err error)
	Keys() ([]string, error)
	Flush() error
	Close() error
}

// OpenResult reports whether Open found an existing database on disk,
// as opposed to creating a fresh one. C2 uses WasRecovered to decide
// between the password-check and password-install paths.
type OpenResult struct {
	Store        Store
	WasRecovered bool
}
