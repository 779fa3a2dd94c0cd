// Package chaindb defines the key-value store interface backing the
// persisted ledger of the test chain.
package chaindb

import "errors"

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("chaindb: not found")

// KeyValueStore is the minimal interface the ledger requires from its
// backing store. Implementations must be safe for use from a single
// goroutine; the test chain never accesses the store concurrently.
type KeyValueStore interface {
	// Has reports whether a value exists for the key.
	Has(key []byte) (bool, error)

	// Get returns the value for the key, or ErrNotFound.
	Get(key []byte) ([]byte, error)

	// Put stores the value under the key, replacing any previous value.
	Put(key, value []byte) error

	// Delete removes the value for the key, if any.
	Delete(key []byte) error

	// Close releases underlying resources.
	Close() error
}
