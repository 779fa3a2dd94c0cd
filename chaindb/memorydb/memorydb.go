// Package memorydb implements an in-memory KeyValueStore.
package memorydb

import (
	"errors"
	"sync"

	"github.com/tos-network/chaintest/chaindb"
)

// ErrClosed is returned for operations on a closed database.
var ErrClosed = errors.New("memorydb: closed")

// Database is a map-backed KeyValueStore. Values are copied on the way in
// and out so callers can freely reuse their slices.
type Database struct {
	mu sync.RWMutex
	db map[string][]byte
}

// New returns an empty in-memory database.
func New() *Database {
	return &Database{db: make(map[string][]byte)}
}

func (d *Database) Has(key []byte) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return false, ErrClosed
	}
	_, ok := d.db[string(key)]
	return ok, nil
}

func (d *Database) Get(key []byte) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return nil, ErrClosed
	}
	value, ok := d.db[string(key)]
	if !ok {
		return nil, chaindb.ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (d *Database) Put(key, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return ErrClosed
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	d.db[string(key)] = stored
	return nil
}

func (d *Database) Delete(key []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return ErrClosed
	}
	delete(d.db, string(key))
	return nil
}

func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.db = nil
	return nil
}

// Len returns the number of stored entries.
func (d *Database) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.db)
}
