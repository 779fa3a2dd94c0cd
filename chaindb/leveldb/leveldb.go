// Package leveldb implements a KeyValueStore backed by goleveldb, for test
// chains whose ledger should survive the process.
package leveldb

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/tos-network/chaintest/chaindb"
)

// Database wraps a goleveldb instance behind the KeyValueStore interface.
type Database struct {
	db *leveldb.DB
}

// New opens (or creates) a leveldb database at the given path.
func New(path string) (*Database, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &Database{db: db}, nil
}

// NewInMemory opens a database on leveldb's memory-backed storage. Used by
// tests that want the leveldb code path without touching disk.
func NewInMemory() (*Database, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &Database{db: db}, nil
}

func (d *Database) Has(key []byte) (bool, error) {
	return d.db.Has(key, nil)
}

func (d *Database) Get(key []byte) ([]byte, error) {
	value, err := d.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, chaindb.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (d *Database) Put(key, value []byte) error {
	return d.db.Put(key, value, nil)
}

func (d *Database) Delete(key []byte) error {
	return d.db.Delete(key, nil)
}

func (d *Database) Close() error {
	return d.db.Close()
}
