package memorydb

import (
	"testing"

	"github.com/tos-network/chaintest/chaindb"
	"github.com/tos-network/chaintest/chaindb/dbtest"
)

func TestMemoryDB(t *testing.T) {
	t.Run("DatabaseSuite", func(t *testing.T) {
		dbtest.TestDatabaseSuite(t, func() chaindb.KeyValueStore {
			return New()
		})
	})
}

func TestMemoryDBClosed(t *testing.T) {
	db := New()
	if err := db.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := db.Put([]byte("k"), []byte("v")); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := db.Get([]byte("k")); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
