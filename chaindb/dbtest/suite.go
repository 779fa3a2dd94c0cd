// Package dbtest provides a reusable conformance suite for KeyValueStore
// implementations.
package dbtest

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tos-network/chaintest/chaindb"
)

// TestDatabaseSuite runs the KeyValueStore conformance checks against a
// fresh store produced by New.
func TestDatabaseSuite(t *testing.T, New func() chaindb.KeyValueStore) {
	t.Run("GetMissing", func(t *testing.T) {
		db := New()
		defer db.Close()

		if _, err := db.Get([]byte("missing")); !errors.Is(err, chaindb.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if ok, err := db.Has([]byte("missing")); err != nil || ok {
			t.Fatalf("expected absent key, got ok=%v err=%v", ok, err)
		}
	})

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		db := New()
		defer db.Close()

		if err := db.Put([]byte("k"), []byte("v1")); err != nil {
			t.Fatalf("put failed: %v", err)
		}
		got, err := db.Get([]byte("k"))
		if err != nil || !bytes.Equal(got, []byte("v1")) {
			t.Fatalf("get mismatch: %q err=%v", got, err)
		}
		// Overwrite.
		if err := db.Put([]byte("k"), []byte("v2")); err != nil {
			t.Fatalf("overwrite failed: %v", err)
		}
		got, _ = db.Get([]byte("k"))
		if !bytes.Equal(got, []byte("v2")) {
			t.Fatalf("overwrite mismatch: %q", got)
		}
	})

	t.Run("ValueIsolation", func(t *testing.T) {
		db := New()
		defer db.Close()

		value := []byte("original")
		if err := db.Put([]byte("k"), value); err != nil {
			t.Fatalf("put failed: %v", err)
		}
		value[0] = 'x' // mutating the caller's slice must not affect the store
		got, _ := db.Get([]byte("k"))
		if !bytes.Equal(got, []byte("original")) {
			t.Fatalf("store aliased caller slice: %q", got)
		}
		got[0] = 'y' // mutating the returned slice must not affect the store
		again, _ := db.Get([]byte("k"))
		if !bytes.Equal(again, []byte("original")) {
			t.Fatalf("store aliased returned slice: %q", again)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		db := New()
		defer db.Close()

		if err := db.Put([]byte("k"), []byte("v")); err != nil {
			t.Fatalf("put failed: %v", err)
		}
		if err := db.Delete([]byte("k")); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if _, err := db.Get([]byte("k")); !errors.Is(err, chaindb.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		// Deleting a missing key is not an error.
		if err := db.Delete([]byte("k")); err != nil {
			t.Fatalf("second delete failed: %v", err)
		}
	})
}
