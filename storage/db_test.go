package storage

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func backends(t *testing.T) map[string]Database {
	t.Helper()
	dir := t.TempDir()
	level, err := NewLevelDB(filepath.Join(dir, "level"))
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	bolt, err := NewBoltDB(filepath.Join(dir, "bolt", "pool.db"))
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	dbs := map[string]Database{"memory": NewMemDB(), "leveldb": level, "bolt": bolt}
	t.Cleanup(func() {
		for _, db := range dbs {
			db.Close()
		}
	})
	return dbs
}

func TestDatabasePutGetDelete(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if err := db.Put([]byte("k"), []byte("v1")); err != nil {
				t.Fatalf("put: %v", err)
			}
			got, err := db.Get([]byte("k"))
			if err != nil || !bytes.Equal(got, []byte("v1")) {
				t.Fatalf("get: %q %v", got, err)
			}
			if err := db.Delete([]byte("k")); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := db.Get([]byte("k")); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
		})
	}
}

func TestBatchAppliesAtomically(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := db.Put([]byte("gone"), []byte("x")); err != nil {
				t.Fatalf("put: %v", err)
			}
			batch := db.NewBatch()
			batch.Put([]byte("a"), []byte("1"))
			batch.Put([]byte("b"), []byte("2"))
			batch.Delete([]byte("gone"))
			if batch.Len() != 3 {
				t.Fatalf("expected 3 queued ops, got %d", batch.Len())
			}
			if _, err := db.Get([]byte("a")); !errors.Is(err, ErrNotFound) {
				t.Fatalf("batch must not be visible before Write")
			}
			if err := batch.Write(); err != nil {
				t.Fatalf("write: %v", err)
			}
			for key, want := range map[string]string{"a": "1", "b": "2"} {
				got, err := db.Get([]byte(key))
				if err != nil || string(got) != want {
					t.Fatalf("get %s: %q %v", key, got, err)
				}
			}
			if _, err := db.Get([]byte("gone")); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected deleted key to be gone")
			}
			batch.Reset()
			if batch.Len() != 0 {
				t.Fatalf("expected empty batch after reset")
			}
		})
	}
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	value := []byte("abc")
	if err := db.Put([]byte("k"), value); err != nil {
		t.Fatalf("put: %v", err)
	}
	value[0] = 'z'
	got, _ := db.Get([]byte("k"))
	if string(got) != "abc" {
		t.Fatalf("stored value aliased caller buffer: %q", got)
	}
	if keys := db.Keys(); len(keys) != 1 || string(keys[0]) != "k" {
		t.Fatalf("unexpected keys %q", keys)
	}
}

func TestPersistentBackendsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	for _, backend := range []string{BackendLevelDB, BackendBolt} {
		path := filepath.Join(dir, backend)
		db, err := Open(backend, path)
		if err != nil {
			t.Fatalf("open %s: %v", backend, err)
		}
		if err := db.Put([]byte("k"), []byte("v")); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := db.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		reopened, err := Open(backend, path)
		if err != nil {
			t.Fatalf("reopen %s: %v", backend, err)
		}
		got, err := reopened.Get([]byte("k"))
		if err != nil || string(got) != "v" {
			t.Fatalf("%s lost data: %q %v", backend, got, err)
		}
		reopened.Close()
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open("cassandra", ""); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
