package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.Put(ctx, []byte("k"), []byte("v1"), 0); err != nil {
		t.Fatalf("Put create: %v", err)
	}
	v, version, err := s.Get(ctx, []byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "v1" || version != 1 {
		t.Fatalf("unexpected get: %q %d", v, version)
	}

	if _, err := s.Put(ctx, []byte("k"), []byte("v2"), version); err != nil {
		t.Fatalf("Put update: %v", err)
	}
	if err := s.Delete(ctx, []byte("k"), 2); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := s.Get(ctx, []byte("k")); !errors.As(err, new(*ErrNotFound)) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestCASConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.Put(ctx, []byte("k"), []byte("v1"), 0); err != nil {
		t.Fatalf("Put create: %v", err)
	}
	if _, err := s.Put(ctx, []byte("k"), []byte("v2"), 999); !errors.As(err, new(*ErrCASConflict)) {
		t.Fatalf("expected ErrCASConflict, got %v", err)
	}
	if _, err := s.Put(ctx, []byte("k2"), []byte("v"), 1); !errors.As(err, new(*ErrCASConflict)) {
		t.Fatalf("expected ErrCASConflict for create against nonzero version, got %v", err)
	}
}

func TestCommitAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.Put(ctx, []byte("a"), []byte("1"), 0); err != nil {
		t.Fatalf("seed Put: %v", err)
	}

	err := s.Commit(ctx, []Op{
		{Key: []byte("a"), Value: []byte("2"), Version: 1},
		{Key: []byte("b"), Value: []byte("1"), Version: 0},
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	va, _, _ := s.Get(ctx, []byte("a"))
	vb, _, _ := s.Get(ctx, []byte("b"))
	if string(va) != "2" || string(vb) != "1" {
		t.Fatalf("commit did not apply all ops: a=%q b=%q", va, vb)
	}

	// A failing op rolls back the whole batch.
	err = s.Commit(ctx, []Op{
		{Key: []byte("a"), Value: []byte("3"), Version: 2},
		{Key: []byte("b"), Value: []byte("2"), Version: 999}, // wrong version
	})
	if err == nil {
		t.Fatalf("expected Commit to fail on mismatched version")
	}
	va, _, _ = s.Get(ctx, []byte("a"))
	if string(va) != "2" {
		t.Fatalf("partial commit leaked through: a=%q", va)
	}
}
