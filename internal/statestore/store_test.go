package statestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/flexinfer/forge/internal/fingerprint"
)

func sampleRecord(task string) *Record {
	return &Record{
		Task: task,
		Snapshot: fingerprint.Snapshot{
			Signature: "exec:abc",
			Inputs:    []fingerprint.Fingerprint{"content:111", fingerprint.Absent},
			Outputs:   []fingerprint.Fingerprint{"content:222"},
		},
		RecordedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// testStore runs the Store contract against a fresh store.
func testStore(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(ctx, ":nope"); !errors.Is(err, ErrRecordNotFound) {
			t.Errorf("expected ErrRecordNotFound, got %v", err)
		}
	})

	t.Run("put and get", func(t *testing.T) {
		s := newStore(t)
		want := sampleRecord(":app:compile")
		if err := s.Put(ctx, want); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := s.Get(ctx, ":app:compile")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Snapshot.Signature != want.Snapshot.Signature {
			t.Errorf("signature = %q, want %q", got.Snapshot.Signature, want.Snapshot.Signature)
		}
		if len(got.Snapshot.Inputs) != 2 || got.Snapshot.Inputs[1] != fingerprint.Absent {
			t.Errorf("inputs = %v", got.Snapshot.Inputs)
		}
		if len(got.Snapshot.Outputs) != 1 || got.Snapshot.Outputs[0] != "content:222" {
			t.Errorf("outputs = %v", got.Snapshot.Outputs)
		}
		if !got.RecordedAt.Equal(want.RecordedAt) {
			t.Errorf("recorded_at = %v, want %v", got.RecordedAt, want.RecordedAt)
		}
	})

	t.Run("put replaces", func(t *testing.T) {
		s := newStore(t)
		rec := sampleRecord(":a")
		s.Put(ctx, rec)
		rec.Snapshot.Signature = "exec:new"
		if err := s.Put(ctx, rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, _ := s.Get(ctx, ":a")
		if got.Snapshot.Signature != "exec:new" {
			t.Errorf("expected replaced record, got %q", got.Snapshot.Signature)
		}
	})

	t.Run("put rejects empty task", func(t *testing.T) {
		s := newStore(t)
		if err := s.Put(ctx, &Record{}); err == nil {
			t.Error("expected error for empty task")
		}
	})

	t.Run("load and delete", func(t *testing.T) {
		s := newStore(t)
		for _, task := range []string{":a", ":b", ":c"} {
			if err := s.Put(ctx, sampleRecord(task)); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
		}
		all, err := s.Load(ctx)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if len(all) != 3 {
			t.Errorf("expected 3 records, got %d", len(all))
		}

		if err := s.Delete(ctx, ":a"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		all, _ = s.Load(ctx)
		if _, ok := all[":a"]; ok || len(all) != 2 {
			t.Errorf("expected :a deleted, got %v", all)
		}

		if err := s.Delete(ctx); err != nil {
			t.Fatalf("Delete all failed: %v", err)
		}
		all, _ = s.Load(ctx)
		if len(all) != 0 {
			t.Errorf("expected empty store, got %d records", len(all))
		}
	})
}

func TestMemoryStore(t *testing.T) {
	testStore(t, func(t *testing.T) Store {
		s := NewMemoryStore()
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Put(ctx, sampleRecord(":a"))

	got, _ := s.Get(ctx, ":a")
	got.Snapshot.Inputs[0] = "tampered"

	again, _ := s.Get(ctx, ":a")
	if again.Snapshot.Inputs[0] == "tampered" {
		t.Error("store should not share slices with callers")
	}
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	s.Close()
	if _, err := s.Load(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestSQLiteStore(t *testing.T) {
	testStore(t, func(t *testing.T) Store {
		s, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
		if err != nil {
			t.Fatalf("OpenSQLite failed: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.db")

	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	if err := s.Put(ctx, sampleRecord(":persisted")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	s.Close()

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	if _, err := s.Get(ctx, ":persisted"); err != nil {
		t.Errorf("record should survive reopen: %v", err)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, &Config{Kind: KindMemory})
	if err != nil || s.Kind() != KindMemory {
		t.Errorf("memory: %v, %v", s, err)
	}

	s, err = Open(ctx, &Config{Kind: "", SQLitePath: filepath.Join(t.TempDir(), "s.db")})
	if err != nil {
		t.Fatalf("default sqlite: %v", err)
	}
	if s.Kind() != KindSQLite {
		t.Errorf("expected sqlite, got %s", s.Kind())
	}
	s.Close()

	if _, err := Open(ctx, &Config{Kind: "etcd"}); err == nil {
		t.Error("expected error for unknown kind")
	}
	if _, err := Open(ctx, &Config{Kind: KindS3}); err == nil {
		t.Error("expected error for s3 without bucket")
	}
}
