package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AltairaLabs/research-coordinator/internal/coordinator/storage"
)

func TestDurableStorePutGet(t *testing.T) {
	s := NewDurableStore()
	ctx := context.Background()

	if _, err := s.Get(ctx, "task:1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	doc := []byte(`{"task_id":"1"}`)
	if err := s.Put(ctx, "task:1", doc, time.Time{}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Mutating the caller's slice must not change the stored copy
	doc[0] = 'X'
	got, err := s.Get(ctx, "task:1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != `{"task_id":"1"}` {
		t.Errorf("unexpected document %s", got)
	}

	got[0] = 'Y'
	again, _ := s.Get(ctx, "task:1")
	if again[0] != '{' {
		t.Error("Get should return a copy")
	}
}

func TestDurableStorePutEmptyKey(t *testing.T) {
	s := NewDurableStore()
	if err := s.Put(context.Background(), "", []byte("x"), time.Time{}); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestDurableStoreExpiryAndSweep(t *testing.T) {
	s := NewDurableStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	ctx := context.Background()

	if err := s.Put(ctx, "session:a", []byte("a"), base.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "session:b", []byte("b"), base.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "task:c", []byte("c"), time.Time{}); err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := s.Get(ctx, "session:a"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expired document should read as not found, got %v", err)
	}

	removed, err := s.Sweep(ctx, base.Add(2*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if s.Len() != 2 {
		t.Errorf("expected 2 documents left, got %d", s.Len())
	}
}

func TestDurableStoreDeleteAndClose(t *testing.T) {
	s := NewDurableStore()
	ctx := context.Background()

	_ = s.Put(ctx, "k", []byte("v"), time.Time{})
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("deleting a missing key should succeed: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatal(err)
	}

	_ = s.Close()
	if err := s.Ping(ctx); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := s.Put(ctx, "k", []byte("v"), time.Time{}); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
