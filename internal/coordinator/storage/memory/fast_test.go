package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AltairaLabs/research-coordinator/internal/coordinator/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClockedStore(t *testing.T) (*FastStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := NewFastStore(WithClock(clock.Now))
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func TestFastStoreTTL(t *testing.T) {
	s, clock := newClockedStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "session:1", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "session:1"); err != nil {
		t.Fatalf("expected value, got %v", err)
	}

	clock.Advance(time.Minute)
	if _, err := s.Get(ctx, "session:1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected expiry, got %v", err)
	}

	if err := s.Set(ctx, "forever", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	clock.Advance(24 * time.Hour)
	if _, err := s.Get(ctx, "forever"); err != nil {
		t.Errorf("ttl 0 should never expire: %v", err)
	}
}

func TestFastStoreIncrBy(t *testing.T) {
	s, clock := newClockedStore(t)
	ctx := context.Background()

	for i, want := range []int64{1, 2, 3} {
		got, err := s.IncrBy(ctx, "conn:count:u", 1, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("step %d: expected %d, got %d", i, want, got)
		}
	}

	got, _ := s.IncrBy(ctx, "conn:count:u", -10, time.Hour)
	if got != 0 {
		t.Errorf("counter must clamp at zero, got %d", got)
	}

	clock.Advance(2 * time.Hour)
	got, _ = s.IncrBy(ctx, "conn:count:u", 1, 0)
	if got != 1 {
		t.Errorf("expired counter should restart, got %d", got)
	}
}

func TestFastStoreIncrByConcurrent(t *testing.T) {
	s := NewFastStore()
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.IncrBy(ctx, "n", 1, time.Minute)
		}()
	}
	wg.Wait()

	got, _ := s.IncrBy(ctx, "n", 0, 0)
	if got != 50 {
		t.Errorf("expected 50, got %d", got)
	}
}

func TestFastStoreLockPrimitives(t *testing.T) {
	s, clock := newClockedStore(t)
	ctx := context.Background()

	ok, _ := s.SetNX(ctx, "lock:r", "a", time.Second)
	if !ok {
		t.Fatal("first SetNX should succeed")
	}
	ok, _ = s.SetNX(ctx, "lock:r", "b", time.Second)
	if ok {
		t.Fatal("second SetNX should fail while held")
	}

	deleted, _ := s.CompareAndDelete(ctx, "lock:r", "b")
	if deleted {
		t.Error("wrong token must not delete")
	}

	clock.Advance(time.Second)
	ok, _ = s.SetNX(ctx, "lock:r", "b", time.Second)
	if !ok {
		t.Error("SetNX should succeed after expiry")
	}
	deleted, _ = s.CompareAndDelete(ctx, "lock:r", "a")
	if deleted {
		t.Error("stale holder must not delete the new holder's lock")
	}
	deleted, _ = s.CompareAndDelete(ctx, "lock:r", "b")
	if !deleted {
		t.Error("owner should delete")
	}
}

func TestFastStoreSlidingWindow(t *testing.T) {
	s, clock := newClockedStore(t)
	ctx := context.Background()
	start := clock.Now()

	for i := 0; i < 3; i++ {
		res, err := s.SlidingWindow(ctx, "rl", 3, time.Minute, "m")
		if err != nil {
			t.Fatal(err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		clock.Advance(10 * time.Second)
	}

	res, _ := s.SlidingWindow(ctx, "rl", 3, time.Minute, "m")
	if res.Allowed {
		t.Fatal("fourth request should be rejected")
	}
	if !res.ResetAt.Equal(start.Add(time.Minute)) {
		t.Errorf("reset should track the oldest entry, got %v", res.ResetAt)
	}

	// The first entry leaves the window; one slot opens
	clock.Advance(31 * time.Second)
	res, _ = s.SlidingWindow(ctx, "rl", 3, time.Minute, "m")
	if !res.Allowed {
		t.Error("request should be allowed once the oldest entry expired")
	}
	res, _ = s.SlidingWindow(ctx, "rl", 3, time.Minute, "m")
	if res.Allowed {
		t.Error("window should be full again")
	}
}

func TestFastStorePubSub(t *testing.T) {
	s := NewFastStore()
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "task:*")
	if err != nil {
		t.Fatal(err)
	}

	_ = s.Publish(ctx, "task:1", []byte("one"))
	_ = s.Publish(ctx, "session:1", []byte("skip"))

	select {
	case msg := <-sub.C():
		if msg.Channel != "task:1" || msg.Pattern != "task:*" || string(msg.Payload) != "one" {
			t.Errorf("unexpected message %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}

	select {
	case msg := <-sub.C():
		t.Errorf("unexpected extra message %+v", msg)
	default:
	}

	_ = s.Close()
	if _, ok := <-sub.C(); ok {
		t.Error("closing the store should end subscriptions")
	}
	if err := sub.Close(); err != nil {
		t.Errorf("closing an ended subscription should succeed: %v", err)
	}
	if err := s.Publish(ctx, "task:1", nil); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestFastStoreCleanup(t *testing.T) {
	s, clock := newClockedStore(t)
	ctx := context.Background()

	_ = s.Set(ctx, "a", []byte("1"), time.Second)
	_, _ = s.SlidingWindow(ctx, "w", 1, time.Second, "m")
	clock.Advance(2 * time.Second)
	s.cleanup()

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) != 0 || len(s.windows) != 0 {
		t.Errorf("cleanup should drop expired entries: values=%d windows=%d", len(s.values), len(s.windows))
	}
}
