package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/research-coordinator/internal/coordinator/storage"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/storage/memory"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/storage/redis"
)

// flakyDurable wraps a durable store and can fail or stall on demand
type flakyDurable struct {
	storage.DurableStore
	fail       atomic.Bool
	block      chan struct{} // stalls Put
	blockValue string        // when set, only Puts of this value stall
	getGate    chan struct{} // stalls Get
	gets       atomic.Int32
}

var errDurableDown = errors.New("durable down")

func (f *flakyDurable) Get(ctx context.Context, key string) ([]byte, error) {
	f.gets.Add(1)
	if f.getGate != nil {
		select {
		case <-f.getGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail.Load() {
		return nil, errDurableDown
	}
	return f.DurableStore.Get(ctx, key)
}

func (f *flakyDurable) Put(ctx context.Context, key string, doc []byte, expiresAt time.Time) error {
	if f.block != nil && (f.blockValue == "" || f.blockValue == string(doc)) {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.fail.Load() {
		return errDurableDown
	}
	return f.DurableStore.Put(ctx, key, doc, expiresAt)
}

func newTestStore(t *testing.T) (*Store, *memory.FastStore, *flakyDurable) {
	t.Helper()
	fast := memory.NewFastStore()
	durable := &flakyDurable{DurableStore: memory.NewDurableStore()}
	s := New(fast, durable, Options{LockBackoff: 5 * time.Millisecond}, nil)
	t.Cleanup(func() {
		s.Close()
		_ = fast.Close()
	})
	return s, fast, durable
}

func TestStore_UpdateWritesBothStores(t *testing.T) {
	s, fast, durable := newTestStore(t)
	ctx := context.Background()

	out, err := s.Update(ctx, "task:1", func(cur []byte) ([]byte, error) {
		assert.Nil(t, cur)
		return []byte(`{"v":1}`), nil
	}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(out))

	got, err := fast.Get(ctx, "task:1")
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(got))

	require.NoError(t, s.Flush(ctx))
	got, err = durable.DurableStore.Get(ctx, "task:1")
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(got))
	assert.Equal(t, uint64(1), s.WriterStats().Written)
}

func TestStore_GetRepopulatesFastStore(t *testing.T) {
	s, fast, durable := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, durable.DurableStore.Put(ctx, "session:a", []byte(`"a"`), time.Time{}))

	got, err := s.Get(ctx, "session:a")
	require.NoError(t, err)
	assert.Equal(t, `"a"`, string(got))

	cached, err := fast.Get(ctx, "session:a")
	require.NoError(t, err)
	assert.Equal(t, `"a"`, string(cached))

	_, err = s.Get(ctx, "session:missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_GetFallsBackWhenFastStoreDown(t *testing.T) {
	s, fast, durable := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, durable.DurableStore.Put(ctx, "task:z", []byte(`1`), time.Time{}))

	_ = fast.Close()
	got, err := s.Get(ctx, "task:z")
	require.NoError(t, err)
	assert.Equal(t, `1`, string(got))

	// Absent in durable while fast is down: the answer is unknown
	_, err = s.Get(ctx, "task:other")
	assert.ErrorIs(t, err, ErrUnavailable)

	durable.fail.Store(true)
	_, err = s.Get(ctx, "task:z")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestStore_DurableFailureNeverFailsUpdate(t *testing.T) {
	s, fast, durable := newTestStore(t)
	ctx := context.Background()
	durable.fail.Store(true)

	_, err := s.Update(ctx, "task:1", func([]byte) ([]byte, error) { return []byte(`1`), nil }, time.Minute)
	require.NoError(t, err)

	got, err := fast.Get(ctx, "task:1")
	require.NoError(t, err)
	assert.Equal(t, `1`, string(got))

	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, uint64(1), s.WriterStats().Failed)
}

func TestStore_DurableStallNeverBlocksUpdate(t *testing.T) {
	fast := memory.NewFastStore()
	defer fast.Close()
	durable := &flakyDurable{DurableStore: memory.NewDurableStore(), block: make(chan struct{})}
	s := New(fast, durable, Options{WriteQueueSize: 2}, nil)

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_, err := s.Update(ctx, "task:1", func([]byte) ([]byte, error) { return []byte(`1`), nil }, 0)
			assert.NoError(t, err)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Update blocked on a stalled durable store")
	}
	assert.Greater(t, s.WriterStats().Dropped, uint64(0))

	close(durable.block)
	s.Close()
}

func TestStore_UpdateSkipAndError(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k:1", []byte(`"orig"`), 0))

	out, err := s.Update(ctx, "k:1", func([]byte) ([]byte, error) { return nil, ErrSkip }, 0)
	require.NoError(t, err)
	assert.Equal(t, `"orig"`, string(out))

	boom := errors.New("boom")
	_, err = s.Update(ctx, "k:1", func([]byte) ([]byte, error) { return nil, boom }, 0)
	assert.ErrorIs(t, err, boom)

	got, _ := s.Get(ctx, "k:1")
	assert.Equal(t, `"orig"`, string(got))
}

func TestStore_SyncDurable(t *testing.T) {
	fast := memory.NewFastStore()
	defer fast.Close()
	durable := memory.NewDurableStore()
	s := New(fast, durable, Options{SyncDurable: true}, nil)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "task:s", []byte(`1`), 0))
	got, err := durable.Get(ctx, "task:s")
	require.NoError(t, err)
	assert.Equal(t, `1`, string(got))

	require.NoError(t, s.Delete(ctx, "task:s"))
	_, err = durable.Get(ctx, "task:s")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_DeleteAndIncrement(t *testing.T) {
	s, _, durable := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "session:d", []byte(`1`), 0))
	require.NoError(t, s.Delete(ctx, "session:d"))
	require.NoError(t, s.Flush(ctx))
	_, err := s.Get(ctx, "session:d")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = durable.DurableStore.Get(ctx, "session:d")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	n, err := s.Increment(ctx, "conn:count:u", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = s.Increment(ctx, "conn:count:u", -1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStore_IncrementUnavailable(t *testing.T) {
	s, fast, _ := newTestStore(t)
	_ = fast.Close()
	_, err := s.Increment(context.Background(), "c", 1, 0)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestStore_ConcurrentMissesCollapse(t *testing.T) {
	s, _, durable := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, durable.DurableStore.Put(ctx, "task:hot", []byte(`1`), time.Time{}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.Get(ctx, "task:hot")
			assert.NoError(t, err)
			assert.Equal(t, `1`, string(got))
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, durable.gets.Load(), int32(20))
	assert.GreaterOrEqual(t, durable.gets.Load(), int32(1))
}

func TestStore_SharedReadSurvivesCallerCancel(t *testing.T) {
	fast := memory.NewFastStore()
	defer fast.Close()
	durable := &flakyDurable{DurableStore: memory.NewDurableStore(), getGate: make(chan struct{})}
	s := New(fast, durable, Options{}, nil)
	defer s.Close()
	require.NoError(t, durable.DurableStore.Put(context.Background(), "task:hot", []byte(`1`), time.Time{}))

	first, cancel := context.WithCancel(context.Background())
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, _ = s.Get(first, "task:hot")
	}()
	require.Eventually(t, func() bool { return durable.gets.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		doc []byte
		err error
	}
	second := make(chan result, 1)
	go func() {
		doc, err := s.Get(context.Background(), "task:hot")
		second <- result{doc, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	close(durable.getGate)

	select {
	case r := <-second:
		require.NoError(t, r.err, "a waiter must not inherit the first caller's cancellation")
		assert.Equal(t, `1`, string(r.doc))
	case <-time.After(2 * time.Second):
		t.Fatal("shared read never returned")
	}
	<-firstDone
}

func TestStore_InlineDurableWriteLandsAfterQueuedWrites(t *testing.T) {
	fast := memory.NewFastStore()
	durable := &flakyDurable{DurableStore: memory.NewDurableStore(), block: make(chan struct{}), blockValue: `1`}
	s := New(fast, durable, Options{}, nil)
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, durable.DurableStore.Put(ctx, "task:1", []byte(`0`), time.Time{}))

	// Queued behind a stalled durable write
	require.NoError(t, s.Put(ctx, "task:1", []byte(`1`), time.Minute))

	_ = fast.Close()
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(durable.block)
	}()
	require.NoError(t, s.Put(ctx, "task:1", []byte(`2`), time.Minute))

	require.NoError(t, s.Flush(ctx))
	got, err := durable.DurableStore.Get(ctx, "task:1")
	require.NoError(t, err)
	assert.Equal(t, `2`, string(got), "the older queued write must not overwrite the newer one")
}

func TestStore_JSONHelpers(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	type rec struct {
		N int `json:"n"`
	}

	_, err := GetJSON[rec](ctx, s, "rec:1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	out, err := UpdateJSON(ctx, s, "rec:1", 0, func(cur *rec) (*rec, error) {
		assert.Nil(t, cur)
		return &rec{N: 1}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.N)

	out, err = UpdateJSON(ctx, s, "rec:1", 0, func(cur *rec) (*rec, error) {
		cur.N++
		return cur, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out.N)

	out, err = UpdateJSON(ctx, s, "rec:1", 0, func(cur *rec) (*rec, error) {
		return nil, ErrSkip
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out.N)

	require.NoError(t, PutJSON(ctx, s, "rec:2", &rec{N: 7}, 0))
	got, err := GetJSON[rec](ctx, s, "rec:2")
	require.NoError(t, err)
	assert.Equal(t, 7, got.N)
}

func TestStore_WithRedisFastStore(t *testing.T) {
	mr := miniredis.RunT(t)
	fast, err := redis.New(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer fast.Close()
	s := New(fast, memory.NewDurableStore(), Options{DefaultTTL: time.Minute}, nil)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "task:r", []byte(`{"a":1}`), 30*time.Second))
	assert.Equal(t, 30*time.Second, mr.TTL("task:r"))

	mr.Del("task:r")
	require.NoError(t, s.Flush(ctx))
	got, err := s.Get(ctx, "task:r")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got))
	assert.Equal(t, time.Minute, mr.TTL("task:r"), "repopulated with the default TTL")
}
