package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AltairaLabs/research-coordinator/internal/coordinator/config"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/protocol"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/ratelimit"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/storage"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/storage/memory"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/storage/redis"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/store"
	"github.com/AltairaLabs/research-coordinator/internal/runtime"
	"github.com/AltairaLabs/research-coordinator/internal/runtime/mock"
)

const waitFor = 3 * time.Second

func testConfig(instanceID string) *config.Config {
	cfg := config.Default()
	cfg.InstanceID = instanceID
	cfg.Store.SyncDurable = true
	cfg.Task.LockBackoff = 2 * time.Millisecond
	cfg.Bus.ReconnectInitial = 5 * time.Millisecond
	cfg.Bus.ReconnectMax = 50 * time.Millisecond
	cfg.Logging.Format = "console"
	return cfg
}

// newTestStore returns a coordination store on in-process backends
func newTestStore(t *testing.T, fast storage.FastStore) *store.Store {
	t.Helper()
	if fast == nil {
		fast = memory.NewFastStore()
	}
	durable := memory.NewDurableStore()
	st := store.New(fast, durable, store.Options{SyncDurable: true, LockBackoff: 2 * time.Millisecond}, zap.NewNop())
	t.Cleanup(func() {
		st.Close()
		_ = fast.Close()
		_ = durable.Close()
	})
	return st
}

func newTestLimiter(fast storage.FastStore, cfg *config.Config) *ratelimit.Limiter {
	return ratelimit.New(fast, rateLimitPolicy(cfg), zap.NewNop(), ratelimit.WithFallbackTier(cfg.DefaultTier))
}

// newTestInstance builds an instance on fast (in-memory when nil) and
// shuts it down when the test ends.
func newTestInstance(t *testing.T, cfg *config.Config, fast storage.FastStore, rt runtime.Runtime) *Instance {
	t.Helper()
	if fast == nil {
		fast = memory.NewFastStore()
	}
	if rt == nil {
		rt = mock.New()
	}
	inst, err := NewInstance(context.Background(), cfg, fast, memory.NewDurableStore(), rt, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = inst.Shutdown(ctx)
	})
	return inst
}

// newRedisFast returns a fast store client on mr. Several clients on one
// server stand in for several instances of the fleet.
func newRedisFast(t *testing.T, mr *miniredis.Miniredis) storage.FastStore {
	t.Helper()
	fast, err := redis.New(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	return fast
}

// fakeConn records what the registry sends to a client
type fakeConn struct {
	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	code    int
	reason  string
	sendErr error
}

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if c.closed {
		return errConnClosed
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.code = code
		c.reason = reason
	}
	return nil
}

func (c *fakeConn) failSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *fakeConn) closeInfo() (bool, int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.code, c.reason
}

func (c *fakeConn) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(f, &env))
		out = append(out, env)
	}
	return out
}

// ofType returns the envelopes of type typ
func (c *fakeConn) ofType(t *testing.T, typ protocol.Type) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for _, env := range c.envelopes(t) {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (c *fakeConn) types(t *testing.T) []protocol.Type {
	t.Helper()
	var out []protocol.Type
	for _, env := range c.envelopes(t) {
		out = append(out, env.Type)
	}
	return out
}

func decodeData[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

// recordingReleaser counts ReleaseSession calls
type recordingReleaser struct {
	mu       sync.Mutex
	released []string
}

func (r *recordingReleaser) ReleaseSession(_ context.Context, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, sessionID)
}

func (r *recordingReleaser) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.released...)
}

// brokenCounters fails every counter operation of the wrapped store
type brokenCounters struct {
	storage.FastStore
}

func (brokenCounters) IncrBy(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, errors.New("counter backend down")
}

// waitTerminal waits until the task reaches a terminal status
func waitTerminal(t *testing.T, tasks *TaskCoordinator, taskID string) *Task {
	t.Helper()
	var task *Task
	require.Eventually(t, func() bool {
		got, err := tasks.Get(context.Background(), taskID)
		if err != nil {
			return false
		}
		task = got
		return got.Status.Terminal()
	}, waitFor, 5*time.Millisecond)
	return task
}
