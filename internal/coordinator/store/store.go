// Package store is the dual-backed coordination store every instance uses
// for fleet-visible state. The fast store is authoritative for liveness;
// the durable store receives the same writes best-effort, after the fast
// write, and serves reads when the fast store has lost a key.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/AltairaLabs/research-coordinator/internal/coordinator/storage"
)

var (
	// ErrUnavailable means the value is unknown: neither store could answer
	ErrUnavailable = errors.New("store: state unavailable")

	// ErrSkip may be returned by an Update mutation to leave the value as is
	ErrSkip = errors.New("store: mutation skipped")
)

// Options tunes a Store
type Options struct {
	DefaultTTL     time.Duration // TTL used when repopulating the fast store from the durable store
	SyncDurable    bool          // Write the durable copy inline instead of through the write-behind queue
	WriteQueueSize int           // Capacity of the write-behind queue
	DurableTimeout time.Duration // Deadline for a single durable write
	LockBackoff    time.Duration // Fixed pause between blocking Acquire attempts
}

// DefaultOptions returns the options used when none are supplied
func DefaultOptions() Options {
	return Options{
		DefaultTTL:     time.Hour,
		WriteQueueSize: 1024,
		DurableTimeout: 5 * time.Second,
		LockBackoff:    50 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = d.DefaultTTL
	}
	if o.WriteQueueSize <= 0 {
		o.WriteQueueSize = d.WriteQueueSize
	}
	if o.DurableTimeout <= 0 {
		o.DurableTimeout = d.DurableTimeout
	}
	if o.LockBackoff <= 0 {
		o.LockBackoff = d.LockBackoff
	}
	return o
}

// MutateFunc computes the next value from the current one (nil when absent)
type MutateFunc func(current []byte) ([]byte, error)

// Store reads through the fast store and writes to both stores
type Store struct {
	fast    storage.FastStore
	durable storage.DurableStore
	opts    Options
	logger  *zap.Logger
	group   singleflight.Group
	writer  *writer
	now     func() time.Time

	closeOnce sync.Once
}

// New creates a Store and starts its write-behind writer
func New(fast storage.FastStore, durable storage.DurableStore, opts Options, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Store{
		fast:    fast,
		durable: durable,
		opts:    opts,
		logger:  logger,
		writer:  newWriter(durable, opts.WriteQueueSize, opts.DurableTimeout, logger),
		now:     time.Now,
	}
}

// Fast exposes the underlying fast store (rate limiter, health checks)
func (s *Store) Fast() storage.FastStore {
	return s.fast
}

// Durable exposes the underlying durable store (GC sweep, health checks)
func (s *Store) Durable() storage.DurableStore {
	return s.durable
}

// Get returns the value for key. storage.ErrNotFound means both stores agree
// the key is absent; ErrUnavailable means the answer is unknown.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.fast.Get(ctx, key)
	if err == nil {
		return val, nil
	}
	fastDown := !errors.Is(err, storage.ErrNotFound)
	if fastDown {
		s.logger.Warn("Fast store read failed, falling back to durable store",
			zap.String("key", key), zap.Error(err))
	}

	// The flight is shared, so it must outlive any one caller's context
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.DurableTimeout)
		defer cancel()
		doc, derr := s.durable.Get(sctx, key)
		if errors.Is(derr, storage.ErrNotFound) {
			if fastDown {
				return nil, ErrUnavailable
			}
			return nil, storage.ErrNotFound
		}
		if derr != nil {
			s.logger.Error("Durable store read failed",
				zap.String("key", key), zap.Error(derr))
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, key)
		}
		if !fastDown {
			if serr := s.fast.Set(sctx, key, doc, s.opts.DefaultTTL); serr != nil {
				s.logger.Warn("Failed to repopulate fast store",
					zap.String("key", key), zap.Error(serr))
			}
		}
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	doc := v.([]byte)
	out := make([]byte, len(doc))
	copy(out, doc)
	return out, nil
}

// Update applies fn to the current value and writes the result. The fast
// store is written first and synchronously; the durable copy follows
// through the write-behind queue and its failures are only logged.
func (s *Store) Update(ctx context.Context, key string, fn MutateFunc, ttl time.Duration) ([]byte, error) {
	current, err := s.Get(ctx, key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	next, err := fn(current)
	if errors.Is(err, ErrSkip) {
		return current, nil
	}
	if err != nil {
		return nil, err
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}

	if err := s.fast.Set(ctx, key, next, ttl); err != nil {
		s.logger.Warn("Fast store write failed, writing durable copy inline",
			zap.String("key", key), zap.Error(err))
		dctx, cancel := context.WithTimeout(ctx, s.opts.DurableTimeout)
		defer cancel()
		// Queued writes are older and must land before this one
		if ferr := s.writer.flush(dctx); ferr != nil {
			s.logger.Error("Durable write queue did not drain",
				zap.String("key", key), zap.Error(ferr))
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, key)
		}
		if derr := s.durable.Put(dctx, key, next, expiresAt); derr != nil {
			s.logger.Error("Durable store write failed",
				zap.String("key", key), zap.Error(derr))
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, key)
		}
		return next, nil
	}

	s.persist(ctx, writeOp{key: key, doc: next, expiresAt: expiresAt})
	return next, nil
}

// Put writes value unconditionally (both stores, same semantics as Update)
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.Update(ctx, key, func([]byte) ([]byte, error) { return value, nil }, ttl)
	return err
}

// Delete removes key from both stores
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.fast.Delete(ctx, key); err != nil {
		s.logger.Warn("Fast store delete failed", zap.String("key", key), zap.Error(err))
	}
	s.persist(ctx, writeOp{key: key, del: true})
	return nil
}

// Increment atomically adds delta to a fast-store counter
func (s *Store) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	v, err := s.fast.IncrBy(ctx, key, delta, ttl)
	if err != nil {
		return 0, fmt.Errorf("%w: increment %s: %v", ErrUnavailable, key, err)
	}
	return v, nil
}

// Publish broadcasts payload on channel
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.fast.Publish(ctx, channel, payload)
}

// Subscribe opens a pattern subscription on the fast store
func (s *Store) Subscribe(ctx context.Context, patterns ...string) (storage.Subscription, error) {
	return s.fast.Subscribe(ctx, patterns...)
}

// Flush waits until every durable write queued so far has been attempted
func (s *Store) Flush(ctx context.Context) error {
	return s.writer.flush(ctx)
}

// WriterStats reports write-behind counters
func (s *Store) WriterStats() WriterStats {
	return s.writer.stats()
}

// Close drains the write-behind queue. The underlying stores stay open;
// their owner closes them.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.writer.close()
	})
}

func (s *Store) persist(ctx context.Context, op writeOp) {
	if s.opts.SyncDurable {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.DurableTimeout)
		defer cancel()
		s.writer.apply(dctx, op)
		return
	}
	s.writer.enqueue(op)
}
