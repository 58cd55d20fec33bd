package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const lockKeyPrefix = "lock:"

var (
	// ErrLockHeld is returned by a non-blocking Acquire when the lock is taken
	ErrLockHeld = errors.New("store: lock held")

	// ErrLockTimeout is returned when every blocking attempt failed
	ErrLockTimeout = errors.New("store: lock acquire timed out")
)

// LockHandle is proof of holding a lock. The token is unique per acquisition.
type LockHandle struct {
	Resource  string
	Token     string
	ExpiresAt time.Time
}

// Acquire takes the fleet-wide lock on resource for ttl. attempts <= 1 tries
// once and returns ErrLockHeld; otherwise it retries with a fixed backoff and
// returns ErrLockTimeout after the last attempt.
func (s *Store) Acquire(ctx context.Context, resource string, ttl time.Duration, attempts int) (*LockHandle, error) {
	token := uuid.NewString()
	key := lockKeyPrefix + resource

	for attempt := 1; ; attempt++ {
		ok, err := s.fast.SetNX(ctx, key, token, ttl)
		if err != nil {
			return nil, fmt.Errorf("%w: acquire %s: %v", ErrUnavailable, resource, err)
		}
		if ok {
			return &LockHandle{Resource: resource, Token: token, ExpiresAt: s.now().Add(ttl)}, nil
		}
		if attempts <= 1 {
			return nil, ErrLockHeld
		}
		if attempt >= attempts {
			return nil, ErrLockTimeout
		}

		timer := time.NewTimer(s.opts.LockBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Release frees the lock if h still owns it. A mismatched token means the
// lock expired and may belong to someone else; that is silently ignored.
func (s *Store) Release(ctx context.Context, h *LockHandle) error {
	if h == nil {
		return nil
	}
	deleted, err := s.fast.CompareAndDelete(ctx, lockKeyPrefix+h.Resource, h.Token)
	if err != nil {
		return fmt.Errorf("release %s: %w", h.Resource, err)
	}
	if !deleted {
		s.logger.Debug("Lock release ignored, token no longer current",
			zap.String("resource", h.Resource))
	}
	return nil
}

// WithLock runs fn while holding the lock on resource
func (s *Store) WithLock(
	ctx context.Context,
	resource string,
	ttl time.Duration,
	attempts int,
	fn func(ctx context.Context) error,
) error {
	h, err := s.Acquire(ctx, resource, ttl, attempts)
	if err != nil {
		return err
	}
	defer func() {
		// Release must run even when ctx was cancelled inside fn
		if rerr := s.Release(context.WithoutCancel(ctx), h); rerr != nil {
			s.logger.Warn("Lock release failed", zap.String("resource", resource), zap.Error(rerr))
		}
	}()
	return fn(ctx)
}
