package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by Get when a key does not exist (or has expired)
var ErrNotFound = errors.New("storage: key not found")

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("storage: store closed")

// WindowResult is the outcome of one sliding-window check
type WindowResult struct {
	Allowed bool      // Whether the request was admitted (and recorded)
	Count   int64     // Requests in the window after this check
	Now     time.Time // Store-side clock reading used for the check
	ResetAt time.Time // When the oldest entry in the window expires
}

// Message is one publication received through a Subscription
type Message struct {
	Channel string
	Pattern string
	Payload []byte
}

// Subscription is a long-lived pattern subscription on the fast store
type Subscription interface {
	// C returns the delivery channel. It is closed when the subscription
	// ends, either through Close or because the store went away.
	C() <-chan *Message
	Close() error
}

// FastStore is the low-latency, shared, ephemeral store every instance sees.
// Values expire through TTL; counters and windows are atomic on the store.
type FastStore interface {
	// Get returns ErrNotFound when the key is absent
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes a value; ttl <= 0 means no expiry
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes keys; missing keys are not an error
	Delete(ctx context.Context, keys ...string) error

	// IncrBy atomically adds delta and refreshes the TTL (ttl > 0).
	// Counters never go below zero.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// SetNX sets key to value only if it is absent
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes key only if it currently holds expected
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// SlidingWindow prunes entries older than window from the ordered set at
	// key, then records member if fewer than limit entries remain. The
	// timestamp is taken from the store's clock, never the caller's.
	SlidingWindow(ctx context.Context, key string, limit int64, window time.Duration, member string) (*WindowResult, error)

	// Publish broadcasts payload to every subscriber of channel
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens a pattern subscription (glob syntax, e.g. "task:*")
	Subscribe(ctx context.Context, patterns ...string) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// DurableStore is the persistent document store used as source of truth and
// recovery path. Documents are opaque JSON bytes.
type DurableStore interface {
	// Get returns ErrNotFound when the document is absent or expired
	Get(ctx context.Context, key string) ([]byte, error)

	// Put upserts a document. A zero expiresAt keeps it until deleted.
	Put(ctx context.Context, key string, doc []byte, expiresAt time.Time) error

	// Delete removes a document; missing documents are not an error
	Delete(ctx context.Context, key string) error

	// Sweep removes documents that expired before the given time
	Sweep(ctx context.Context, before time.Time) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// KindOf returns the collection a key belongs to (the prefix before ':')
func KindOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "default"
}
