package memory

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/AltairaLabs/research-coordinator/internal/coordinator/storage"
)

const (
	defaultCleanupInterval = 1 * time.Minute
	subscriberBuffer       = 256
)

// FastStore is an in-process storage.FastStore. It gives a single instance
// (or several instances inside one test process) the same TTL, counter,
// window and pub/sub semantics as the Redis store.
type FastStore struct {
	mu      sync.Mutex
	values  map[string]*fastEntry
	windows map[string]*windowEntry
	subs    map[*memorySubscription]struct{}
	now     func() time.Time
	closed  bool
	done    chan struct{} // Signal to stop cleanup goroutine
}

type fastEntry struct {
	value     []byte
	expiresAt time.Time
}

type windowEntry struct {
	stamps    []time.Time // ordered ascending
	expiresAt time.Time
}

// FastOption configures a memory FastStore
type FastOption func(*FastStore)

// WithClock overrides the store clock (tests use it to move time)
func WithClock(now func() time.Time) FastOption {
	return func(s *FastStore) {
		s.now = now
	}
}

// NewFastStore creates an in-memory fast store and starts the expiry sweep
func NewFastStore(opts ...FastOption) *FastStore {
	s := &FastStore{
		values:  make(map[string]*fastEntry),
		windows: make(map[string]*windowEntry),
		subs:    make(map[*memorySubscription]struct{}),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.cleanupLoop()
	return s
}

func expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}

func deadline(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// lookup returns a live entry; caller holds mu
func (s *FastStore) lookup(key string, now time.Time) (*fastEntry, bool) {
	e, ok := s.values[key]
	if !ok {
		return nil, false
	}
	if expired(e.expiresAt, now) {
		delete(s.values, key)
		return nil, false
	}
	return e, true
}

// Get implements storage.FastStore
func (s *FastStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	e, ok := s.lookup(key, s.now())
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set implements storage.FastStore
func (s *FastStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	v := make([]byte, len(value))
	copy(v, value)
	s.values[key] = &fastEntry{value: v, expiresAt: deadline(s.now(), ttl)}
	return nil
}

// Delete implements storage.FastStore
func (s *FastStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	for _, k := range keys {
		delete(s.values, k)
		delete(s.windows, k)
	}
	return nil
}

// IncrBy implements storage.FastStore
func (s *FastStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, storage.ErrClosed
	}
	now := s.now()
	var current int64
	e, ok := s.lookup(key, now)
	if ok {
		n, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, err
		}
		current = n
	}
	current += delta
	if current < 0 {
		current = 0
	}
	expiresAt := time.Time{}
	if ok {
		expiresAt = e.expiresAt
	}
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}
	s.values[key] = &fastEntry{value: []byte(strconv.FormatInt(current, 10)), expiresAt: expiresAt}
	return current, nil
}

// SetNX implements storage.FastStore
func (s *FastStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, storage.ErrClosed
	}
	now := s.now()
	if _, ok := s.lookup(key, now); ok {
		return false, nil
	}
	s.values[key] = &fastEntry{value: []byte(value), expiresAt: deadline(now, ttl)}
	return true, nil
}

// CompareAndDelete implements storage.FastStore
func (s *FastStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, storage.ErrClosed
	}
	e, ok := s.lookup(key, s.now())
	if !ok || string(e.value) != expected {
		return false, nil
	}
	delete(s.values, key)
	return true, nil
}

// SlidingWindow implements storage.FastStore
func (s *FastStore) SlidingWindow(
	ctx context.Context,
	key string,
	limit int64,
	window time.Duration,
	member string,
) (*storage.WindowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	now := s.now()
	w, ok := s.windows[key]
	if !ok || expired(w.expiresAt, now) {
		w = &windowEntry{}
		s.windows[key] = w
	}

	cutoff := now.Add(-window)
	keep := sort.Search(len(w.stamps), func(i int) bool {
		return w.stamps[i].After(cutoff)
	})
	w.stamps = w.stamps[keep:]

	allowed := int64(len(w.stamps)) < limit
	if allowed {
		w.stamps = append(w.stamps, now)
	}
	w.expiresAt = now.Add(window)

	resetAt := now.Add(window)
	if len(w.stamps) > 0 {
		resetAt = w.stamps[0].Add(window)
	}
	return &storage.WindowResult{
		Allowed: allowed,
		Count:   int64(len(w.stamps)),
		Now:     now,
		ResetAt: resetAt,
	}, nil
}

// Publish implements storage.FastStore
func (s *FastStore) Publish(ctx context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return storage.ErrClosed
	}
	targets := make([]*memorySubscription, 0, len(s.subs))
	for sub := range s.subs {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(channel, payload)
	}
	return nil
}

// Subscribe implements storage.FastStore
func (s *FastStore) Subscribe(ctx context.Context, patterns ...string) (storage.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	sub := &memorySubscription{
		store:    s,
		patterns: patterns,
		ch:       make(chan *storage.Message, subscriberBuffer),
	}
	s.subs[sub] = struct{}{}
	return sub, nil
}

// Ping implements storage.FastStore
func (s *FastStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

// Close stops the sweep goroutine and ends all subscriptions
func (s *FastStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = make(map[*memorySubscription]struct{})
	s.mu.Unlock()

	close(s.done)
	for sub := range subs {
		sub.end()
	}
	return nil
}

// cleanupLoop periodically removes expired entries
func (s *FastStore) cleanupLoop() {
	ticker := time.NewTicker(defaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.done:
			return
		}
	}
}

// cleanup removes expired values and windows
func (s *FastStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, e := range s.values {
		if expired(e.expiresAt, now) {
			delete(s.values, k)
		}
	}
	for k, w := range s.windows {
		if expired(w.expiresAt, now) {
			delete(s.windows, k)
		}
	}
}

type memorySubscription struct {
	store    *FastStore
	patterns []string
	ch       chan *storage.Message

	mu     sync.Mutex
	closed bool
}

func (m *memorySubscription) match(channel string) (string, bool) {
	for _, p := range m.patterns {
		if ok, _ := path.Match(p, channel); ok {
			return p, true
		}
	}
	return "", false
}

func (m *memorySubscription) deliver(channel string, payload []byte) {
	pattern, ok := m.match(channel)
	if !ok {
		return
	}
	data := make([]byte, len(payload))
	copy(data, payload)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.ch <- &storage.Message{Channel: channel, Pattern: pattern, Payload: data}:
	default:
		// Slow subscriber: drop, like a Redis client whose output buffer overflowed
	}
}

func (m *memorySubscription) end() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.ch)
}

func (m *memorySubscription) C() <-chan *storage.Message {
	return m.ch
}

func (m *memorySubscription) Close() error {
	m.store.mu.Lock()
	delete(m.store.subs, m)
	m.store.mu.Unlock()
	m.end()
	return nil
}
