// Package memory provides in-process implementations of the coordinator
// storage interfaces. They back single-instance deployments and tests.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/AltairaLabs/research-coordinator/internal/coordinator/storage"
)

var errKeyEmpty = errors.New("document key cannot be empty")

// DurableStore implements storage.DurableStore using an in-memory map
type DurableStore struct {
	mu     sync.RWMutex
	docs   map[string]*durableDoc
	now    func() time.Time
	closed bool
}

type durableDoc struct {
	data      []byte
	expiresAt time.Time
	updatedAt time.Time
}

// NewDurableStore creates a new in-memory durable store
func NewDurableStore() *DurableStore {
	return &DurableStore{
		docs: make(map[string]*durableDoc),
		now:  time.Now,
	}
}

// Get retrieves a document by key
func (s *DurableStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	doc, ok := s.docs[key]
	if !ok || expired(doc.expiresAt, s.now()) {
		return nil, storage.ErrNotFound
	}

	// Return a copy to prevent external modifications
	out := make([]byte, len(doc.data))
	copy(out, doc.data)
	return out, nil
}

// Put upserts a document
func (s *DurableStore) Put(ctx context.Context, key string, data []byte, expiresAt time.Time) error {
	if key == "" {
		return errKeyEmpty
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	s.docs[key] = &durableDoc{data: stored, expiresAt: expiresAt, updatedAt: s.now()}
	return nil
}

// Delete removes a document
func (s *DurableStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	delete(s.docs, key)
	return nil
}

// Sweep removes documents that expired before the given time
func (s *DurableStore) Sweep(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, storage.ErrClosed
	}
	removed := 0
	for k, doc := range s.docs {
		if !doc.expiresAt.IsZero() && doc.expiresAt.Before(before) {
			delete(s.docs, k)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored documents, expired or not
func (s *DurableStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Ping implements storage.DurableStore
func (s *DurableStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

// Close implements storage.DurableStore
func (s *DurableStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
