// Package redis implements storage.FastStore on top of Redis
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/AltairaLabs/research-coordinator/internal/coordinator/storage"
)

const subscriptionBuffer = 256

// FastStore implements storage.FastStore using go-redis
type FastStore struct {
	client goredis.UniversalClient
}

// New connects to the Redis instance described by url (redis://host:port/db)
func New(ctx context.Context, url string) (*FastStore, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &FastStore{client: client}, nil
}

// NewWithClient wraps an existing client
func NewWithClient(client goredis.UniversalClient) *FastStore {
	return &FastStore{client: client}
}

// Get implements storage.FastStore
func (s *FastStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

// Set implements storage.FastStore
func (s *FastStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete implements storage.FastStore
func (s *FastStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// IncrBy implements storage.FastStore
func (s *FastStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	v, err := incrScript.Run(ctx, s.client, []string{key}, delta, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incrby %s: %w", key, err)
	}
	return v, nil
}

// SetNX implements storage.FastStore
func (s *FastStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// CompareAndDelete implements storage.FastStore
func (s *FastStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, expected).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete %s: %w", key, err)
	}
	return n == 1, nil
}

// SlidingWindow implements storage.FastStore
func (s *FastStore) SlidingWindow(
	ctx context.Context,
	key string,
	limit int64,
	window time.Duration,
	member string,
) (*storage.WindowResult, error) {
	vals, err := slidingWindowScript.Run(ctx, s.client, []string{key},
		limit, window.Milliseconds(), member,
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis sliding window %s: %w", key, err)
	}
	if len(vals) != 4 {
		return nil, fmt.Errorf("redis sliding window %s: unexpected reply length %d", key, len(vals))
	}
	return &storage.WindowResult{
		Allowed: vals[0] == 1,
		Count:   vals[1],
		Now:     time.UnixMilli(vals[2]),
		ResetAt: time.UnixMilli(vals[3]),
	}, nil
}

// Publish implements storage.FastStore
func (s *FastStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements storage.FastStore
func (s *FastStore) Subscribe(ctx context.Context, patterns ...string) (storage.Subscription, error) {
	ps := s.client.PSubscribe(ctx, patterns...)
	// Wait for the subscription confirmation so publications made after
	// Subscribe returns are never missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis psubscribe: %w", err)
	}

	sub := &subscription{
		ps:   ps,
		ch:   make(chan *storage.Message, subscriptionBuffer),
		done: make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

// Ping implements storage.FastStore
func (s *FastStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements storage.FastStore
func (s *FastStore) Close() error {
	return s.client.Close()
}

type subscription struct {
	ps   *goredis.PubSub
	ch   chan *storage.Message
	done chan struct{}
	once sync.Once
}

func (s *subscription) pump() {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		select {
		case s.ch <- &storage.Message{
			Channel: msg.Channel,
			Pattern: msg.Pattern,
			Payload: []byte(msg.Payload),
		}:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) C() <-chan *storage.Message {
	return s.ch
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
