package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// GetJSON reads key and decodes it into a T
func GetJSON[T any](ctx context.Context, s *Store, key string) (*T, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &v, nil
}

// UpdateJSON is Update for JSON documents. fn receives nil when the key is
// absent and may return ErrSkip to leave the stored value untouched.
func UpdateJSON[T any](
	ctx context.Context,
	s *Store,
	key string,
	ttl time.Duration,
	fn func(current *T) (*T, error),
) (*T, error) {
	var result *T
	_, err := s.Update(ctx, key, func(raw []byte) ([]byte, error) {
		var current *T
		if raw != nil {
			current = new(T)
			if err := json.Unmarshal(raw, current); err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
		}
		next, err := fn(current)
		if err != nil {
			result = current
			return nil, err
		}
		result = next
		return json.Marshal(next)
	}, ttl)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PutJSON encodes v and writes it to key
func PutJSON[T any](ctx context.Context, s *Store, key string, v *T, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Put(ctx, key, raw, ttl)
}
