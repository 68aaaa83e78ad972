package ranking

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// WeightStore persists model weights under a key.
type WeightStore interface {
	// GetModelWeights returns the stored weights, or nil and no error if
	// nothing has been saved under key.
	GetModelWeights(ctx context.Context, key string) (*ModelWeights, error)
	// SaveModelWeights stores w under key, replacing any previous value.
	SaveModelWeights(ctx context.Context, key string, w ModelWeights) error
}

// InMemoryWeightStore keeps encoded weights in memory. It encodes through a
// Codec so round-trips behave like the real stores.
type InMemoryWeightStore struct {
	mu    sync.RWMutex
	codec Codec
	data  map[string][]byte
	saves int
	err   error
}

// NewInMemoryWeightStore creates a store using codec (JSON when nil).
func NewInMemoryWeightStore(codec Codec) *InMemoryWeightStore {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &InMemoryWeightStore{
		codec: codec,
		data:  make(map[string][]byte),
	}
}

// GetModelWeights implements WeightStore.
func (s *InMemoryWeightStore) GetModelWeights(ctx context.Context, key string) (*ModelWeights, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	raw, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	w, err := s.codec.Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// SaveModelWeights implements WeightStore.
func (s *InMemoryWeightStore) SaveModelWeights(ctx context.Context, key string, w ModelWeights) error {
	raw, err := s.codec.Marshal(w)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.data[key] = raw
	s.saves++
	return nil
}

// Raw returns the encoded bytes stored under key (for testing).
func (s *InMemoryWeightStore) Raw(key string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.data[key]...)
}

// Saves returns the number of successful saves (for testing).
func (s *InMemoryWeightStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// SetError makes every subsequent call fail with err; nil restores normal behavior.
func (s *InMemoryWeightStore) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// RedisWeightStore persists weights as a single Redis string per key.
type RedisWeightStore struct {
	client *redis.Client
	codec  Codec
}

// NewRedisWeightStore creates a Redis-backed store using codec (JSON when nil).
func NewRedisWeightStore(client *redis.Client, codec Codec) *RedisWeightStore {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &RedisWeightStore{client: client, codec: codec}
}

// GetModelWeights implements WeightStore.
func (s *RedisWeightStore) GetModelWeights(ctx context.Context, key string) (*ModelWeights, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read weights from redis: %w", err)
	}
	w, err := s.codec.Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// SaveModelWeights implements WeightStore. Keys do not expire.
func (s *RedisWeightStore) SaveModelWeights(ctx context.Context, key string, w ModelWeights) error {
	raw, err := s.codec.Marshal(w)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to write weights to redis: %w", err)
	}
	return nil
}
