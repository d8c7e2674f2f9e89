package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bastionlabs/bastion/pkg/errors"
)

// SnapshotStore persists fallback response snapshots so cached responses
// survive handler deactivation and reactivation.
type SnapshotStore interface {
	Load(ctx context.Context, service string) (map[string]interface{}, error)
	Save(ctx context.Context, service string, data map[string]interface{}) error
}

// MemoryStore is an in-process SnapshotStore, used by default and in tests.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]map[string]interface{}
}

// NewMemoryStore creates a new in-memory snapshot store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]map[string]interface{}),
	}
}

// Load returns the stored snapshot for a service, or an empty map
func (s *MemoryStore) Load(_ context.Context, service string) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.snapshots[service]
	if !ok {
		return map[string]interface{}{}, nil
	}

	out := make(map[string]interface{}, len(snapshot))
	for k, v := range snapshot {
		out[k] = v
	}
	return out, nil
}

// Save stores a snapshot for a service, replacing any previous one
func (s *MemoryStore) Save(_ context.Context, service string, data map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[string]interface{}, len(data))
	for k, v := range data {
		snapshot[k] = v
	}
	s.snapshots[service] = snapshot
	return nil
}

// RedisStore persists snapshots as JSON values in Redis
type RedisStore struct {
	client *RedisClient
	ttl    time.Duration
}

// NewRedisStore creates a snapshot store backed by Redis. A zero TTL keeps
// snapshots until overwritten.
func NewRedisStore(client *RedisClient, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    ttl,
	}
}

func (s *RedisStore) key(service string) string {
	return fmt.Sprintf("fallback_snapshot:%s", service)
}

// Load returns the stored snapshot for a service, or an empty map
func (s *RedisStore) Load(ctx context.Context, service string) (map[string]interface{}, error) {
	data, err := s.client.Client().Get(ctx, s.key(service)).Result()
	if err == redis.Nil {
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, errors.NewExternalError("redis", "failed to load fallback snapshot").WithCause(err)
	}

	var snapshot map[string]interface{}
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		return nil, errors.NewInternalError("failed to decode fallback snapshot").WithCause(err)
	}

	return snapshot, nil
}

// Save stores a snapshot for a service, replacing any previous one
func (s *RedisStore) Save(ctx context.Context, service string, data map[string]interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return errors.NewInternalError("failed to encode fallback snapshot").WithCause(err)
	}

	if err := s.client.Client().Set(ctx, s.key(service), payload, s.ttl).Err(); err != nil {
		return errors.NewExternalError("redis", "failed to save fallback snapshot").WithCause(err)
	}

	return nil
}
