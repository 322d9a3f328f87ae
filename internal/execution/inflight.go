package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// InFlightSet tracks sub-workflow invocations that are currently executing.
// TryAdd must be an atomic check-and-insert.
type InFlightSet interface {
	TryAdd(ctx context.Context, id string) (bool, error)
	Remove(ctx context.Context, id string) error
}

// MemoryInFlightSet is a process-local InFlightSet.
type MemoryInFlightSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewMemoryInFlightSet creates an empty set
func NewMemoryInFlightSet() *MemoryInFlightSet {
	return &MemoryInFlightSet{ids: make(map[string]struct{})}
}

func (s *MemoryInFlightSet) TryAdd(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false, nil
	}
	s.ids[id] = struct{}{}
	return true, nil
}

func (s *MemoryInFlightSet) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
	return nil
}

// Contains reports whether id is in flight
func (s *MemoryInFlightSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of in-flight invocations
func (s *MemoryInFlightSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// RedisInFlightSet shares in-flight invocations across server instances. Entries expire
// after ttl so a crashed instance cannot block an identifier forever.
type RedisInFlightSet struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisInFlightSet creates a Redis-backed set
func NewRedisInFlightSet(client redis.UniversalClient, ttl time.Duration) *RedisInFlightSet {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisInFlightSet{client: client, prefix: "blockflow:inflight:", ttl: ttl}
}

func (s *RedisInFlightSet) TryAdd(ctx context.Context, id string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+id, time.Now().Unix(), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to register in-flight invocation %s: %w", id, err)
	}
	return ok, nil
}

func (s *RedisInFlightSet) Remove(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.prefix+id).Err(); err != nil {
		return fmt.Errorf("failed to release in-flight invocation %s: %w", id, err)
	}
	return nil
}
