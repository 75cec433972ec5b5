// Package dedupe remembers recently processed signal fingerprints for a bounded time.
package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Store is a process-lifetime TTL set. Claim is atomic: of concurrent callers with the
// same key exactly one wins until the key expires or is released.
type Store interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Memory keeps fingerprints in process memory with TTL eviction.
type Memory struct {
	cache *cache.Cache
}

// NewMemory constructs an in-process store; expired keys are purged every cleanup interval.
func NewMemory(cleanup time.Duration) *Memory {
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	return &Memory{cache: cache.New(cache.NoExpiration, cleanup)}
}

// Claim remembers key for ttl and reports whether it was absent.
func (m *Memory) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	// Add fails when an unexpired item exists
	return m.cache.Add(key, struct{}{}, ttl) == nil, nil
}

// Release forgets key.
func (m *Memory) Release(_ context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}

// Redis shares fingerprints across processes.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis wraps a redis client; keys are namespaced by prefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(k string) string {
	return fmt.Sprintf("%s:signal:%s", r.prefix, k)
}

// Claim sets key with ttl only if it does not exist.
func (r *Redis) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Release deletes key.
func (r *Redis) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Redis)(nil)
)
