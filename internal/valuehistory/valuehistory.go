// Package valuehistory remembers the last value observed for each
// crossing condition so a later cycle can tell whether it crossed.
package valuehistory

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Store keeps the last observed value per key
type Store interface {
	Last(ctx context.Context, key string) (float64, bool, error)
	Record(ctx context.Context, key string, value float64) error
}

// MemoryStore keeps values in process; they are lost on restart
type MemoryStore struct {
	cache *cache.Cache
}

// NewMemoryStore creates a store whose entries expire after ttl of no
// updates. A zero ttl keeps entries forever.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	expiration := cache.NoExpiration
	cleanup := time.Duration(0)
	if ttl > 0 {
		expiration = ttl
		cleanup = ttl / 2
	}
	return &MemoryStore{cache: cache.New(expiration, cleanup)}
}

func (s *MemoryStore) Last(_ context.Context, key string) (float64, bool, error) {
	v, ok := s.cache.Get(key)
	if !ok {
		return 0, false, nil
	}
	return v.(float64), true, nil
}

func (s *MemoryStore) Record(_ context.Context, key string, value float64) error {
	s.cache.Set(key, value, cache.DefaultExpiration)
	return nil
}

// RedisStore keeps values in redis so they survive restarts and are
// shared between scheduler replicas
type RedisStore struct {
	Client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(opt *redis.Options, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{Client: redis.NewClient(opt), prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}

func (s *RedisStore) Last(ctx context.Context, key string) (float64, bool, error) {
	raw, err := s.Client.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read last value for %s: %w", key, err)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt last value for %s: %w", key, err)
	}
	return v, true, nil
}

func (s *RedisStore) Record(ctx context.Context, key string, value float64) error {
	raw := strconv.FormatFloat(value, 'g', -1, 64)
	if err := s.Client.Set(ctx, s.key(key), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to record value for %s: %w", key, err)
	}
	return nil
}

// Ping checks the redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.Client.Close()
}
