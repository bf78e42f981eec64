package ratelimit

import (
	"context"
	"time"

	"github.com/modelmesh/api-gateway/internal/shared/redis"
)

// RedisStore backs rate-limit windows with Redis, making the gateway safe to
// run as multiple replicas. Atomicity comes from the INCR+PEXPIRE script in
// the shared client.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (Window, error) {
	count, ttl, err := s.client.IncrWindow(ctx, key, window)
	if err != nil {
		return Window{}, err
	}
	return Window{Count: count, ResetAt: time.Now().Add(ttl)}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (Window, bool, error) {
	count, ttl, ok, err := s.client.GetWindow(ctx, key)
	if err != nil || !ok {
		return Window{}, false, err
	}
	return Window{Count: count, ResetAt: time.Now().Add(ttl)}, true, nil
}
