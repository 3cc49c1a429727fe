package locks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/poer2023/chusea-workflow/core/infra/redisutil"
)

// acquireScript takes the lock when it is free or already held by the same
// owner; in both cases the TTL is refreshed.
const acquireScript = `
local current = redis.call("GET", KEYS[1])
if current == false or current == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return 1
end
return 0
`

// releaseScript deletes the lock only if the caller owns it.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// renewScript extends the TTL only if the caller owns the lock.
const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// RedisStore implements Store on Redis. Safe across service replicas.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore constructs a Redis-backed lock store.
func NewRedisStore(url string) (*RedisStore, error) {
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close shuts down the Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	resource, owner, ttl, err := normalize(resource, owner, ttl)
	if err != nil {
		return false, err
	}
	res, err := s.client.Eval(ctx, acquireScript, []string{lockKey(resource)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *RedisStore) Release(ctx context.Context, resource, owner string) (bool, error) {
	resource, owner, _, err := normalize(resource, owner, DefaultTTL)
	if err != nil {
		return false, err
	}
	res, err := s.client.Eval(ctx, releaseScript, []string{lockKey(resource)}, owner).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *RedisStore) Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	resource, owner, ttl, err := normalize(resource, owner, ttl)
	if err != nil {
		return false, err
	}
	res, err := s.client.Eval(ctx, renewScript, []string{lockKey(resource)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *RedisStore) Owner(ctx context.Context, resource string) (string, error) {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return "", fmt.Errorf("resource required")
	}
	owner, err := s.client.Get(ctx, lockKey(resource)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return owner, nil
}

func normalize(resource, owner string, ttl time.Duration) (string, string, time.Duration, error) {
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return "", "", 0, fmt.Errorf("resource and owner required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return resource, owner, ttl, nil
}

func lockKey(resource string) string {
	return "wf:lock:" + resource
}
