// Package session provides the Redis-backed coordination primitives: per
// proposal locks around provider calls and one-time login token burns.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinicflow/api/internal/util"
	"github.com/redis/go-redis/v9"
)

var ErrLockTimeout = errors.New("lock wait timed out")

// RedisStore implements locking and token burning on Redis
type RedisStore struct {
	client *redis.Client
	prefix string
	poll   time.Duration
}

// NewRedisStore creates a new Redis-backed store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "clinicflow:",
		poll:   50 * time.Millisecond,
	}
}

func (s *RedisStore) lockKey(name string) string {
	return s.prefix + "lock:" + name
}

func (s *RedisStore) burnKey(tokenHash string) string {
	return s.prefix + "login:" + tokenHash
}

// releaseScript deletes the lock only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// TryLock makes a single SET NX attempt.
func (s *RedisStore) TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	owner := util.NewID("")
	key := s.lockKey(name)
	ok, err := s.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, s.client, []string{key}, owner).Err(); err != nil {
			return fmt.Errorf("release lock %s: %w", name, err)
		}
		return nil
	}
	return release, true, nil
}

// Lock waits up to wait for the named lock. The lock expires after ttl even
// if the holder never releases it.
func (s *RedisStore) Lock(ctx context.Context, name string, ttl, wait time.Duration) (func(context.Context) error, error) {
	deadline := time.Now().Add(wait)
	for {
		release, ok, err := s.TryLock(ctx, name, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return release, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, name)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.poll):
		}
	}
}

// BurnLoginToken marks a token hash as used. It returns false when the
// token was burned before.
func (s *RedisStore) BurnLoginToken(ctx context.Context, tokenHash string, expiresAt time.Time) (bool, error) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	ok, err := s.client.SetNX(ctx, s.burnKey(tokenHash), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("burn login token: %w", err)
	}
	return ok, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
