package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when the caller still owns it.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only when the caller still owns the lock.
var extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// LockStore implements ports.LockManager using Redis SET NX PX leases.
// The lock value is the owner id, so release and extend are safe against
// a lease that expired and was re-acquired by someone else.
type LockStore struct {
	client *goredis.Client
	prefix string
}

// NewLockStore creates a new Redis-backed lock manager.
func NewLockStore(client *goredis.Client) *LockStore {
	return &LockStore{
		client: client,
		prefix: "lock:",
	}
}

// Acquire takes the lease when free or already held by owner. Re-acquiring
// an owned lease extends its TTL.
func (s *LockStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	redisKey := s.prefix + key
	ok, err := s.client.SetNX(ctx, redisKey, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis lock acquire: %w", err)
	}
	if ok {
		return true, nil
	}

	// Not free; it may be our own lease.
	extended, err := extendScript.Run(ctx, s.client, []string{redisKey}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis lock re-acquire: %w", err)
	}
	return extended == 1, nil
}

// Release drops the lease when owner still holds it.
func (s *LockStore) Release(ctx context.Context, key, owner string) (bool, error) {
	removed, err := releaseScript.Run(ctx, s.client, []string{s.prefix + key}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("redis lock release: %w", err)
	}
	return removed == 1, nil
}

// Extend refreshes the TTL when owner still holds the lease.
func (s *LockStore) Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	extended, err := extendScript.Run(ctx, s.client, []string{s.prefix + key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis lock extend: %w", err)
	}
	return extended == 1, nil
}

// IsLocked reports whether any owner currently holds the lease.
func (s *LockStore) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis lock inspect: %w", err)
	}
	return n > 0, nil
}
