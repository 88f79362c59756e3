package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// UnlockFunc releases a held lock.
type UnlockFunc func(ctx context.Context) error

// Locker grants exclusive, expiring cycle locks.
type Locker interface {
	// TryLock never blocks; ok is false when the lock is held elsewhere.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock UnlockFunc, ok bool, err error)
}

// LocalLocker serializes cycles inside one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time // key -> expiry
}

// NewLocalLocker creates a LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time)}
}

// TryLock implements Locker.
func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (UnlockFunc, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, false, nil
	}
	exp := now.Add(ttl)
	l.held[key] = exp
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		// an expired lock may have been taken over
		if l.held[key].Equal(exp) {
			delete(l.held, key)
		}
		return nil
	}, true, nil
}

// Deletes the key only while it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`)

// RedisLocker shares cycle locks between instances through SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
}

// NewRedisLocker creates a RedisLocker.
func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

// TryLock implements Locker.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func(ctx context.Context) error {
		if err := unlockScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("redis unlock %s: %w", key, err)
		}
		return nil
	}, true, nil
}
