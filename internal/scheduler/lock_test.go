//go:build integration

package scheduler_test

import (
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jmerrifield20/sealkeeper/internal/scheduler"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping integration test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	return client
}

func TestRedisLocker(t *testing.T) {
	client := setupRedis(t)
	key := "sealkeeper:test:" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, key) })

	a := scheduler.NewRedisLocker(client)
	b := scheduler.NewRedisLocker(client)

	unlock, ok, err := a.TryLock(ctx, key, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first lock: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := b.TryLock(ctx, key, time.Minute); ok {
		t.Fatal("second instance acquired a held lock")
	}
	if err := unlock(ctx); err != nil {
		t.Fatal(err)
	}
	unlockB, ok, _ := b.TryLock(ctx, key, time.Minute)
	if !ok {
		t.Fatal("lock not released")
	}

	// releasing twice must not delete another holder's key
	if err := unlock(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := client.Exists(ctx, key).Result(); n != 1 {
		t.Error("stale unlock removed the current holder's lock")
	}
	_ = unlockB(ctx)
}
