package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisLock_AcquireAndRelease(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	lock := NewRedisLock(client, "notifications:scan", time.Minute)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if !acquired {
		t.Fatal("fresh lock should be acquirable")
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("Release() error: %v", err)
	}

	// Released lock can be taken again.
	again, err := lock.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !again {
		t.Error("released lock should be acquirable again")
	}
}

func TestRedisLock_ContentionExcludes(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	first := NewRedisLock(client, "notifications:scan", time.Minute)
	second := NewRedisLock(client, "notifications:scan", time.Minute)

	if ok, _ := first.Acquire(ctx); !ok {
		t.Fatal("first acquire failed")
	}
	if ok, _ := second.Acquire(ctx); ok {
		t.Error("second holder acquired a held lock")
	}

	// Different keys do not contend.
	other := NewRedisLock(client, "notifications:digest", time.Minute)
	if ok, _ := other.Acquire(ctx); !ok {
		t.Error("unrelated key should not contend")
	}
}

func TestRedisLock_ReleaseOnlyByOwner(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	owner := NewRedisLock(client, "notifications:scan", time.Minute)
	intruder := NewRedisLock(client, "notifications:scan", time.Minute)

	if ok, _ := owner.Acquire(ctx); !ok {
		t.Fatal("acquire failed")
	}

	// An instance that never acquired the lock must not free it.
	if err := intruder.Release(ctx); err != nil {
		t.Fatalf("foreign Release() error: %v", err)
	}
	if ok, _ := intruder.Acquire(ctx); ok {
		t.Error("lock was released by a non-owner")
	}
}

func TestNewLock_PrefersRedis(t *testing.T) {
	client := setupRedis(t)

	if _, ok := NewLock(client, nil, "k", time.Minute).(*RedisLock); !ok {
		t.Error("redis client present should select RedisLock")
	}
	if _, ok := NewLock(nil, nil, "k", time.Minute).(*PGAdvisoryLock); !ok {
		t.Error("no redis should fall back to advisory lock")
	}
}
