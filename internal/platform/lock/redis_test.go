package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client, "clinicsync:lock:", zerolog.Nop()), mr
}

func TestRedisLocker_AcquireAndContention(t *testing.T) {
	l, mr := newTestRedisLocker(t)
	ctx := context.Background()

	release, err := l.TryLock(ctx, "calsync:r1:primary", time.Minute)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if !mr.Exists("clinicsync:lock:calsync:r1:primary") {
		t.Fatal("expected prefixed key to be set")
	}
	if ttl := mr.TTL("clinicsync:lock:calsync:r1:primary"); ttl != time.Minute {
		t.Errorf("expected 1m ttl, got %s", ttl)
	}

	if _, err := l.TryLock(ctx, "calsync:r1:primary", time.Minute); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
	if _, err := l.TryLock(ctx, "calsync:r2:primary", time.Minute); err != nil {
		t.Fatalf("other keys must be independent: %v", err)
	}

	release()
	release()
	if mr.Exists("clinicsync:lock:calsync:r1:primary") {
		t.Fatal("expected key removed after release")
	}
	if _, err := l.TryLock(ctx, "calsync:r1:primary", time.Minute); err != nil {
		t.Fatalf("expected lock after release: %v", err)
	}
}

func TestRedisLocker_StaleReleaseKeepsNewHolder(t *testing.T) {
	l, mr := newTestRedisLocker(t)
	ctx := context.Background()

	staleRelease, err := l.TryLock(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	release, err := l.TryLock(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("expected expired lock to be taken over: %v", err)
	}
	token, _ := mr.Get("clinicsync:lock:k")

	staleRelease()
	if got, _ := mr.Get("clinicsync:lock:k"); got != token {
		t.Fatalf("stale release removed the new holder's lock")
	}

	release()
	if mr.Exists("clinicsync:lock:k") {
		t.Fatal("expected key removed by its holder")
	}
}

func TestRedisLocker_ServerDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	l := NewRedisLocker(client, "", zerolog.Nop())
	mr.Close()

	_, err = l.TryLock(context.Background(), "k", time.Minute)
	if err == nil || errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected connection error, got %v", err)
	}
}
