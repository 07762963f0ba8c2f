package cycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisGuard(t *testing.T) (*RedisGuard, *miniredis.Miniredis) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(server.Close)

	client, err := NewRedisClient("redis://" + server.Addr())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	guard, err := NewRedisGuard(RedisGuardConfig{Client: client, TTL: time.Minute})
	if err != nil {
		t.Fatalf("failed to create guard: %v", err)
	}
	return guard, server
}

func TestRedisGuardExcludesSecondHolder(t *testing.T) {
	guard, server := newTestRedisGuard(t)
	ctx := context.Background()

	release, err := guard.Acquire(ctx, "run-1")
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if _, err := guard.Acquire(ctx, "run-2"); !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("expected in-progress error, got %v", err)
	}

	release()
	if server.Exists(defaultLockKey) {
		t.Fatalf("expected lock key to be removed on release")
	}
	releaseAgain, err := guard.Acquire(ctx, "run-3")
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	releaseAgain()
}

func TestRedisGuardReleaseKeepsForeignToken(t *testing.T) {
	guard, server := newTestRedisGuard(t)
	ctx := context.Background()

	release, err := guard.Acquire(ctx, "run-1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	server.FastForward(2 * time.Minute)
	if err := server.Set(defaultLockKey, "run-2"); err != nil {
		t.Fatalf("failed to seed foreign token: %v", err)
	}

	release()
	value, err := server.Get(defaultLockKey)
	if err != nil || value != "run-2" {
		t.Fatalf("expected foreign token to survive, got %q err=%v", value, err)
	}
}

func TestRedisGuardTokenExpires(t *testing.T) {
	guard, server := newTestRedisGuard(t)
	if _, err := guard.Acquire(context.Background(), "crashed-run"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	server.FastForward(2 * time.Minute)
	release, err := guard.Acquire(context.Background(), "next-run")
	if err != nil {
		t.Fatalf("expected expired token to be reclaimable, got %v", err)
	}
	release()
}

func TestLocalGuardReleaseIsIdempotent(t *testing.T) {
	guard := NewLocalGuard()
	release, err := guard.Acquire(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	release()
	release()
	second, err := guard.Acquire(context.Background(), "run-2")
	if err != nil {
		t.Fatalf("expected guard to be free, got %v", err)
	}
	third, err := guard.Acquire(context.Background(), "run-3")
	if !errors.Is(err, ErrCycleInProgress) || third != nil {
		t.Fatalf("expected in-progress error, got %v", err)
	}
	second()
}
