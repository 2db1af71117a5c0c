package redis_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/noatudor/maestro"
	"github.com/noatudor/maestro/store/redis"
)

func newTestLocker(t *testing.T) (*miniredis.Miniredis, *redis.Locker) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, redis.NewLocker(client)
}

func TestLockerAcquireIsExclusive(t *testing.T) {
	_, locker := newTestLocker(t)
	ctx := context.Background()

	h, err := locker.Acquire(ctx, "sweep", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if _, err := locker.Acquire(ctx, "sweep", time.Minute); !errors.Is(err, maestro.ErrLockHeld) {
		t.Errorf("second Acquire err = %v, want ErrLockHeld", err)
	}

	// Distinct names do not contend.
	if _, err := locker.Acquire(ctx, "other", time.Minute); err != nil {
		t.Errorf("Acquire other name: %v", err)
	}

	if err := h.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := locker.Acquire(ctx, "sweep", time.Minute); err != nil {
		t.Errorf("Acquire after release: %v", err)
	}
}

func TestLockerExpiryFreesName(t *testing.T) {
	mr, locker := newTestLocker(t)
	ctx := context.Background()

	if _, err := locker.Acquire(ctx, "sweep", time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	mr.FastForward(2 * time.Second)

	if _, err := locker.Acquire(ctx, "sweep", time.Minute); err != nil {
		t.Errorf("Acquire after expiry: %v", err)
	}
}

func TestHandleReleaseAfterTakeoverIsNoOp(t *testing.T) {
	mr, locker := newTestLocker(t)
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, "sweep", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	mr.FastForward(2 * time.Second)

	if _, err := locker.Acquire(ctx, "sweep", time.Minute); err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}

	// The stale handle's token no longer matches; the new holder keeps
	// the lock.
	if err := stale.Release(ctx); err != nil {
		t.Fatalf("stale Release: %v", err)
	}
	if _, err := locker.Acquire(ctx, "sweep", time.Minute); !errors.Is(err, maestro.ErrLockHeld) {
		t.Errorf("Acquire after stale release err = %v, want ErrLockHeld", err)
	}
}

func TestHandleRefresh(t *testing.T) {
	mr, locker := newTestLocker(t)
	ctx := context.Background()

	h, err := locker.Acquire(ctx, "sweep", 2*time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	mr.FastForward(time.Second)
	if err := h.Refresh(ctx, time.Minute); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// The original TTL would have lapsed by now; the refresh kept it.
	mr.FastForward(2 * time.Second)
	if _, err := locker.Acquire(ctx, "sweep", time.Minute); !errors.Is(err, maestro.ErrLockHeld) {
		t.Errorf("Acquire after refresh err = %v, want ErrLockHeld", err)
	}
}

func TestLockerHeldSince(t *testing.T) {
	_, locker := newTestLocker(t)
	ctx := context.Background()

	before := time.Now().UTC().Add(-time.Second)
	if _, err := locker.Acquire(ctx, "sweep", time.Minute); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	since, err := locker.HeldSince(ctx, "sweep")
	if err != nil {
		t.Fatalf("HeldSince: %v", err)
	}
	if since.Before(before) || since.After(time.Now().UTC().Add(time.Second)) {
		t.Errorf("HeldSince = %v, want roughly now", since)
	}

	free, err := locker.HeldSince(ctx, "unheld")
	if err != nil {
		t.Fatalf("HeldSince unheld: %v", err)
	}
	if !free.IsZero() {
		t.Errorf("HeldSince for free lock = %v, want zero time", free)
	}
}

func TestHandleRefreshAfterExpiry(t *testing.T) {
	mr, locker := newTestLocker(t)
	ctx := context.Background()

	h, err := locker.Acquire(ctx, "sweep", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	mr.FastForward(2 * time.Second)

	if err := h.Refresh(ctx, time.Minute); !errors.Is(err, maestro.ErrLockHeld) {
		t.Errorf("Refresh after expiry err = %v, want ErrLockHeld", err)
	}
}
