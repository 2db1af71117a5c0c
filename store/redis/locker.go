// Package redis implements lock.Locker on Redis for multi-node
// deployments. Each named lock is a single key written with SET NX and a
// TTL; release and refresh compare the stored record so a handle that
// lost its lock to expiry cannot free or extend another holder's lock.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	locker := redis.NewLocker(client)
//	eng, err := engine.New(st, engine.WithSweepLocker(locker))
package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/noatudor/maestro"
	"github.com/noatudor/maestro/lock"
)

// Compile-time interface check.
var _ lock.Locker = (*Locker)(nil)

// keyPrefix namespaces lock keys so they cannot collide with other
// application data in a shared Redis.
const keyPrefix = "maestro:lock:"

func lockKey(name string) string { return keyPrefix + name }

// lockRecord is the msgpack-encoded value stored under a lock key. The
// token is random per Acquire call; AcquiredAt is informational.
type lockRecord struct {
	Token      string    `msgpack:"token"`
	AcquiredAt time.Time `msgpack:"acquired_at"`
}

// releaseScript deletes the lock key only when the stored record still
// belongs to the caller.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the TTL only when the stored record still belongs
// to the caller.
var refreshScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Option configures the Locker.
type Option func(*Locker)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(lk *Locker) { lk.logger = l }
}

// Locker grants named locks backed by Redis keys. The caller owns the
// Redis client lifecycle.
type Locker struct {
	client goredis.Cmdable
	logger *slog.Logger
}

// NewLocker creates a Redis-backed named locker.
func NewLocker(client goredis.Cmdable, opts ...Option) *Locker {
	lk := &Locker{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(lk)
	}
	return lk
}

// Ping verifies the Redis connection is alive.
func (lk *Locker) Ping(ctx context.Context) error {
	return lk.client.Ping(ctx).Err()
}

// Acquire takes the named lock for ttl, or returns maestro.ErrLockHeld
// without waiting when another holder has it.
func (lk *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (lock.Handle, error) {
	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("maestro/redis: acquire %q: %w", name, err)
	}
	value, err := msgpack.Marshal(lockRecord{
		Token:      token,
		AcquiredAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("maestro/redis: acquire %q: %w", name, err)
	}

	ok, err := lk.client.SetNX(ctx, lockKey(name), value, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("maestro/redis: acquire %q: %w", name, err)
	}
	if !ok {
		return nil, maestro.ErrLockHeld
	}
	return &handle{client: lk.client, key: lockKey(name), value: value}, nil
}

// HeldSince reports when the named lock was acquired. Returns the zero
// time when the lock is free.
func (lk *Locker) HeldSince(ctx context.Context, name string) (time.Time, error) {
	raw, err := lk.client.Get(ctx, lockKey(name)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("maestro/redis: inspect %q: %w", name, err)
	}
	var rec lockRecord
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return time.Time{}, fmt.Errorf("maestro/redis: inspect %q: %w", name, err)
	}
	return rec.AcquiredAt, nil
}

// newToken returns a random token identifying one Acquire call.
func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

type handle struct {
	client goredis.Cmdable
	key    string
	value  []byte
}

// Release frees the lock. Releasing after expiry or takeover is a no-op.
func (h *handle) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, h.client, []string{h.key}, h.value).Err(); err != nil {
		return fmt.Errorf("maestro/redis: release %q: %w", h.key, err)
	}
	return nil
}

// Refresh extends the TTL from now. Returns maestro.ErrLockHeld when the
// lock expired and another holder took it, or when it no longer exists.
func (h *handle) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, h.client, []string{h.key}, h.value, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("maestro/redis: refresh %q: %w", h.key, err)
	}
	if n == 0 {
		return maestro.ErrLockHeld
	}
	return nil
}
