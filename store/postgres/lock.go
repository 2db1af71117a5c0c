package postgres

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noatudor/maestro"
	"github.com/noatudor/maestro/lock"
)

var _ lock.Locker = (*Locker)(nil)

// Locker grants named locks backed by the maestro_locks table. A lock is
// one row with a TTL; an expired row is free for the taking. Deployments
// already on Postgres can use it instead of running Redis just for
// locking.
type Locker struct {
	pool *pgxpool.Pool
}

// Locker returns a named locker sharing the store's connection pool.
func (s *Store) Locker() *Locker {
	return &Locker{pool: s.pool}
}

// Acquire takes the named lock for ttl, or returns maestro.ErrLockHeld
// without waiting when another holder has it.
func (lk *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (lock.Handle, error) {
	token, err := newLockToken()
	if err != nil {
		return nil, fmt.Errorf("maestro/postgres: acquire lock %q: %w", name, err)
	}

	tag, err := lk.pool.Exec(ctx, `
		INSERT INTO maestro_locks (name, token, expires_at)
		VALUES ($1, $2, NOW() + make_interval(secs => $3))
		ON CONFLICT (name) DO UPDATE
		SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
		WHERE maestro_locks.expires_at <= NOW()`,
		name, token, ttl.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("maestro/postgres: acquire lock %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, maestro.ErrLockHeld
	}
	return &lockHandle{pool: lk.pool, name: name, token: token}, nil
}

// RemoveExpired deletes lapsed lock rows and returns how many were
// removed. Acquire already treats expired rows as free; this keeps the
// table from growing unbounded.
func (lk *Locker) RemoveExpired(ctx context.Context) (int, error) {
	tag, err := lk.pool.Exec(ctx, `DELETE FROM maestro_locks WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("maestro/postgres: remove expired locks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func newLockToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

type lockHandle struct {
	pool  *pgxpool.Pool
	name  string
	token string
}

// Release frees the lock. Releasing after expiry or takeover is a no-op.
func (h *lockHandle) Release(ctx context.Context) error {
	_, err := h.pool.Exec(ctx, `
		DELETE FROM maestro_locks WHERE name = $1 AND token = $2`,
		h.name, h.token,
	)
	if err != nil {
		return fmt.Errorf("maestro/postgres: release lock %q: %w", h.name, err)
	}
	return nil
}

// Refresh extends the TTL from now. Returns maestro.ErrLockHeld when the
// lock expired and another holder took it, or when it no longer exists.
func (h *lockHandle) Refresh(ctx context.Context, ttl time.Duration) error {
	tag, err := h.pool.Exec(ctx, `
		UPDATE maestro_locks
		SET expires_at = NOW() + make_interval(secs => $3)
		WHERE name = $1 AND token = $2 AND expires_at > NOW()`,
		h.name, h.token, ttl.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("maestro/postgres: refresh lock %q: %w", h.name, err)
	}
	if tag.RowsAffected() == 0 {
		return maestro.ErrLockHeld
	}
	return nil
}
