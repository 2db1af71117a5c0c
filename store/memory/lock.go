package memory

import (
	"context"
	"sync"
	"time"

	"github.com/noatudor/maestro"
	"github.com/noatudor/maestro/lock"
)

var _ lock.Locker = (*Locker)(nil)

// Locker is an in-process named lock with TTL expiry, for single-node
// deployments and tests. Multi-node deployments use the Redis locker.
type Locker struct {
	mu   sync.Mutex
	held map[string]*heldLock
}

type heldLock struct {
	expiresAt time.Time
}

// NewLocker returns an empty Locker.
func NewLocker() *Locker {
	return &Locker{held: make(map[string]*heldLock)}
}

// Acquire takes the named lock for ttl.
func (l *Locker) Acquire(_ context.Context, name string, ttl time.Duration) (lock.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if h, ok := l.held[name]; ok && h.expiresAt.After(now) {
		return nil, maestro.ErrLockHeld
	}
	h := &heldLock{expiresAt: now.Add(ttl)}
	l.held[name] = h
	return &memoryHandle{locker: l, name: name, lock: h}, nil
}

// RemoveExpired drops locks whose TTL has lapsed and returns how many
// were dropped. Acquire already treats expired entries as free; this
// keeps the map from growing unbounded.
func (l *Locker) RemoveExpired(_ context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	removed := 0
	for name, h := range l.held {
		if !h.expiresAt.After(now) {
			delete(l.held, name)
			removed++
		}
	}
	return removed, nil
}

type memoryHandle struct {
	locker *Locker
	name   string
	lock   *heldLock
}

// Release frees the lock if this handle still owns it.
func (h *memoryHandle) Release(_ context.Context) error {
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()

	if cur, ok := h.locker.held[h.name]; ok && cur == h.lock {
		delete(h.locker.held, h.name)
	}
	return nil
}

// Refresh extends the lock's TTL if this handle still owns it.
func (h *memoryHandle) Refresh(_ context.Context, ttl time.Duration) error {
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()

	cur, ok := h.locker.held[h.name]
	if !ok || cur != h.lock || !cur.expiresAt.After(time.Now()) {
		return maestro.ErrLockHeld
	}
	cur.expiresAt = time.Now().Add(ttl)
	return nil
}
