// Package keyedmutex serializes operations per string key.
//
// Callers on the same key run strictly one at a time in arrival order;
// callers on different keys run concurrently. Acquisition is not
// re-entrant: taking a key already held by the caller deadlocks.
package keyedmutex

import (
	"context"
	"sync"
)

type waiter struct {
	ready chan struct{}
}

type entry struct {
	// The lock for the key is held whenever the entry exists.
	// waiters are handed the lock in FIFO order on release.
	waiters []*waiter
}

// KeyedMutex is a set of named mutexes with FIFO handoff.
// The zero value is not usable; call New.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty KeyedMutex.
func New() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*entry)}
}

// WithLock runs fn while holding the lock for key.
// If ctx is done before the lock is acquired, fn does not run and the
// context error is returned. A panic in fn releases the lock and
// propagates.
func (m *KeyedMutex) WithLock(ctx context.Context, key string, fn func() error) error {
	if err := m.acquire(ctx, key); err != nil {
		return err
	}
	defer m.release(key)
	return fn()
}

// WithLockResult runs fn while holding the lock for key and returns its
// result. Acquisition semantics match WithLock.
func WithLockResult[T any](ctx context.Context, m *KeyedMutex, key string, fn func() (T, error)) (T, error) {
	var zero T
	if err := m.acquire(ctx, key); err != nil {
		return zero, err
	}
	defer m.release(key)
	return fn()
}

// Len reports the number of keys currently held or waited on.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *KeyedMutex) acquire(ctx context.Context, key string) error {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.entries[key] = &entry{}
		m.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan struct{})}
	e.waiters = append(e.waiters, w)
	m.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		select {
		case <-w.ready:
			// The lock was handed over concurrently with cancellation;
			// pass it to the next waiter instead of holding it.
			m.releaseLocked(key)
		default:
			m.removeWaiterLocked(key, w)
		}
		m.mu.Unlock()
		return ctx.Err()
	}
}

func (m *KeyedMutex) release(key string) {
	m.mu.Lock()
	m.releaseLocked(key)
	m.mu.Unlock()
}

func (m *KeyedMutex) releaseLocked(key string) {
	e, ok := m.entries[key]
	if !ok {
		return
	}
	if len(e.waiters) == 0 {
		// No one waiting: drop the entry so idle keys cost nothing.
		delete(m.entries, key)
		return
	}
	next := e.waiters[0]
	e.waiters = e.waiters[1:]
	close(next.ready)
}

func (m *KeyedMutex) removeWaiterLocked(key string, w *waiter) {
	e, ok := m.entries[key]
	if !ok {
		return
	}
	for i, q := range e.waiters {
		if q == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}
