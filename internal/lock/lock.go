// Package lock serializes ledger syncs per position.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockHeld is returned when the key is already locked by another holder.
var ErrLockHeld = errors.New("lock held")

// Locker acquires exclusive, non-blocking locks on keys.
type Locker interface {
	// Acquire returns an unlock function on success, or ErrLockHeld.
	// The unlock function is safe to call more than once.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// KeyedMutex is an in-process Locker. The ttl is ignored;
// a lock is held until its unlock function runs.
type KeyedMutex struct {
	mu   sync.Mutex
	held map[string]struct{}
}

var _ Locker = (*KeyedMutex)(nil)

// NewKeyedMutex creates an in-process Locker.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{held: make(map[string]struct{})}
}

// Acquire implements Locker.
func (m *KeyedMutex) Acquire(ctx context.Context, key string, _ time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; ok {
		return nil, ErrLockHeld
	}
	m.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}, nil
}
