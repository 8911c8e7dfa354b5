// Package lock provides an in-process keyed mutex with bounded acquisition.
// It is the single-node twin of the Postgres advisory transaction lock: the
// same contract, scoped to a logical key instead of a database session.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrTimeout = errors.New("lock wait timed out")

type entry struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex serializes critical sections per key. Distinct keys never
// contend with each other. The zero value is not usable; call NewKeyedMutex.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*entry)}
}

// Acquire blocks until the key's lock is held, the timeout elapses, or ctx
// is cancelled. On success it returns a release function that must be called
// exactly once; defer it immediately so the lock cannot outlive the owning
// operation.
func (m *KeyedMutex) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				m.put(key, e)
			})
		}, nil
	case <-timer.C:
		m.put(key, e)
		return nil, ErrTimeout
	case <-ctx.Done():
		m.put(key, e)
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) put(key string, e *entry) {
	m.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
	m.mu.Unlock()
}
