// Package keyed provides per-key mutual exclusion with first-in first-out hand-off.
package keyed

import (
	"context"
	"sync"
)

type queue struct {
	waiters []chan struct{}
}

// Mutex serialises callers per key. Waiters acquire the key in arrival order,
// so two contenders for the same key are always decided deterministically.
type Mutex struct {
	mu   sync.Mutex
	keys map[string]*queue
}

// New constructs an empty keyed mutex.
func New() *Mutex {
	return &Mutex{keys: make(map[string]*queue)}
}

// Lock blocks until key is held or ctx is done. The returned function releases
// the key and is safe to call more than once.
func (m *Mutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	q, held := m.keys[key]
	if !held {
		m.keys[key] = &queue{}
		m.mu.Unlock()
		return m.releaser(key), nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return m.releaser(key), nil
	case <-ctx.Done():
		m.mu.Lock()
		removed := false
		for i, waiter := range q.waiters {
			if waiter == ch {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				removed = true
				break
			}
		}
		m.mu.Unlock()
		if !removed {
			// Ownership was handed over while we gave up; pass it on.
			m.unlock(key)
		}
		return nil, ctx.Err()
	}
}

// Waiting reports how many callers are queued behind the current holder of key.
func (m *Mutex) Waiting(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.keys[key]; ok {
		return len(q.waiters)
	}
	return 0
}

func (m *Mutex) releaser(key string) func() {
	var once sync.Once
	return func() { once.Do(func() { m.unlock(key) }) }
}

func (m *Mutex) unlock(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.keys[key]
	if !ok {
		return
	}
	if len(q.waiters) == 0 {
		delete(m.keys, key)
		return
	}
	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	close(next)
}
