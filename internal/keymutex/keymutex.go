// Package keymutex serializes work per key (account, transaction) without a
// global lock: unrelated keys never wait on each other.
package keymutex

import (
	"context"
	"sync"
)

// Unlock releases a key acquired through Locker.Lock. Calling it more than
// once is safe.
type Unlock func()

// Locker hands out exclusive access to a key.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

type entry struct {
	ch   chan struct{}
	refs int
}

// Local is an in-process keyed mutex. The internal map mutex only guards
// bookkeeping and is never held while a key is owned.
type Local struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewLocal cria um keyed mutex em memória
func NewLocal() *Local {
	return &Local{entries: make(map[string]*entry)}
}

// Lock blocks until key is free or ctx is done.
func (l *Local) Lock(ctx context.Context, key string) (Unlock, error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				l.release(key, e)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}
}

// Len returns how many keys are currently held or awaited.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Local) release(key string, e *entry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
	l.mu.Unlock()
}
