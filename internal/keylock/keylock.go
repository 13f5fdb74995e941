// Package keylock provides exclusive sections keyed by an identifier.
package keylock

import (
	"context"
	"sync"
)

// Locker hands out one exclusive slot per key. Entries are reference counted
// and removed once nobody holds or waits for them, so the table only grows
// with concurrently active keys.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	slot chan struct{}
	refs int
}

func New() *Locker {
	return &Locker{entries: make(map[string]*entry)}
}

// Acquire blocks until the slot for key is free or ctx is done. The returned
// release function is safe to call more than once.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	current, ok := l.entries[key]
	if !ok {
		current = &entry{slot: make(chan struct{}, 1)}
		l.entries[key] = current
	}
	current.refs++
	l.mu.Unlock()

	select {
	case current.slot <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-current.slot
				l.drop(key, current)
			})
		}, nil
	case <-ctx.Done():
		l.drop(key, current)
		return nil, ctx.Err()
	}
}

func (l *Locker) drop(key string, current *entry) {
	l.mu.Lock()
	current.refs--
	if current.refs == 0 {
		delete(l.entries, key)
	}
	l.mu.Unlock()
}

// Len reports how many keys are currently held or awaited.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
