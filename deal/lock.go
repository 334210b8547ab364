package deal

import (
	"context"
	"sync"
)

// Locker scopes mutual exclusion to one deal id.
type Locker interface {
	// Lock blocks until the deal is held or ctx ends. The returned func releases it.
	Lock(ctx context.Context, dealID string) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker. Entries are dropped once no caller holds
// or waits on them.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) Lock(ctx context.Context, dealID string) (func(), error) {
	k.mu.Lock()
	e, ok := k.entries[dealID]
	if !ok {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		k.entries[dealID] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(dealID, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			k.release(dealID, e)
		})
	}, nil
}

func (k *KeyedMutex) release(dealID string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, dealID)
	}
}

// held reports the number of ids with holders or waiters.
func (k *KeyedMutex) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
