package pipeline

import (
	"context"
	"sync"
)

// KeyLock serializes work per provider id. Entries are reference counted and
// dropped once no goroutine holds or waits on them.
type KeyLock struct {
	mu    sync.Mutex
	locks map[int64]*keyEntry
}

type keyEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyLock creates an empty KeyLock.
func NewKeyLock() *KeyLock {
	return &KeyLock{locks: make(map[int64]*keyEntry)}
}

// Lock blocks until id is free or ctx is done. The returned func releases
// the lock and must be called exactly once.
func (k *KeyLock) Lock(ctx context.Context, id int64) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[id]
	if !ok {
		e = &keyEntry{ch: make(chan struct{}, 1)}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(id, e)
		return nil, ctx.Err()
	}

	return func() {
		<-e.ch
		k.release(id, e)
	}, nil
}

func (k *KeyLock) release(id int64, e *keyEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, id)
	}
}

// Len returns the number of ids currently held or awaited.
func (k *KeyLock) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
