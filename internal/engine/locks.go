package engine

import (
	"sync"

	"Paylane/internal/channel"
)

// keyedMutex serializes mutations per channel while letting different
// channels proceed concurrently.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[channel.ID]*refLock
}

// refLock is a mutex shared by the holders and waiters of one key.
type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[channel.ID]*refLock)}
}

// lock acquires the channel's mutex and returns its release function.
func (k *keyedMutex) lock(id channel.ID) func() {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &refLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
