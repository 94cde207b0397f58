// Package keyed provides a mutex per string key.
package keyed

import "sync"

// Mutex hands out one lock per key and forgets keys nobody holds.
type Mutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// New returns an empty keyed mutex.
func New() *Mutex {
	return &Mutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *Mutex) Lock(key string) func() {
	m := k.acquire(key)
	m.Lock()
	return k.unlocker(key, m)
}

// TryLock takes the lock for key only if nobody holds it.
func (k *Mutex) TryLock(key string) (func(), bool) {
	m := k.acquire(key)
	if !m.TryLock() {
		k.release(key, m)
		return nil, false
	}
	return k.unlocker(key, m), true
}

func (k *Mutex) acquire(key string) *refMutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	return m
}

func (k *Mutex) unlocker(key string, m *refMutex) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.Unlock()
			k.release(key, m)
		})
	}
}

func (k *Mutex) release(key string, m *refMutex) {
	k.mu.Lock()
	m.refs--
	if m.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}
