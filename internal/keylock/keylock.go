// Package keylock serializes work per string key.
package keylock

import "sync"

// Map holds one mutex per key. Entries are reference counted and removed when the
// last holder or waiter releases them, so the table only holds keys in use.
type Map struct {
	mu sync.Mutex
	m  map[string]*entry
}

type entry struct {
	sync.Mutex
	n int
}

func New() *Map { return &Map{m: map[string]*entry{}} }

// Lock blocks until key is held and returns the release func.
func (k *Map) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.m[key]
	if !ok {
		l = &entry{}
		k.m[key] = l
	}
	l.n++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.n--
		if l.n == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}

// Len is the number of keys currently held or awaited.
func (k *Map) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.m)
}
