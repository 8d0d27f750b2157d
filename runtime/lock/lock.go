// Package lock provides a keyed mutual-exclusion primitive. Stores and
// coordinators use it to serialize read-modify-write sequences per run or
// per session without contending across unrelated keys.
package lock

import "sync"

// Keyed hands out one mutex per key. Entries are reference counted and
// removed once the last holder releases, so the key space never grows
// unboundedly. The zero value is ready to use.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// Acquire blocks until the mutex for key is held and returns the release
// function. Callers must invoke the release exactly once, typically via
// defer:
//
//	defer locks.Acquire(runID)()
func (k *Keyed) Acquire(key string) (release func()) {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = make(map[string]*entry)
	}
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			k.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(k.entries, key)
			}
			k.mu.Unlock()
		})
	}
}
