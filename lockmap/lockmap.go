// Package lockmap provides mutexes keyed by string, created on demand and
// dropped once nobody holds or waits for them.
package lockmap

import (
	"sort"
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Map {
	return &Map{locks: map[string]*entry{}}
}

// Lock acquires the mutexes of all given keys and returns the function releasing them.
// Keys are locked in sorted order, so two callers locking overlapping sets can't deadlock.
// Empty and repeated keys are ignored.
func (m *Map) Lock(keys ...string) (unlock func()) {
	ks := normalize(keys)
	held := make([]*entry, 0, len(ks))
	for _, k := range ks {
		e := m.acquire(k)
		e.mu.Lock()
		held = append(held, e)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].mu.Unlock()
				m.release(ks[i])
			}
		})
	}
}

// Len returns the number of keys currently locked or waited on.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *Map) acquire(k string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[k]
	if !ok {
		e = &entry{}
		m.locks[k] = e
	}
	e.refs++
	return e
}

func (m *Map) release(k string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.locks[k]
	e.refs--
	if e.refs == 0 {
		delete(m.locks, k)
	}
}

func normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	j := 0
	for i, k := range out {
		if i > 0 && k == out[j-1] {
			continue
		}
		out[j] = k
		j++
	}
	return out[:j]
}
