// Package util holds small concurrency and bookkeeping helpers shared by
// the connection, session and link layers.
package util

import "sync"

// IDAllocator hands out uint32 identifiers (channel numbers, link handles)
// from a bounded range, always preferring the smallest free value.
type IDAllocator struct {
	max  uint32
	next uint32
	free map[uint32]bool
	used map[uint32]bool
	mu   sync.Mutex
}

// NewIDAllocator creates an allocator over [0, max].
func NewIDAllocator(max uint32) *IDAllocator {
	return &IDAllocator{
		max:  max,
		free: make(map[uint32]bool),
		used: make(map[uint32]bool),
	}
}

// Allocate returns the smallest free identifier, or false when the range
// is exhausted.
func (a *IDAllocator) Allocate() (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Prefer explicitly freed IDs below the high-water mark.
	var best uint32
	found := false
	for id := range a.free {
		if !found || id < best {
			best = id
			found = true
		}
	}
	if found && best < a.next {
		delete(a.free, best)
		a.used[best] = true
		return best, true
	}

	if a.next <= a.max {
		id := a.next
		a.next++
		delete(a.free, id)
		a.used[id] = true
		return id, true
	}
	if found {
		delete(a.free, best)
		a.used[best] = true
		return best, true
	}
	return 0, false
}

// Free releases an identifier back to the pool. It reports false for IDs
// out of range or not currently allocated.
func (a *IDAllocator) Free(id uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id > a.max || !a.used[id] {
		return false
	}
	delete(a.used, id)
	a.free[id] = true
	return true
}

// Reserve marks a specific identifier as allocated, used when the remote
// peer picks the number. It reports false if the ID is already taken.
func (a *IDAllocator) Reserve(id uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id > a.max || a.used[id] {
		return false
	}
	if id >= a.next {
		for i := a.next; i < id; i++ {
			a.free[i] = true
		}
		a.next = id + 1
	}
	delete(a.free, id)
	a.used[id] = true
	return true
}

// InUse reports whether the identifier is currently allocated.
func (a *IDAllocator) InUse(id uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used[id]
}

// Count returns the number of allocated identifiers.
func (a *IDAllocator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}
