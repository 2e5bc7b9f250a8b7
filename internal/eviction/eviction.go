// Package eviction implements the buffer's "free N bytes" routine, invoked
// from a record store's add path on arena pressure. There is no separate
// make_room(bytes) entry point.
package eviction

// Front is what eviction needs from a single record store's memory list: a
// peek at the oldest record plus the ability to discard it.
type Front interface {
	// PeekClock returns the clock of the oldest in-memory record, or
	// ok=false if the store's memory list is empty.
	PeekClock() (clock int64, ok bool)
	// EvictOldest pops the oldest in-memory record, frees its arena
	// allocation, and returns the number of bytes freed.
	EvictOldest() (freedBytes uint64, ok bool)
}

// The tie-break priority when two or more lists peek the same clock is the
// order the stores are passed to FreeSpace; the buffer passes history, then
// discovery, then autoreg.

// FreeSpace discards the oldest records across stores (smallest Clock
// first, ties broken by the order stores are passed in) until at least
// target bytes have been freed or every store is empty. evicted reports
// how many records were popped from each store, indexed the same as
// stores, so callers can attribute eviction counts per store.
func FreeSpace(target uint64, stores ...Front) (freed uint64, evicted []int, ok bool) {
	evicted = make([]int, len(stores))
	for freed < target {
		idx, found := pickVictim(stores)
		if !found {
			return freed, evicted, false
		}
		n, popped := stores[idx].EvictOldest()
		if !popped {
			// Peek said something was there, evict said otherwise - pick
			// a victim again without counting this store.
			continue
		}
		freed += n
		evicted[idx]++
	}
	return freed, evicted, true
}

// pickVictim returns the index of the store holding the globally oldest
// front record, scanning in caller order so strict less-than comparisons
// keep earlier stores as the tie-break winner.
func pickVictim(stores []Front) (int, bool) {
	best := -1
	var bestClock int64
	for i, s := range stores {
		clock, ok := s.PeekClock()
		if !ok {
			continue
		}
		if best == -1 || clock < bestClock {
			best = i
			bestClock = clock
		}
	}
	return best, best != -1
}
