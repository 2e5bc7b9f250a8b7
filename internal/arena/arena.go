// Package arena models the buffer's shared-memory region.
//
// The original C implementation carves a fixed shmem segment at startup and
// hands out raw addresses to it; per the design notes on porting raw-pointer
// lists to a safety-checked language, this port keeps record and list-node
// storage on the normal Go heap (the garbage collector already rules out the
// dangling-pointer failure mode the C arena guards against) and uses Arena
// purely as a byte-accounting allocator enforcing the configured ceiling.
package arena

import "sync"

// Arena tracks a fixed byte budget. It never blocks and never panics on
// exhaustion: Alloc reports failure instead, matching the original
// allocator's "return null under pressure" contract.
type Arena struct {
	mu    sync.Mutex
	total uint64
	used  uint64
}

// New creates an arena with the given total byte budget. A zero-size arena
// always reports failure from Alloc.
func New(total uint64) *Arena {
	return &Arena{total: total}
}

// Alloc reserves size bytes, reporting ok=false if doing so would exceed
// the arena's total budget.
func (a *Arena) Alloc(size uint64) (ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.used+size > a.total {
		return false
	}
	a.used += size
	return true
}

// Free releases size bytes back to the arena. Callers must free exactly the
// size they allocated; freeing more than is in use clamps to zero rather
// than underflowing, since a caller-side accounting bug must not corrupt
// FreeSize/TotalSize's invariant.
func (a *Arena) Free(size uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if size > a.used {
		a.used = 0
		return
	}
	a.used -= size
}

// Realloc adjusts an allocation from oldSize to newSize, reporting ok=false
// (leaving accounting unchanged) if the arena cannot hold newSize.
func (a *Arena) Realloc(oldSize, newSize uint64) (ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	freed := a.used
	if oldSize > freed {
		freed = 0
	} else {
		freed -= oldSize
	}
	if newSize > a.total-freed {
		return false
	}
	a.used = freed + newSize
	return true
}

// FreeSize returns the number of bytes still available.
func (a *Arena) FreeSize() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total - a.used
}

// UsedSize returns the number of bytes currently allocated.
func (a *Arena) UsedSize() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// TotalSize returns the arena's configured budget.
func (a *Arena) TotalSize() uint64 {
	return a.total
}
