// Package fsm implements the buffer's four-state hybrid storage controller,
// ported from the original zbxproxybuffer's pb_set_state / pb_update_state
// / pb_init_state.
package fsm

import (
	"sync/atomic"

	"github.com/denser/pbuffer/internal/backend"
)

// State is one of the four hybrid-buffer states.
type State int

const (
	Database State = iota
	DatabaseToMemory
	Memory
	MemoryToDatabase
)

// names mirrors the original pb_state_desc table.
var names = [...]string{"database", "database->memory", "memory", "memory->database"}

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(names) {
		return "unknown"
	}
	return names[s]
}

// dst and src are the original's pb_dst/pb_src routing tables: dst[state]
// says where writes go, src[state] says where reads come from. Keeping
// these as arrays indexed by state, rather than a switch at each call site,
// is a direct port. Every state is listed by key; a state left out of a
// table would read that array's zero value (backend.Database).
var dst = [...]backend.Backend{
	Database:         backend.Database,
	DatabaseToMemory: backend.Memory,
	Memory:           backend.Memory,
	MemoryToDatabase: backend.Database,
}

var src = [...]backend.Backend{
	Database:         backend.Database,
	DatabaseToMemory: backend.Database,
	Memory:           backend.Memory,
	MemoryToDatabase: backend.Memory,
}

// FSM holds the current state and the changes_num counter. It is not
// itself concurrency-safe; the enclosing buffer's coarse mutex serializes
// every call.
type FSM struct {
	state      State
	changesNum uint64
}

// New creates an FSM in the given initial state (the caller, pbuffer.Init,
// runs the bootstrap probe to choose it).
func New(initial State) *FSM {
	return &FSM{state: initial}
}

// State returns the current state.
func (f *FSM) State() State {
	return f.state
}

// ChangesNum returns the number of terminal-state transitions observed so
// far, exposed via get_state_info.
func (f *FSM) ChangesNum() uint64 {
	return atomic.LoadUint64(&f.changesNum)
}

// WriteDest reports which backend new writes should be routed to.
func (f *FSM) WriteDest() backend.Backend {
	return dst[f.state]
}

// ReadSource reports which backend reads should be served from.
func (f *FSM) ReadSource() backend.Backend {
	return src[f.state]
}

// setState transitions to next, incrementing changes_num only when leaving
// a terminal state (Database or Memory) - ported unchanged from
// pb_set_state's "if (PB_DATABASE == old || PB_MEMORY == old)" guard. The
// two transitional states are not terminal and churning through them (e.g.
// DatabaseToMemory -> Memory) does not count as a "change" in this sense.
func (f *FSM) setState(next State) {
	old := f.state
	if old == Database || old == Memory {
		atomic.AddUint64(&f.changesNum, 1)
	}
	f.state = next
}

// MemoryPressure is called from Memory when arena allocation pressure
// cannot be resolved by eviction, or the oldest memory record's age
// exceeds max_age. Writes now route to the database; reads keep draining
// memory until it is empty.
func (f *FSM) MemoryPressure() {
	if f.state == Memory {
		f.setState(MemoryToDatabase)
	}
}

// MemoryDrained is reported by the uploader when a get from memory in
// MemoryToDatabase comes back empty (no-more-data). The cached lastid_sent
// cursors are committed to the database by the caller inside one
// transaction before this is called; the FSM only records the transition.
func (f *FSM) MemoryDrained() {
	if f.state == MemoryToDatabase {
		f.setState(Database)
	}
}

// DatabaseDrained is reported by the uploader when a get from the database
// in Database comes back empty. Writes immediately start routing to
// memory; the database is still being drained for already-written rows.
func (f *FSM) DatabaseDrained() {
	if f.state == Database {
		f.setState(DatabaseToMemory)
	}
}

// ReadyForMemory is the DatabaseToMemory -> Memory guard: no-more-data was
// reported, handleID is zero across all three stores (nothing checked out
// that a transition could invalidate), and every store's lastid_db has
// caught up with lastid_sent. The caller evaluates the guard condition and
// only calls this once it holds.
func (f *FSM) ReadyForMemory() {
	if f.state == DatabaseToMemory {
		f.setState(Memory)
	}
}

// Disable pins state to Database (mode is pinned to disk by the caller).
// It does not flush - ported from zbx_pb_disable, which sets state
// unconditionally without invoking pb_flush.
func (f *FSM) Disable() {
	f.setState(Database)
}

// FallbackToDatabase transitions to Database; the caller is responsible
// for flushing memory to the database first (pd_fallback_to_database).
func (f *FSM) FallbackToDatabase() {
	f.setState(Database)
}
