// Package recordstore implements the per-record-type store: one
// instantiation each for history, discovery, and autoreg, sharing this
// single generic implementation since all three differ only in their
// row shape and database table.
package recordstore

import (
	"errors"
	"fmt"

	"github.com/denser/pbuffer/internal/arena"
	"github.com/denser/pbuffer/internal/backend"
	"github.com/denser/pbuffer/internal/dbstore"
	"github.com/denser/pbuffer/internal/ringlist"
	"github.com/denser/pbuffer/pkg/record"
)

// ErrNoMemory is returned by Add when the arena has no room for a record
// even after an eviction attempt.
var ErrNoMemory = errors.New("no-memory")

// Evictor frees at least target bytes from across all three stores,
// implemented by internal/eviction.FreeSpace and supplied by the owning
// buffer so a single store's pressure can be relieved by evicting the
// globally oldest record, not just its own oldest.
type Evictor func(target uint64) (freed uint64, ok bool)

// Store is a generic per-record-type store over T (record.History,
// record.Discovery, or record.Autoreg).
type Store[T record.Record] struct {
	recordType record.Type
	arena      *arena.Arena
	mem        *ringlist.List[T]
	db         *dbstore.Table[T]
	tableName  string
	lastField  string
	evict      Evictor

	nextID       uint64
	lastIDMemory uint64
	lastIDDB     uint64
	lastIDSent   uint64
	handleID     uint64
}

// New creates a store bound to the shared arena and its database table.
// lastField is the "field_name" half of the ids(table_name, field_name,
// nextid) key for this record type (e.g. "history_lastid").
func New[T record.Record](rt record.Type, a *arena.Arena, db *dbstore.Table[T], tableName, lastField string, evict Evictor) *Store[T] {
	return &Store[T]{
		recordType: rt,
		arena:      a,
		mem:        ringlist.New[T](),
		db:         db,
		tableName:  tableName,
		lastField:  lastField,
		evict:      evict,
	}
}

// RecordType returns the record type this store handles.
func (s *Store[T]) RecordType() record.Type { return s.recordType }

// Len reports how many records currently sit in the memory list.
func (s *Store[T]) Len() int { return s.mem.Len() }

// HandleID reports the number of in-flight (checked-out, not yet
// acknowledged) get batches.
func (s *Store[T]) HandleID() uint64 { return s.handleID }

// LastIDDB and LastIDSent are read by the state machine's
// DatabaseToMemory -> Memory guard.
func (s *Store[T]) LastIDDB() uint64   { return s.lastIDDB }
func (s *Store[T]) LastIDSent() uint64 { return s.lastIDSent }

// LoadCursors seeds the store's cursors from persisted state at startup
// (the ids table's lastid_sent, and the greatest id already present in
// either backend).
func (s *Store[T]) LoadCursors(nextID, lastIDDB, lastIDSent uint64) {
	s.nextID = nextID
	s.lastIDDB = lastIDDB
	s.lastIDSent = lastIDSent
}

// Add assigns the next id and routes the record to dest. On a memory
// destination it attempts arena allocation, triggers the shared evictor
// once on pressure, and returns ErrNoMemory if that still isn't enough -
// the caller (pbuffer.Buffer) reacts to that: in Memory mode it drops the
// record, in Hybrid mode it applies the state machine's memory-pressure
// transition and retries the add in the same call.
func (s *Store[T]) Add(rec T, dest backend.Backend) error {
	size := rec.EstimatedSize()
	switch dest {
	case backend.Memory:
		if !s.arena.Alloc(size) {
			if s.evict == nil {
				return ErrNoMemory
			}
			if _, ok := s.evict(size); !ok {
				return ErrNoMemory
			}
			if !s.arena.Alloc(size) {
				return ErrNoMemory
			}
		}
		id := s.nextID + 1
		s.nextID = id
		rec.SetID(id)
		s.mem.PushBack(rec)
		s.lastIDMemory = id
		return nil
	case backend.Database:
		id := s.nextID + 1
		s.nextID = id
		rec.SetID(id)
		if err := s.db.InsertBatch([]uint64{id}, []T{rec}); err != nil {
			return err
		}
		s.lastIDDB = id
		return nil
	default:
		return fmt.Errorf("recordstore: unknown backend %v", dest)
	}
}

// GetRows returns up to limit rows (stopping early once the cumulative
// estimated size reaches sizeLimit, reporting more=true) from whichever
// backend src names. Memory rows are not removed here - the store's memory
// list only ever holds not-yet-acknowledged rows, so the front of the list
// is exactly the next batch; SetLastID is what pops them. Calling GetRows
// increments handleID; the caller must eventually call SetLastID (or
// otherwise account for it) to release the checkout. retried reports
// whether a database read had to wait out an id gap and retry once, for
// the caller's gap-retry metric; it is always false for a memory source.
func (s *Store[T]) GetRows(limit int, sizeLimit uint64, src backend.Backend) (rows []T, lastID uint64, more bool, retried bool, err error) {
	s.handleID++
	switch src {
	case backend.Memory:
		var size uint64
		count := 0
		s.mem.Each(func(rec T) bool {
			if count >= limit {
				more = true
				return false
			}
			recSize := rec.EstimatedSize()
			if size+recSize > sizeLimit && count > 0 {
				more = true
				return false
			}
			rows = append(rows, rec)
			lastID = rec.ID()
			size += recSize
			count++
			return true
		})
		return rows, lastID, more, false, nil
	case backend.Database:
		rows, lastID, retried, err = s.db.SelectAfter(s.lastIDSent, limit)
		if err != nil {
			s.handleID--
			return nil, 0, false, false, err
		}
		more = len(rows) == limit
		var size uint64
		for i, rec := range rows {
			recSize := rec.EstimatedSize()
			if size+recSize > sizeLimit && i > 0 {
				rows = rows[:i]
				lastID = rows[i-1].ID()
				more = true
				break
			}
			size += recSize
		}
		return rows, lastID, more, retried, nil
	default:
		s.handleID--
		return nil, 0, false, false, fmt.Errorf("recordstore: unknown backend %v", src)
	}
}

// SetLastID acknowledges delivery up to id: for a memory source it frees
// every record with id <= given from the arena and the list; for a
// database source it advances (and persists) the lastid_sent cursor.
// Either way it releases one outstanding handle.
func (s *Store[T]) SetLastID(id uint64, src backend.Backend) error {
	if s.handleID > 0 {
		s.handleID--
	}
	switch src {
	case backend.Memory:
		for {
			rec, ok := s.mem.PeekFront()
			if !ok || rec.ID() > id {
				break
			}
			s.mem.PopFront()
			s.arena.Free(rec.EstimatedSize())
		}
		s.lastIDSent = id
		return nil
	case backend.Database:
		if err := s.db.SetLastID(s.tableName, s.lastField, id); err != nil {
			return err
		}
		s.lastIDSent = id
		return nil
	default:
		return fmt.Errorf("recordstore: unknown backend %v", src)
	}
}

// Clear frees every memory record with id <= upToID. Passing
// math.MaxUint64 clears the whole list, as flush does after a successful
// commit.
func (s *Store[T]) Clear(upToID uint64) {
	for {
		rec, ok := s.mem.PeekFront()
		if !ok || rec.ID() > upToID {
			return
		}
		s.mem.PopFront()
		s.arena.Free(rec.EstimatedSize())
	}
}

// Flush copies every memory record into the database table, in insertion
// order, in a single transaction; on success it clears the memory list
// entirely.
func (s *Store[T]) Flush() error {
	var ids []uint64
	var rows []T
	s.mem.Each(func(rec T) bool {
		ids = append(ids, rec.ID())
		rows = append(rows, rec)
		return true
	})
	if len(rows) == 0 {
		return nil
	}
	if err := s.db.InsertBatch(ids, rows); err != nil {
		return err
	}
	if last := ids[len(ids)-1]; last > s.lastIDDB {
		s.lastIDDB = last
	}
	s.Clear(^uint64(0))
	return nil
}

// TrimOlderThan deletes persisted rows older than cutoff (epoch seconds),
// enforcing the offline_buffer retention window. It only
// touches the database table; in-memory rows are never subject to this
// trim since arena pressure already bounds their age via eviction.
func (s *Store[T]) TrimOlderThan(cutoff int64) (int, error) {
	return s.db.TrimOlderThan(cutoff, func(r T) int64 { return r.Clock() })
}

// FlushLastID persists the in-memory lastid_sent cursor to the database's
// ids table, used when transitioning out of MemoryToDatabase (pb_flush_lastids).
func (s *Store[T]) FlushLastID() error {
	if s.lastIDSent == 0 {
		return nil
	}
	return s.db.SetLastID(s.tableName, s.lastField, s.lastIDSent)
}

// PeekClock and EvictOldest implement internal/eviction.Front.
func (s *Store[T]) PeekClock() (int64, bool) {
	rec, ok := s.mem.PeekFront()
	if !ok {
		var zero int64
		return zero, false
	}
	return rec.Clock(), true
}

func (s *Store[T]) EvictOldest() (uint64, bool) {
	rec, ok := s.mem.PopFront()
	if !ok {
		return 0, false
	}
	size := rec.EstimatedSize()
	s.arena.Free(size)
	return size, true
}

// OldestAge returns the age (now minus clock, in seconds) of the oldest
// in-memory record and whether one exists, used by the memory-age
// state-transition trigger.
func (s *Store[T]) OldestAge(now int64) (age int64, ok bool) {
	clock, ok := s.PeekClock()
	if !ok {
		return 0, false
	}
	return now - clock, true
}
