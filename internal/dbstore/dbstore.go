// Package dbstore implements the physical database access layer contract
// the buffer consumes (select / select_n / fetch / begin / commit /
// execute) against the proxy_history, proxy_dhistory, proxy_autoreg_host,
// and ids tables.
//
// bbolt backs this layer; its ordered-key buckets map directly onto
// "select id > cursor order by id ascending" without needing a SQL
// driver: big-endian uint64 keys sort lexically in the same order they
// sort numerically, so a bucket cursor seeked to cursor+1 already walks
// rows in id order.
package dbstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrDBDown is returned when a transaction cannot be started or committed.
// The buffer's flush loop (pbuffer's flushWithRetry) treats it as transient
// and retries.
var ErrDBDown = errors.New("db-down")

var idsBucket = []byte("ids")

// Store opens and owns the bbolt file backing every table the buffer needs.
type Store struct {
	db *bolt.DB
}

// Open creates/opens the bbolt-backed database at path, ensuring the ids
// bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open db store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(idsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create ids bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying bbolt file.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetLastID reads the persisted lastid_sent cursor for (table, field) from
// the ids table.
func (s *Store) GetLastID(table, field string) (uint64, error) {
	var id uint64
	key := idsKey(table, field)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(idsBucket)
		v := b.Get(key)
		if v == nil {
			return nil
		}
		id = binary.BigEndian.Uint64(v)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: get lastid: %v", ErrDBDown, err)
	}
	return id, nil
}

// SetLastID persists the lastid_sent cursor for (table, field), upserting
// the ids row.
func (s *Store) SetLastID(table, field string, id uint64) error {
	key := idsKey(table, field)
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(idsBucket)
		return b.Put(key, buf)
	})
	if err != nil {
		return fmt.Errorf("%w: set lastid: %v", ErrDBDown, err)
	}
	return nil
}

func idsKey(table, field string) []byte {
	return []byte(table + "/" + field)
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// Table is a generic view over one of the row tables (proxy_history,
// proxy_dhistory, proxy_autoreg_host), keyed by ascending id.
type Table[T any] struct {
	store  *Store
	bucket []byte
	encode func(T) ([]byte, error)
	decode func([]byte) (T, error)
}

// NewTable opens (creating if absent) the named bucket as a Table[T],
// using encode/decode to (de)serialize rows.
func NewTable[T any](s *Store, name string, encode func(T) ([]byte, error), decode func([]byte) (T, error)) (*Table[T], error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create bucket %s: %v", ErrDBDown, name, err)
	}
	return &Table[T]{store: s, bucket: []byte(name), encode: encode, decode: decode}, nil
}

// InsertBatch writes rows keyed by id in a single transaction, matching the
// "batch-insert into the persistent table" contract.
func (t *Table[T]) InsertBatch(ids []uint64, rows []T) error {
	err := t.store.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(t.bucket)
		for i, row := range rows {
			v, err := t.encode(row)
			if err != nil {
				return err
			}
			if err := b.Put(itob(ids[i]), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: insert batch into %s: %v", ErrDBDown, string(t.bucket), err)
	}
	return nil
}

// gapWait is the fixed delay the gap-tolerant reader waits out before its
// single retry; overridden by tests.
var gapWait = 100 * time.Millisecond

// SelectAfter returns up to limit rows with id > cursor in ascending id
// order. If the first row found jumps by more than 1 past cursor, it waits
// out gapWait and retries exactly once before proceeding with whatever is
// present; missed ids are never reconsidered. retried reports whether the
// wait-and-retry fired, for metrics.
func (t *Table[T]) SelectAfter(cursor uint64, limit int) (rows []T, lastID uint64, retried bool, err error) {
	rows, lastID, gap, err := t.selectAfterOnce(cursor, limit)
	if err != nil {
		return nil, 0, false, err
	}
	if gap {
		time.Sleep(gapWait)
		rows, lastID, _, err = t.selectAfterOnce(cursor, limit)
		if err != nil {
			return nil, 0, false, err
		}
		retried = true
	}
	return rows, lastID, retried, nil
}

func (t *Table[T]) selectAfterOnce(cursor uint64, limit int) (rows []T, lastID uint64, gap bool, err error) {
	err = t.store.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(t.bucket)
		c := b.Cursor()
		first := true
		for k, v := c.Seek(itob(cursor + 1)); k != nil && len(rows) < limit; k, v = c.Next() {
			id := btoi(k)
			if first {
				if id > cursor+1 {
					gap = true
				}
				first = false
			}
			row, derr := t.decode(v)
			if derr != nil {
				return derr
			}
			rows = append(rows, row)
			lastID = id
		}
		return nil
	})
	if err != nil {
		return nil, 0, false, fmt.Errorf("%w: select after %d from %s: %v", ErrDBDown, cursor, string(t.bucket), err)
	}
	return rows, lastID, gap, nil
}

// MaxID returns the greatest id stored in the table, or 0 if it is empty,
// used to seed a store's nextid/lastid_db cursors at startup.
func (t *Table[T]) MaxID() (uint64, error) {
	var max uint64
	err := t.store.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(t.bucket)
		k, _ := b.Cursor().Last()
		if k != nil {
			max = btoi(k)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: max id in %s: %v", ErrDBDown, string(t.bucket), err)
	}
	return max, nil
}

// HasUnsent reports whether any row exists with id greater than the
// persisted lastid_sent cursor, used by the hybrid-mode bootstrap probe
// (ported from pb_has_history).
func (t *Table[T]) HasUnsent(lastSent uint64) (bool, error) {
	found := false
	err := t.store.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(t.bucket)
		c := b.Cursor()
		k, _ := c.Seek(itob(lastSent + 1))
		found = k != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: has unsent in %s: %v", ErrDBDown, string(t.bucket), err)
	}
	return found, nil
}

// TrimOlderThan deletes rows whose clock (passed per-row via clockOf) is
// older than cutoff, enforcing the offline_buffer retention window.
func (t *Table[T]) TrimOlderThan(cutoff int64, clockOf func(T) int64) (int, error) {
	removed := 0
	err := t.store.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(t.bucket)
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			row, err := t.decode(v)
			if err != nil {
				return err
			}
			if clockOf(row) < cutoff {
				key := append([]byte(nil), k...)
				toDelete = append(toDelete, key)
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: trim %s: %v", ErrDBDown, string(t.bucket), err)
	}
	return removed, nil
}
