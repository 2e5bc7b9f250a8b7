// Package pbuffer implements the proxy data buffer's public API and
// locking discipline: a single Buffer value wraps the state machine, the
// shared memory arena, and the three per-record-type stores behind one
// coarse mutex - it guards the state, all cursors, all three lists, and
// changes_num.
package pbuffer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/denser/pbuffer/internal/arena"
	"github.com/denser/pbuffer/internal/backend"
	"github.com/denser/pbuffer/internal/dbstore"
	"github.com/denser/pbuffer/internal/eviction"
	"github.com/denser/pbuffer/internal/fsm"
	"github.com/denser/pbuffer/internal/recordstore"
	"github.com/denser/pbuffer/pkg/log"
	"github.com/denser/pbuffer/pkg/metrics"
	"github.com/denser/pbuffer/pkg/record"
	"github.com/denser/pbuffer/pkg/wire"
)

const (
	historyTable   = "proxy_history"
	historyField   = "history_lastid"
	discoveryTable = "proxy_dhistory"
	discoveryField = "dhistory_lastid"
	autoregTable   = "proxy_autoreg_host"
	autoregField   = "autoreg_host_lastid"
)

// Config carries the four operating parameters exposed as config knobs,
// plus the database file location.
type Config struct {
	Mode          Mode
	SizeBytes     uint64
	MaxAge        time.Duration
	OfflineBuffer time.Duration
	DBPath        string
}

// Buffer is the proxy data buffer: one shared arena, one state machine, and
// three record stores (history, discovery, autoreg), all serialized by mu.
type Buffer struct {
	mu sync.Mutex

	id       uuid.UUID
	mode     Mode
	maxAge   time.Duration
	offline  time.Duration
	disabled bool

	// disabledFlag mirrors disabled for GetStateInfo's lock-free fast path,
	// the same way zbx_pb_get_state_info checks a NULL mutex before ever
	// touching the guarded state.
	disabledFlag atomic.Bool

	arena *arena.Arena
	fsm   *fsm.FSM
	db    *dbstore.Store

	history   *recordstore.Store[*record.History]
	discovery *recordstore.Store[*record.Discovery]
	autoreg   *recordstore.Store[*record.Autoreg]

	log zerolog.Logger
}

// Init opens the database, wires the three record stores to the shared
// arena, runs the hybrid bootstrap probe, and returns a ready Buffer.
func Init(cfg Config) (*Buffer, error) {
	db, err := dbstore.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("pbuffer: init: %w", err)
	}

	historyDB, err := dbstore.NewTable(db, historyTable, encodeJSON[*record.History], decodeJSON[*record.History])
	if err != nil {
		return nil, fmt.Errorf("pbuffer: init: %w", err)
	}
	discoveryDB, err := dbstore.NewTable(db, discoveryTable, encodeJSON[*record.Discovery], decodeJSON[*record.Discovery])
	if err != nil {
		return nil, fmt.Errorf("pbuffer: init: %w", err)
	}
	autoregDB, err := dbstore.NewTable(db, autoregTable, encodeJSON[*record.Autoreg], decodeJSON[*record.Autoreg])
	if err != nil {
		return nil, fmt.Errorf("pbuffer: init: %w", err)
	}

	a := arena.New(cfg.SizeBytes)

	id := uuid.New()
	b := &Buffer{
		id:      id,
		mode:    cfg.Mode,
		maxAge:  cfg.MaxAge,
		offline: cfg.OfflineBuffer,
		arena:   a,
		db:      db,
		log:     log.WithComponent("pbuffer").With().Str("instance_id", id.String()).Logger(),
	}

	b.history = recordstore.New[*record.History](record.TypeHistory, a, historyDB, historyTable, historyField, b.evict)
	b.discovery = recordstore.New[*record.Discovery](record.TypeDiscovery, a, discoveryDB, discoveryTable, discoveryField, b.evict)
	b.autoreg = recordstore.New[*record.Autoreg](record.TypeAutoreg, a, autoregDB, autoregTable, autoregField, b.evict)

	historyUnsent, err := loadStoreCursors(db, historyDB, b.history, historyTable, historyField)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pbuffer: init: %w", err)
	}
	discoveryUnsent, err := loadStoreCursors(db, discoveryDB, b.discovery, discoveryTable, discoveryField)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pbuffer: init: %w", err)
	}
	autoregUnsent, err := loadStoreCursors(db, autoregDB, b.autoreg, autoregTable, autoregField)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pbuffer: init: %w", err)
	}

	initial := fsm.Database
	switch cfg.Mode {
	case Memory:
		initial = fsm.Memory
	case Hybrid:
		// pb_has_history: start serving from the database if anything is
		// left unsent there; otherwise memory is already caught up and the
		// buffer can start routing straight to memory.
		if !historyUnsent && !discoveryUnsent && !autoregUnsent {
			initial = fsm.Memory
		}
	}
	b.fsm = fsm.New(initial)

	metrics.MemoryTotalBytes.Set(float64(cfg.SizeBytes))
	b.reportGauges()

	b.log.Info().Str("mode", cfg.Mode.String()).Str("state", initial.String()).Msg("buffer initialized")
	return b, nil
}

// evict is the shared eviction.Evictor passed to every store: it frees
// target bytes from whichever of the three stores holds the globally
// oldest front record, in history, discovery, autoreg tie-break order.
func (b *Buffer) evict(target uint64) (uint64, bool) {
	freed, evicted, ok := eviction.FreeSpace(target, b.history, b.discovery, b.autoreg)
	types := [...]record.Type{record.TypeHistory, record.TypeDiscovery, record.TypeAutoreg}
	for i, n := range evicted {
		if n > 0 {
			metrics.EvictionsTotal.WithLabelValues(string(types[i])).Add(float64(n))
		}
	}
	return freed, ok
}

// ID returns the buffer instance's generated identifier, used to tag
// logs and metrics scraped from multiple proxy processes.
func (b *Buffer) ID() string { return b.id.String() }

// Close releases the underlying database handle.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.Close()
}

// AddHistory, AddDiscovery, and AddAutoreg append a record, assigning its
// id and routing it to whichever backend the state machine currently
// names as the write destination.
func (b *Buffer) AddHistory(rec *record.History) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return addRecord(b, b.history, rec)
}

func (b *Buffer) AddDiscovery(rec *record.Discovery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return addRecord(b, b.discovery, rec)
}

func (b *Buffer) AddAutoreg(rec *record.Autoreg) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return addRecord(b, b.autoreg, rec)
}

// GetHistory, GetDiscovery, and GetAutoreg return up to limit rows (or
// until sizeLimit estimated bytes is reached) from whichever backend the
// state machine currently names as the read source. more reports whether
// additional rows remain past what was returned.
func (b *Buffer) GetHistory(limit int, sizeLimit uint64) (rows []*record.History, lastID uint64, more bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return getRows(b, b.history, limit, sizeLimit)
}

func (b *Buffer) GetDiscovery(limit int, sizeLimit uint64) (rows []*record.Discovery, lastID uint64, more bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return getRows(b, b.discovery, limit, sizeLimit)
}

func (b *Buffer) GetAutoreg(limit int, sizeLimit uint64) (rows []*record.Autoreg, lastID uint64, more bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return getRows(b, b.autoreg, limit, sizeLimit)
}

// SerializeHistory, SerializeDiscovery, and SerializeAutoreg are the
// upload-ready equivalents of their Get* counterparts: the same rows, but
// encoded as the wire array-of-objects payload with any field matching
// its schema-declared default elided first.
func (b *Buffer) SerializeHistory(limit int, sizeLimit uint64) (payload []byte, lastID uint64, more bool, err error) {
	rows, lastID, more, err := b.GetHistory(limit, sizeLimit)
	if err != nil {
		return nil, 0, false, err
	}
	payload, err = wireEncode(record.TypeHistory, "history", rows)
	return payload, lastID, more, err
}

func (b *Buffer) SerializeDiscovery(limit int, sizeLimit uint64) (payload []byte, lastID uint64, more bool, err error) {
	rows, lastID, more, err := b.GetDiscovery(limit, sizeLimit)
	if err != nil {
		return nil, 0, false, err
	}
	payload, err = wireEncode(record.TypeDiscovery, "discovery", rows)
	return payload, lastID, more, err
}

func (b *Buffer) SerializeAutoreg(limit int, sizeLimit uint64) (payload []byte, lastID uint64, more bool, err error) {
	rows, lastID, more, err := b.GetAutoreg(limit, sizeLimit)
	if err != nil {
		return nil, 0, false, err
	}
	payload, err = wireEncode(record.TypeAutoreg, "autoreg", rows)
	return payload, lastID, more, err
}

// wireEncode builds the tagged array-of-objects payload the upload
// contract expects, eliding any field that matches rt's schema-declared
// default before it reaches the serializer.
func wireEncode[T record.Record](rt record.Type, tag string, rows []T) ([]byte, error) {
	s := wire.NewJSONSerializer()
	for _, row := range rows {
		s.AddObject(tag)
		for _, f := range record.ElideDefaults(rt, row.Fields()) {
			s.AddField(f.Name, f.Value)
		}
	}
	return s.Close(tag)
}

// SetLastIDHistory, SetLastIDDiscovery, and SetLastIDAutoreg acknowledge
// delivery up to id, releasing the checkout the matching Get* call opened.
func (b *Buffer) SetLastIDHistory(id uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.SetLastID(id, b.fsm.ReadSource())
}

func (b *Buffer) SetLastIDDiscovery(id uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.discovery.SetLastID(id, b.fsm.ReadSource())
}

func (b *Buffer) SetLastIDAutoreg(id uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.autoreg.SetLastID(id, b.fsm.ReadSource())
}

// addRecord performs one store's add, reacting to ErrNoMemory per mode:
// in Memory mode the record is dropped with a warning; in Hybrid mode the
// state machine is nudged into MemoryToDatabase and the add is retried
// once against the database. Disk mode never sees ErrNoMemory since its
// write destination is always Database.
func addRecord[T record.Record](b *Buffer, store *recordstore.Store[T], rec T) error {
	if b.mode != Disk {
		b.checkAgeTrigger()
	}
	dest := b.fsm.WriteDest()
	err := store.Add(rec, dest)
	if err == nil {
		metrics.AddedTotal.WithLabelValues(string(store.RecordType()), dest.String()).Inc()
		b.reportGauges()
		return nil
	}
	if !errors.Is(err, recordstore.ErrNoMemory) {
		return err
	}
	switch b.mode {
	case Memory:
		metrics.DroppedTotal.WithLabelValues(string(store.RecordType())).Inc()
		b.log.Warn().Str("record_type", string(store.RecordType())).Msg("memory arena full, record dropped")
		return nil
	case Hybrid:
		b.fsm.MemoryPressure()
		dest = b.fsm.WriteDest()
		if err := store.Add(rec, dest); err != nil {
			return err
		}
		metrics.AddedTotal.WithLabelValues(string(store.RecordType()), dest.String()).Inc()
		b.reportGauges()
		return nil
	default:
		return err
	}
}

func getRows[T record.Record](b *Buffer, store *recordstore.Store[T], limit int, sizeLimit uint64) ([]T, uint64, bool, error) {
	timer := metrics.NewTimer()
	src := b.fsm.ReadSource()
	rows, lastID, more, retried, err := store.GetRows(limit, sizeLimit, src)
	timer.ObserveDurationVec(metrics.GetRowsDuration, string(store.RecordType()))
	if retried {
		metrics.DBGapRetriesTotal.WithLabelValues(string(store.RecordType())).Inc()
	}
	if err != nil && errors.Is(err, dbstore.ErrDBDown) {
		b.log.Warn().Str("record_type", string(store.RecordType())).Msg("database unreachable during get_rows")
	}
	return rows, lastID, more, err
}

// checkAgeTrigger nudges the state machine out of Memory when the oldest
// in-memory record across all three stores has aged past max_age - the
// second Memory -> MemoryToDatabase trigger. It is checked on the add
// path since there is no background ticker in this single-process
// design.
func (b *Buffer) checkAgeTrigger() {
	if b.fsm.State() != fsm.Memory || b.maxAge <= 0 {
		return
	}
	now := time.Now().Unix()
	oldest, ok := oldestAge(now, b.history, b.discovery, b.autoreg)
	if ok && oldest > int64(b.maxAge.Seconds()) {
		b.fsm.MemoryPressure()
	}
}

type ager interface {
	OldestAge(now int64) (age int64, ok bool)
}

func oldestAge(now int64, stores ...ager) (int64, bool) {
	best := int64(-1)
	found := false
	for _, s := range stores {
		age, ok := s.OldestAge(now)
		if !ok {
			continue
		}
		if !found || age > best {
			best = age
			found = true
		}
	}
	return best, found
}

// UpdateState reports the outcome of the most recent get_rows call for
// every record type (noMoreData means every store's get came back empty)
// and lets the state machine advance accordingly.
func (b *Buffer) UpdateState(noMoreData bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mode == Disk || b.disabled {
		return nil
	}
	before := b.fsm.State()
	switch before {
	case fsm.MemoryToDatabase:
		if noMoreData {
			if err := b.flushLastIDs(); err != nil {
				return err
			}
			b.fsm.MemoryDrained()
		}
	case fsm.Database:
		if noMoreData {
			b.fsm.DatabaseDrained()
		}
	case fsm.DatabaseToMemory:
		if noMoreData && b.handlesIdle() && b.dbCaughtUp() {
			b.fsm.ReadyForMemory()
		}
	case fsm.Memory:
		// Pressure-driven transitions are handled from the add path.
	}
	if after := b.fsm.State(); after != before {
		metrics.StateChangesTotal.Inc()
		b.log.Info().Str("from", before.String()).Str("to", after.String()).Msg("state transition")
	}
	b.reportGauges()
	return nil
}

func (b *Buffer) handlesIdle() bool {
	return b.history.HandleID() == 0 && b.discovery.HandleID() == 0 && b.autoreg.HandleID() == 0
}

func (b *Buffer) dbCaughtUp() bool {
	return b.history.LastIDDB() <= b.history.LastIDSent() &&
		b.discovery.LastIDDB() <= b.discovery.LastIDSent() &&
		b.autoreg.LastIDDB() <= b.autoreg.LastIDSent()
}

func (b *Buffer) flushLastIDs() error {
	if err := b.history.FlushLastID(); err != nil {
		return err
	}
	if err := b.discovery.FlushLastID(); err != nil {
		return err
	}
	return b.autoreg.FlushLastID()
}

// Flush copies every in-memory record to the database and clears the
// memory lists, regardless of mode - matching the original's
// unconditional pb_flush behavior at shutdown. In Hybrid mode it also
// folds the state machine back to Database once the copy succeeds,
// matching the observable post-flush state.
func (b *Buffer) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FlushDuration)
	if err := b.flushWithRetry(); err != nil {
		return err
	}
	if b.mode == Hybrid {
		b.fsm.FallbackToDatabase()
		metrics.StateChangesTotal.Inc()
	}
	b.reportGauges()
	return nil
}

// maxFlushAttempts bounds the flush retry loop. The original retries
// indefinitely on db-down; an unbounded retry would make this buffer
// untestable, so attempts are capped and ErrDBDown is returned once
// exhausted instead of blocking forever.
const maxFlushAttempts = 5

func (b *Buffer) flushWithRetry() error {
	var err error
	for attempt := 0; attempt < maxFlushAttempts; attempt++ {
		if err = b.flushOnce(); err == nil {
			return nil
		}
		if !errors.Is(err, dbstore.ErrDBDown) {
			return err
		}
		b.log.Warn().Int("attempt", attempt+1).Msg("flush failed, database down, retrying")
		time.Sleep(gapRetryBackoff)
	}
	return err
}

var gapRetryBackoff = 100 * time.Millisecond

func (b *Buffer) flushOnce() error {
	if err := b.history.Flush(); err != nil {
		return err
	}
	if err := b.discovery.Flush(); err != nil {
		return err
	}
	return b.autoreg.Flush()
}

// FallbackToDatabase flushes memory to the database and forces the state
// machine back to Database, used when an external condition (e.g. the
// uploader reports a fatal send error) requires abandoning memory mode
// immediately.
func (b *Buffer) FallbackToDatabase(reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.flushWithRetry(); err != nil {
		return err
	}
	b.fsm.FallbackToDatabase()
	b.log.Warn().Str("reason", reason).Msg("falling back to database")
	b.reportGauges()
	return nil
}

// Disable pins the buffer to disk mode without flushing memory, ported
// from zbx_pb_disable. Once disabled, GetMemInfo reports ErrDisabled and
// GetStateInfo reports a zero-valued StateInfo.
func (b *Buffer) Disable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disabled = true
	b.disabledFlag.Store(true)
	b.mode = Disk
	b.fsm.Disable()
	b.log.Warn().Msg("buffer disabled, pinned to database")
}

// MemInfo reports the arena's configured and in-use byte counts.
type MemInfo struct {
	Total uint64
	Used  uint64
}

// GetMemInfo returns the arena's current usage, unavailable once the
// buffer is disabled or running in Disk mode (there is no arena to report
// on).
func (b *Buffer) GetMemInfo() (MemInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disabled || b.mode == Disk {
		return MemInfo{}, ErrDisabled
	}
	return MemInfo{Total: b.arena.TotalSize(), Used: b.arena.UsedSize()}, nil
}

// StateInfo mirrors get_state_info: whether writes currently route to
// memory, and the cumulative count of terminal-state transitions.
type StateInfo struct {
	MemoryIsDest bool
	ChangesNum   uint64
}

// GetStateInfo returns the state machine's write-destination flag and
// changes_num counter. Once the buffer is disabled it returns a
// zero-valued StateInfo without error and without acquiring mu, mirroring
// zbx_pb_get_state_info's NULL-mutex fast path.
func (b *Buffer) GetStateInfo() (StateInfo, error) {
	if b.disabledFlag.Load() {
		return StateInfo{}, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return StateInfo{
		MemoryIsDest: b.fsm.WriteDest() == backend.Memory,
		ChangesNum:   b.fsm.ChangesNum(),
	}, nil
}

// PruneOffline enforces the offline_buffer retention window by deleting
// database rows older than it (the offline_buffer knob). The pbufferd CLI
// does not call it.
func (b *Buffer) PruneOffline(now time.Time) (removed int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.offline <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-b.offline).Unix()
	n, err := b.history.TrimOlderThan(cutoff)
	if err != nil {
		return removed, err
	}
	removed += n
	n, err = b.discovery.TrimOlderThan(cutoff)
	if err != nil {
		return removed, err
	}
	removed += n
	n, err = b.autoreg.TrimOlderThan(cutoff)
	if err != nil {
		return removed, err
	}
	removed += n
	return removed, nil
}

func (b *Buffer) reportGauges() {
	metrics.MemoryUsedBytes.Set(float64(b.arena.UsedSize()))
	if b.fsm.WriteDest() == backend.Memory {
		metrics.State.Set(1)
	} else {
		metrics.State.Set(0)
	}
	metrics.QueueDepth.WithLabelValues(string(record.TypeHistory)).Set(float64(b.history.Len()))
	metrics.QueueDepth.WithLabelValues(string(record.TypeDiscovery)).Set(float64(b.discovery.Len()))
	metrics.QueueDepth.WithLabelValues(string(record.TypeAutoreg)).Set(float64(b.autoreg.Len()))
}

// loadStoreCursors seeds store's cursors from persisted state: nextid and
// lastid_db both start from the greatest id already present in the table
// (memory lists never survive a restart), lastid_sent from the ids table.
// It returns whether the table holds any row past lastid_sent, for the
// hybrid bootstrap probe.
func loadStoreCursors[T record.Record](db *dbstore.Store, table *dbstore.Table[T], store *recordstore.Store[T], tableName, field string) (unsent bool, err error) {
	maxID, err := table.MaxID()
	if err != nil {
		return false, err
	}
	lastSent, err := db.GetLastID(tableName, field)
	if err != nil {
		return false, err
	}
	store.LoadCursors(maxID, maxID, lastSent)
	return table.HasUnsent(lastSent)
}

func encodeJSON[T any](v T) ([]byte, error) { return json.Marshal(v) }

func decodeJSON[T any](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
