// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package manifold is an embedded key-value storage engine built around
// column families: multiple independently-writable, ACID-transactional
// key-value stores co-located in a single physical file, backed by a shared
// write-ahead log with group commit.
//
// One writer per column family makes progress concurrently with writers on
// other column families; within a column family reads are MVCC snapshots
// that never block the writer.
package manifold

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dreamsxin/manifold/backend"
	"github.com/dreamsxin/manifold/engine"
	"github.com/dreamsxin/manifold/header"
	"github.com/dreamsxin/manifold/types"
	"github.com/dreamsxin/manifold/wal"
)

// Database is a handle to an open column family database. It is safe for
// concurrent use.
type Database struct {
	path   string
	cfg    config
	logger log.Logger

	metrics *dbMetrics

	// be is the locked backend used for the master header. Per-column-
	// family I/O goes through pooled unlocked handles instead.
	be *backend.FileBackend

	// allocMu is the file-global allocation lock: it serializes segment
	// placement and every master-header rewrite.
	allocMu sync.Mutex
	hdr     *header.MasterHeader

	pool *handlePool

	// journal and checkpointer are nil when the WAL is disabled
	// (pool size 0); commits then fsync their column family in place.
	journal      *wal.Journal
	checkpointer *wal.Checkpointer

	// cfs holds an immutable snapshot of the column family states so
	// lookups take no lock. cfMu serializes mutation.
	cfMu sync.Mutex
	cfs  atomic.Value // *immutable.SortedMap[string, *columnFamilyState]

	closed atomic.Bool
}

// Open opens or creates the database at path. The WAL journal lives beside
// it at path + ".wal".
func Open(path string, opts ...Option) (*Database, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	db := &Database{
		path:   path,
		cfg:    cfg,
		logger: cfg.logger,
	}
	db.metrics = newDBMetrics(cfg.reg)

	be, err := backend.OpenFileBackend(path)
	if err != nil {
		return nil, err
	}
	db.be = be

	size, err := be.Len()
	if err != nil {
		be.Close()
		return nil, err
	}
	if size == 0 {
		db.hdr = header.NewMasterHeader()
		if err := db.hdr.Store(be); err != nil {
			be.Close()
			return nil, err
		}
	} else {
		db.hdr, err = header.Load(be)
		if err != nil {
			be.Close()
			return nil, err
		}
	}

	db.pool = newHandlePool(path, cfg.poolSize, db.evictColumnFamily)
	db.pool.acquisitions = db.metrics.poolAcquisitions.Inc
	db.pool.evictions = db.metrics.poolEvictions.Inc

	m := immutable.NewSortedMap[string, *columnFamilyState](nil)
	for _, meta := range db.hdr.ColumnFamilies {
		m = m.Set(meta.Name, &columnFamilyState{name: meta.Name, db: db})
	}
	db.cfs.Store(m)

	// pool size 0 is a sentinel that also disables the WAL: commits then
	// pay a per-transaction fsync instead of joining a group commit.
	if cfg.poolSize > 0 {
		wbe, err := backend.OpenFileBackend(path + ".wal")
		if err != nil {
			be.Close()
			return nil, err
		}
		j, err := wal.Open(wbe, wal.Config{
			Logger:        log.With(db.logger, "component", "journal"),
			FlushInterval: cfg.flushInterval,
			Metrics:       db.metrics.wal,
		})
		if err != nil {
			wbe.Close()
			be.Close()
			return nil, err
		}
		db.journal = j

		if err := db.replayJournal(); err != nil {
			j.Close()
			be.Close()
			return nil, err
		}

		db.checkpointer = wal.StartCheckpointer(j, wal.CheckpointConfig{
			Interval:   cfg.checkpointInterval,
			MaxWALSize: cfg.maxWALSize,
			Logger:     log.With(db.logger, "component", "checkpoint"),
			Metrics:    db.metrics.checkpoint,
		}, db.checkpointTargets)
	}

	return db, nil
}

// replayJournal applies recovered WAL entries to their column families'
// in-memory state. The flushes that make them redundant happen at the next
// checkpoint, which then advances oldest_seq.
func (db *Database) replayJournal() error {
	entries, tailTorn := db.journal.PendingReplay()
	if tailTorn {
		db.metrics.walTornTails.Inc()
		level.Warn(db.logger).Log("msg", "journal had a torn tail", "err", types.ErrWALTailTorn)
	}
	for _, e := range entries {
		st, ok := db.lookupState(e.ColumnFamily)
		if !ok {
			// The column family was dropped after this commit.
			level.Warn(db.logger).Log("msg", "skipping journal entry for unknown column family",
				"cf", e.ColumnFamily, "seq", e.Sequence)
			continue
		}
		eng, err := st.ensureEngine()
		if err != nil {
			return fmt.Errorf("materializing %q for replay: %w", e.ColumnFamily, err)
		}
		eng.ApplyCommitRecord(e.Record)
		db.metrics.walReplayed.Inc()
	}
	if len(entries) > 0 {
		level.Info(db.logger).Log("msg", "journal replay complete", "entries", len(entries))
	}
	return nil
}

func (db *Database) lookupState(name string) (*columnFamilyState, bool) {
	m := db.cfs.Load().(*immutable.SortedMap[string, *columnFamilyState])
	return m.Get(name)
}

// evictColumnFamily is the pool's eviction callback.
func (db *Database) evictColumnFamily(name string) {
	if st, ok := db.lookupState(name); ok {
		st.evictEngine()
	}
}

// checkpointTargets enumerates the currently materialized engines.
func (db *Database) checkpointTargets() []wal.CheckpointTarget {
	var out []wal.CheckpointTarget
	m := db.cfs.Load().(*immutable.SortedMap[string, *columnFamilyState])
	it := m.Iterator()
	for !it.Done() {
		_, st, _ := it.Next()
		if e := st.currentEngine(); e != nil {
			out = append(out, e)
		}
	}
	return out
}

// SubmitCommit implements engine.CommitSink by appending to the shared
// journal. Pending background checkpoint errors surface here, on the next
// foreground operation touching the WAL.
func (db *Database) SubmitCommit(cfName string, rec *types.CommitRecord, wait bool) error {
	if db.closed.Load() {
		return types.ErrClosed
	}
	if db.checkpointer != nil {
		if err := db.checkpointer.TakeError(); err != nil {
			return fmt.Errorf("background checkpoint failed: %w", err)
		}
	}
	return db.journal.Append(cfName, rec, wait)
}

// segmentSnapshot returns a copy of the named column family's segment list
// and its target segment size.
func (db *Database) segmentSnapshot(name string) ([]types.Segment, uint64, error) {
	db.allocMu.Lock()
	defer db.allocMu.Unlock()
	meta := db.hdr.Find(name)
	if meta == nil {
		return nil, 0, fmt.Errorf("%w: column family %q", types.ErrNotFound, name)
	}
	segs := make([]types.Segment, len(meta.Segments))
	copy(segs, meta.Segments)
	return segs, meta.SegmentSize, nil
}

// expansionFunc builds the named column family's segment expansion
// callback: place a new segment at end of file (or reuse a retired one),
// record it in the metadata and rewrite the master header, all under the
// file-global allocation lock.
func (db *Database) expansionFunc(name string) backend.ExpandFunc {
	return func(shortfall uint64) (types.Segment, error) {
		db.allocMu.Lock()
		defer db.allocMu.Unlock()

		meta := db.hdr.Find(name)
		if meta == nil {
			return types.Segment{}, fmt.Errorf("%w: column family %q", types.ErrNotFound, name)
		}
		seg, reused, err := db.placeSegmentLocked(shortfall)
		if err != nil {
			return types.Segment{}, err
		}
		meta.Segments = append(meta.Segments, seg)
		if err := db.hdr.Store(db.be); err != nil {
			// Undo the in-memory mutations so no partial state leaks.
			meta.Segments = meta.Segments[:len(meta.Segments)-1]
			if reused {
				db.hdr.FreeSegments = append(db.hdr.FreeSegments, seg)
			}
			return types.Segment{}, err
		}
		db.metrics.segmentExpansions.Inc()
		return seg, nil
	}
}

// placeSegmentLocked reuses a retired segment of sufficient size or grows
// the file by length bytes at its end. Callers hold allocMu.
func (db *Database) placeSegmentLocked(length uint64) (types.Segment, bool, error) {
	if seg, ok := db.hdr.TakeFreeSegment(length); ok {
		return seg, true, nil
	}
	end := db.hdr.EndOfSegments()
	seg := types.Segment{Offset: end, Length: length}
	if err := db.be.SetLen(end + length); err != nil {
		return types.Segment{}, false, err
	}
	return seg, false, nil
}

// CreateColumnFamily creates a new column family. segmentSize 0 selects the
// database default. Names must be unique among live column families.
func (db *Database) CreateColumnFamily(name string, segmentSize uint64) (*ColumnFamily, error) {
	if db.closed.Load() {
		return nil, types.ErrClosed
	}
	if len(name) == 0 || len(name) > header.MaxNameLen {
		return nil, fmt.Errorf("%w: column family name length %d", types.ErrInvalidArgument, len(name))
	}
	if segmentSize == 0 {
		segmentSize = db.cfg.segmentSize
	}

	db.cfMu.Lock()
	defer db.cfMu.Unlock()
	if _, ok := db.lookupState(name); ok {
		return nil, fmt.Errorf("%w: column family %q", types.ErrAlreadyExists, name)
	}

	db.allocMu.Lock()
	seg, reused, err := db.placeSegmentLocked(segmentSize)
	if err != nil {
		db.allocMu.Unlock()
		return nil, err
	}
	meta := &types.ColumnFamilyMeta{
		Name:        name,
		Segments:    []types.Segment{seg},
		SegmentSize: segmentSize,
	}
	db.hdr.Add(meta)
	if err := db.hdr.Store(db.be); err != nil {
		// Drop returns the segment to the free list; the file growth,
		// if any, stays reusable.
		db.hdr.Drop(name)
		db.allocMu.Unlock()
		return nil, err
	}
	_ = reused
	db.allocMu.Unlock()

	st := &columnFamilyState{name: name, db: db}
	m := db.cfs.Load().(*immutable.SortedMap[string, *columnFamilyState])
	db.cfs.Store(m.Set(name, st))
	db.metrics.cfCreated.Inc()
	return &ColumnFamily{state: st}, nil
}

// ColumnFamily returns a handle to the named live column family.
func (db *Database) ColumnFamily(name string) (*ColumnFamily, error) {
	if db.closed.Load() {
		return nil, types.ErrClosed
	}
	st, ok := db.lookupState(name)
	if !ok {
		return nil, fmt.Errorf("%w: column family %q", types.ErrNotFound, name)
	}
	return &ColumnFamily{state: st}, nil
}

// ColumnFamilyOrCreate returns the named column family, creating it with
// the default segment size if absent.
func (db *Database) ColumnFamilyOrCreate(name string) (*ColumnFamily, error) {
	cf, err := db.ColumnFamily(name)
	if err == nil {
		return cf, nil
	}
	cf, err = db.CreateColumnFamily(name, 0)
	if err != nil && errors.Is(err, types.ErrAlreadyExists) {
		return db.ColumnFamily(name)
	}
	return cf, err
}

// DropColumnFamily retires the named column family. It blocks until no read
// transaction pins the column family, then removes its metadata and marks
// its segments free for reuse. The name can be created again afterwards.
func (db *Database) DropColumnFamily(name string) error {
	if db.closed.Load() {
		return types.ErrClosed
	}
	db.cfMu.Lock()
	st, ok := db.lookupState(name)
	if !ok {
		db.cfMu.Unlock()
		return fmt.Errorf("%w: column family %q", types.ErrNotFound, name)
	}
	m := db.cfs.Load().(*immutable.SortedMap[string, *columnFamilyState])
	db.cfs.Store(m.Delete(name))
	db.cfMu.Unlock()

	// Refuse new transactions first, then wait out the read transactions
	// already pinning the column family.
	st.mu.Lock()
	st.dropped = true
	st.mu.Unlock()
	db.pool.waitUnpinned(name)

	st.mu.Lock()
	if st.engine != nil {
		st.engine.Close()
		st.engine = nil
	}
	st.mu.Unlock()
	db.pool.remove(name)

	db.allocMu.Lock()
	defer db.allocMu.Unlock()
	if !db.hdr.Drop(name) {
		return fmt.Errorf("%w: column family %q", types.ErrNotFound, name)
	}
	if err := db.hdr.Store(db.be); err != nil {
		return err
	}
	db.metrics.cfDropped.Inc()
	return nil
}

// ListColumnFamilies returns the live column family names in sorted order.
func (db *Database) ListColumnFamilies() []string {
	m := db.cfs.Load().(*immutable.SortedMap[string, *columnFamilyState])
	out := make([]string, 0, m.Len())
	it := m.Iterator()
	for !it.Done() {
		name, _, _ := it.Next()
		out = append(out, name)
	}
	return out
}

// Checkpoint forces a checkpoint now: dirty column families flush their
// pages and the journal's oldest_seq advances.
func (db *Database) Checkpoint() error {
	if db.closed.Load() {
		return types.ErrClosed
	}
	if db.checkpointer != nil {
		return db.checkpointer.Checkpoint()
	}
	for _, t := range db.checkpointTargets() {
		if err := t.Checkpoint(); err != nil {
			return err
		}
	}
	return nil
}

// Close checkpoints, stops the background workers, flushes every engine and
// closes the files. The handle is unusable afterwards.
func (db *Database) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	var firstErr error
	if db.checkpointer != nil {
		if err := db.checkpointer.Checkpoint(); err != nil && firstErr == nil {
			firstErr = err
		}
		db.checkpointer.Stop()
	}

	// Engines flush any remaining unsynced state as they close. The state
	// sweep after the pool flush catches engines whose pool entry was
	// already gone.
	db.pool.evictAll()
	m := db.cfs.Load().(*immutable.SortedMap[string, *columnFamilyState])
	it := m.Iterator()
	for !it.Done() {
		_, st, _ := it.Next()
		st.evictEngine()
	}

	if db.journal != nil {
		if err := db.journal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := db.be.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Path returns the database file path.
func (db *Database) Path() string {
	return db.path
}
