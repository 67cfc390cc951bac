// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package engine

import (
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dreamsxin/manifold/types"
)

// CommitSink receives serialized commit records for write-ahead logging.
// SubmitCommit appends the record; with wait set it blocks until the group
// fsync covering the record completes.
type CommitSink interface {
	SubmitCommit(cfName string, rec *types.CommitRecord, wait bool) error
}

// Engine is the transactional engine of one column family: a copy-on-write
// B-tree over the column family's virtual address space with MVCC snapshot
// reads and single-writer semantics.
type Engine struct {
	name   string
	b      types.StorageBackend
	logger log.Logger

	// sink is nil when the WAL is disabled; commits then fsync the column
	// family's own pages in place.
	sink CommitSink

	// writeMu serializes write transactions. Held from BeginWrite until
	// Commit or Abort.
	writeMu sync.Mutex

	state   atomic.Pointer[rootState]
	alloc   *allocator
	tracker *readTracker

	// dirty marks commits applied in memory but not yet fsynced into the
	// column family's pages; the checkpoint manager clears it.
	dirty atomic.Bool

	// slotMu guards the commit-slot flip.
	slotMu  sync.Mutex
	slotIdx int

	// freelistPages is the page chain holding the persisted freelist.
	freelistPages []uint64

	// onReadStart/onReadEnd let the owner pin the column family against
	// pool eviction while read transactions are open. onCommit observes
	// published commits.
	onReadStart func()
	onReadEnd   func()
	onCommit    func(types.Durability)

	closed atomic.Bool
}

// Options configures an engine.
type Options struct {
	Logger      log.Logger
	Sink        CommitSink
	OnReadStart func()
	OnReadEnd   func()
	OnCommit    func(types.Durability)
}

// Open materializes the engine for a column family from its virtual address
// space. A fresh (all-zero) space initializes empty; otherwise the newer
// valid commit slot is loaded.
func Open(name string, b types.StorageBackend, opts Options) (*Engine, error) {
	e := &Engine{
		name:        name,
		b:           b,
		logger:      opts.Logger,
		sink:        opts.Sink,
		tracker:     newReadTracker(),
		onReadStart: opts.OnReadStart,
		onReadEnd:   opts.OnReadEnd,
		onCommit:    opts.OnCommit,
	}
	if e.logger == nil {
		e.logger = log.NewNopLogger()
	}

	var (
		best    *rootState
		bestIdx int
	)
	for slot := 0; slot < 2; slot++ {
		buf := make([]byte, commitSlotLen)
		if err := b.ReadAt(buf, uint64(slot)*commitSlotSize); err != nil {
			return nil, err
		}
		s, err := decodeCommitSlot(buf)
		if err != nil {
			continue
		}
		if best == nil || s.generation > best.generation {
			best = s
			bestIdx = slot
		}
	}
	if best == nil {
		// Fresh column family.
		best = &rootState{generation: 1, nextPage: 1}
		bestIdx = 1 // first flush lands in slot 0
	}
	e.state.Store(best)
	e.slotIdx = bestIdx
	e.alloc = newAllocator(best.nextPage)

	if best.systemRoot != 0 {
		ids, chain, err := e.loadFreelist(best.systemRoot)
		if err != nil {
			return nil, err
		}
		e.alloc.loadFree(ids)
		e.freelistPages = chain
	}
	return e, nil
}

func (e *Engine) loadFreelist(head uint64) (ids, chain []uint64, err error) {
	for id := head; id != 0; {
		buf := make([]byte, PageSize)
		if err := e.readPage(id, buf); err != nil {
			return nil, nil, err
		}
		next, pageIDs, err := decodeFreelistPage(buf)
		if err != nil {
			return nil, nil, err
		}
		chain = append(chain, id)
		ids = append(ids, pageIDs...)
		id = next
	}
	return ids, chain, nil
}

// BeginWrite starts the column family's single write transaction. It blocks
// until any in-flight write transaction finishes.
func (e *Engine) BeginWrite() (*WriteTxn, error) {
	e.writeMu.Lock()
	if e.closed.Load() {
		e.writeMu.Unlock()
		return nil, types.ErrClosed
	}
	base := e.state.Load()
	return &WriteTxn{
		e:           e,
		base:        base,
		durability:  types.DurabilityImmediate,
		dirty:       make(map[uint64]*node),
		raw:         make(map[uint64][]byte),
		local:       make(map[uint64]struct{}),
		catalogRoot: base.userRoot,
		tables:      make(map[string]*Table),
	}, nil
}

// BeginRead captures the current committed root. It never blocks on the
// writer. The snapshot's generation is registered before use so the
// allocator cannot recycle its pages.
func (e *Engine) BeginRead() (*ReadTxn, error) {
	if e.closed.Load() {
		return nil, types.ErrClosed
	}
	for {
		s := e.state.Load()
		e.tracker.register(s.generation)
		// A commit may have published between the load and the
		// registration; re-check so the registered generation really
		// covers the snapshot.
		if cur := e.state.Load(); cur.generation == s.generation {
			if e.onReadStart != nil {
				e.onReadStart()
			}
			return &ReadTxn{e: e, state: s, cache: make(map[uint64]*node)}, nil
		}
		e.tracker.unregister(s.generation)
	}
}

func (e *Engine) endRead(gen uint64) {
	e.tracker.unregister(gen)
	oldest, have := e.tracker.oldest()
	e.alloc.reclaim(oldest, have)
	if e.onReadEnd != nil {
		e.onReadEnd()
	}
}

// commit runs under the write mutex held by t since BeginWrite. Nothing is
// published until the declared durability is satisfied; on error the caller
// aborts and no state changes.
func (e *Engine) commit(t *WriteTxn) error {
	if e.closed.Load() {
		return types.ErrClosed
	}

	// Fold the open tables' roots into the catalog tree.
	for name, tbl := range t.tables {
		ent := catalogEntry{
			root:      tbl.root,
			count:     tbl.count,
			keyType:   tbl.def.KeyType,
			valueType: tbl.def.ValueType,
		}
		newRoot, _, err := treeInsert(t, t.catalogRoot, []byte(name), leafValue{inline: ent.encode()})
		if err != nil {
			return err
		}
		t.catalogRoot = newRoot
	}

	// Write staged pages. New pages only: committed data is never
	// overwritten, so a crash before publish leaves the old root intact.
	for id, n := range t.dirty {
		if err := e.writePage(id, n.encode()); err != nil {
			return err
		}
	}
	for id, p := range t.raw {
		if err := e.writePage(id, p); err != nil {
			return err
		}
	}

	next, _ := e.alloc.highWater()
	newState := &rootState{
		generation: t.base.generation + 1,
		userRoot:   t.catalogRoot,
		systemRoot: t.base.systemRoot,
		nextPage:   next,
	}

	if e.sink == nil {
		// WAL disabled: durability comes from syncing the column
		// family's own pages and commit slot per transaction.
		if err := e.flushState(newState); err != nil {
			return err
		}
	} else if t.durability != types.DurabilityNone {
		rec := &types.CommitRecord{
			UserRoot:       newState.userRoot,
			SystemRoot:     newState.systemRoot,
			NextPage:       newState.nextPage,
			AllocatedPages: t.allocated,
			FreedPages:     t.freed,
			Durability:     t.durability,
		}
		wait := t.durability == types.DurabilityImmediate
		if err := e.sink.SubmitCommit(e.name, rec, wait); err != nil {
			return err
		}
		e.dirty.Store(true)
	} else {
		e.dirty.Store(true)
	}

	// Publish: subsequent BeginRead calls observe the new root.
	e.state.Store(newState)
	e.alloc.freePending(newState.generation, t.freed)
	oldest, have := e.tracker.oldest()
	e.alloc.reclaim(oldest, have)
	if e.onCommit != nil {
		e.onCommit(t.durability)
	}
	e.writeMu.Unlock()
	return nil
}

// flushState writes newState into the non-current commit slot and syncs the
// backing file, flipping the slot only after the sync succeeds.
func (e *Engine) flushState(s *rootState) error {
	e.slotMu.Lock()
	defer e.slotMu.Unlock()
	target := e.slotIdx ^ 1
	if err := e.b.WriteAt(encodeCommitSlot(s), uint64(target)*commitSlotSize); err != nil {
		return err
	}
	if err := e.b.SyncData(); err != nil {
		return err
	}
	e.slotIdx = target
	return nil
}

// Checkpoint persists the in-memory committed state: it rewrites the
// freelist chain, writes a commit slot carrying the current roots and syncs
// the file. After a successful checkpoint the WAL no longer owes this column
// family anything.
func (e *Engine) Checkpoint() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.closed.Load() {
		return types.ErrClosed
	}
	if !e.dirty.Load() {
		return nil
	}
	s := e.state.Load()

	// Persist the freelist: everything free or pending, plus the old
	// chain itself, written into fresh pages taken from the high-water
	// mark so the snapshot is not disturbed.
	next, ids := e.alloc.snapshot()
	ids = append(ids, e.freelistPages...)
	var (
		chain []uint64
		head  uint64
	)
	if len(ids) > 0 {
		nPages := (len(ids) + freelistPageCapacity - 1) / freelistPageCapacity
		for i := 0; i < nPages; i++ {
			chain = append(chain, next+uint64(i))
		}
		for i := nPages - 1; i >= 0; i-- {
			lo := i * freelistPageCapacity
			hi := lo + freelistPageCapacity
			if hi > len(ids) {
				hi = len(ids)
			}
			nextLink := uint64(0)
			if i < nPages-1 {
				nextLink = chain[i+1]
			}
			if err := e.writePage(chain[i], encodeFreelistPage(nextLink, ids[lo:hi])); err != nil {
				return err
			}
		}
		head = chain[0]
		next += uint64(nPages)
	}

	flushed := &rootState{
		generation: s.generation,
		userRoot:   s.userRoot,
		systemRoot: head,
		nextPage:   next,
	}
	if err := e.flushState(flushed); err != nil {
		return err
	}

	e.alloc.markAllocated(chain)
	e.alloc.releaseImmediate(e.freelistPages)
	e.freelistPages = chain
	e.state.Store(flushed)
	e.dirty.Store(false)
	return nil
}

// ApplyCommitRecord installs a replayed WAL commit into the in-memory state.
// Called during recovery, before the engine serves any transaction.
func (e *Engine) ApplyCommitRecord(rec *types.CommitRecord) {
	s := e.state.Load()
	next := rec.NextPage
	if s.nextPage > next {
		next = s.nextPage
	}
	e.alloc.markAllocated(rec.AllocatedPages)
	// No read snapshot survives a crash, so replayed frees are
	// immediately reusable.
	e.alloc.releaseImmediate(rec.FreedPages)
	e.state.Store(&rootState{
		generation: s.generation + 1,
		userRoot:   rec.UserRoot,
		systemRoot: rec.SystemRoot,
		nextPage:   next,
	})
	e.dirty.Store(true)
}

// Name returns the column family name this engine serves.
func (e *Engine) Name() string {
	return e.name
}

// Dirty reports whether the engine holds commits not yet checkpointed.
func (e *Engine) Dirty() bool {
	return e.dirty.Load()
}

// Generation returns the current committed generation.
func (e *Engine) Generation() uint64 {
	return e.state.Load().generation
}

// Close checkpoints any unflushed state and releases the backend handle.
func (e *Engine) Close() error {
	if e.closed.Load() {
		return nil
	}
	if e.dirty.Load() {
		if err := e.Checkpoint(); err != nil {
			level.Error(e.logger).Log("msg", "checkpoint on close failed", "cf", e.name, "err", err)
			e.closed.Store(true)
			e.b.Close()
			return err
		}
	}
	e.closed.Store(true)
	return e.b.Close()
}
