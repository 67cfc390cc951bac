// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package engine

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tidwall/btree"

	"github.com/dreamsxin/manifold/types"
)

// allocator hands out page ids. Freed pages sit on a pending list keyed by
// the generation that freed them and become reusable only once no live read
// snapshot predates that generation.
type allocator struct {
	mu sync.Mutex

	// next is the high-water mark: the next never-used page id.
	next uint64

	// free holds immediately reusable page ids, ordered so the lowest id
	// is reused first.
	free *btree.Map[uint64, struct{}]

	// pending maps generation -> pages freed by the commit that produced
	// that generation.
	pending *btree.Map[uint64, []uint64]
}

func newAllocator(next uint64) *allocator {
	if next == 0 {
		next = 1
	}
	return &allocator{
		next:    next,
		free:    new(btree.Map[uint64, struct{}]),
		pending: new(btree.Map[uint64, []uint64]),
	}
}

// allocate returns a reusable or fresh page id.
func (a *allocator) allocate() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id, _, ok := a.free.PopMin(); ok {
		return id
	}
	id := a.next
	a.next++
	return id
}

// releaseImmediate returns pages that were never published (aborted
// transactions) straight to the free list.
func (a *allocator) releaseImmediate(pages []uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range pages {
		a.free.Set(p, struct{}{})
	}
}

// freePending records pages freed by the commit that produced gen.
func (a *allocator) freePending(gen uint64, pages []uint64) {
	if len(pages) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.pending.Get(gen); ok {
		pages = append(existing, pages...)
	}
	a.pending.Set(gen, pages)
}

// reclaim moves pending pages whose generation is covered by the oldest live
// read snapshot onto the free list. With no live readers everything pending
// is reclaimable.
func (a *allocator) reclaim(oldestLive uint64, haveReaders bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		gen, pages, ok := a.pending.Min()
		if !ok {
			return
		}
		if haveReaders && gen > oldestLive {
			return
		}
		a.pending.Delete(gen)
		for _, p := range pages {
			a.free.Set(p, struct{}{})
		}
	}
}

// highWater returns the next never-used page id and the free-list size.
func (a *allocator) highWater() (uint64, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next, a.free.Len()
}

// markAllocated removes replayed pages from the free list and advances the
// high-water mark past them. Used by WAL recovery.
func (a *allocator) markAllocated(pages []uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range pages {
		a.free.Delete(p)
		if p >= a.next {
			a.next = p + 1
		}
	}
}

// snapshot returns the high-water mark and every page id that is free or
// pending. Pending pages are safe to persist as free: a crash ends every
// read snapshot that could pin them.
func (a *allocator) snapshot() (next uint64, ids []uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free.Scan(func(id uint64, _ struct{}) bool {
		ids = append(ids, id)
		return true
	})
	a.pending.Scan(func(_ uint64, pages []uint64) bool {
		ids = append(ids, pages...)
		return true
	})
	return a.next, ids
}

// loadFree seeds the free list from a persisted snapshot.
func (a *allocator) loadFree(ids []uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		if id < a.next {
			a.free.Set(id, struct{}{})
		}
	}
}

// readTracker tracks the generations of live read transactions so the
// allocator can hold freed pages until no snapshot references them.
type readTracker struct {
	mu   sync.Mutex
	live *btree.Map[uint64, int]
}

func newReadTracker() *readTracker {
	return &readTracker{live: new(btree.Map[uint64, int])}
}

func (t *readTracker) register(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, _ := t.live.Get(gen)
	t.live.Set(gen, n+1)
}

func (t *readTracker) unregister(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.live.Get(gen)
	if !ok {
		return
	}
	if n <= 1 {
		t.live.Delete(gen)
	} else {
		t.live.Set(gen, n-1)
	}
}

// oldest returns the smallest live generation, or false if no read
// transactions are open.
func (t *readTracker) oldest() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	gen, _, ok := t.live.Min()
	return gen, ok
}

// The freelist is persisted as a chain of pages: next(8) count(4) ids. Only
// checkpoints rewrite it; between checkpoints the WAL's page lists are the
// source of truth.
const freelistPageCapacity = (PageSize - overflowHeaderLen) / 8

func encodeFreelistPage(next uint64, ids []uint64) []byte {
	page := make([]byte, PageSize)
	binary.LittleEndian.PutUint64(page[0:8], next)
	binary.LittleEndian.PutUint32(page[8:12], uint32(len(ids)))
	for i, id := range ids {
		binary.LittleEndian.PutUint64(page[overflowHeaderLen+i*8:], id)
	}
	return page
}

func decodeFreelistPage(page []byte) (next uint64, ids []uint64, err error) {
	if len(page) < overflowHeaderLen {
		return 0, nil, fmt.Errorf("%w: short freelist page", types.ErrCorrupt)
	}
	next = binary.LittleEndian.Uint64(page[0:8])
	count := int(binary.LittleEndian.Uint32(page[8:12]))
	if count > freelistPageCapacity {
		return 0, nil, fmt.Errorf("%w: freelist page count %d", types.ErrCorrupt, count)
	}
	ids = make([]uint64, count)
	for i := range ids {
		ids[i] = binary.LittleEndian.Uint64(page[overflowHeaderLen+i*8:])
	}
	return next, ids, nil
}
