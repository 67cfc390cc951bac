// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package manifold

import (
	"container/list"
	"sync"

	"github.com/dreamsxin/manifold/backend"
)

// handlePool bounds file-descriptor usage across an unbounded number of
// column families: a small LRU of column family names whose engines (and
// therefore file handles) are allowed to stay materialized. Evicting a name
// drops its cached engine; the next use reopens the file and rebuilds it.
//
// Open read transactions pin their column family so its snapshot pages
// cannot vanish under them; pinned entries are skipped when choosing an
// eviction victim.
type handlePool struct {
	path string

	// capacity <= 0 means unbounded: no eviction ever happens.
	capacity int

	// onEvict drops the named column family's engine. Called without the
	// pool lock held.
	onEvict func(name string)

	mu      sync.Mutex
	cond    *sync.Cond
	entries map[string]*list.Element
	lru     *list.List // front = most recently used
	pins    map[string]int

	acquisitions func()
	evictions    func()
}

type poolEntry struct {
	name string
}

func newHandlePool(path string, capacity int, onEvict func(string)) *handlePool {
	p := &handlePool{
		path:     path,
		capacity: capacity,
		onEvict:  onEvict,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		pins:     make(map[string]int),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// acquire opens a fresh unlocked file handle for name and records it in the
// LRU, evicting the least recently used unpinned entry if the pool is full.
func (p *handlePool) acquire(name string) (*backend.UnlockedFileBackend, error) {
	var victims []string
	p.mu.Lock()
	if el, ok := p.entries[name]; ok {
		// Shouldn't normally happen: callers acquire only when their
		// engine is absent. Keep the entry fresh and fall through to
		// open a new handle.
		p.lru.MoveToFront(el)
	} else {
		for p.capacity > 0 && p.lru.Len() >= p.capacity {
			victim := p.unpinnedBack()
			if victim == nil {
				// Everything is pinned; run over capacity rather
				// than block readers.
				break
			}
			vname := victim.Value.(*poolEntry).name
			p.lru.Remove(victim)
			delete(p.entries, vname)
			victims = append(victims, vname)
		}
		p.entries[name] = p.lru.PushFront(&poolEntry{name: name})
	}
	if p.acquisitions != nil {
		p.acquisitions()
	}
	p.mu.Unlock()

	for _, v := range victims {
		p.onEvict(v)
		if p.evictions != nil {
			p.evictions()
		}
	}
	return backend.OpenUnlockedFileBackend(p.path)
}

// unpinnedBack returns the least recently used element with no pins. Callers
// hold mu.
func (p *handlePool) unpinnedBack() *list.Element {
	for el := p.lru.Back(); el != nil; el = el.Prev() {
		if p.pins[el.Value.(*poolEntry).name] == 0 {
			return el
		}
	}
	return nil
}

// touch marks name as most recently used.
func (p *handlePool) touch(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.entries[name]; ok {
		p.lru.MoveToFront(el)
	}
}

// remove forgets name without invoking the eviction callback. Used by drop,
// which tears the engine down itself.
func (p *handlePool) remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.entries[name]; ok {
		p.lru.Remove(el)
		delete(p.entries, name)
	}
	delete(p.pins, name)
}

// pin prevents eviction of name while read transactions are open on it.
func (p *handlePool) pin(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pins[name]++
}

func (p *handlePool) unpin(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := p.pins[name]; n > 1 {
		p.pins[name] = n - 1
	} else {
		delete(p.pins, name)
		p.cond.Broadcast()
	}
}

// waitUnpinned blocks until no read transaction pins name.
func (p *handlePool) waitUnpinned(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.pins[name] > 0 {
		p.cond.Wait()
	}
}

// evictAll drops every cached engine. Used on database close.
func (p *handlePool) evictAll() {
	var names []string
	p.mu.Lock()
	for name := range p.entries {
		names = append(names, name)
	}
	p.entries = make(map[string]*list.Element)
	p.lru.Init()
	p.mu.Unlock()

	for _, name := range names {
		p.onEvict(name)
	}
}
