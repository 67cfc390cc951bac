// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package engine

import (
	"bytes"
	"sort"
)

// pageSource resolves page ids to decoded nodes and reads overflow chains.
// Read transactions resolve against the backend only; write transactions
// also see their own staged pages.
type pageSource interface {
	node(id uint64) (*node, error)
	readOverflow(head uint64, total uint64) ([]byte, error)
}

// treeWriter is the mutation surface a write transaction exposes to the
// B-tree. All mutations are copy-on-write: writable clones committed pages
// into transaction-local ones and records the old page as freed.
type treeWriter interface {
	pageSource
	writable(id uint64) (uint64, *node, error)
	create(n *node) uint64
	freePage(id uint64)
}

// keySearch returns the position of key in keys and whether it is present.
func keySearch(keys [][]byte, key []byte) (int, bool) {
	idx := sort.Search(len(keys), func(i int) bool {
		return bytes.Compare(keys[i], key) >= 0
	})
	if idx < len(keys) && bytes.Equal(keys[idx], key) {
		return idx, true
	}
	return idx, false
}

// childIndex returns the branch child slot covering key. Separator i is
// greater than every key in child i and no greater than any key in child
// i+1.
func childIndex(keys [][]byte, key []byte) int {
	return sort.Search(len(keys), func(i int) bool {
		return bytes.Compare(keys[i], key) > 0
	})
}

func treeGet(src pageSource, root uint64, key []byte) (leafValue, bool, error) {
	id := root
	for id != 0 {
		n, err := src.node(id)
		if err != nil {
			return leafValue{}, false, err
		}
		if n.leaf {
			idx, found := keySearch(n.keys, key)
			if !found {
				return leafValue{}, false, nil
			}
			return n.vals[idx], true, nil
		}
		id = n.children[childIndex(n.keys, key)]
	}
	return leafValue{}, false, nil
}

type split struct {
	key   []byte
	right uint64
}

// treeInsert inserts or replaces key in the tree rooted at root, returning
// the new root. The previous value, if any, is returned so the caller can
// release its overflow chain.
func treeInsert(w treeWriter, root uint64, key []byte, v leafValue) (uint64, *leafValue, error) {
	newRoot, sp, replaced, err := insertRec(w, root, key, v)
	if err != nil {
		return 0, nil, err
	}
	if sp != nil {
		newRoot = w.create(&node{
			keys:     [][]byte{sp.key},
			children: []uint64{newRoot, sp.right},
		})
	}
	return newRoot, replaced, nil
}

func insertRec(w treeWriter, id uint64, key []byte, v leafValue) (uint64, *split, *leafValue, error) {
	if id == 0 {
		return w.create(&node{leaf: true, keys: [][]byte{key}, vals: []leafValue{v}}), nil, nil, nil
	}
	nid, n, err := w.writable(id)
	if err != nil {
		return 0, nil, nil, err
	}
	var replaced *leafValue
	if n.leaf {
		idx, found := keySearch(n.keys, key)
		if found {
			old := n.vals[idx]
			replaced = &old
			n.vals[idx] = v
		} else {
			n.keys = append(n.keys, nil)
			copy(n.keys[idx+1:], n.keys[idx:])
			n.keys[idx] = key
			n.vals = append(n.vals, leafValue{})
			copy(n.vals[idx+1:], n.vals[idx:])
			n.vals[idx] = v
		}
	} else {
		idx := childIndex(n.keys, key)
		newChild, sp, rep, err := insertRec(w, n.children[idx], key, v)
		if err != nil {
			return 0, nil, nil, err
		}
		replaced = rep
		n.children[idx] = newChild
		if sp != nil {
			n.keys = append(n.keys, nil)
			copy(n.keys[idx+1:], n.keys[idx:])
			n.keys[idx] = sp.key
			n.children = append(n.children, 0)
			copy(n.children[idx+2:], n.children[idx+1:])
			n.children[idx+1] = sp.right
		}
	}
	var sp *split
	if n.encodedLen() > PageSize {
		sp = splitNode(w, n)
	}
	return nid, sp, replaced, nil
}

// splitNode moves the upper half of n into a fresh right sibling and returns
// the separator.
func splitNode(w treeWriter, n *node) *split {
	if n.leaf {
		mid := len(n.keys) / 2
		right := &node{
			leaf: true,
			keys: append([][]byte(nil), n.keys[mid:]...),
			vals: append([]leafValue(nil), n.vals[mid:]...),
		}
		n.keys = n.keys[:mid]
		n.vals = n.vals[:mid]
		return &split{key: right.keys[0], right: w.create(right)}
	}
	mid := len(n.keys) / 2
	sep := n.keys[mid]
	right := &node{
		keys:     append([][]byte(nil), n.keys[mid+1:]...),
		children: append([]uint64(nil), n.children[mid+1:]...),
	}
	n.keys = n.keys[:mid]
	n.children = n.children[:mid+1]
	return &split{key: sep, right: w.create(right)}
}

// treeRemove deletes key from the tree rooted at root and returns the new
// root plus the removed value. A miss leaves the tree untouched.
func treeRemove(w treeWriter, root uint64, key []byte) (uint64, *leafValue, error) {
	_, found, err := treeGet(w, root, key)
	if err != nil {
		return 0, nil, err
	}
	if !found {
		return root, nil, nil
	}
	newRoot, removed, err := removeRec(w, root, key)
	if err != nil {
		return 0, nil, err
	}
	// Collapse a root branch left with a single child.
	for newRoot != 0 {
		n, err := w.node(newRoot)
		if err != nil {
			return 0, nil, err
		}
		if n.leaf || len(n.children) > 1 {
			break
		}
		w.freePage(newRoot)
		newRoot = n.children[0]
	}
	return newRoot, removed, nil
}

func removeRec(w treeWriter, id uint64, key []byte) (uint64, *leafValue, error) {
	nid, n, err := w.writable(id)
	if err != nil {
		return 0, nil, err
	}
	if n.leaf {
		idx, found := keySearch(n.keys, key)
		if !found {
			return nid, nil, nil
		}
		old := n.vals[idx]
		n.keys = append(n.keys[:idx], n.keys[idx+1:]...)
		n.vals = append(n.vals[:idx], n.vals[idx+1:]...)
		if len(n.keys) == 0 {
			w.freePage(nid)
			return 0, &old, nil
		}
		return nid, &old, nil
	}
	idx := childIndex(n.keys, key)
	newChild, removed, err := removeRec(w, n.children[idx], key)
	if err != nil {
		return 0, nil, err
	}
	n.children[idx] = newChild
	if newChild == 0 {
		// Child drained: drop its pointer and the adjacent separator.
		if len(n.keys) > 0 {
			sep := idx
			if sep == len(n.keys) {
				sep = len(n.keys) - 1
			}
			n.keys = append(n.keys[:sep], n.keys[sep+1:]...)
		}
		n.children = append(n.children[:idx], n.children[idx+1:]...)
		switch len(n.children) {
		case 0:
			w.freePage(nid)
			return 0, removed, nil
		case 1:
			// A single-child branch adds nothing; splice the child
			// into the parent.
			w.freePage(nid)
			return n.children[0], removed, nil
		}
	}
	return nid, removed, nil
}

// iterFrame is one level of an in-order descent.
type iterFrame struct {
	n   *node
	idx int
}

// Iterator walks leaf entries in key order within [lo, hi). A nil hi means
// no upper bound. The iterator reads a fixed snapshot: pages it visits are
// pinned against reuse by the owning transaction.
type Iterator struct {
	src   pageSource
	hi    []byte
	stack []iterFrame
	key   []byte
	val   leafValue
	err   error
}

func newIterator(src pageSource, root uint64, lo, hi []byte) *Iterator {
	it := &Iterator{src: src, hi: hi}
	it.descend(root, lo)
	return it
}

func (it *Iterator) descend(id uint64, lo []byte) {
	for id != 0 {
		n, err := it.src.node(id)
		if err != nil {
			it.err = err
			return
		}
		if n.leaf {
			idx := 0
			if lo != nil {
				idx, _ = keySearch(n.keys, lo)
			}
			it.stack = append(it.stack, iterFrame{n: n, idx: idx})
			return
		}
		idx := 0
		if lo != nil {
			idx = childIndex(n.keys, lo)
		}
		it.stack = append(it.stack, iterFrame{n: n, idx: idx})
		id = n.children[idx]
	}
}

// Next advances to the next entry. It returns false at the end of the range
// or on error.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	for len(it.stack) > 0 {
		top := &it.stack[len(it.stack)-1]
		if top.n.leaf {
			if top.idx < len(top.n.keys) {
				key := top.n.keys[top.idx]
				if it.hi != nil && bytes.Compare(key, it.hi) >= 0 {
					it.stack = nil
					return false
				}
				it.key = key
				it.val = top.n.vals[top.idx]
				top.idx++
				return true
			}
			it.stack = it.stack[:len(it.stack)-1]
			continue
		}
		top.idx++
		if top.idx < len(top.n.children) {
			it.descend(top.n.children[top.idx], nil)
			if it.err != nil {
				return false
			}
			continue
		}
		it.stack = it.stack[:len(it.stack)-1]
	}
	return false
}

// Key returns the current entry's key. Valid until the next call to Next.
func (it *Iterator) Key() []byte {
	return it.key
}

// Value returns the current entry's value, materializing overflow chains.
func (it *Iterator) Value() ([]byte, error) {
	if it.val.isOverflow() {
		return it.src.readOverflow(it.val.ovfHead, it.val.ovfLen)
	}
	return it.val.inline, nil
}

// Err returns the first error the iteration hit, if any.
func (it *Iterator) Err() error {
	return it.err
}
