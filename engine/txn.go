// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/dreamsxin/manifold/types"
)

// TableDefinition names a table and declares the key and value encodings the
// external serializer produces for it. The type tags are opaque strings;
// opening a table with tags that differ from the stored ones fails with
// types.ErrTableTypeMismatch.
type TableDefinition struct {
	Name      string
	KeyType   string
	ValueType string
}

// catalogEntry is the value stored in the table catalog for each table:
// root(8) count(8) keyTypeLen(1) keyType valueTypeLen(1) valueType.
type catalogEntry struct {
	root      uint64
	count     uint64
	keyType   string
	valueType string
}

func (c *catalogEntry) encode() []byte {
	buf := make([]byte, 0, 18+len(c.keyType)+len(c.valueType))
	buf = binary.LittleEndian.AppendUint64(buf, c.root)
	buf = binary.LittleEndian.AppendUint64(buf, c.count)
	buf = append(buf, byte(len(c.keyType)))
	buf = append(buf, c.keyType...)
	buf = append(buf, byte(len(c.valueType)))
	buf = append(buf, c.valueType...)
	return buf
}

func decodeCatalogEntry(buf []byte) (*catalogEntry, error) {
	if len(buf) < 18 {
		return nil, fmt.Errorf("%w: catalog entry truncated", types.ErrCorrupt)
	}
	c := &catalogEntry{
		root:  binary.LittleEndian.Uint64(buf[0:8]),
		count: binary.LittleEndian.Uint64(buf[8:16]),
	}
	rest := buf[16:]
	ktLen := int(rest[0])
	if len(rest) < 1+ktLen+1 {
		return nil, fmt.Errorf("%w: catalog entry truncated", types.ErrCorrupt)
	}
	c.keyType = string(rest[1 : 1+ktLen])
	rest = rest[1+ktLen:]
	vtLen := int(rest[0])
	if len(rest) < 1+vtLen {
		return nil, fmt.Errorf("%w: catalog entry truncated", types.ErrCorrupt)
	}
	c.valueType = string(rest[1 : 1+vtLen])
	return c, nil
}

// WriteTxn is a mutable overlay on the committed root. Only one write
// transaction exists per column family at a time; it holds the engine's
// write mutex from begin to commit or abort. Mutations stage pages in memory
// and never overwrite live data.
type WriteTxn struct {
	e          *Engine
	base       *rootState
	durability types.Durability

	dirty     map[uint64]*node  // staged B-tree nodes
	raw       map[uint64][]byte // staged overflow pages
	local     map[uint64]struct{}
	allocated []uint64
	freed     []uint64

	catalogRoot uint64
	tables      map[string]*Table
	done        bool
}

// SetDurability selects what Commit waits for. The default is
// DurabilityImmediate.
func (t *WriteTxn) SetDurability(d types.Durability) {
	t.durability = d
}

// OpenTable opens (creating on first use) the named table within this
// transaction.
func (t *WriteTxn) OpenTable(def TableDefinition) (*Table, error) {
	if t.done {
		return nil, types.ErrClosed
	}
	if tbl, ok := t.tables[def.Name]; ok {
		return tbl, nil
	}
	if len(def.Name) == 0 || len(def.Name) > MaxKeyLen {
		return nil, fmt.Errorf("%w: table name length %d", types.ErrInvalidArgument, len(def.Name))
	}
	tbl := &Table{txn: t, def: def}
	v, found, err := treeGet(t, t.catalogRoot, []byte(def.Name))
	if err != nil {
		return nil, err
	}
	if found {
		ent, err := decodeCatalogEntry(v.inline)
		if err != nil {
			return nil, err
		}
		if ent.keyType != def.KeyType || ent.valueType != def.ValueType {
			return nil, fmt.Errorf("%w: table %q stored as (%s, %s), requested (%s, %s)",
				types.ErrTableTypeMismatch, def.Name, ent.keyType, ent.valueType, def.KeyType, def.ValueType)
		}
		tbl.root = ent.root
		tbl.count = ent.count
	}
	t.tables[def.Name] = tbl
	return tbl, nil
}

// Commit makes the transaction's mutations visible according to the selected
// durability. On error nothing is published and the transaction is aborted.
func (t *WriteTxn) Commit() error {
	if t.done {
		return types.ErrClosed
	}
	err := t.e.commit(t)
	if err != nil {
		t.Abort()
		return err
	}
	t.done = true
	return nil
}

// Abort discards the transaction. Pages it allocated return to the free
// list; nothing was published.
func (t *WriteTxn) Abort() {
	if t.done {
		return
	}
	t.done = true
	t.e.alloc.releaseImmediate(t.allocated)
	t.e.writeMu.Unlock()
}

// pageSource: staged pages win over committed ones.

func (t *WriteTxn) node(id uint64) (*node, error) {
	if n, ok := t.dirty[id]; ok {
		return n, nil
	}
	buf := make([]byte, PageSize)
	if err := t.e.readPage(id, buf); err != nil {
		return nil, err
	}
	return decodeNode(buf)
}

func (t *WriteTxn) readOverflow(head, total uint64) ([]byte, error) {
	return readOverflowChain(t.pageBytes, head, total)
}

func (t *WriteTxn) pageBytes(id uint64) ([]byte, error) {
	if p, ok := t.raw[id]; ok {
		return p, nil
	}
	buf := make([]byte, PageSize)
	if err := t.e.readPage(id, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// treeWriter

func (t *WriteTxn) writable(id uint64) (uint64, *node, error) {
	if _, ok := t.local[id]; ok {
		return id, t.dirty[id], nil
	}
	n, err := t.node(id)
	if err != nil {
		return 0, nil, err
	}
	c := n.clone()
	nid := t.allocPage()
	t.dirty[nid] = c
	t.freed = append(t.freed, id)
	return nid, c, nil
}

func (t *WriteTxn) create(n *node) uint64 {
	id := t.allocPage()
	t.dirty[id] = n
	return id
}

func (t *WriteTxn) freePage(id uint64) {
	if _, ok := t.local[id]; ok {
		delete(t.local, id)
		delete(t.dirty, id)
		delete(t.raw, id)
		for i, a := range t.allocated {
			if a == id {
				t.allocated = append(t.allocated[:i], t.allocated[i+1:]...)
				break
			}
		}
		t.e.alloc.releaseImmediate([]uint64{id})
		return
	}
	t.freed = append(t.freed, id)
}

func (t *WriteTxn) allocPage() uint64 {
	id := t.e.alloc.allocate()
	t.allocated = append(t.allocated, id)
	t.local[id] = struct{}{}
	return id
}

// makeValue stages val as an inline value or an overflow chain.
func (t *WriteTxn) makeValue(val []byte) leafValue {
	if len(val) <= maxInlineValue {
		return leafValue{inline: append([]byte(nil), val...)}
	}
	// Build the chain back to front so each page knows its successor.
	var chunks [][]byte
	for rest := val; len(rest) > 0; {
		n := len(rest)
		if n > overflowCapacity {
			n = overflowCapacity
		}
		chunks = append(chunks, rest[:n])
		rest = rest[n:]
	}
	next := uint64(0)
	for i := len(chunks) - 1; i >= 0; i-- {
		id := t.allocPage()
		page := make([]byte, PageSize)
		binary.LittleEndian.PutUint64(page[0:8], next)
		binary.LittleEndian.PutUint32(page[8:12], uint32(len(chunks[i])))
		copy(page[overflowHeaderLen:], chunks[i])
		t.raw[id] = page
		next = id
	}
	return leafValue{ovfHead: next, ovfLen: uint64(len(val))}
}

// freeValue releases an overflow chain replaced or removed by this
// transaction. Inline values need nothing.
func (t *WriteTxn) freeValue(v leafValue) error {
	id := v.ovfHead
	for id != 0 {
		page, err := t.pageBytes(id)
		if err != nil {
			return err
		}
		next := binary.LittleEndian.Uint64(page[0:8])
		t.freePage(id)
		id = next
	}
	return nil
}

func readOverflowChain(pageBytes func(uint64) ([]byte, error), head, total uint64) ([]byte, error) {
	out := make([]byte, 0, total)
	id := head
	for id != 0 {
		page, err := pageBytes(id)
		if err != nil {
			return nil, err
		}
		next := binary.LittleEndian.Uint64(page[0:8])
		n := binary.LittleEndian.Uint32(page[8:12])
		if int(n) > overflowCapacity {
			return nil, fmt.Errorf("%w: overflow page length %d", types.ErrCorrupt, n)
		}
		out = append(out, page[overflowHeaderLen:overflowHeaderLen+int(n)]...)
		id = next
	}
	if uint64(len(out)) != total {
		return nil, fmt.Errorf("%w: overflow chain is %d bytes, expected %d", types.ErrCorrupt, len(out), total)
	}
	return out, nil
}

// ReadTxn is a repeatable snapshot: it sees exactly the root captured at
// begin time for its entire lifetime. Multiple read transactions run
// concurrently with each other and with the writer.
type ReadTxn struct {
	e     *Engine
	state *rootState
	cache map[uint64]*node
	done  bool
}

func (r *ReadTxn) node(id uint64) (*node, error) {
	if n, ok := r.cache[id]; ok {
		return n, nil
	}
	buf := make([]byte, PageSize)
	if err := r.e.readPage(id, buf); err != nil {
		return nil, err
	}
	n, err := decodeNode(buf)
	if err != nil {
		return nil, err
	}
	r.cache[id] = n
	return n, nil
}

func (r *ReadTxn) readOverflow(head, total uint64) ([]byte, error) {
	return readOverflowChain(func(id uint64) ([]byte, error) {
		buf := make([]byte, PageSize)
		if err := r.e.readPage(id, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}, head, total)
}

// OpenTable opens the named table against this snapshot. Unknown tables
// return types.ErrNotFound.
func (r *ReadTxn) OpenTable(def TableDefinition) (*Table, error) {
	if r.done {
		return nil, types.ErrClosed
	}
	v, found, err := treeGet(r, r.state.userRoot, []byte(def.Name))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: table %q", types.ErrNotFound, def.Name)
	}
	ent, err := decodeCatalogEntry(v.inline)
	if err != nil {
		return nil, err
	}
	if ent.keyType != def.KeyType || ent.valueType != def.ValueType {
		return nil, fmt.Errorf("%w: table %q stored as (%s, %s), requested (%s, %s)",
			types.ErrTableTypeMismatch, def.Name, ent.keyType, ent.valueType, def.KeyType, def.ValueType)
	}
	return &Table{rtx: r, def: def, root: ent.root, count: ent.count}, nil
}

// Close releases the snapshot's pin on its pages. Freed pages the snapshot
// was holding become reclaimable.
func (r *ReadTxn) Close() {
	if r.done {
		return
	}
	r.done = true
	r.e.endRead(r.state.generation)
}

// Generation exposes the snapshot's generation, mostly for tests and
// diagnostics.
func (r *ReadTxn) Generation() uint64 {
	return r.state.generation
}

// Table is a key-value table inside one transaction. Write-transaction
// tables see their own uncommitted mutations; read-transaction tables are
// immutable views.
type Table struct {
	txn *WriteTxn
	rtx *ReadTxn
	def TableDefinition

	root  uint64
	count uint64
}

func (tb *Table) src() pageSource {
	if tb.txn != nil {
		return tb.txn
	}
	return tb.rtx
}

// Get returns the value stored for key, or types.ErrNotFound.
func (tb *Table) Get(key []byte) ([]byte, error) {
	v, found, err := treeGet(tb.src(), tb.root, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: key in table %q", types.ErrNotFound, tb.def.Name)
	}
	if v.isOverflow() {
		return tb.src().readOverflow(v.ovfHead, v.ovfLen)
	}
	return v.inline, nil
}

// Insert stores key -> value, replacing any previous value.
func (tb *Table) Insert(key, value []byte) error {
	if tb.txn == nil {
		return fmt.Errorf("%w: insert on read-only table", types.ErrInvalidArgument)
	}
	if tb.txn.done {
		return types.ErrClosed
	}
	if len(key) == 0 || len(key) > MaxKeyLen {
		return fmt.Errorf("%w: key length %d", types.ErrInvalidArgument, len(key))
	}
	v := tb.txn.makeValue(value)
	newRoot, replaced, err := treeInsert(tb.txn, tb.root, append([]byte(nil), key...), v)
	if err != nil {
		return err
	}
	tb.root = newRoot
	if replaced != nil {
		return tb.txn.freeValue(*replaced)
	}
	tb.count++
	return nil
}

// Remove deletes key and reports whether it was present.
func (tb *Table) Remove(key []byte) (bool, error) {
	if tb.txn == nil {
		return false, fmt.Errorf("%w: remove on read-only table", types.ErrInvalidArgument)
	}
	if tb.txn.done {
		return false, types.ErrClosed
	}
	newRoot, removed, err := treeRemove(tb.txn, tb.root, key)
	if err != nil {
		return false, err
	}
	tb.root = newRoot
	if removed == nil {
		return false, nil
	}
	tb.count--
	return true, tb.txn.freeValue(*removed)
}

// Range iterates entries with lo <= key < hi in key order. A nil bound is
// open.
func (tb *Table) Range(lo, hi []byte) *Iterator {
	return newIterator(tb.src(), tb.root, lo, hi)
}

// Len returns the number of entries in the table.
func (tb *Table) Len() uint64 {
	return tb.count
}
