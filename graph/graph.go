// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package graph stores directed, typed edges on top of a manifold column
// family. Each logical edge table keeps a forward and a reverse index, both
// updated inside the same write transaction, so outgoing and incoming
// traversals are single range scans and always agree with each other.
package graph

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/dreamsxin/manifold/engine"
	"github.com/dreamsxin/manifold/types"
)

// Edge is a directed edge with its two fixed-width properties.
type Edge struct {
	Source   uuid.UUID
	EdgeType string
	Target   uuid.UUID

	// Active distinguishes live edges from soft-deleted or hidden ones.
	Active bool

	// Weight is a general-purpose edge weight or score.
	Weight float32
}

const (
	// edge keys: source(16) edgeTypeLen(1) edgeType other(16); the
	// reverse index swaps source and target.
	maxEdgeTypeLen = 255

	// edge values: active(1) weight(4).
	edgeValueLen = 5
)

func forwardDef(name string) engine.TableDefinition {
	return engine.TableDefinition{Name: name + "/fwd", KeyType: "uuid+type+uuid", ValueType: "bool+f32"}
}

func reverseDef(name string) engine.TableDefinition {
	return engine.TableDefinition{Name: name + "/rev", KeyType: "uuid+type+uuid", ValueType: "bool+f32"}
}

func edgeKey(a uuid.UUID, edgeType string, b uuid.UUID) ([]byte, error) {
	if len(edgeType) == 0 || len(edgeType) > maxEdgeTypeLen {
		return nil, fmt.Errorf("%w: edge type length %d", types.ErrInvalidArgument, len(edgeType))
	}
	key := make([]byte, 0, 16+1+len(edgeType)+16)
	key = append(key, a[:]...)
	key = append(key, byte(len(edgeType)))
	key = append(key, edgeType...)
	key = append(key, b[:]...)
	return key, nil
}

func decodeEdgeKey(key []byte) (a uuid.UUID, edgeType string, b uuid.UUID, err error) {
	if len(key) < 16+1+16 {
		err = fmt.Errorf("%w: edge key of %d bytes", types.ErrCorrupt, len(key))
		return
	}
	copy(a[:], key[:16])
	tl := int(key[16])
	if len(key) != 16+1+tl+16 {
		err = fmt.Errorf("%w: edge key length mismatch", types.ErrCorrupt)
		return
	}
	edgeType = string(key[17 : 17+tl])
	copy(b[:], key[17+tl:])
	return
}

func edgeValue(active bool, weight float32) []byte {
	val := make([]byte, edgeValueLen)
	if active {
		val[0] = 1
	}
	binary.LittleEndian.PutUint32(val[1:], math.Float32bits(weight))
	return val
}

func decodeEdgeValue(val []byte) (bool, float32, error) {
	if len(val) != edgeValueLen {
		return false, 0, fmt.Errorf("%w: edge value of %d bytes", types.ErrCorrupt, len(val))
	}
	return val[0] == 1, math.Float32frombits(binary.LittleEndian.Uint32(val[1:])), nil
}

// Table is a writable edge table inside one write transaction.
type Table struct {
	fwd *engine.Table
	rev *engine.Table
}

// Open opens (creating on first use) the named edge table in txn.
func Open(txn *engine.WriteTxn, name string) (*Table, error) {
	fwd, err := txn.OpenTable(forwardDef(name))
	if err != nil {
		return nil, err
	}
	rev, err := txn.OpenTable(reverseDef(name))
	if err != nil {
		return nil, err
	}
	return &Table{fwd: fwd, rev: rev}, nil
}

// AddEdge inserts or updates an edge. Forward and reverse indexes change in
// the same transaction, so a committed edge is always visible from both
// directions.
func (g *Table) AddEdge(source uuid.UUID, edgeType string, target uuid.UUID, active bool, weight float32) error {
	fk, err := edgeKey(source, edgeType, target)
	if err != nil {
		return err
	}
	rk, err := edgeKey(target, edgeType, source)
	if err != nil {
		return err
	}
	val := edgeValue(active, weight)
	if err := g.fwd.Insert(fk, val); err != nil {
		return err
	}
	return g.rev.Insert(rk, val)
}

// RemoveEdge deletes an edge from both indexes, reporting whether it
// existed.
func (g *Table) RemoveEdge(source uuid.UUID, edgeType string, target uuid.UUID) (bool, error) {
	fk, err := edgeKey(source, edgeType, target)
	if err != nil {
		return false, err
	}
	rk, err := edgeKey(target, edgeType, source)
	if err != nil {
		return false, err
	}
	removed, err := g.fwd.Remove(fk)
	if err != nil {
		return false, err
	}
	if _, err := g.rev.Remove(rk); err != nil {
		return false, err
	}
	return removed, nil
}

// GetEdge returns an edge's properties, or types.ErrNotFound.
func (g *Table) GetEdge(source uuid.UUID, edgeType string, target uuid.UUID) (bool, float32, error) {
	return getEdge(g.fwd, source, edgeType, target)
}

// Len returns the number of edges in the table.
func (g *Table) Len() uint64 {
	return g.fwd.Len()
}

// ReadTable is a snapshot view of an edge table.
type ReadTable struct {
	fwd *engine.Table
	rev *engine.Table
}

// OpenRead opens the named edge table against a read snapshot.
func OpenRead(txn *engine.ReadTxn, name string) (*ReadTable, error) {
	fwd, err := txn.OpenTable(forwardDef(name))
	if err != nil {
		return nil, err
	}
	rev, err := txn.OpenTable(reverseDef(name))
	if err != nil {
		return nil, err
	}
	return &ReadTable{fwd: fwd, rev: rev}, nil
}

// GetEdge returns an edge's properties, or types.ErrNotFound.
func (g *ReadTable) GetEdge(source uuid.UUID, edgeType string, target uuid.UUID) (bool, float32, error) {
	return getEdge(g.fwd, source, edgeType, target)
}

// ReverseEdge looks the edge up through the reverse index; forward and
// reverse always agree after a commit.
func (g *ReadTable) ReverseEdge(target uuid.UUID, edgeType string, source uuid.UUID) (bool, float32, error) {
	return getEdge(g.rev, target, edgeType, source)
}

// Outgoing iterates every edge leaving source, ordered by edge type length,
// then edge type, then target.
func (g *ReadTable) Outgoing(source uuid.UUID) *EdgeIter {
	return vertexScan(g.fwd, source, false)
}

// Incoming iterates every edge arriving at target, ordered by edge type
// length, then edge type, then source.
func (g *ReadTable) Incoming(target uuid.UUID) *EdgeIter {
	return vertexScan(g.rev, target, true)
}

// Len returns the number of edges in the snapshot.
func (g *ReadTable) Len() uint64 {
	return g.fwd.Len()
}

func getEdge(t *engine.Table, a uuid.UUID, edgeType string, b uuid.UUID) (bool, float32, error) {
	key, err := edgeKey(a, edgeType, b)
	if err != nil {
		return false, 0, err
	}
	val, err := t.Get(key)
	if err != nil {
		return false, 0, err
	}
	return decodeEdgeValue(val)
}

// vertexScan ranges over every key prefixed by the 16-byte vertex id.
func vertexScan(t *engine.Table, vertex uuid.UUID, reversed bool) *EdgeIter {
	lo := append([]byte(nil), vertex[:]...)
	hi := prefixEnd(lo)
	return &EdgeIter{it: t.Range(lo, hi), reversed: reversed}
}

// prefixEnd returns the smallest key greater than every key with the given
// prefix, or nil if no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// EdgeIter yields edges from a vertex scan.
type EdgeIter struct {
	it       *engine.Iterator
	reversed bool
	cur      Edge
	err      error
}

// Next advances to the next edge.
func (ei *EdgeIter) Next() bool {
	if ei.err != nil || !ei.it.Next() {
		return false
	}
	a, edgeType, b, err := decodeEdgeKey(ei.it.Key())
	if err != nil {
		ei.err = err
		return false
	}
	val, err := ei.it.Value()
	if err != nil {
		ei.err = err
		return false
	}
	active, weight, err := decodeEdgeValue(val)
	if err != nil {
		ei.err = err
		return false
	}
	e := Edge{Source: a, EdgeType: edgeType, Target: b, Active: active, Weight: weight}
	if ei.reversed {
		e.Source, e.Target = b, a
	}
	ei.cur = e
	return true
}

// Edge returns the current edge.
func (ei *EdgeIter) Edge() Edge {
	return ei.cur
}

// Err returns the first error the scan hit, combining key/value decoding
// and page I/O.
func (ei *EdgeIter) Err() error {
	if ei.err != nil {
		return ei.err
	}
	return ei.it.Err()
}
