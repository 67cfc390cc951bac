// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package graph

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	manifold "github.com/dreamsxin/manifold"
)

func openTestCF(t *testing.T) *manifold.ColumnFamily {
	t.Helper()
	db, err := manifold.Open(
		filepath.Join(t.TempDir(), "graph.manifold"),
		manifold.WithFlushInterval(time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cf, err := db.CreateColumnFamily("g", 0)
	require.NoError(t, err)
	return cf
}

func TestBidirectionalIndexConsistency(t *testing.T) {
	cf := openTestCF(t)
	u1 := uuid.New()
	u2 := uuid.New()

	txn, err := cf.BeginWrite()
	require.NoError(t, err)
	g, err := Open(txn, "edges")
	require.NoError(t, err)
	require.NoError(t, g.AddEdge(u1, "follows", u2, true, 1.0))
	require.NoError(t, txn.Commit())

	r, err := cf.BeginRead()
	require.NoError(t, err)
	defer r.Close()
	rg, err := OpenRead(r, "edges")
	require.NoError(t, err)

	active, weight, err := rg.GetEdge(u1, "follows", u2)
	require.NoError(t, err)
	require.True(t, active)
	require.Equal(t, float32(1.0), weight)

	// The reverse index was written in the same transaction and agrees.
	active, weight, err = rg.ReverseEdge(u2, "follows", u1)
	require.NoError(t, err)
	require.True(t, active)
	require.Equal(t, float32(1.0), weight)
}

func TestTraversal(t *testing.T) {
	cf := openTestCF(t)
	hub := uuid.New()
	others := make([]uuid.UUID, 5)
	for i := range others {
		others[i] = uuid.New()
	}

	txn, err := cf.BeginWrite()
	require.NoError(t, err)
	g, err := Open(txn, "edges")
	require.NoError(t, err)
	for i, o := range others {
		require.NoError(t, g.AddEdge(hub, "follows", o, i%2 == 0, float32(i)))
		require.NoError(t, g.AddEdge(o, "mentions", hub, true, 0.5))
	}
	require.Equal(t, uint64(10), g.Len())
	require.NoError(t, txn.Commit())

	r, err := cf.BeginRead()
	require.NoError(t, err)
	defer r.Close()
	rg, err := OpenRead(r, "edges")
	require.NoError(t, err)

	// All outgoing edges of the hub.
	out := rg.Outgoing(hub)
	var outgoing []Edge
	for out.Next() {
		outgoing = append(outgoing, out.Edge())
	}
	require.NoError(t, out.Err())
	require.Len(t, outgoing, 5)
	for _, e := range outgoing {
		require.Equal(t, hub, e.Source)
		require.Equal(t, "follows", e.EdgeType)
	}

	// All incoming edges of the hub, resolved through the reverse index.
	in := rg.Incoming(hub)
	var incoming []Edge
	for in.Next() {
		incoming = append(incoming, in.Edge())
	}
	require.NoError(t, in.Err())
	require.Len(t, incoming, 5)
	for _, e := range incoming {
		require.Equal(t, hub, e.Target)
		require.Equal(t, "mentions", e.EdgeType)
	}
}

func TestRemoveEdge(t *testing.T) {
	cf := openTestCF(t)
	u1, u2 := uuid.New(), uuid.New()

	txn, err := cf.BeginWrite()
	require.NoError(t, err)
	g, err := Open(txn, "edges")
	require.NoError(t, err)
	require.NoError(t, g.AddEdge(u1, "knows", u2, true, 2.5))
	require.NoError(t, txn.Commit())

	txn, err = cf.BeginWrite()
	require.NoError(t, err)
	g, err = Open(txn, "edges")
	require.NoError(t, err)
	removed, err := g.RemoveEdge(u1, "knows", u2)
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = g.RemoveEdge(u1, "knows", u2)
	require.NoError(t, err)
	require.False(t, removed)
	require.NoError(t, txn.Commit())

	r, err := cf.BeginRead()
	require.NoError(t, err)
	defer r.Close()
	rg, err := OpenRead(r, "edges")
	require.NoError(t, err)
	_, _, err = rg.GetEdge(u1, "knows", u2)
	require.ErrorIs(t, err, manifold.ErrNotFound)
	_, _, err = rg.ReverseEdge(u2, "knows", u1)
	require.ErrorIs(t, err, manifold.ErrNotFound)
}
