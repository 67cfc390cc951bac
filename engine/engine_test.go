// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package engine

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/manifold/backend"
	"github.com/dreamsxin/manifold/types"
)

var testDef = TableDefinition{Name: "kv", KeyType: "bytes", ValueType: "bytes"}

// openTestEngine materializes an engine over a single-segment partition in
// dir, growing the file on demand the way the database façade does.
func openTestEngine(t *testing.T, dir string, opts Options) *Engine {
	t.Helper()
	path := filepath.Join(dir, "cf.db")
	be, err := backend.OpenFileBackend(path)
	require.NoError(t, err)

	const initial = 256 * 1024
	size, err := be.Len()
	require.NoError(t, err)
	if size < initial {
		require.NoError(t, be.SetLen(initial))
		size = initial
	}

	var mu sync.Mutex
	end := size
	segs := []types.Segment{{Offset: 0, Length: size}}
	pb := backend.NewPartitionedBackend(be, segs, 64*1024, func(shortfall uint64) (types.Segment, error) {
		mu.Lock()
		defer mu.Unlock()
		seg := types.Segment{Offset: end, Length: shortfall}
		if err := be.SetLen(end + shortfall); err != nil {
			return types.Segment{}, err
		}
		end += shortfall
		return seg, nil
	})

	e, err := Open("test", pb, opts)
	require.NoError(t, err)
	return e
}

func commitKVs(t *testing.T, e *Engine, d types.Durability, kvs map[string]string) {
	t.Helper()
	txn, err := e.BeginWrite()
	require.NoError(t, err)
	tbl, err := txn.OpenTable(testDef)
	require.NoError(t, err)
	for k, v := range kvs {
		require.NoError(t, tbl.Insert([]byte(k), []byte(v)))
	}
	txn.SetDurability(d)
	require.NoError(t, txn.Commit())
}

func TestInsertGetRemove(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), Options{})
	defer e.Close()

	commitKVs(t, e, types.DurabilityNone, map[string]string{
		"alpha": "1",
		"beta":  "2",
		"gamma": "3",
	})

	r, err := e.BeginRead()
	require.NoError(t, err)
	tbl, err := r.OpenTable(testDef)
	require.NoError(t, err)
	v, err := tbl.Get([]byte("beta"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)
	require.Equal(t, uint64(3), tbl.Len())
	_, err = tbl.Get([]byte("delta"))
	require.ErrorIs(t, err, types.ErrNotFound)
	r.Close()

	// Remove one key, miss another.
	txn, err := e.BeginWrite()
	require.NoError(t, err)
	wt, err := txn.OpenTable(testDef)
	require.NoError(t, err)
	removed, err := wt.Remove([]byte("beta"))
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = wt.Remove([]byte("nope"))
	require.NoError(t, err)
	require.False(t, removed)
	txn.SetDurability(types.DurabilityNone)
	require.NoError(t, txn.Commit())

	r, err = e.BeginRead()
	require.NoError(t, err)
	tbl, err = r.OpenTable(testDef)
	require.NoError(t, err)
	_, err = tbl.Get([]byte("beta"))
	require.ErrorIs(t, err, types.ErrNotFound)
	require.Equal(t, uint64(2), tbl.Len())
	r.Close()
}

func TestRangeOrder(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), Options{})
	defer e.Close()

	kvs := make(map[string]string)
	for i := 0; i < 500; i++ {
		kvs[fmt.Sprintf("key%04d", i)] = fmt.Sprintf("val%d", i)
	}
	commitKVs(t, e, types.DurabilityNone, kvs)

	r, err := e.BeginRead()
	require.NoError(t, err)
	defer r.Close()
	tbl, err := r.OpenTable(testDef)
	require.NoError(t, err)

	it := tbl.Range([]byte("key0100"), []byte("key0200"))
	var got []string
	for it.Next() {
		got = append(got, string(it.Key()))
	}
	require.NoError(t, it.Err())
	require.Len(t, got, 100)
	require.True(t, sort.StringsAreSorted(got))
	require.Equal(t, "key0100", got[0])
	require.Equal(t, "key0199", got[len(got)-1])
}

func TestWriteTxnSeesOwnWrites(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), Options{})
	defer e.Close()

	txn, err := e.BeginWrite()
	require.NoError(t, err)
	tbl, err := txn.OpenTable(testDef)
	require.NoError(t, err)
	require.NoError(t, tbl.Insert([]byte("k"), []byte("v1")))
	v, err := tbl.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)
	require.NoError(t, tbl.Insert([]byte("k"), []byte("v2")))
	v, err = tbl.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)
	require.Equal(t, uint64(1), tbl.Len())
	txn.Abort()
}

func TestSnapshotIsolation(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), Options{})
	defer e.Close()

	commitKVs(t, e, types.DurabilityNone, map[string]string{"k": "old"})

	r, err := e.BeginRead()
	require.NoError(t, err)
	defer r.Close()

	commitKVs(t, e, types.DurabilityNone, map[string]string{"k": "new", "extra": "x"})

	// The old snapshot is repeatable for its whole lifetime.
	tbl, err := r.OpenTable(testDef)
	require.NoError(t, err)
	v, err := tbl.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("old"), v)
	_, err = tbl.Get([]byte("extra"))
	require.ErrorIs(t, err, types.ErrNotFound)

	// A fresh snapshot observes the commit.
	r2, err := e.BeginRead()
	require.NoError(t, err)
	defer r2.Close()
	tbl2, err := r2.OpenTable(testDef)
	require.NoError(t, err)
	v, err = tbl2.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("new"), v)
}

func TestAbortDiscardsMutations(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), Options{})
	defer e.Close()

	commitKVs(t, e, types.DurabilityNone, map[string]string{"keep": "1"})

	txn, err := e.BeginWrite()
	require.NoError(t, err)
	tbl, err := txn.OpenTable(testDef)
	require.NoError(t, err)
	require.NoError(t, tbl.Insert([]byte("discard"), []byte("x")))
	_, err = tbl.Remove([]byte("keep"))
	require.NoError(t, err)
	txn.Abort()

	r, err := e.BeginRead()
	require.NoError(t, err)
	defer r.Close()
	got, err := r.OpenTable(testDef)
	require.NoError(t, err)
	_, err = got.Get([]byte("keep"))
	require.NoError(t, err)
	_, err = got.Get([]byte("discard"))
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestOverflowValues(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), Options{})
	defer e.Close()

	big := make([]byte, 40*1024)
	for i := range big {
		big[i] = byte(i % 251)
	}
	commitKVs(t, e, types.DurabilityNone, map[string]string{"big": string(big)})

	r, err := e.BeginRead()
	require.NoError(t, err)
	tbl, err := r.OpenTable(testDef)
	require.NoError(t, err)
	v, err := tbl.Get([]byte("big"))
	require.NoError(t, err)
	require.Equal(t, big, v)
	r.Close()

	// Replacing the value frees the old chain; removing frees the new
	// one.
	commitKVs(t, e, types.DurabilityNone, map[string]string{"big": "small now"})
	txn, err := e.BeginWrite()
	require.NoError(t, err)
	wt, err := txn.OpenTable(testDef)
	require.NoError(t, err)
	removed, err := wt.Remove([]byte("big"))
	require.NoError(t, err)
	require.True(t, removed)
	txn.SetDurability(types.DurabilityNone)
	require.NoError(t, txn.Commit())
}

func TestTableTypeMismatch(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), Options{})
	defer e.Close()

	commitKVs(t, e, types.DurabilityNone, map[string]string{"k": "v"})

	txn, err := e.BeginWrite()
	require.NoError(t, err)
	_, err = txn.OpenTable(TableDefinition{Name: "kv", KeyType: "u64", ValueType: "bytes"})
	require.ErrorIs(t, err, types.ErrTableTypeMismatch)
	txn.Abort()

	r, err := e.BeginRead()
	require.NoError(t, err)
	defer r.Close()
	_, err = r.OpenTable(TableDefinition{Name: "kv", KeyType: "bytes", ValueType: "u64"})
	require.ErrorIs(t, err, types.ErrTableTypeMismatch)
}

func TestSingleWriter(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), Options{})
	defer e.Close()

	txn, err := e.BeginWrite()
	require.NoError(t, err)

	second := make(chan struct{})
	go func() {
		t2, err := e.BeginWrite()
		if err == nil {
			t2.Abort()
		}
		close(second)
	}()

	select {
	case <-second:
		t.Fatal("second write transaction started while the first was live")
	case <-time.After(50 * time.Millisecond):
	}

	txn.Abort()
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("second write transaction never unblocked")
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, Options{})

	kvs := make(map[string]string)
	for i := 0; i < 200; i++ {
		kvs[fmt.Sprintf("key%03d", i)] = fmt.Sprintf("val%03d", i)
	}
	// Without a commit sink the engine fsyncs its own pages per commit.
	commitKVs(t, e, types.DurabilityImmediate, kvs)
	require.NoError(t, e.Close())

	e2 := openTestEngine(t, dir, Options{})
	defer e2.Close()
	r, err := e2.BeginRead()
	require.NoError(t, err)
	defer r.Close()
	tbl, err := r.OpenTable(testDef)
	require.NoError(t, err)
	require.Equal(t, uint64(len(kvs)), tbl.Len())
	for k, v := range kvs {
		got, err := tbl.Get([]byte(k))
		require.NoError(t, err)
		require.Equal(t, []byte(v), got)
	}
}

func TestFreedPagesHeldByReader(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), Options{})
	defer e.Close()

	commitKVs(t, e, types.DurabilityNone, map[string]string{"k": "v0"})

	r, err := e.BeginRead()
	require.NoError(t, err)

	// Overwrites free the old root pages, but the open snapshot pins
	// them.
	commitKVs(t, e, types.DurabilityNone, map[string]string{"k": "v1"})
	_, pendingBefore := e.alloc.highWater()

	tbl, err := r.OpenTable(testDef)
	require.NoError(t, err)
	v, err := tbl.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v0"), v)
	r.Close()

	// With the snapshot gone the freed pages reach the free list.
	_, freeAfter := e.alloc.highWater()
	require.Greater(t, freeAfter, pendingBefore)
}

func TestFuzzedWorkload(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, Options{})

	f := fuzz.NewWithSeed(42).NumElements(1, 64)
	ref := make(map[string][]byte)
	for round := 0; round < 10; round++ {
		txn, err := e.BeginWrite()
		require.NoError(t, err)
		tbl, err := txn.OpenTable(testDef)
		require.NoError(t, err)
		for i := 0; i < 100; i++ {
			var key string
			var val []byte
			f.Fuzz(&key)
			f.Fuzz(&val)
			if len(key) == 0 || len(key) > MaxKeyLen {
				continue
			}
			if i%7 == 0 {
				if _, err := tbl.Remove([]byte(key)); err != nil {
					t.Fatal(err)
				}
				delete(ref, key)
				continue
			}
			require.NoError(t, tbl.Insert([]byte(key), val))
			ref[key] = append([]byte(nil), val...)
		}
		txn.SetDurability(types.DurabilityNone)
		require.NoError(t, txn.Commit())
	}
	require.NoError(t, e.Close())

	e2 := openTestEngine(t, dir, Options{})
	defer e2.Close()
	r, err := e2.BeginRead()
	require.NoError(t, err)
	defer r.Close()
	tbl, err := r.OpenTable(testDef)
	require.NoError(t, err)
	require.Equal(t, uint64(len(ref)), tbl.Len())
	for k, v := range ref {
		got, err := tbl.Get([]byte(k))
		require.NoError(t, err)
		require.True(t, bytes.Equal(v, got), "value mismatch for key %q", k)
	}
}
