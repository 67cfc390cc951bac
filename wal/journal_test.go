// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package wal

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/manifold/backend"
	"github.com/dreamsxin/manifold/types"
)

func openTestJournal(t *testing.T, path string) *Journal {
	t.Helper()
	be, err := backend.OpenFileBackend(path)
	require.NoError(t, err)
	j, err := Open(be, Config{FlushInterval: time.Millisecond})
	if err != nil {
		be.Close()
		t.Fatal(err)
	}
	return j
}

func testRecord(root uint64) *types.CommitRecord {
	return &types.CommitRecord{
		UserRoot:       root,
		NextPage:       root + 1,
		AllocatedPages: []uint64{root},
		Durability:     types.DurabilityImmediate,
	}
}

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	j := openTestJournal(t, path)

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, j.Append("cf_a", testRecord(i), true))
	}
	require.NoError(t, j.Append("cf_b", testRecord(100), true))
	require.Equal(t, uint64(6), j.LastAssigned())
	require.Equal(t, uint64(6), j.LatestSeq())
	require.NoError(t, j.Close())

	j2 := openTestJournal(t, path)
	defer j2.Close()
	entries, torn := j2.PendingReplay()
	require.False(t, torn)
	require.Len(t, entries, 6)
	for i, e := range entries {
		require.Equal(t, uint64(i+1), e.Sequence)
	}
	require.Equal(t, "cf_b", entries[5].ColumnFamily)
	require.Equal(t, uint64(100), entries[5].Record.UserRoot)
	// Sequencing continues where the log left off.
	require.NoError(t, j2.Append("cf_a", testRecord(7), true))
	require.Equal(t, uint64(7), j2.LastAssigned())
}

func TestGroupCommitManyWaiters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	j := openTestJournal(t, path)
	defer j.Close()

	var wg sync.WaitGroup
	errs := make([]error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = j.Append("cf", testRecord(uint64(i+1)), true)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, uint64(32), j.LatestSeq())
}

func TestEventualDoesNotWait(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	j := openTestJournal(t, path)

	require.NoError(t, j.Append("cf", testRecord(1), false))
	// Flush drains the open batch so the entry becomes durable.
	require.NoError(t, j.Flush())
	require.Equal(t, uint64(1), j.LatestSeq())
	require.NoError(t, j.Close())
}

func TestTornTailDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	j := openTestJournal(t, path)
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, j.Append("cf", testRecord(i), true))
	}
	require.NoError(t, j.Close())

	// Simulate a crash mid-append: garbage past the acknowledged tail.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	garbage := make([]byte, 200)
	for i := range garbage {
		garbage[i] = 0xde
	}
	_, err = f.Write(garbage)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j2 := openTestJournal(t, path)
	defer j2.Close()
	entries, torn := j2.PendingReplay()
	require.True(t, torn)
	require.Len(t, entries, 3)
}

func TestCorruptionInsideRangeIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	j := openTestJournal(t, path)
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, j.Append("cf", testRecord(i), true))
	}
	require.NoError(t, j.Close())

	// Flip one byte inside the first frame's payload region.
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xff}, frameRegionStart+frameFixedLen+2)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	be, err := backend.OpenFileBackend(path)
	require.NoError(t, err)
	defer be.Close()
	_, err = Open(be, Config{FlushInterval: time.Millisecond})
	require.ErrorIs(t, err, types.ErrWALCorrupt)
}

func TestAdvanceOldestTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	j := openTestJournal(t, path)
	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, j.Append("cf", testRecord(i), true))
	}
	require.Greater(t, j.Size(), uint64(frameRegionStart))

	require.NoError(t, j.AdvanceOldest(11))
	require.Equal(t, uint64(11), j.OldestSeq())
	require.Equal(t, uint64(frameRegionStart), j.Size())
	require.NoError(t, j.Close())

	// Nothing left to replay, and sequences keep climbing.
	j2 := openTestJournal(t, path)
	defer j2.Close()
	entries, torn := j2.PendingReplay()
	require.False(t, torn)
	require.Empty(t, entries)
	require.NoError(t, j2.Append("cf", testRecord(11), true))
	require.Equal(t, uint64(11), j2.LastAssigned())
}

func TestAdvanceOldestKeepsNewerEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	j := openTestJournal(t, path)
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, j.Append("cf", testRecord(i), true))
	}
	require.NoError(t, j.AdvanceOldest(4))
	require.NoError(t, j.Close())

	j2 := openTestJournal(t, path)
	defer j2.Close()
	entries, _ := j2.PendingReplay()
	require.Len(t, entries, 2)
	require.Equal(t, uint64(4), entries[0].Sequence)
	require.Equal(t, uint64(5), entries[1].Sequence)
}

func TestLargePayloadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	j := openTestJournal(t, path)

	// Large enough to take the compressed-frame path.
	rec := &types.CommitRecord{UserRoot: 7, NextPage: 5000}
	for i := uint64(0); i < 2000; i++ {
		rec.AllocatedPages = append(rec.AllocatedPages, i*3)
		rec.FreedPages = append(rec.FreedPages, i*7)
	}
	require.NoError(t, j.Append("bulk", rec, true))
	require.NoError(t, j.Close())

	j2 := openTestJournal(t, path)
	defer j2.Close()
	entries, _ := j2.PendingReplay()
	require.Len(t, entries, 1)
	require.Equal(t, rec.AllocatedPages, entries[0].Record.AllocatedPages)
	require.Equal(t, rec.FreedPages, entries[0].Record.FreedPages)
}

func TestFrameRoundTrip(t *testing.T) {
	e := &Entry{
		Sequence:     42,
		ColumnFamily: "users",
		Record: &types.CommitRecord{
			UserRoot:       9,
			SystemRoot:     3,
			NextPage:       17,
			AllocatedPages: []uint64{10, 11},
			FreedPages:     []uint64{2},
			Durability:     types.DurabilityEventual,
		},
	}
	buf, err := encodeFrame(e)
	require.NoError(t, err)
	got, err := decodeFrame(buf)
	require.NoError(t, err)
	require.Equal(t, e, got)
}
