// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package header

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/manifold/backend"
	"github.com/dreamsxin/manifold/types"
)

func testBackend(t *testing.T) *backend.FileBackend {
	t.Helper()
	be, err := backend.OpenFileBackend(filepath.Join(t.TempDir(), "hdr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { be.Close() })
	require.NoError(t, be.SetLen(RegionSize))
	return be
}

func TestStoreLoadRoundTrip(t *testing.T) {
	be := testBackend(t)

	h := NewMasterHeader()
	h.Add(&types.ColumnFamilyMeta{
		Name:        "users",
		Segments:    []types.Segment{{Offset: RegionSize, Length: 1 << 20}},
		SegmentSize: 1 << 20,
	})
	h.Add(&types.ColumnFamilyMeta{
		Name: "products",
		Segments: []types.Segment{
			{Offset: RegionSize + 1<<20, Length: 1 << 20},
			{Offset: RegionSize + 3<<20, Length: 2 << 20},
		},
		SegmentSize: 1 << 20,
	})
	h.FreeSegments = []types.Segment{{Offset: RegionSize + 2<<20, Length: 1 << 20}}
	require.NoError(t, h.Store(be))

	got, err := Load(be)
	require.NoError(t, err)
	require.Equal(t, h.Generation, got.Generation)
	require.Equal(t, h.DatabaseID, got.DatabaseID)
	require.Len(t, got.ColumnFamilies, 2)
	require.Equal(t, "users", got.ColumnFamilies[0].Name)
	require.Equal(t, h.ColumnFamilies[1].Segments, got.ColumnFamilies[1].Segments)
	require.Equal(t, h.FreeSegments, got.FreeSegments)
}

func TestLoadPicksNewerGeneration(t *testing.T) {
	be := testBackend(t)

	h := NewMasterHeader()
	require.NoError(t, h.Store(be)) // generation 1, slot 0
	h.Add(&types.ColumnFamilyMeta{
		Name:        "a",
		Segments:    []types.Segment{{Offset: RegionSize, Length: 4096}},
		SegmentSize: 4096,
	})
	require.NoError(t, h.Store(be)) // generation 2, slot 1

	got, err := Load(be)
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.Generation)
	require.NotNil(t, got.Find("a"))
}

func TestSlotResilience(t *testing.T) {
	be := testBackend(t)

	h := NewMasterHeader()
	h.Add(&types.ColumnFamilyMeta{
		Name:        "a",
		Segments:    []types.Segment{{Offset: RegionSize, Length: 4096}},
		SegmentSize: 4096,
	})
	require.NoError(t, h.Store(be)) // slot 0
	require.NoError(t, h.Store(be)) // slot 1, newer

	// Corrupt exactly one slot; loading yields the survivor.
	for slot := 0; slot < 2; slot++ {
		garbage := make([]byte, 64)
		for i := range garbage {
			garbage[i] = 0xff
		}
		fresh := testBackend(t)
		require.NoError(t, h.Store(fresh))
		require.NoError(t, h.Store(fresh))
		require.NoError(t, fresh.WriteAt(garbage, uint64(slot)*SlotSize))

		got, err := Load(fresh)
		require.NoError(t, err)
		require.NotNil(t, got.Find("a"))
	}
}

func TestLoadBothSlotsCorrupt(t *testing.T) {
	be := testBackend(t)
	garbage := make([]byte, RegionSize)
	for i := range garbage {
		garbage[i] = 0x42
	}
	require.NoError(t, be.WriteAt(garbage, 0))

	_, err := Load(be)
	require.ErrorIs(t, err, types.ErrHeaderCorrupt)
}

func TestDropRetiresSegments(t *testing.T) {
	h := NewMasterHeader()
	seg := types.Segment{Offset: RegionSize, Length: 8192}
	h.Add(&types.ColumnFamilyMeta{Name: "tmp", Segments: []types.Segment{seg}, SegmentSize: 8192})

	require.True(t, h.Drop("tmp"))
	require.Nil(t, h.Find("tmp"))
	require.Equal(t, []types.Segment{seg}, h.FreeSegments)
	require.False(t, h.Drop("tmp"))

	// Retired segments are reused by future allocations of a fitting
	// size.
	got, ok := h.TakeFreeSegment(4096)
	require.True(t, ok)
	require.Equal(t, seg, got)
	_, ok = h.TakeFreeSegment(4096)
	require.False(t, ok)
}

func TestEndOfSegments(t *testing.T) {
	h := NewMasterHeader()
	require.Equal(t, uint64(RegionSize), h.EndOfSegments())

	h.Add(&types.ColumnFamilyMeta{
		Name:        "a",
		Segments:    []types.Segment{{Offset: RegionSize, Length: 4096}},
		SegmentSize: 4096,
	})
	require.Equal(t, uint64(RegionSize+4096), h.EndOfSegments())

	h.FreeSegments = append(h.FreeSegments, types.Segment{Offset: RegionSize + 8192, Length: 4096})
	require.Equal(t, uint64(RegionSize+12288), h.EndOfSegments())
}

func TestNameTooLong(t *testing.T) {
	be := testBackend(t)
	h := NewMasterHeader()
	long := make([]byte, MaxNameLen+1)
	for i := range long {
		long[i] = 'x'
	}
	h.Add(&types.ColumnFamilyMeta{Name: string(long)})
	require.ErrorIs(t, h.Store(be), types.ErrInvalidArgument)
}
