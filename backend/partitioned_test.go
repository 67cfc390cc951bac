// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package backend

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/manifold/types"
)

func testFile(t *testing.T, size uint64) *FileBackend {
	t.Helper()
	be, err := OpenFileBackend(filepath.Join(t.TempDir(), "part.db"))
	require.NoError(t, err)
	t.Cleanup(func() { be.Close() })
	require.NoError(t, be.SetLen(size))
	return be
}

func TestPartitionedTranslation(t *testing.T) {
	be := testFile(t, 4096)

	// Two non-adjacent segments forming a 2 KiB virtual space.
	segs := []types.Segment{
		{Offset: 0, Length: 1024},
		{Offset: 2048, Length: 1024},
	}
	p := NewPartitionedBackend(be, segs, 1024, nil)

	n, err := p.Len()
	require.NoError(t, err)
	require.Equal(t, uint64(2048), n)

	// A write spanning the segment boundary must split into segment-local
	// writes.
	payload := bytes.Repeat([]byte{0xab}, 512)
	require.NoError(t, p.WriteAt(payload, 768))

	got := make([]byte, 512)
	require.NoError(t, p.ReadAt(got, 768))
	require.Equal(t, payload, got)

	// Physically the halves land in their own segments.
	head := make([]byte, 256)
	require.NoError(t, be.ReadAt(head, 768))
	require.Equal(t, payload[:256], head)
	tail := make([]byte, 256)
	require.NoError(t, be.ReadAt(tail, 2048))
	require.Equal(t, payload[256:], tail)
}

func TestPartitionedReadBeyondEnd(t *testing.T) {
	be := testFile(t, 4096)
	p := NewPartitionedBackend(be, []types.Segment{{Offset: 0, Length: 1024}}, 1024, nil)

	buf := make([]byte, 64)
	require.Error(t, p.ReadAt(buf, 1000))
}

func TestPartitionedExpansion(t *testing.T) {
	be := testFile(t, 1024)

	var granted []types.Segment
	end := uint64(1024)
	expand := func(shortfall uint64) (types.Segment, error) {
		seg := types.Segment{Offset: end, Length: shortfall}
		if err := be.SetLen(end + shortfall); err != nil {
			return types.Segment{}, err
		}
		end += shortfall
		granted = append(granted, seg)
		return seg, nil
	}
	p := NewPartitionedBackend(be, []types.Segment{{Offset: 0, Length: 1024}}, 1024, expand)

	// Writing 300 bytes past the end requests one whole segment unit.
	payload := bytes.Repeat([]byte{0x5a}, 300)
	require.NoError(t, p.WriteAt(payload, 1000))

	require.Len(t, granted, 1)
	require.Equal(t, uint64(1024), granted[0].Length)

	n, err := p.Len()
	require.NoError(t, err)
	require.Equal(t, uint64(2048), n)

	got := make([]byte, 300)
	require.NoError(t, p.ReadAt(got, 1000))
	require.Equal(t, payload, got)
}

func TestPartitionedExpansionRoundsUp(t *testing.T) {
	be := testFile(t, 1024)
	end := uint64(1024)
	var lastShortfall uint64
	expand := func(shortfall uint64) (types.Segment, error) {
		lastShortfall = shortfall
		seg := types.Segment{Offset: end, Length: shortfall}
		require.NoError(t, be.SetLen(end+shortfall))
		end += shortfall
		return seg, nil
	}
	p := NewPartitionedBackend(be, []types.Segment{{Offset: 0, Length: 1024}}, 4096, expand)

	require.NoError(t, p.WriteAt(make([]byte, 100), 1024))
	require.Equal(t, uint64(4096), lastShortfall)
}

func TestPartitionedSetLen(t *testing.T) {
	be := testFile(t, 4096)
	p := NewPartitionedBackend(be, []types.Segment{{Offset: 0, Length: 1024}}, 1024, nil)

	// Growth is data-driven; SetLen above the current size is a no-op.
	require.NoError(t, p.SetLen(4096))
	n, _ := p.Len()
	require.Equal(t, uint64(1024), n)

	// Shrinking is rejected.
	require.ErrorIs(t, p.SetLen(512), types.ErrInvalidArgument)
}

func TestPartitionedFixedSizeWriteFails(t *testing.T) {
	be := testFile(t, 1024)
	p := NewPartitionedBackend(be, []types.Segment{{Offset: 0, Length: 1024}}, 1024, nil)
	require.Error(t, p.WriteAt(make([]byte, 64), 1020))
}
