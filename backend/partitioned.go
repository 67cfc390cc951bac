// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package backend

import (
	"fmt"
	"sync"

	"github.com/dreamsxin/manifold/types"
)

// ExpandFunc allocates a new segment of at least shortfall bytes for the
// column family owning the partitioned backend. Implementations grow the
// physical file and rewrite the master header before returning; the returned
// segment is appended to the in-memory segment list by the caller.
type ExpandFunc func(shortfall uint64) (types.Segment, error)

// PartitionedBackend presents one column family's virtual address space as a
// storage backend. Virtual offsets are translated through the ordered segment
// list onto the shared underlying file; a write past the end triggers the
// expansion callback.
type PartitionedBackend struct {
	under types.StorageBackend

	// expand is nil for fixed-size partitions (tests); writes past the end
	// then fail.
	expand ExpandFunc

	segmentSize uint64

	// mu guards the segment list. Reads and in-range writes only translate
	// under the read lock; expansion takes the write lock so it is
	// serialized per column family.
	mu       sync.RWMutex
	segments []types.Segment
	starts   []uint64 // cumulative virtual start of each segment
	size     uint64
}

// NewPartitionedBackend wraps under with the given segment list.
// segmentSize is the unit new segments are rounded up to on expansion.
func NewPartitionedBackend(under types.StorageBackend, segments []types.Segment, segmentSize uint64, expand ExpandFunc) *PartitionedBackend {
	p := &PartitionedBackend{
		under:       under,
		expand:      expand,
		segmentSize: segmentSize,
	}
	for _, s := range segments {
		p.starts = append(p.starts, p.size)
		p.segments = append(p.segments, s)
		p.size += s.Length
	}
	return p
}

// Len returns the sum of segment lengths.
func (p *PartitionedBackend) Len() (uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.size, nil
}

func (p *PartitionedBackend) ReadAt(buf []byte, off uint64) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if off+uint64(len(buf)) > p.size {
		return fmt.Errorf("read of %d bytes at %d beyond partition size %d", len(buf), off, p.size)
	}
	return p.forEachRange(off, buf, p.under.ReadAt)
}

func (p *PartitionedBackend) WriteAt(buf []byte, off uint64) error {
	for {
		p.mu.RLock()
		if off+uint64(len(buf)) <= p.size {
			err := p.forEachRange(off, buf, p.under.WriteAt)
			p.mu.RUnlock()
			return err
		}
		need := off + uint64(len(buf))
		p.mu.RUnlock()

		if err := p.grow(need); err != nil {
			return err
		}
	}
}

// grow expands the partition until its size reaches at least need.
func (p *PartitionedBackend) grow(need uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.size < need {
		if p.expand == nil {
			return fmt.Errorf("write beyond fixed partition size %d", p.size)
		}
		shortfall := need - p.size
		if p.segmentSize > 0 {
			shortfall = (shortfall + p.segmentSize - 1) / p.segmentSize * p.segmentSize
		}
		seg, err := p.expand(shortfall)
		if err != nil {
			return err
		}
		p.starts = append(p.starts, p.size)
		p.segments = append(p.segments, seg)
		p.size += seg.Length
	}
	return nil
}

// forEachRange splits the virtual range [off, off+len(buf)) into segment-
// local pieces and invokes op with physical offsets. Callers hold at least
// the read lock.
func (p *PartitionedBackend) forEachRange(off uint64, buf []byte, op func(p []byte, off uint64) error) error {
	// Binary search for the segment containing off.
	lo, hi := 0, len(p.segments)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if p.starts[mid] <= off {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	for i := lo; len(buf) > 0; i++ {
		seg := p.segments[i]
		local := off - p.starts[i]
		n := seg.Length - local
		if n > uint64(len(buf)) {
			n = uint64(len(buf))
		}
		if err := op(buf[:n], seg.Offset+local); err != nil {
			return err
		}
		buf = buf[n:]
		off += n
	}
	return nil
}

// SetLen is a no-op at or above the current size: growth is data-driven
// through the expansion callback. Shrinking a column family is rejected.
func (p *PartitionedBackend) SetLen(size uint64) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if size < p.size {
		return fmt.Errorf("%w: cannot shrink partition from %d to %d", types.ErrInvalidArgument, p.size, size)
	}
	return nil
}

// SyncData flushes the underlying file. This covers every column family
// sharing the file, which is acceptable because checkpoints batch per-CF
// intent anyway.
func (p *PartitionedBackend) SyncData() error {
	return p.under.SyncData()
}

func (p *PartitionedBackend) Close() error {
	return p.under.Close()
}

// Segments returns a copy of the current segment list.
func (p *PartitionedBackend) Segments() []types.Segment {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.Segment, len(p.segments))
	copy(out, p.segments)
	return out
}
