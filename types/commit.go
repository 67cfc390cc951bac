// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package types

import (
	"encoding/binary"
	"fmt"
)

// CommitRecord is the payload of one WAL entry: everything needed to
// re-publish a committed transaction's roots into a column family engine
// after a crash.
type CommitRecord struct {
	// UserRoot is the page id of the table-catalog B-tree root after the
	// commit. Zero means the column family holds no tables.
	UserRoot uint64

	// SystemRoot is the page id of the persisted freelist after the
	// commit. Zero means the freelist is empty.
	SystemRoot uint64

	// NextPage is the page allocator's high-water mark after the commit.
	NextPage uint64

	// AllocatedPages lists pages the transaction allocated.
	AllocatedPages []uint64

	// FreedPages lists pages the transaction released for deferred reuse.
	FreedPages []uint64

	// Durability is the durability level the committer declared.
	Durability Durability
}

const commitRecordFixedLen = 8 + 8 + 8 + 1 + 4 + 4

// EncodedLen returns the exact size of Encode's output.
func (r *CommitRecord) EncodedLen() int {
	return commitRecordFixedLen + 8*(len(r.AllocatedPages)+len(r.FreedPages))
}

// Encode appends the little-endian wire form of r to buf and returns the
// extended slice.
func (r *CommitRecord) Encode(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, r.UserRoot)
	buf = binary.LittleEndian.AppendUint64(buf, r.SystemRoot)
	buf = binary.LittleEndian.AppendUint64(buf, r.NextPage)
	buf = append(buf, byte(r.Durability))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.AllocatedPages)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.FreedPages)))
	for _, p := range r.AllocatedPages {
		buf = binary.LittleEndian.AppendUint64(buf, p)
	}
	for _, p := range r.FreedPages {
		buf = binary.LittleEndian.AppendUint64(buf, p)
	}
	return buf
}

// DecodeCommitRecord parses the wire form produced by Encode.
func DecodeCommitRecord(buf []byte) (*CommitRecord, error) {
	if len(buf) < commitRecordFixedLen {
		return nil, fmt.Errorf("%w: commit record truncated (%d bytes)", ErrCorrupt, len(buf))
	}
	r := &CommitRecord{
		UserRoot:   binary.LittleEndian.Uint64(buf[0:8]),
		SystemRoot: binary.LittleEndian.Uint64(buf[8:16]),
		NextPage:   binary.LittleEndian.Uint64(buf[16:24]),
		Durability: Durability(buf[24]),
	}
	nAlloc := binary.LittleEndian.Uint32(buf[25:29])
	nFreed := binary.LittleEndian.Uint32(buf[29:33])
	rest := buf[commitRecordFixedLen:]
	want := 8 * (int(nAlloc) + int(nFreed))
	if len(rest) != want {
		return nil, fmt.Errorf("%w: commit record page lists truncated (%d of %d bytes)", ErrCorrupt, len(rest), want)
	}
	if nAlloc > 0 {
		r.AllocatedPages = make([]uint64, nAlloc)
		for i := range r.AllocatedPages {
			r.AllocatedPages[i] = binary.LittleEndian.Uint64(rest[i*8:])
		}
		rest = rest[nAlloc*8:]
	}
	if nFreed > 0 {
		r.FreedPages = make([]uint64, nFreed)
		for i := range r.FreedPages {
			r.FreedPages[i] = binary.LittleEndian.Uint64(rest[i*8:])
		}
	}
	return r, nil
}
