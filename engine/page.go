// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package engine implements the per-column-family transactional engine: a
// copy-on-write B-tree with MVCC snapshot reads, a page allocator with a
// generation-delayed freelist, and single-writer transactions.
package engine

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/dreamsxin/manifold/types"
)

const (
	// PageSize is the engine page size. Every allocation is one page.
	PageSize = 4096

	// commitSlotSize is the reserved size of one commit slot at the start
	// of the column family's virtual address space.
	commitSlotSize = 512

	// dataStart is the virtual offset of page 1. The two commit slots and
	// padding occupy the first page.
	dataStart = PageSize

	commitSlotMagic uint32 = 0x4d464345 // "MFCE"

	// commit slot layout: magic(4) version(4) generation(8) userRoot(8)
	// systemRoot(8) nextPage(8) crc(4).
	commitSlotLen = 4 + 4 + 8 + 8 + 8 + 8 + 4
)

var slotCRCTable = crc32.MakeTable(crc32.Castagnoli)

// rootState is the engine's published state: one immutable committed
// snapshot. Readers capture it at begin time; the single writer replaces it
// at commit.
type rootState struct {
	// generation increments with every published commit.
	generation uint64

	// userRoot is the table-catalog B-tree root page, 0 when empty.
	userRoot uint64

	// systemRoot is the persisted freelist chain head, 0 when empty. Only
	// checkpoints move it.
	systemRoot uint64

	// nextPage is the allocator high-water mark.
	nextPage uint64
}

func pageOffset(id uint64) uint64 {
	return dataStart + (id-1)*PageSize
}

func (e *Engine) readPage(id uint64, buf []byte) error {
	if id == 0 {
		return fmt.Errorf("%w: read of nil page", types.ErrCorrupt)
	}
	return e.b.ReadAt(buf, pageOffset(id))
}

func (e *Engine) writePage(id uint64, buf []byte) error {
	if len(buf) != PageSize {
		return fmt.Errorf("page %d write of %d bytes", id, len(buf))
	}
	return e.b.WriteAt(buf, pageOffset(id))
}

func encodeCommitSlot(s *rootState) []byte {
	buf := make([]byte, 0, commitSlotLen)
	buf = binary.LittleEndian.AppendUint32(buf, commitSlotMagic)
	buf = binary.LittleEndian.AppendUint32(buf, 1)
	buf = binary.LittleEndian.AppendUint64(buf, s.generation)
	buf = binary.LittleEndian.AppendUint64(buf, s.userRoot)
	buf = binary.LittleEndian.AppendUint64(buf, s.systemRoot)
	buf = binary.LittleEndian.AppendUint64(buf, s.nextPage)
	crc := crc32.Checksum(buf, slotCRCTable)
	return binary.LittleEndian.AppendUint32(buf, crc)
}

func decodeCommitSlot(buf []byte) (*rootState, error) {
	if len(buf) < commitSlotLen {
		return nil, fmt.Errorf("%w: short commit slot", types.ErrCorrupt)
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != commitSlotMagic {
		return nil, fmt.Errorf("%w: bad commit slot magic", types.ErrCorrupt)
	}
	want := binary.LittleEndian.Uint32(buf[commitSlotLen-4 : commitSlotLen])
	if crc32.Checksum(buf[:commitSlotLen-4], slotCRCTable) != want {
		return nil, fmt.Errorf("%w: commit slot CRC mismatch", types.ErrCorrupt)
	}
	return &rootState{
		generation: binary.LittleEndian.Uint64(buf[8:16]),
		userRoot:   binary.LittleEndian.Uint64(buf[16:24]),
		systemRoot: binary.LittleEndian.Uint64(buf[24:32]),
		nextPage:   binary.LittleEndian.Uint64(buf[32:40]),
	}, nil
}
