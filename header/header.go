// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package header implements the master header: the file-level metadata record
// listing every live column family and its segments. Two redundant slots with
// generation counters make a torn header write recoverable.
package header

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"

	"github.com/dreamsxin/manifold/types"
)

const (
	// MagicNumber identifies a manifold database file.
	MagicNumber uint32 = 0x4d464c44 // "MFLD"

	// FormatVersion is the current file format version. Version changes
	// require migration.
	FormatVersion uint32 = 1

	// SlotSize is the reserved size of one header slot.
	SlotSize = 32 * 1024

	// RegionSize is the reserved size of the whole header region at file
	// offset 0. Segments are allocated beyond it.
	RegionSize = 2 * SlotSize

	// MaxNameLen bounds column family names.
	MaxNameLen = 255

	// slot layout: magic(4) version(4) generation(8) uuid(16) bodyLen(4)
	// bodyCRC(4) body.
	slotFixedLen = 4 + 4 + 8 + 16 + 4 + 4
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// MasterHeader is the in-memory form of the header region.
type MasterHeader struct {
	// Generation increments on every rewrite. The slot carrying the larger
	// valid generation is authoritative.
	Generation uint64

	// DatabaseID identifies this database file. Stamped at creation and
	// preserved across reopen.
	DatabaseID uuid.UUID

	// ColumnFamilies are the live column family records, in creation
	// order.
	ColumnFamilies []*types.ColumnFamilyMeta

	// FreeSegments holds segments retired by drop_column_family, available
	// for reuse by future expansions.
	FreeSegments []types.Segment

	// current is the slot index holding Generation on disk (0 or 1). The
	// next store targets the other slot.
	current int
}

// NewMasterHeader returns an empty header for a fresh database file.
func NewMasterHeader() *MasterHeader {
	return &MasterHeader{
		DatabaseID: uuid.New(),
		current:    1, // first store lands in slot 0
	}
}

// Load reads both header slots from b and returns the authoritative one. If
// both slots are invalid the file is unusable and an error is returned
// without mutating the file: types.ErrUnsupported when a slot carries an
// unknown format version, types.ErrHeaderCorrupt otherwise.
func Load(b types.StorageBackend) (*MasterHeader, error) {
	var (
		best        *MasterHeader
		lastErr     error
		unsupported error
	)
	for slot := 0; slot < 2; slot++ {
		h, err := loadSlot(b, slot)
		if err != nil {
			if errors.Is(err, types.ErrUnsupported) {
				unsupported = err
			}
			lastErr = err
			continue
		}
		if best == nil || h.Generation > best.Generation {
			h.current = slot
			best = h
		}
	}
	if best == nil {
		if unsupported != nil {
			return nil, unsupported
		}
		return nil, fmt.Errorf("%w: both slots invalid: %v", types.ErrHeaderCorrupt, lastErr)
	}
	return best, nil
}

// Store writes the header into the non-current slot with an incremented
// generation, then syncs. Only after the sync completes does the in-memory
// state flip to the new slot, so a crash mid-store leaves the previous slot
// authoritative.
func (h *MasterHeader) Store(b types.StorageBackend) error {
	body, err := h.encodeBody()
	if err != nil {
		return err
	}
	gen := h.Generation + 1

	buf := make([]byte, 0, slotFixedLen+len(body))
	buf = binary.LittleEndian.AppendUint32(buf, MagicNumber)
	buf = binary.LittleEndian.AppendUint32(buf, FormatVersion)
	buf = binary.LittleEndian.AppendUint64(buf, gen)
	buf = append(buf, h.DatabaseID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(body)))
	buf = binary.LittleEndian.AppendUint32(buf, crc32.Checksum(body, castagnoli))
	buf = append(buf, body...)

	target := h.current ^ 1
	if err := b.WriteAt(buf, uint64(target)*SlotSize); err != nil {
		return err
	}
	if err := b.SyncData(); err != nil {
		return err
	}
	h.Generation = gen
	h.current = target
	return nil
}

func loadSlot(b types.StorageBackend, slot int) (*MasterHeader, error) {
	fixed := make([]byte, slotFixedLen)
	if err := b.ReadAt(fixed, uint64(slot)*SlotSize); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(fixed[0:4]) != MagicNumber {
		return nil, fmt.Errorf("%w: bad magic in slot %d", types.ErrCorrupt, slot)
	}
	if v := binary.LittleEndian.Uint32(fixed[4:8]); v != FormatVersion {
		return nil, fmt.Errorf("%w: %d in slot %d", types.ErrUnsupported, v, slot)
	}
	h := &MasterHeader{Generation: binary.LittleEndian.Uint64(fixed[8:16])}
	copy(h.DatabaseID[:], fixed[16:32])
	bodyLen := binary.LittleEndian.Uint32(fixed[32:36])
	wantCRC := binary.LittleEndian.Uint32(fixed[36:40])
	if int(bodyLen) > SlotSize-slotFixedLen {
		return nil, fmt.Errorf("%w: impossible body length %d in slot %d", types.ErrCorrupt, bodyLen, slot)
	}
	body := make([]byte, bodyLen)
	if err := b.ReadAt(body, uint64(slot)*SlotSize+slotFixedLen); err != nil {
		return nil, err
	}
	if crc32.Checksum(body, castagnoli) != wantCRC {
		return nil, fmt.Errorf("%w: body CRC mismatch in slot %d", types.ErrCorrupt, slot)
	}
	if err := h.decodeBody(body); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *MasterHeader) encodeBody() ([]byte, error) {
	buf := make([]byte, 0, 512)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(h.ColumnFamilies)))
	for _, cf := range h.ColumnFamilies {
		if len(cf.Name) == 0 || len(cf.Name) > MaxNameLen {
			return nil, fmt.Errorf("%w: column family name length %d", types.ErrInvalidArgument, len(cf.Name))
		}
		buf = append(buf, byte(len(cf.Name)))
		buf = append(buf, cf.Name...)
		buf = binary.LittleEndian.AppendUint64(buf, cf.SegmentSize)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(cf.Segments)))
		for _, s := range cf.Segments {
			buf = binary.LittleEndian.AppendUint64(buf, s.Offset)
			buf = binary.LittleEndian.AppendUint64(buf, s.Length)
		}
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(h.FreeSegments)))
	for _, s := range h.FreeSegments {
		buf = binary.LittleEndian.AppendUint64(buf, s.Offset)
		buf = binary.LittleEndian.AppendUint64(buf, s.Length)
	}
	if len(buf) > SlotSize-slotFixedLen {
		return nil, fmt.Errorf("%w: header body (%d bytes) exceeds slot capacity", types.ErrStorageFull, len(buf))
	}
	return buf, nil
}

func (h *MasterHeader) decodeBody(body []byte) error {
	r := &bodyReader{buf: body}
	n := r.uint32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		nameLen := int(r.byte())
		name := r.bytes(nameLen)
		cf := &types.ColumnFamilyMeta{
			Name:        string(name),
			SegmentSize: r.uint64(),
		}
		segs := r.uint32()
		for j := uint32(0); j < segs && r.err == nil; j++ {
			cf.Segments = append(cf.Segments, types.Segment{Offset: r.uint64(), Length: r.uint64()})
		}
		h.ColumnFamilies = append(h.ColumnFamilies, cf)
	}
	free := r.uint32()
	for i := uint32(0); i < free && r.err == nil; i++ {
		h.FreeSegments = append(h.FreeSegments, types.Segment{Offset: r.uint64(), Length: r.uint64()})
	}
	if r.err != nil {
		return fmt.Errorf("%w: header body truncated", types.ErrCorrupt)
	}
	return nil
}

// Find returns the live column family record with the given name.
func (h *MasterHeader) Find(name string) *types.ColumnFamilyMeta {
	for _, cf := range h.ColumnFamilies {
		if cf.Name == name {
			return cf
		}
	}
	return nil
}

// Add appends a new column family record. The caller has already allocated
// the initial segment and checked name uniqueness.
func (h *MasterHeader) Add(cf *types.ColumnFamilyMeta) {
	h.ColumnFamilies = append(h.ColumnFamilies, cf)
}

// Drop removes the named record and retires its segments to the free list.
func (h *MasterHeader) Drop(name string) bool {
	for i, cf := range h.ColumnFamilies {
		if cf.Name == name {
			h.FreeSegments = append(h.FreeSegments, cf.Segments...)
			h.ColumnFamilies = append(h.ColumnFamilies[:i], h.ColumnFamilies[i+1:]...)
			return true
		}
	}
	return false
}

// TakeFreeSegment removes and returns the first retired segment of at least
// minLen bytes, if any.
func (h *MasterHeader) TakeFreeSegment(minLen uint64) (types.Segment, bool) {
	for i, s := range h.FreeSegments {
		if s.Length >= minLen {
			h.FreeSegments = append(h.FreeSegments[:i], h.FreeSegments[i+1:]...)
			return s, true
		}
	}
	return types.Segment{}, false
}

// EndOfSegments returns the physical end of the highest-placed segment, or
// the end of the header region for an empty file. New segments are placed
// here.
func (h *MasterHeader) EndOfSegments() uint64 {
	end := uint64(RegionSize)
	for _, cf := range h.ColumnFamilies {
		for _, s := range cf.Segments {
			if s.End() > end {
				end = s.End()
			}
		}
	}
	for _, s := range h.FreeSegments {
		if s.End() > end {
			end = s.End()
		}
	}
	return end
}

type bodyReader struct {
	buf []byte
	err error
}

func (r *bodyReader) bytes(n int) []byte {
	if r.err != nil || len(r.buf) < n {
		r.err = types.ErrCorrupt
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *bodyReader) byte() byte {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *bodyReader) uint32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *bodyReader) uint64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}
