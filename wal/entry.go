// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package wal implements the shared write-ahead log: an append-only journal
// of framed, CRC-protected commit records with group commit, crash recovery
// and background checkpointing.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/pierrec/lz4/v4"

	"github.com/dreamsxin/manifold/types"
)

const (
	frameMagic uint32 = 0x4d464a4c // "MFJL"

	// frame layout: magic(4) flags(1) frameLen(4) sequence(8)
	// cfNameLen(2) cfName payload crc(4). frameLen is the total frame
	// size including the CRC.
	frameFixedLen = 4 + 1 + 4 + 8 + 2
	frameCRCLen   = 4

	// flagCompressed marks an lz4 block-compressed payload, prefixed
	// with its uncompressed length.
	flagCompressed = 1 << 0

	// compressThreshold is the payload size above which compression is
	// attempted.
	compressThreshold = 512

	// maxFrameLen bounds a single frame; anything larger fails
	// validation as corrupt.
	maxFrameLen = 64 * 1024 * 1024
)

var frameCRCTable = crc32.MakeTable(crc32.Castagnoli)

// Entry is one journal record: a column family's commit.
type Entry struct {
	Sequence     uint64
	ColumnFamily string
	Record       *types.CommitRecord
}

// encodeFrame serializes e, compressing large payloads.
func encodeFrame(e *Entry) ([]byte, error) {
	if len(e.ColumnFamily) == 0 || len(e.ColumnFamily) > 255 {
		return nil, fmt.Errorf("%w: column family name length %d", types.ErrInvalidArgument, len(e.ColumnFamily))
	}
	payload := e.Record.Encode(nil)
	var flags byte
	if len(payload) > compressThreshold {
		var c lz4.Compressor
		dst := make([]byte, 8+lz4.CompressBlockBound(len(payload)))
		binary.LittleEndian.PutUint64(dst[0:8], uint64(len(payload)))
		n, err := c.CompressBlock(payload, dst[8:])
		if err == nil && n > 0 && n+8 < len(payload) {
			payload = dst[:8+n]
			flags |= flagCompressed
		}
	}

	total := frameFixedLen + len(e.ColumnFamily) + len(payload) + frameCRCLen
	buf := make([]byte, 0, total)
	buf = binary.LittleEndian.AppendUint32(buf, frameMagic)
	buf = append(buf, flags)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(total))
	buf = binary.LittleEndian.AppendUint64(buf, e.Sequence)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(e.ColumnFamily)))
	buf = append(buf, e.ColumnFamily...)
	buf = append(buf, payload...)
	crc := crc32.Checksum(buf, frameCRCTable)
	buf = binary.LittleEndian.AppendUint32(buf, crc)
	return buf, nil
}

// decodeFrame parses one frame from buf. buf must hold exactly the frame
// (frameLen bytes).
func decodeFrame(buf []byte) (*Entry, error) {
	if len(buf) < frameFixedLen+frameCRCLen {
		return nil, fmt.Errorf("%w: short frame", types.ErrCorrupt)
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != frameMagic {
		return nil, fmt.Errorf("%w: bad frame magic", types.ErrCorrupt)
	}
	flags := buf[4]
	total := binary.LittleEndian.Uint32(buf[5:9])
	if int(total) != len(buf) {
		return nil, fmt.Errorf("%w: frame length mismatch", types.ErrCorrupt)
	}
	body := buf[:len(buf)-frameCRCLen]
	want := binary.LittleEndian.Uint32(buf[len(buf)-frameCRCLen:])
	if crc32.Checksum(body, frameCRCTable) != want {
		return nil, fmt.Errorf("%w: frame CRC mismatch", types.ErrCorrupt)
	}
	e := &Entry{Sequence: binary.LittleEndian.Uint64(buf[9:17])}
	nameLen := int(binary.LittleEndian.Uint16(buf[17:19]))
	if frameFixedLen+nameLen+frameCRCLen > len(buf) {
		return nil, fmt.Errorf("%w: frame name truncated", types.ErrCorrupt)
	}
	e.ColumnFamily = string(buf[frameFixedLen : frameFixedLen+nameLen])
	payload := buf[frameFixedLen+nameLen : len(buf)-frameCRCLen]
	if flags&flagCompressed != 0 {
		if len(payload) < 8 {
			return nil, fmt.Errorf("%w: compressed payload truncated", types.ErrCorrupt)
		}
		rawLen := binary.LittleEndian.Uint64(payload[0:8])
		if rawLen > maxFrameLen {
			return nil, fmt.Errorf("%w: impossible payload length %d", types.ErrCorrupt, rawLen)
		}
		dst := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload[8:], dst)
		if err != nil {
			return nil, fmt.Errorf("%w: payload decompression: %v", types.ErrCorrupt, err)
		}
		payload = dst[:n]
	}
	rec, err := types.DecodeCommitRecord(payload)
	if err != nil {
		return nil, err
	}
	e.Record = rec
	return e, nil
}
