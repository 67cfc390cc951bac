// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/go-kit/log/level"

	"github.com/dreamsxin/manifold/types"
)

// scan walks the frame region validating each frame, collecting the entries
// within [oldest_seq, latest_seq] for replay. Damage inside that range is
// fatal (WalCorrupt); anything beyond latest_seq is a crash-truncated tail
// and is discarded.
func (j *Journal) scan(size uint64) error {
	var (
		off          = uint64(frameRegionStart)
		lastReplayed uint64
		endOff       = uint64(frameRegionStart)
	)

	corrupt := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", types.ErrWALCorrupt, fmt.Sprintf(format, args...))
	}
	// replayComplete reports whether every promised sequence has been
	// collected; damage past that point is a tolerable torn tail.
	replayComplete := func() bool {
		return j.latestDurable < j.oldestSeq || lastReplayed >= j.latestDurable
	}

scanLoop:
	for off < size {
		if size-off < frameFixedLen+frameCRCLen {
			break // partial frame header at the tail
		}
		prefix := make([]byte, 9)
		if err := j.b.ReadAt(prefix, off); err != nil {
			return err
		}
		if binary.LittleEndian.Uint32(prefix[0:4]) != frameMagic {
			if !replayComplete() {
				return corrupt("bad frame magic at offset %d, sequence %d not yet seen", off, j.latestDurable)
			}
			break
		}
		frameLen := uint64(binary.LittleEndian.Uint32(prefix[5:9]))
		if frameLen < frameFixedLen+frameCRCLen || frameLen > maxFrameLen || off+frameLen > size {
			if !replayComplete() {
				return corrupt("impossible frame length %d at offset %d", frameLen, off)
			}
			break
		}
		buf := make([]byte, frameLen)
		if err := j.b.ReadAt(buf, off); err != nil {
			return err
		}
		e, err := decodeFrame(buf)
		if err != nil {
			if !replayComplete() {
				return corrupt("invalid frame at offset %d: %v", off, err)
			}
			break
		}

		switch {
		case e.Sequence < j.oldestSeq:
			// Already checkpointed; dead weight awaiting truncation.
			off += frameLen
			endOff = off

		case e.Sequence > j.latestDurable:
			// Written but never acknowledged durable. Ignored, and
			// overwritten by the next append.
			break scanLoop

		default:
			want := j.oldestSeq
			if lastReplayed != 0 {
				want = lastReplayed + 1
			}
			if e.Sequence != want {
				return corrupt("sequence gap: expected %d, found %d", want, e.Sequence)
			}
			j.replay = append(j.replay, e)
			lastReplayed = e.Sequence
			off += frameLen
			endOff = off
		}
	}

	if j.latestDurable >= j.oldestSeq && lastReplayed != j.latestDurable {
		return corrupt("journal ends at sequence %d, header promises %d", lastReplayed, j.latestDurable)
	}

	j.writeOff = endOff
	if endOff < size {
		// Torn tail: recoverable, reported as a warning only.
		j.tailTorn = true
		level.Warn(j.logger).Log("msg", "discarding torn journal tail", "offset", endOff, "bytes", size-endOff)
		if err := j.b.SetLen(endOff); err != nil {
			return err
		}
	}
	return nil
}
