// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamsxin/manifold/types"
)

const (
	walMagic uint32 = 0x4d46574c // "MFWL"

	// header slot layout: magic(4) version(4) generation(8) oldest(8)
	// latest(8) crc(4). Two slots; the larger valid generation wins.
	walSlotLen  = 4 + 4 + 8 + 8 + 8 + 4
	walSlotSize = 256

	// frameRegionStart is where frames begin, after the header slots.
	frameRegionStart = 2 * walSlotSize

	// DefaultFlushInterval is the group-commit window: how long the
	// coalescer gathers entries before one sync_data covers them all.
	DefaultFlushInterval = 2 * time.Millisecond

	// DefaultMaxBatchBytes closes a batch early once this many bytes are
	// waiting on the sync.
	DefaultMaxBatchBytes = 1 << 20
)

// Metrics are the journal's instrumentation hooks, built by the database
// from its registerer. A nil Metrics disables instrumentation.
type Metrics struct {
	Appends      prometheus.Counter
	BytesWritten prometheus.Counter
	Syncs        prometheus.Counter
	SyncedEntries prometheus.Counter
	Truncations  prometheus.Counter
	SizeBytes    prometheus.Gauge
}

// Config tunes a journal.
type Config struct {
	Logger        log.Logger
	FlushInterval time.Duration
	MaxBatchBytes int
	Metrics       *Metrics
}

// batch is one group commit: every entry appended while the batch is open
// shares a single sync_data. Waiters block on done.
type batch struct {
	done    chan struct{}
	err     error
	endSeq  uint64
	entries int
	bytes   int
}

// Journal is the append-only WAL shared by every column family. Sequence
// numbers are total across column families: entries interleave in submission
// order, giving a single crash-recovery linearization.
type Journal struct {
	b       types.StorageBackend
	logger  log.Logger
	metrics *Metrics

	flushInterval time.Duration
	maxBatchBytes int

	// mu serializes appends: sequence assignment, the frame write and
	// batch membership.
	mu       sync.Mutex
	nextSeq  uint64
	writeOff uint64
	cur      *batch

	// hdrMu guards the durable header state and the slot flip.
	hdrMu         sync.Mutex
	oldestSeq     uint64
	latestDurable uint64
	generation    uint64
	slotIdx       int

	// poisonErr, once set, fails every subsequent commit. A failed WAL
	// sync means durability can no longer be promised.
	poisonMu  sync.Mutex
	poisonErr error

	// replay holds the entries recovered at open, released to the caller
	// once via PendingReplay.
	replay   []*Entry
	tailTorn bool

	kickC     chan struct{}
	forceC    chan struct{}
	shutdownC chan struct{}
	wg        sync.WaitGroup
	closed    bool
}

// Open opens (creating if absent) the journal file behind backend b, scans
// it for entries needing replay, and starts the group-commit coalescer.
func Open(b types.StorageBackend, cfg Config) (*Journal, error) {
	j := &Journal{
		b:             b,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		flushInterval: cfg.FlushInterval,
		maxBatchBytes: cfg.MaxBatchBytes,
		kickC:         make(chan struct{}, 1),
		forceC:        make(chan struct{}, 1),
		shutdownC:     make(chan struct{}),
	}
	if j.logger == nil {
		j.logger = log.NewNopLogger()
	}
	if j.flushInterval <= 0 {
		j.flushInterval = DefaultFlushInterval
	}
	if j.maxBatchBytes <= 0 {
		j.maxBatchBytes = DefaultMaxBatchBytes
	}

	size, err := b.Len()
	if err != nil {
		return nil, err
	}
	if size < frameRegionStart {
		// Fresh journal.
		j.oldestSeq = 1
		j.latestDurable = 0
		j.generation = 1
		j.slotIdx = 0
		j.nextSeq = 1
		j.writeOff = frameRegionStart
		if err := b.WriteAt(j.encodeSlot(), 0); err != nil {
			return nil, err
		}
		if err := b.SetLen(frameRegionStart); err != nil {
			return nil, err
		}
		if err := b.SyncData(); err != nil {
			return nil, err
		}
	} else {
		if err := j.loadHeader(); err != nil {
			return nil, err
		}
		if err := j.scan(size); err != nil {
			return nil, err
		}
	}

	j.wg.Add(1)
	go j.run()
	return j, nil
}

func (j *Journal) encodeSlot() []byte {
	buf := make([]byte, 0, walSlotLen)
	buf = binary.LittleEndian.AppendUint32(buf, walMagic)
	buf = binary.LittleEndian.AppendUint32(buf, 1)
	buf = binary.LittleEndian.AppendUint64(buf, j.generation)
	buf = binary.LittleEndian.AppendUint64(buf, j.oldestSeq)
	buf = binary.LittleEndian.AppendUint64(buf, j.latestDurable)
	crc := crc32.Checksum(buf, frameCRCTable)
	return binary.LittleEndian.AppendUint32(buf, crc)
}

func (j *Journal) loadHeader() error {
	type slot struct {
		gen, oldest, latest uint64
	}
	var (
		best    *slot
		bestIdx int
	)
	for i := 0; i < 2; i++ {
		buf := make([]byte, walSlotLen)
		if err := j.b.ReadAt(buf, uint64(i)*walSlotSize); err != nil {
			continue
		}
		if binary.LittleEndian.Uint32(buf[0:4]) != walMagic {
			continue
		}
		want := binary.LittleEndian.Uint32(buf[walSlotLen-4:])
		if crc32.Checksum(buf[:walSlotLen-4], frameCRCTable) != want {
			continue
		}
		s := &slot{
			gen:    binary.LittleEndian.Uint64(buf[8:16]),
			oldest: binary.LittleEndian.Uint64(buf[16:24]),
			latest: binary.LittleEndian.Uint64(buf[24:32]),
		}
		if best == nil || s.gen > best.gen {
			best = s
			bestIdx = i
		}
	}
	if best == nil {
		return fmt.Errorf("%w: both journal header slots invalid", types.ErrWALCorrupt)
	}
	j.generation = best.gen
	j.oldestSeq = best.oldest
	j.latestDurable = best.latest
	j.slotIdx = bestIdx
	j.nextSeq = best.latest + 1
	if j.nextSeq < j.oldestSeq {
		j.nextSeq = j.oldestSeq
	}
	return nil
}

// PendingReplay returns the entries recovery must apply, in sequence order,
// and whether a torn tail was discarded. The slice is released to the caller.
func (j *Journal) PendingReplay() (entries []*Entry, tailTorn bool) {
	entries, tailTorn = j.replay, j.tailTorn
	j.replay = nil
	return entries, tailTorn
}

// Append assigns the next sequence number to a commit record, writes its
// frame and joins the open group-commit batch. With wait set it blocks until
// the batch's sync completes; otherwise it returns as soon as the frame is
// enqueued.
func (j *Journal) Append(cfName string, rec *types.CommitRecord, wait bool) error {
	if err := j.poisoned(); err != nil {
		return err
	}

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return types.ErrClosed
	}
	e := &Entry{Sequence: j.nextSeq, ColumnFamily: cfName, Record: rec}
	frame, err := encodeFrame(e)
	if err != nil {
		j.mu.Unlock()
		return err
	}
	if err := j.b.WriteAt(frame, j.writeOff); err != nil {
		// A failed frame write leaves a hole no later frame can be
		// read across; the journal cannot accept more commits.
		j.failBatchLocked(err)
		j.mu.Unlock()
		j.poison(err)
		return err
	}
	j.nextSeq++
	j.writeOff += uint64(len(frame))
	if j.cur == nil {
		j.cur = &batch{done: make(chan struct{})}
		select {
		case j.kickC <- struct{}{}:
		default:
		}
	}
	j.cur.endSeq = e.Sequence
	j.cur.entries++
	j.cur.bytes += len(frame)
	b := j.cur
	force := j.cur.bytes >= j.maxBatchBytes
	if j.metrics != nil {
		j.metrics.Appends.Inc()
		j.metrics.BytesWritten.Add(float64(len(frame)))
		j.metrics.SizeBytes.Set(float64(j.writeOff))
	}
	j.mu.Unlock()

	if force {
		select {
		case j.forceC <- struct{}{}:
		default:
		}
	}
	if wait {
		<-b.done
		return b.err
	}
	return nil
}

// run is the group-commit coalescer. It gathers entries for one flush
// interval (or until a batch fills or a flush is forced), then syncs once
// for the whole batch and wakes every waiter.
func (j *Journal) run() {
	defer j.wg.Done()
	for {
		select {
		case <-j.shutdownC:
			j.flushBatch()
			return
		case <-j.kickC:
		}
		timer := time.NewTimer(j.flushInterval)
		select {
		case <-timer.C:
		case <-j.forceC:
			timer.Stop()
		case <-j.shutdownC:
			timer.Stop()
			j.flushBatch()
			return
		}
		j.flushBatch()
	}
}

func (j *Journal) flushBatch() {
	j.mu.Lock()
	b := j.cur
	j.cur = nil
	j.mu.Unlock()
	if b == nil {
		return
	}

	err := j.b.SyncData()
	if err == nil {
		err = j.storeHeader(func() { j.latestDurable = b.endSeq })
	}
	if err != nil {
		level.Error(j.logger).Log("msg", "journal sync failed", "err", err)
		j.poison(err)
		b.err = err
	} else if j.metrics != nil {
		j.metrics.Syncs.Inc()
		j.metrics.SyncedEntries.Add(float64(b.entries))
	}
	close(b.done)
}

// storeHeader applies update to the header fields and writes the result into
// the non-current slot, flipping only after the sync succeeds.
func (j *Journal) storeHeader(update func()) error {
	j.hdrMu.Lock()
	defer j.hdrMu.Unlock()
	update()
	j.generation++
	target := j.slotIdx ^ 1
	if err := j.b.WriteAt(j.encodeSlot(), uint64(target)*walSlotSize); err != nil {
		j.generation--
		return err
	}
	if err := j.b.SyncData(); err != nil {
		j.generation--
		return err
	}
	j.slotIdx = target
	return nil
}

// Flush forces the open batch (if any) to sync and waits for it.
func (j *Journal) Flush() error {
	j.mu.Lock()
	b := j.cur
	j.mu.Unlock()
	if b == nil {
		return j.poisoned()
	}
	select {
	case j.forceC <- struct{}{}:
	default:
	}
	<-b.done
	return b.err
}

// LastAssigned returns the highest sequence number handed out so far.
func (j *Journal) LastAssigned() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextSeq - 1
}

// OldestSeq returns the current durable oldest sequence.
func (j *Journal) OldestSeq() uint64 {
	j.hdrMu.Lock()
	defer j.hdrMu.Unlock()
	return j.oldestSeq
}

// LatestSeq returns the durable latest sequence.
func (j *Journal) LatestSeq() uint64 {
	j.hdrMu.Lock()
	defer j.hdrMu.Unlock()
	return j.latestDurable
}

// Size returns the journal's current byte size.
func (j *Journal) Size() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.writeOff
}

// AdvanceOldest durably moves oldest_seq to newOldest. When the journal has
// no live frames left it is truncated back to its header region, recycling
// the space.
func (j *Journal) AdvanceOldest(newOldest uint64) error {
	j.hdrMu.Lock()
	if newOldest <= j.oldestSeq {
		j.hdrMu.Unlock()
		return nil
	}
	j.hdrMu.Unlock()

	if err := j.storeHeader(func() { j.oldestSeq = newOldest }); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cur == nil && j.nextSeq == newOldest && j.writeOff > frameRegionStart {
		if err := j.b.SetLen(frameRegionStart); err != nil {
			return err
		}
		j.writeOff = frameRegionStart
		if j.metrics != nil {
			j.metrics.Truncations.Inc()
			j.metrics.SizeBytes.Set(float64(j.writeOff))
		}
	}
	return nil
}

func (j *Journal) poison(err error) {
	j.poisonMu.Lock()
	if j.poisonErr == nil {
		j.poisonErr = err
	}
	j.poisonMu.Unlock()
}

func (j *Journal) poisoned() error {
	j.poisonMu.Lock()
	defer j.poisonMu.Unlock()
	if j.poisonErr != nil {
		return fmt.Errorf("%w: journal: %v", types.ErrPoisoned, j.poisonErr)
	}
	return nil
}

// failBatchLocked fails the open batch. Callers hold mu.
func (j *Journal) failBatchLocked(err error) {
	if j.cur != nil {
		j.cur.err = err
		close(j.cur.done)
		j.cur = nil
	}
}

// Close stops the coalescer, flushes any open batch and closes the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	close(j.shutdownC)
	j.wg.Wait()
	return j.b.Close()
}
