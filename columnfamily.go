// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package manifold

import (
	"fmt"
	"sync"

	"github.com/dreamsxin/manifold/backend"
	"github.com/dreamsxin/manifold/engine"
	"github.com/dreamsxin/manifold/types"
)

// columnFamilyState is the database's record of one column family. Column
// families are cheap metadata; the engine behind one is built lazily on
// first use and can be evicted by the handle pool at any time no read
// transaction pins it.
type columnFamilyState struct {
	name string
	db   *Database

	mu      sync.RWMutex
	engine  *engine.Engine // nil when not materialized
	dropped bool
}

// ensureEngine returns the column family's engine, materializing it if
// necessary. The double check under the write lock makes first access
// race-free.
func (s *columnFamilyState) ensureEngine() (*engine.Engine, error) {
	s.mu.RLock()
	if s.dropped {
		s.mu.RUnlock()
		return nil, fmt.Errorf("%w: column family %q", types.ErrNotFound, s.name)
	}
	if e := s.engine; e != nil {
		s.mu.RUnlock()
		s.db.pool.touch(s.name)
		return e, nil
	}
	s.mu.RUnlock()

	// Acquire the handle before taking the state lock: acquisition may
	// evict another column family, which takes that family's state lock,
	// and two families materializing while evicting each other must not
	// wait on one another.
	be, err := s.db.pool.acquire(s.name)
	if err != nil {
		return nil, err
	}
	segments, segmentSize, err := s.db.segmentSnapshot(s.name)
	if err != nil {
		be.Close()
		return nil, err
	}
	pb := backend.NewPartitionedBackend(be, segments, segmentSize, s.db.expansionFunc(s.name))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped {
		pb.Close()
		return nil, fmt.Errorf("%w: column family %q", types.ErrNotFound, s.name)
	}
	if s.engine != nil {
		// Lost the materialization race; the winner's engine serves.
		pb.Close()
		s.db.pool.touch(s.name)
		return s.engine, nil
	}

	var sink engine.CommitSink
	if s.db.journal != nil {
		sink = s.db
	}
	eng, err := engine.Open(s.name, pb, engine.Options{
		Logger: s.db.logger,
		Sink:   sink,
		OnReadStart: func() {
			s.db.pool.pin(s.name)
			s.db.metrics.readTxns.Inc()
		},
		OnReadEnd: func() { s.db.pool.unpin(s.name) },
		OnCommit: func(d types.Durability) {
			s.db.metrics.commits.WithLabelValues(d.String()).Inc()
		},
	})
	if err != nil {
		pb.Close()
		return nil, err
	}
	s.engine = eng
	return eng, nil
}

// evictEngine drops the cached engine, flushing unsynced commits first. The
// next access rebuilds it from the column family's pages.
func (s *columnFamilyState) evictEngine() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil {
		s.engine.Close()
		s.engine = nil
	}
}

// currentEngine returns the engine if materialized, without building one.
func (s *columnFamilyState) currentEngine() *engine.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// ColumnFamily is a handle to one independently-transactional key-value
// store inside the database. Handles are cheap and safe for concurrent use.
type ColumnFamily struct {
	state *columnFamilyState
}

// Name returns the column family's name.
func (cf *ColumnFamily) Name() string {
	return cf.state.name
}

// BeginWrite starts the column family's single write transaction, blocking
// until any in-flight one commits or aborts. Writes to other column
// families proceed in parallel.
func (cf *ColumnFamily) BeginWrite() (*engine.WriteTxn, error) {
	e, err := cf.state.ensureEngine()
	if err != nil {
		return nil, err
	}
	return e.BeginWrite()
}

// BeginRead captures a repeatable snapshot of the column family. Readers
// never block writers and vice versa.
func (cf *ColumnFamily) BeginRead() (*engine.ReadTxn, error) {
	e, err := cf.state.ensureEngine()
	if err != nil {
		return nil, err
	}
	return e.BeginRead()
}
