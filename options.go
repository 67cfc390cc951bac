// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package manifold

import (
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultPoolSize is the default file-handle pool capacity.
	DefaultPoolSize = 32

	// DefaultSegmentSize is the initial and target segment size for new
	// column families.
	DefaultSegmentSize = 1 << 20 // 1 MiB

	// DefaultCheckpointInterval is the time-based checkpoint trigger.
	DefaultCheckpointInterval = 60 * time.Second

	// DefaultMaxWALSize is the size-based checkpoint trigger.
	DefaultMaxWALSize = 64 << 20 // 64 MiB
)

type config struct {
	poolSize           int
	segmentSize        uint64
	checkpointInterval time.Duration
	maxWALSize         uint64
	flushInterval      time.Duration
	logger             log.Logger
	reg                prometheus.Registerer
}

func defaultConfig() config {
	return config{
		poolSize:           DefaultPoolSize,
		segmentSize:        DefaultSegmentSize,
		checkpointInterval: DefaultCheckpointInterval,
		maxWALSize:         DefaultMaxWALSize,
		logger:             log.NewNopLogger(),
		reg:                prometheus.NewRegistry(),
	}
}

// Option customizes an Open call.
type Option func(*config)

// WithPoolSize sets the file-handle pool capacity. Size 0 is a sentinel
// that disables the pool bound AND the write-ahead log: every commit then
// fsyncs its column family's pages in place.
func WithPoolSize(size int) Option {
	return func(c *config) { c.poolSize = size }
}

// WithSegmentSize sets the default initial/target segment size for new
// column families.
func WithSegmentSize(size uint64) Option {
	return func(c *config) { c.segmentSize = size }
}

// WithCheckpointInterval sets how often the background checkpoint flushes
// dirty column families and recycles journal space.
func WithCheckpointInterval(d time.Duration) Option {
	return func(c *config) { c.checkpointInterval = d }
}

// WithMaxWALSize sets the journal size that forces a checkpoint.
func WithMaxWALSize(size uint64) Option {
	return func(c *config) { c.maxWALSize = size }
}

// WithFlushInterval sets the group-commit window: how long the journal
// gathers commits before a shared sync_data.
func WithFlushInterval(d time.Duration) Option {
	return func(c *config) { c.flushInterval = d }
}

// WithLogger sets the logger for the database and its background workers.
func WithLogger(l log.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithMetricsRegisterer sets where the database registers its metrics. By
// default each database uses its own private registry.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) { c.reg = reg }
}
