// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package manifold

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dreamsxin/manifold/wal"
)

type dbMetrics struct {
	commits           *prometheus.CounterVec
	readTxns          prometheus.Counter
	cfCreated         prometheus.Counter
	cfDropped         prometheus.Counter
	segmentExpansions prometheus.Counter
	poolAcquisitions  prometheus.Counter
	poolEvictions     prometheus.Counter
	walReplayed       prometheus.Counter
	walTornTails      prometheus.Counter

	wal        *wal.Metrics
	checkpoint *wal.CheckpointMetrics
}

func newDBMetrics(reg prometheus.Registerer) *dbMetrics {
	return &dbMetrics{
		commits: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "commits",
				Help: "commits counts committed write transactions by declared durability.",
			},
			[]string{"durability"},
		),
		readTxns: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "read_transactions",
			Help: "read_transactions counts begin_read calls across all column families.",
		}),
		cfCreated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "column_families_created",
			Help: "column_families_created counts create_column_family calls that succeeded.",
		}),
		cfDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "column_families_dropped",
			Help: "column_families_dropped counts drop_column_family calls that succeeded.",
		}),
		segmentExpansions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "segment_expansions",
			Help: "segment_expansions counts new segments appended to column families" +
				" by out-of-range writes.",
		}),
		poolAcquisitions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pool_acquisitions",
			Help: "pool_acquisitions counts file handles opened through the handle pool.",
		}),
		poolEvictions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pool_evictions",
			Help: "pool_evictions counts column family engines dropped by LRU eviction.",
		}),
		walReplayed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_entries_replayed",
			Help: "wal_entries_replayed counts journal entries applied during crash recovery.",
		}),
		walTornTails: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_torn_tails",
			Help: "wal_torn_tails counts recoveries that discarded a crash-truncated" +
				" journal tail.",
		}),
		wal: &wal.Metrics{
			Appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "wal_appends",
				Help: "wal_appends counts entries appended to the journal.",
			}),
			BytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "wal_bytes_written",
				Help: "wal_bytes_written counts framed bytes appended to the journal.",
			}),
			Syncs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "wal_syncs",
				Help: "wal_syncs counts group-commit sync_data calls. One sync covers" +
					" every entry in its batch.",
			}),
			SyncedEntries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "wal_synced_entries",
				Help: "wal_synced_entries counts entries acknowledged durable. Dividing" +
					" by wal_syncs gives the mean group-commit batch size.",
			}),
			Truncations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "wal_truncations",
				Help: "wal_truncations counts times the journal was truncated back to" +
					" its header after a checkpoint drained it.",
			}),
			SizeBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
				Name: "wal_size_bytes",
				Help: "wal_size_bytes is the journal's current size.",
			}),
		},
		checkpoint: &wal.CheckpointMetrics{
			Runs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "checkpoints",
				Help: "checkpoints counts completed checkpoint runs.",
			}),
			Failures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "checkpoint_failures",
				Help: "checkpoint_failures counts checkpoint attempts that failed and" +
					" left the journal untouched.",
			}),
		},
	}
}
