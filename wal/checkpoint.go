// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package wal

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// CheckpointTarget is a column family engine holding commits that are not
// yet fsynced into its own pages.
type CheckpointTarget interface {
	Name() string
	Dirty() bool
	Checkpoint() error
}

// CheckpointMetrics instruments the checkpoint manager.
type CheckpointMetrics struct {
	Runs     prometheus.Counter
	Failures prometheus.Counter
}

// CheckpointConfig tunes the checkpoint manager.
type CheckpointConfig struct {
	// Interval is the time-based trigger.
	Interval time.Duration

	// MaxWALSize is the size-based trigger: a journal at or above this
	// size forces a checkpoint.
	MaxWALSize uint64

	Logger  log.Logger
	Metrics *CheckpointMetrics
}

// Checkpointer periodically flushes dirty column families' pages and
// advances the journal's oldest_seq so its space can be recycled. Any
// failure leaves the journal intact; the WAL stays the source of truth until
// oldest_seq advances.
type Checkpointer struct {
	j       *Journal
	cfg     CheckpointConfig
	targets func() []CheckpointTarget

	trigger   chan chan error
	shutdownC chan struct{}
	wg        sync.WaitGroup

	errMu   sync.Mutex
	lastErr error
}

// StartCheckpointer launches the background checkpoint loop. targets
// enumerates the currently materialized engines.
func StartCheckpointer(j *Journal, cfg CheckpointConfig, targets func() []CheckpointTarget) *Checkpointer {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	c := &Checkpointer{
		j:         j,
		cfg:       cfg,
		targets:   targets,
		trigger:   make(chan chan error),
		shutdownC: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *Checkpointer) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	sizeTicker := time.NewTicker(time.Second)
	defer sizeTicker.Stop()

	for {
		select {
		case <-c.shutdownC:
			return
		case <-ticker.C:
			c.record(c.checkpoint())
		case <-sizeTicker.C:
			if c.j.Size() >= c.cfg.MaxWALSize {
				c.record(c.checkpoint())
			}
		case resp := <-c.trigger:
			err := c.checkpoint()
			c.record(err)
			resp <- err
		}
	}
}

// checkpoint snapshots the highest assigned sequence, flushes every dirty
// engine, then advances oldest_seq past the snapshot. Transient flush errors
// are retried with backoff before the attempt is abandoned to the next tick.
func (c *Checkpointer) checkpoint() error {
	snap := c.j.LastAssigned()

	backoff := retry.WithMaxRetries(2, retry.NewFibonacci(50*time.Millisecond))
	err := retry.Do(context.Background(), backoff, func(ctx context.Context) error {
		var g errgroup.Group
		for _, t := range c.targets() {
			t := t
			if !t.Dirty() {
				continue
			}
			g.Go(func() error {
				if err := t.Checkpoint(); err != nil {
					level.Error(c.cfg.Logger).Log("msg", "checkpoint flush failed", "cf", t.Name(), "err", err)
					return err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.Failures.Inc()
		}
		return err
	}

	if err := c.j.AdvanceOldest(snap + 1); err != nil {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.Failures.Inc()
		}
		return err
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.Runs.Inc()
	}
	return nil
}

func (c *Checkpointer) record(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	c.lastErr = err
	c.errMu.Unlock()
}

// TakeError returns and clears the last background checkpoint error. The
// database surfaces it on the next foreground operation that touches the
// WAL.
func (c *Checkpointer) TakeError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	err := c.lastErr
	c.lastErr = nil
	return err
}

// Checkpoint runs a checkpoint now and waits for its result.
func (c *Checkpointer) Checkpoint() error {
	resp := make(chan error, 1)
	select {
	case c.trigger <- resp:
		return <-resp
	case <-c.shutdownC:
		return nil
	}
}

// Stop terminates the background loop. It does not run a final checkpoint;
// callers do that explicitly before stopping.
func (c *Checkpointer) Stop() {
	close(c.shutdownC)
	c.wg.Wait()
}
