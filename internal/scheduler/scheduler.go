// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scheduler is the periodic tick that turns data-source rows into
// batches, tracks membership diffs, creates phase records when due, and
// drives polling for long-running operations.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/latticerun/runbook-engine/internal/bus"
	"github.com/latticerun/runbook-engine/internal/datasource"
	"github.com/latticerun/runbook-engine/internal/dispatch"
	"github.com/latticerun/runbook-engine/internal/dynatable"
	"github.com/latticerun/runbook-engine/internal/lease"
	"github.com/latticerun/runbook-engine/internal/runbook"
	"github.com/latticerun/runbook-engine/internal/store"
)

// runbookConcurrency bounds how many runbooks a single tick processes in
// parallel. Each runbook's own work stays serialized — updates to a given
// batch happen inside short database transactions that never overlap;
// this only lets independent runbooks overlap their query/upsert/dispatch
// I/O.
const runbookConcurrency = 4

// LeaseName is the fixed name of the distributed lease that single-threads
// scheduler ticks across instances.
const LeaseName = "scheduler-tick"

// Config tunes tick cadence and lease behavior.
type Config struct {
	TickInterval time.Duration
	LeaseTTL     time.Duration
	InstanceID   string
}

// DefaultConfig returns sane tick/lease settings for a single daemon process.
func DefaultConfig(instanceID string) Config {
	return Config{
		TickInterval: time.Minute,
		LeaseTTL:     2 * time.Minute,
		InstanceID:   instanceID,
	}
}

// Scheduler runs the periodic detection/dispatch loop.
type Scheduler struct {
	store      store.Store
	lease      *lease.Manager
	sources    map[string]datasource.Adapter
	dyn        *dynatable.Manager
	dispatcher *dispatch.Dispatcher
	bus        bus.Bus
	logger     *slog.Logger
	cfg        Config
}

// New wires a Scheduler. sources maps a runbook data-source connection
// label to the adapter that executes its query.
func New(st store.Store, leaseStore lease.Store, sources map[string]datasource.Adapter, dyn *dynatable.Manager, b bus.Bus, logger *slog.Logger, cfg Config) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	lm := lease.NewManager(leaseStore, LeaseName, cfg.InstanceID, cfg.LeaseTTL)
	return &Scheduler{
		store:      st,
		lease:      lm,
		sources:    sources,
		dyn:        dyn,
		dispatcher: dispatch.New(b),
		bus:        b,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run blocks, ticking at cfg.TickInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick runs exactly one pass of the scheduler algorithm.
// Failing to acquire the lease is a silent no-op, not an error.
func (s *Scheduler) Tick(ctx context.Context) error {
	acquired, err := s.lease.Acquire(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}

	renewCtx, stopRenew := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go s.renewLoop(renewCtx, renewDone)
	defer func() {
		stopRenew()
		<-renewDone
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.lease.Release(releaseCtx); err != nil {
			s.logger.Warn("releasing scheduler lease", "error", err)
		}
	}()

	start := time.Now()
	now := start.UTC()

	runbooks, err := s.store.ListActiveRunbooks(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runbookConcurrency)
	for _, rb := range runbooks {
		if !rb.Enabled {
			continue
		}
		rb := rb
		g.Go(func() error {
			if err := s.tickRunbook(gctx, rb, now); err != nil {
				s.logger.Error("runbook tick failed", "runbook", rb.Name, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := s.pollingSweep(ctx, now); err != nil {
		s.logger.Error("polling sweep failed", "error", err)
	}

	s.logger.Info("scheduler tick complete", "runbooks", len(runbooks), "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (s *Scheduler) renewLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	interval := s.lease.RenewInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := s.lease.Renew(ctx)
			if err != nil {
				s.logger.Warn("lease renew error", "error", err)
				continue
			}
			if !ok {
				s.logger.Warn("lease renew lost ownership")
				return
			}
		}
	}
}

func (s *Scheduler) tickRunbook(ctx context.Context, rb *runbook.Runbook, now time.Time) error {
	adapter, ok := s.sources[rb.Spec.DataSource.Connection]
	if !ok {
		return errNoAdapter(rb.Spec.DataSource.Connection)
	}

	table, err := adapter.Query(ctx, datasource.Descriptor{
		Connection: rb.Spec.DataSource.Connection,
		Query:      rb.Spec.DataSource.Query,
	})
	if err != nil {
		return err
	}

	groups, err := groupByBatchTime(table.Rows, rb.Spec.DataSource, now)
	if err != nil {
		return err
	}

	if err := s.upsertDynamicTable(ctx, rb, table, groups, now); err != nil {
		return err
	}

	for batchTime, rows := range groups {
		batch, err := s.store.FindBatch(ctx, rb.Name, batchTime)
		if err != nil {
			return err
		}
		if batch == nil {
			if err := s.createBatch(ctx, rb, batchTime, rows); err != nil {
				s.logger.Error("creating batch failed", "runbook", rb.Name, "error", err)
			}
			continue
		}
		if batch.Live() {
			if err := s.syncMembers(ctx, rb, batch, rows); err != nil {
				s.logger.Error("syncing batch members failed", "runbook", rb.Name, "batch_id", batch.ID, "error", err)
			}
		}
	}

	if err := s.applyVersionTransitions(ctx, rb, now); err != nil {
		s.logger.Error("version transition failed", "runbook", rb.Name, "error", err)
	}

	if err := s.dispatchDuePhases(ctx, rb, now); err != nil {
		s.logger.Error("dispatching due phases failed", "runbook", rb.Name, "error", err)
	}

	return nil
}
