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

// Package admin implements the manual batch controller: the
// state machine driving manually-triggered batches through advance/cancel,
// and membership changes for any live batch. Unlike the scheduler, there
// is no cron-driven tick here — every transition is an explicit caller
// command, still expressed through the same compare-and-set guards the
// scheduler and orchestrator use, so a duplicate admin call is as safe as
// a duplicate bus delivery.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/latticerun/runbook-engine/internal/bus"
	csvpkg "github.com/latticerun/runbook-engine/internal/csv"
	"github.com/latticerun/runbook-engine/internal/phaseeval"
	"github.com/latticerun/runbook-engine/internal/runbook"
	"github.com/latticerun/runbook-engine/internal/store"
	pkgerrors "github.com/latticerun/runbook-engine/pkg/errors"
)

// Controller exposes the manual batch operations; internal/httpapi wires
// it behind the admin HTTP surface.
type Controller struct {
	store  store.Store
	bus    bus.Bus
	logger *slog.Logger
}

// New wires a Controller.
func New(st store.Store, b bus.Bus, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{store: st, bus: b, logger: logger}
}

// CreateManualBatch seeds a manual batch's initial rows (detected status,
// full phase plan, init executions if declared) without dispatching
// anything — the first Advance call drives it forward.
func (c *Controller) CreateManualBatch(ctx context.Context, rb *runbook.Runbook, memberKeys []string, memberData map[string]string) (*store.Batch, error) {
	phases := phaseeval.NewBatchPlan(rb.Spec.PhaseSpecs(), time.Now().UTC(), rb.Version)

	seeds := make([]store.InitExecutionSeed, 0, len(rb.Spec.Init))
	for i, step := range rb.Spec.Init {
		paramsJSON, err := json.Marshal(step.Params)
		if err != nil {
			return nil, err
		}
		maxRetries, interval := step.EffectiveRetry(rb.Spec.Retry)
		seed := store.InitExecutionSeed{
			RunbookVersion:   rb.Version,
			StepIndex:        i,
			StepName:         step.Name,
			WorkerID:         step.WorkerID,
			Function:         step.Function,
			ParamsJSON:       string(paramsJSON),
			MaxRetries:       maxRetries,
			RetryIntervalSec: int(interval.Seconds()),
			OnFailure:        step.OnFailure,
		}
		if step.Poll != nil {
			seed.PollIntervalSec = int(step.Poll.Interval.Seconds())
			seed.PollTimeoutSec = int(step.Poll.Timeout.Seconds())
		}
		seeds = append(seeds, seed)
	}

	batch, err := c.store.CreateBatch(ctx, store.NewBatchInput{
		RunbookName:    rb.Name,
		RunbookVersion: rb.Version,
		BatchStartTime: time.Now().UTC(),
		IsManual:       true,
		MemberKeys:     memberKeys,
		MemberData:     memberData,
		Phases:         phases,
		Init:           seeds,
	})
	if err != nil {
		return nil, err
	}
	c.audit(ctx, &batch.ID, rb.Name, "manual_batch_created", fmt.Sprintf("created with %d members", len(memberKeys)))
	return batch, nil
}

// AdvanceResult reports what Advance did, for the HTTP envelope.
type AdvanceResult struct {
	BatchStatus store.BatchStatus
	PhaseName   string // set when a phase was dispatched
}

// Advance is the idempotent advance command: it moves a manual batch one
// transition forward and is safe to call repeatedly.
func (c *Controller) Advance(ctx context.Context, batchID int64) (*AdvanceResult, error) {
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if !batch.IsManual {
		return nil, pkgerrors.ErrBatchNotManual
	}

	switch batch.Status {
	case store.BatchDetected:
		return c.advanceFromDetected(ctx, batch)
	case store.BatchInitDispatched:
		return nil, fmt.Errorf("%w: init steps not yet completed", pkgerrors.ErrPhaseInProgress)
	case store.BatchActive:
		return c.advanceFromActive(ctx, batch)
	default:
		return &AdvanceResult{BatchStatus: batch.Status}, nil
	}
}

func (c *Controller) advanceFromDetected(ctx context.Context, batch *store.Batch) (*AdvanceResult, error) {
	inits, err := c.store.ListInitByBatch(ctx, batch.ID)
	if err != nil {
		return nil, err
	}
	if len(inits) > 0 {
		if err := c.bus.Publish(ctx, bus.SubjectBatchInit, bus.BatchInitEvent{
			RunbookName: batch.RunbookName, RunbookVersion: batch.RunbookVersion, BatchID: batch.ID,
		}); err != nil {
			return nil, err
		}
		if _, err := c.store.SetBatchStatus(ctx, batch.ID, store.BatchDetected, store.BatchInitDispatched); err != nil {
			return nil, err
		}
		c.audit(ctx, &batch.ID, batch.RunbookName, "manual_batch_advance", "dispatched init steps")
		return &AdvanceResult{BatchStatus: store.BatchInitDispatched}, nil
	}

	if _, err := c.store.SetBatchStatus(ctx, batch.ID, store.BatchDetected, store.BatchActive); err != nil {
		return nil, err
	}
	c.audit(ctx, &batch.ID, batch.RunbookName, "manual_batch_advance", "activated, no init steps declared")
	return &AdvanceResult{BatchStatus: store.BatchActive}, nil
}

func (c *Controller) advanceFromActive(ctx context.Context, batch *store.Batch) (*AdvanceResult, error) {
	phases, err := c.store.ListPhasesByBatch(ctx, batch.ID)
	if err != nil {
		return nil, err
	}
	current := make([]*store.PhaseExecution, 0, len(phases))
	for _, p := range phases {
		if p.RunbookVersion == batch.RunbookVersion {
			current = append(current, p)
		}
	}
	sort.Slice(current, func(i, j int) bool {
		return phaseeval.Compare(current[i].OffsetMinutes, current[i].ID, current[j].OffsetMinutes, current[j].ID) < 0
	})

	allDone := true
	for _, p := range current {
		switch p.Status {
		case phaseeval.StatusCompleted, phaseeval.StatusSkipped, phaseeval.StatusSuperseded:
			continue
		case phaseeval.StatusDispatched:
			allDone = false
			return nil, fmt.Errorf("%w: phase %q still in progress", pkgerrors.ErrPhaseInProgress, p.PhaseName)
		case phaseeval.StatusPending:
			allDone = false
			members, err := c.store.ListMembers(ctx, batch.ID)
			if err != nil {
				return nil, err
			}
			memberIDs := make([]int64, 0, len(members))
			for _, m := range members {
				if m.Status == store.MemberActive {
					memberIDs = append(memberIDs, m.ID)
				}
			}
			if err := c.bus.Publish(ctx, bus.SubjectPhaseDue, bus.PhaseDueEvent{
				RunbookName: batch.RunbookName, RunbookVersion: p.RunbookVersion, BatchID: batch.ID,
				PhaseExecutionID: p.ID, PhaseName: p.PhaseName, OffsetMinutes: p.OffsetMinutes,
				DueAt: p.DueAt, MemberIDs: memberIDs,
			}); err != nil {
				return nil, err
			}
			if _, err := c.store.SetPhaseStatus(ctx, p.ID, phaseeval.StatusPending, phaseeval.StatusDispatched); err != nil {
				return nil, err
			}
			c.audit(ctx, &batch.ID, batch.RunbookName, "manual_batch_advance", fmt.Sprintf("dispatched phase %q", p.PhaseName))
			return &AdvanceResult{BatchStatus: batch.Status, PhaseName: p.PhaseName}, nil
		case phaseeval.StatusFailed:
			allDone = false
		}
	}

	if allDone {
		if _, err := c.store.SetBatchStatus(ctx, batch.ID, store.BatchActive, store.BatchCompleted); err != nil {
			return nil, err
		}
		c.audit(ctx, &batch.ID, batch.RunbookName, "manual_batch_advance", "all phases terminal, batch completed")
		return &AdvanceResult{BatchStatus: store.BatchCompleted}, nil
	}

	return &AdvanceResult{BatchStatus: batch.Status}, nil
}

// Cancel is the cancel command: move the batch to
// cancelled and cancel every pending/dispatched step and init execution.
func (c *Controller) Cancel(ctx context.Context, batchID int64) error {
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status.Terminal() {
		return nil
	}

	if _, err := c.store.SetBatchStatus(ctx, batch.ID, batch.Status, store.BatchCancelled); err != nil {
		return err
	}

	phases, err := c.store.ListPhasesByBatch(ctx, batch.ID)
	if err != nil {
		return err
	}
	for _, p := range phases {
		steps, err := c.store.ListStepsByPhase(ctx, p.ID)
		if err != nil {
			return err
		}
		for _, st := range steps {
			if st.Status.Terminal() {
				continue
			}
			if _, err := c.store.SetStepStatus(ctx, st.ID, st.Status, store.StepCancelled); err != nil {
				return err
			}
		}
	}

	inits, err := c.store.ListInitByBatch(ctx, batch.ID)
	if err != nil {
		return err
	}
	for _, it := range inits {
		if it.Status.Terminal() {
			continue
		}
		if _, err := c.store.SetInitStatus(ctx, it.ID, it.Status, store.StepCancelled); err != nil {
			return err
		}
	}

	c.audit(ctx, &batch.ID, batch.RunbookName, "manual_batch_cancel", "batch and in-flight executions cancelled")
	return nil
}

// AddMembers inserts new members and dispatches member-added for each,
// stamping the dispatch timestamp only on a successful publish so a
// failed publish is retried by the next scheduler tick.
func (c *Controller) AddMembers(ctx context.Context, batch *store.Batch, rows []csvpkg.Row, primaryKey string) (int, error) {
	added := 0
	for _, row := range rows {
		key := row[primaryKey]
		encoded, err := json.Marshal(row)
		if err != nil {
			return added, err
		}
		m, err := c.store.AddMember(ctx, batch.ID, key, string(encoded))
		if err != nil {
			return added, err
		}
		added++
		if err := c.bus.Publish(ctx, bus.SubjectMemberAdded, bus.MemberAddedEvent{
			RunbookName: batch.RunbookName, BatchID: batch.ID, MemberID: m.ID,
		}); err == nil {
			_ = c.store.StampAddDispatched(ctx, m.ID, time.Now().UTC())
		}
	}
	c.audit(ctx, &batch.ID, batch.RunbookName, "manual_batch_add_members", fmt.Sprintf("%d member(s) added", added))
	return added, nil
}

// RemoveMembers marks the named member keys removed and dispatches
// member-removed for each.
func (c *Controller) RemoveMembers(ctx context.Context, batch *store.Batch, memberKeys []string) (int, error) {
	members, err := c.store.ListMembers(ctx, batch.ID)
	if err != nil {
		return 0, err
	}
	byKey := make(map[string]*store.Member, len(members))
	for _, m := range members {
		byKey[m.MemberKey] = m
	}

	removed := 0
	for _, key := range memberKeys {
		m, ok := byKey[key]
		if !ok || m.Status != store.MemberActive {
			continue
		}
		if err := c.store.SetMemberStatus(ctx, m.ID, store.MemberRemoved); err != nil {
			return removed, err
		}
		removed++
		if err := c.bus.Publish(ctx, bus.SubjectMemberRemoved, bus.MemberRemovedEvent{
			RunbookName: batch.RunbookName, BatchID: batch.ID, MemberID: m.ID,
		}); err == nil {
			_ = c.store.StampRemoveDispatched(ctx, m.ID, time.Now().UTC())
		}
	}
	c.audit(ctx, &batch.ID, batch.RunbookName, "manual_batch_remove_members", fmt.Sprintf("%d member(s) removed", removed))
	return removed, nil
}

func (c *Controller) audit(ctx context.Context, batchID *int64, runbookName, kind, summary string) {
	if err := c.store.RecordAudit(ctx, store.AuditEntry{BatchID: batchID, RunbookName: runbookName, Kind: kind, Summary: summary}); err != nil {
		c.logger.Warn("recording audit entry failed", "kind", kind, "error", err)
	}
}
