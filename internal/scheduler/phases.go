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

package scheduler

import (
	"context"
	"time"

	"github.com/latticerun/runbook-engine/internal/bus"
	"github.com/latticerun/runbook-engine/internal/phaseeval"
	"github.com/latticerun/runbook-engine/internal/runbook"
	"github.com/latticerun/runbook-engine/internal/store"
)

// applyVersionTransitions runs the version-transition rule: for every
// live batch of rb whose recorded phase version differs from rb's active
// version, supersede pending older-version phases and create the new
// version's phase set (catch_up vs ignore for already-overdue phases).
func (s *Scheduler) applyVersionTransitions(ctx context.Context, rb *runbook.Runbook, now time.Time) error {
	batches, err := s.store.ListLiveBatches(ctx, rb.Name)
	if err != nil {
		return err
	}

	for _, batch := range batches {
		if batch.RunbookVersion == rb.Version {
			continue
		}
		if err := s.transitionBatch(ctx, rb, batch, now); err != nil {
			s.logger.Error("version transition failed for batch", "runbook", rb.Name, "batch_id", batch.ID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) transitionBatch(ctx context.Context, rb *runbook.Runbook, batch *store.Batch, now time.Time) error {
	existingPhases, err := s.store.ListPhasesByBatch(ctx, batch.ID)
	if err != nil {
		return err
	}

	existing := make([]phaseeval.ExistingPhase, 0, len(existingPhases))
	for _, p := range existingPhases {
		existing = append(existing, phaseeval.ExistingPhase{
			PhaseName: p.PhaseName,
			Status:    p.Status,
			Version:   p.RunbookVersion,
		})
	}

	result := phaseeval.ApplyVersionTransition(rb.Spec.PhaseSpecs(), existing, batch.BatchStartTime, rb.Version, now, string(rb.OverdueBehavior))

	if err := s.store.ApplyVersionTransition(ctx, batch.ID, result.NewPhases, result.SupersededPhases, rb.Version); err != nil {
		return err
	}

	if result.IgnoreApplied && !rb.IgnoreOverdueApplied {
		if err := s.store.SetIgnoreOverdueApplied(ctx, rb.ID); err != nil {
			return err
		}
	}

	if rb.RerunInit && len(rb.Spec.Init) > 0 {
		inits, err := s.store.ListInitByBatch(ctx, batch.ID)
		if err != nil {
			return err
		}
		hasNewVersion := false
		for _, it := range inits {
			if it.RunbookVersion == rb.Version {
				hasNewVersion = true
				break
			}
		}
		if !hasNewVersion {
			seeds, err := buildInitSeeds(rb)
			if err != nil {
				return err
			}
			rows := make([]*store.InitExecution, 0, len(seeds))
			for _, seed := range seeds {
				rows = append(rows, &store.InitExecution{
					BatchID:          batch.ID,
					RunbookVersion:   seed.RunbookVersion,
					StepIndex:        seed.StepIndex,
					StepName:         seed.StepName,
					WorkerID:         seed.WorkerID,
					Function:         seed.Function,
					ParamsJSON:       seed.ParamsJSON,
					PollIntervalSec:  seed.PollIntervalSec,
					PollTimeoutSec:   seed.PollTimeoutSec,
					MaxRetries:       seed.MaxRetries,
					RetryIntervalSec: seed.RetryIntervalSec,
					OnFailure:        seed.OnFailure,
					Status:           store.StepPending,
				})
			}
			if err := s.store.CreateInitSteps(ctx, rows); err != nil {
				return err
			}
			if err := s.bus.Publish(ctx, bus.SubjectBatchInit, bus.BatchInitEvent{
				RunbookName:    rb.Name,
				RunbookVersion: rb.Version,
				BatchID:        batch.ID,
			}); err != nil {
				return err
			}
		}
	}

	return nil
}

// dispatchDuePhases publishes phase-due for
// every pending phase execution whose due_at has passed, loading each
// batch's active members exactly once even when several of its phases are
// due in the same tick.
func (s *Scheduler) dispatchDuePhases(ctx context.Context, rb *runbook.Runbook, now time.Time) error {
	due, err := s.store.DuePendingPhases(ctx, rb.Name, now)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	byBatch := make(map[int64][]*store.PhaseExecution)
	order := make([]int64, 0)
	for _, p := range due {
		if _, ok := byBatch[p.BatchID]; !ok {
			order = append(order, p.BatchID)
		}
		byBatch[p.BatchID] = append(byBatch[p.BatchID], p)
	}

	for _, batchID := range order {
		members, err := s.store.ListMembers(ctx, batchID)
		if err != nil {
			s.logger.Error("loading members for due phases failed", "batch_id", batchID, "error", err)
			continue
		}
		memberIDs := make([]int64, 0, len(members))
		for _, m := range members {
			if m.Status == store.MemberActive {
				memberIDs = append(memberIDs, m.ID)
			}
		}

		for _, p := range byBatch[batchID] {
			if err := s.bus.Publish(ctx, bus.SubjectPhaseDue, bus.PhaseDueEvent{
				RunbookName:      rb.Name,
				RunbookVersion:   p.RunbookVersion,
				BatchID:          p.BatchID,
				PhaseExecutionID: p.ID,
				PhaseName:        p.PhaseName,
				OffsetMinutes:    p.OffsetMinutes,
				DueAt:            p.DueAt,
				MemberIDs:        memberIDs,
			}); err != nil {
				s.logger.Error("publishing phase-due failed", "batch_id", p.BatchID, "phase", p.PhaseName, "error", err)
				continue
			}
			if _, err := s.store.SetPhaseStatus(ctx, p.ID, phaseeval.StatusPending, phaseeval.StatusDispatched); err != nil {
				s.logger.Error("marking phase dispatched failed", "phase_execution_id", p.ID, "error", err)
			}
		}
	}
	return nil
}

// pollingSweep re-sends poll-check for
// every step/init execution whose poll interval has elapsed.
func (s *Scheduler) pollingSweep(ctx context.Context, now time.Time) error {
	steps, err := s.store.DuePollingSteps(ctx, now)
	if err != nil {
		return err
	}
	for _, st := range steps {
		phase, err := s.store.GetPhase(ctx, st.PhaseExecutionID)
		if err != nil {
			s.logger.Error("loading phase for poll sweep failed", "step_execution_id", st.ID, "error", err)
			continue
		}
		batch, err := s.store.GetBatch(ctx, phase.BatchID)
		if err != nil {
			s.logger.Error("loading batch for poll sweep failed", "step_execution_id", st.ID, "error", err)
			continue
		}
		if err := s.bus.Publish(ctx, bus.SubjectPollCheck, bus.PollCheckEvent{
			RunbookName:    batch.RunbookName,
			RunbookVersion: phase.RunbookVersion,
			IsInitStep:     false,
			ExecutionID:    st.ID,
		}); err != nil {
			s.logger.Error("publishing poll-check failed", "step_execution_id", st.ID, "error", err)
			continue
		}
		if err := s.store.SetStepLastPolled(ctx, st.ID, now); err != nil {
			s.logger.Error("stamping last_polled_at failed", "step_execution_id", st.ID, "error", err)
		}
	}

	inits, err := s.store.DuePollingInit(ctx, now)
	if err != nil {
		return err
	}
	for _, it := range inits {
		batch, err := s.store.GetBatch(ctx, it.BatchID)
		if err != nil {
			s.logger.Error("loading batch for init poll sweep failed", "init_execution_id", it.ID, "error", err)
			continue
		}
		if err := s.bus.Publish(ctx, bus.SubjectPollCheck, bus.PollCheckEvent{
			RunbookName:    batch.RunbookName,
			RunbookVersion: it.RunbookVersion,
			IsInitStep:     true,
			ExecutionID:    it.ID,
		}); err != nil {
			s.logger.Error("publishing poll-check failed", "init_execution_id", it.ID, "error", err)
			continue
		}
		if err := s.store.SetInitLastPolled(ctx, it.ID, now); err != nil {
			s.logger.Error("stamping last_polled_at failed", "init_execution_id", it.ID, "error", err)
		}
	}
	return nil
}
