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

package orchestrator

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/latticerun/runbook-engine/internal/bus"
	"github.com/latticerun/runbook-engine/internal/dispatch"
	"github.com/latticerun/runbook-engine/internal/phaseeval"
	"github.com/latticerun/runbook-engine/internal/runbook"
	"github.com/latticerun/runbook-engine/internal/store"
	"github.com/latticerun/runbook-engine/internal/template"
)

// HandlePhaseDue handles a due phase: create any missing step
// executions for the phase's active members, then dispatch exactly one
// step_index group.
func (o *Orchestrator) HandlePhaseDue(ctx context.Context, ev bus.PhaseDueEvent) error {
	phase, err := o.store.GetPhase(ctx, ev.PhaseExecutionID)
	if err != nil {
		return err
	}
	if phase.Status != phaseeval.StatusDispatched && phase.Status != phaseeval.StatusPending {
		// Already completed/failed/skipped/superseded — duplicate delivery.
		return nil
	}

	rb, err := o.store.GetRunbookVersion(ctx, ev.RunbookName, ev.RunbookVersion)
	if err != nil {
		return err
	}
	phaseDef, ok := rb.PhaseByName(ev.PhaseName)
	if !ok {
		return nil
	}

	if err := o.createMissingSteps(ctx, ev, phase, rb, phaseDef); err != nil {
		return err
	}

	return o.dispatchPhaseGroup(ctx, phase)
}

// createMissingSteps inserts one step-execution row per (member,
// step-in-phase) for members that don't yet have any. A member whose
// template resolution fails for any step in the phase is skipped
// entirely for this phase (logged), without failing the phase.
func (o *Orchestrator) createMissingSteps(ctx context.Context, ev bus.PhaseDueEvent, phase *store.PhaseExecution, rb *runbook.Runbook, phaseDef *runbook.PhaseDefinition) error {
	batch, err := o.store.GetBatch(ctx, ev.BatchID)
	if err != nil {
		return err
	}

	var rows []*store.StepExecution
	for _, memberID := range ev.MemberIDs {
		member, err := o.store.GetMember(ctx, memberID)
		if err != nil {
			return err
		}
		if member.Status != store.MemberActive {
			continue
		}

		existing, err := o.store.ListStepsByPhaseAndMember(ctx, phase.ID, memberID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			continue
		}

		memberRows, skipped := o.resolveMemberSteps(member, phase, batch, phaseDef, rb)
		if skipped != "" {
			o.logger.Warn("skipping member for phase: unresolved template", "member_id", memberID, "phase", phaseDef.Name, "reason", skipped)
			continue
		}
		rows = append(rows, memberRows...)
	}

	return o.store.CreateSteps(ctx, rows)
}

// resolveMemberSteps resolves every step in phaseDef against member's
// data row. If any step fails to resolve, the member is skipped for the
// whole phase (empty rows, non-empty skip reason).
func (o *Orchestrator) resolveMemberSteps(member *store.Member, phase *store.PhaseExecution, batch *store.Batch, phaseDef *runbook.PhaseDefinition, rb *runbook.Runbook) ([]*store.StepExecution, string) {
	var data map[string]string
	if member.DataJSON != "" {
		if err := json.Unmarshal([]byte(member.DataJSON), &data); err != nil {
			return nil, err.Error()
		}
	}
	tctx := template.Context{Data: data, BatchID: strconv.FormatInt(batch.ID, 10), BatchStartTime: batch.BatchStartTime}

	rows := make([]*store.StepExecution, 0, len(phaseDef.Steps))
	for i, step := range phaseDef.Steps {
		function, params, err := template.ResolveStep(step.Function, step.Params, tctx)
		if err != nil {
			return nil, err.Error()
		}
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, err.Error()
		}
		outputJSON, err := json.Marshal(step.OutputParams)
		if err != nil {
			return nil, err.Error()
		}
		maxRetries, interval := step.EffectiveRetry(rb.Spec.Retry)

		row := &store.StepExecution{
			PhaseExecutionID: phase.ID,
			BatchMemberID:    member.ID,
			StepName:         step.Name,
			StepIndex:        i,
			WorkerID:         step.WorkerID,
			Function:         function,
			ParamsJSON:       string(paramsJSON),
			MaxRetries:       maxRetries,
			RetryIntervalSec: int(interval.Seconds()),
			OnFailure:        step.OnFailure,
			OutputParamsJSON: string(outputJSON),
			Status:           store.StepPending,
		}
		if step.Poll != nil {
			row.PollIntervalSec = int(step.Poll.Interval.Seconds())
			row.PollTimeoutSec = int(step.Poll.Timeout.Seconds())
		}
		rows = append(rows, row)
	}
	return rows, ""
}

// dispatchPhaseGroup finds the first
// step_index group that isn't fully terminal. If it has any in-flight
// (dispatched/polling) row, wait. If it has pending rows, dispatch them
// all and stop — exactly one index advances per invocation. If every
// group is fully terminal, the phase is done: mark it completed or
// failed and evaluate batch completion.
func (o *Orchestrator) dispatchPhaseGroup(ctx context.Context, phase *store.PhaseExecution) error {
	all, err := o.store.ListStepsByPhase(ctx, phase.ID)
	if err != nil {
		return err
	}

	if len(all) > 0 && phase.Status == phaseeval.StatusPending {
		if ok, err := o.store.SetPhaseStatus(ctx, phase.ID, phaseeval.StatusPending, phaseeval.StatusDispatched); err != nil {
			return err
		} else if ok {
			phase.Status = phaseeval.StatusDispatched
		}
	}

	indices, groups := groupBySteps(all)
	for _, idx := range indices {
		rows := groups[idx]
		inFlight := false
		pending := make([]*store.StepExecution, 0, len(rows))
		for _, r := range rows {
			switch r.Status {
			case store.StepDispatched, store.StepPolling:
				inFlight = true
			case store.StepPending:
				pending = append(pending, r)
			}
		}
		if inFlight {
			return nil
		}
		if len(pending) > 0 {
			return o.dispatchStepGroup(ctx, phase, pending)
		}
		// group fully terminal (succeeded/failed/cancelled/poll_timeout) — advance
	}

	return o.finishPhase(ctx, phase, all)
}

// dispatchStepGroup publishes one worker job per pending row in parallel
// and marks each dispatched (best-effort: a publish failure for one row
// does not block the others).
func (o *Orchestrator) dispatchStepGroup(ctx context.Context, phase *store.PhaseExecution, rows []*store.StepExecution) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, r := range rows {
		wg.Add(1)
		go func(r *store.StepExecution) {
			defer wg.Done()
			if err := o.dispatchOneStep(ctx, phase, r); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(r)
	}
	wg.Wait()
	return firstErr
}

func (o *Orchestrator) dispatchOneStep(ctx context.Context, phase *store.PhaseExecution, r *store.StepExecution) error {
	var params map[string]string
	if r.ParamsJSON != "" {
		if err := json.Unmarshal([]byte(r.ParamsJSON), &params); err != nil {
			return err
		}
	}

	batch, err := o.store.GetBatch(ctx, phase.BatchID)
	if err != nil {
		return err
	}

	jobID, err := o.dispatcher.Send(ctx, dispatch.Job{
		BatchID:      phase.BatchID,
		WorkerID:     r.WorkerID,
		FunctionName: r.Function,
		Parameters:   params,
		Correlation: bus.CorrelationData{
			StepExecutionID: &r.ID,
			IsInitStep:      false,
			RunbookName:     batch.RunbookName,
			RunbookVersion:  phase.RunbookVersion,
		},
	})
	if err != nil {
		return err
	}
	_, err = o.store.SetStepDispatched(ctx, r.ID, jobID)
	return err
}

// finishPhase marks the phase completed or failed once every step group
// is terminal, then re-evaluates batch completion.
func (o *Orchestrator) finishPhase(ctx context.Context, phase *store.PhaseExecution, all []*store.StepExecution) error {
	anyFailed := false
	for _, r := range all {
		if r.Status == store.StepFailed || r.Status == store.StepPollTimeout {
			anyFailed = true
			break
		}
	}

	to := phaseeval.StatusCompleted
	if anyFailed {
		to = phaseeval.StatusFailed
	}
	if phase.Status == to {
		return nil
	}
	if ok, err := o.store.SetPhaseStatus(ctx, phase.ID, phase.Status, to); err != nil {
		return err
	} else if !ok {
		return nil
	}

	return o.evaluateBatchCompletion(ctx, phase.BatchID)
}
