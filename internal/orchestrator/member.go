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

	"github.com/latticerun/runbook-engine/internal/bus"
	"github.com/latticerun/runbook-engine/internal/phaseeval"
	"github.com/latticerun/runbook-engine/internal/runbook"
	"github.com/latticerun/runbook-engine/internal/store"
)

// HandleMemberAdded onboards a late joiner: a member that joined after
// one or more phases already dispatched needs its step executions
// synthesized retroactively for each such phase, with the first step
// index dispatched immediately instead of waiting for the next
// phase-due tick.
func (o *Orchestrator) HandleMemberAdded(ctx context.Context, ev bus.MemberAddedEvent) error {
	member, err := o.store.GetMember(ctx, ev.MemberID)
	if err != nil {
		return err
	}
	if member.Status != store.MemberActive {
		return nil
	}

	batch, err := o.store.GetBatch(ctx, ev.BatchID)
	if err != nil {
		return err
	}
	rb, err := o.store.GetRunbookVersion(ctx, ev.RunbookName, batch.RunbookVersion)
	if err != nil {
		return err
	}

	phases, err := o.store.ListPhasesByBatch(ctx, ev.BatchID)
	if err != nil {
		return err
	}

	for _, phase := range phases {
		if phase.RunbookVersion != batch.RunbookVersion {
			continue
		}
		if phase.Status != phaseeval.StatusDispatched && phase.Status != phaseeval.StatusCompleted {
			// Not yet due — the regular phase-due tick will pick this
			// member up naturally.
			continue
		}

		phaseDef, ok := rb.PhaseByName(phase.PhaseName)
		if !ok {
			continue
		}
		if err := o.onboardLateMember(ctx, member, phase, batch, phaseDef, rb); err != nil {
			return err
		}
	}
	return nil
}

// onboardLateMember synthesizes this member's step rows for a phase that
// already dispatched (or even completed) before it joined, and dispatches
// the first step-index group for it immediately — it does not wait for
// the rest of the phase's progression.
func (o *Orchestrator) onboardLateMember(ctx context.Context, member *store.Member, phase *store.PhaseExecution, batch *store.Batch, phaseDef *runbook.PhaseDefinition, rb *runbook.Runbook) error {
	existing, err := o.store.ListStepsByPhaseAndMember(ctx, phase.ID, member.ID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	rows, skipped := o.resolveMemberSteps(member, phase, batch, phaseDef, rb)
	if skipped != "" {
		o.logger.Warn("skipping late-joining member for phase: unresolved template", "member_id", member.ID, "phase", phaseDef.Name, "reason", skipped)
		return nil
	}
	if err := o.store.CreateSteps(ctx, rows); err != nil {
		return err
	}

	_, groups := groupBySteps(rows)
	firstIndex := -1
	for idx := range groups {
		if firstIndex == -1 || idx < firstIndex {
			firstIndex = idx
		}
	}
	if firstIndex == -1 {
		return nil
	}
	for _, r := range groups[firstIndex] {
		if err := o.dispatchOneStep(ctx, phase, r); err != nil {
			return err
		}
	}
	return nil
}

// HandleMemberRemoved handles a departing member: cancel every pending or
// dispatched step execution for the member across the batch (the worker
// is never contacted), then dispatch the runbook's on_member_removed
// steps, if any, as fire-and-forget batch-scoped jobs resolved against
// the member's last-known data snapshot.
func (o *Orchestrator) HandleMemberRemoved(ctx context.Context, ev bus.MemberRemovedEvent) error {
	member, err := o.store.GetMember(ctx, ev.MemberID)
	if err != nil {
		return err
	}

	phases, err := o.store.ListPhasesByBatch(ctx, ev.BatchID)
	if err != nil {
		return err
	}
	for _, phase := range phases {
		if err := o.store.CancelPendingStepsForMember(ctx, phase.ID, ev.MemberID); err != nil {
			return err
		}
	}

	batch, err := o.store.GetBatch(ctx, ev.BatchID)
	if err != nil {
		return err
	}
	rb, err := o.store.GetRunbookVersion(ctx, ev.RunbookName, batch.RunbookVersion)
	if err != nil {
		return err
	}
	if len(rb.Spec.OnMemberRemoved) == 0 {
		return nil
	}

	var data map[string]string
	if member.DataJSON != "" {
		if err := json.Unmarshal([]byte(member.DataJSON), &data); err != nil {
			return err
		}
	}
	return o.dispatchRollback(ctx, ev.BatchID, ev.RunbookName, batch.RunbookVersion, "on_member_removed", data)
}
