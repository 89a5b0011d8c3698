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

	"github.com/latticerun/runbook-engine/internal/bus"
	"github.com/latticerun/runbook-engine/internal/dispatch"
	"github.com/latticerun/runbook-engine/internal/runbook"
	"github.com/latticerun/runbook-engine/internal/store"
	"github.com/latticerun/runbook-engine/internal/template"
)

// dispatchRollback resolves onFailure to a named step list and dispatches
// every step once, batch-scoped, with data as the member data of the
// template context: nil for init-step failures, which have no single
// member to resolve against, and the removed member's last-known data for
// on_member_removed steps.
func (o *Orchestrator) dispatchRollback(ctx context.Context, batchID int64, runbookName string, runbookVersion int, onFailure string, data map[string]string) error {
	rb, err := o.store.GetRunbookVersion(ctx, runbookName, runbookVersion)
	if err != nil {
		return err
	}
	steps, ok := rb.StepListByName(onFailure)
	if !ok {
		o.logger.Warn("rollback reference does not resolve to a step list", "on_failure", onFailure, "runbook", runbookName)
		return nil
	}

	batch, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	tctx := template.Context{Data: data, BatchID: strconv.FormatInt(batch.ID, 10), BatchStartTime: batch.BatchStartTime}

	return o.fireRollbackSteps(ctx, batch, runbookVersion, steps, tctx)
}

// dispatchMemberRollback resolves the rollback reference against the
// failing member's own data snapshot.
func (o *Orchestrator) dispatchMemberRollback(ctx context.Context, st *store.StepExecution, corr bus.CorrelationData) error {
	rb, err := o.store.GetRunbookVersion(ctx, corr.RunbookName, corr.RunbookVersion)
	if err != nil {
		return err
	}
	steps, ok := rb.StepListByName(st.OnFailure)
	if !ok {
		o.logger.Warn("rollback reference does not resolve to a step list", "on_failure", st.OnFailure, "runbook", corr.RunbookName)
		return nil
	}

	phase, err := o.store.GetPhase(ctx, st.PhaseExecutionID)
	if err != nil {
		return err
	}
	batch, err := o.store.GetBatch(ctx, phase.BatchID)
	if err != nil {
		return err
	}
	member, err := o.store.GetMember(ctx, st.BatchMemberID)
	if err != nil {
		return err
	}
	var data map[string]string
	if member.DataJSON != "" {
		if err := json.Unmarshal([]byte(member.DataJSON), &data); err != nil {
			return err
		}
	}
	tctx := template.Context{Data: data, BatchID: strconv.FormatInt(batch.ID, 10), BatchStartTime: batch.BatchStartTime}

	return o.fireRollbackSteps(ctx, batch, corr.RunbookVersion, steps, tctx)
}

// fireRollbackSteps dispatches every step in the rollback list as a
// fire-and-forget job: the correlation data carries no execution id, so
// HandleWorkerResult's terminal-row lookups simply have nothing to find
// when the worker eventually reports back, and phase progression is
// unaffected either way.
func (o *Orchestrator) fireRollbackSteps(ctx context.Context, batch *store.Batch, runbookVersion int, steps []runbook.StepDefinition, tctx template.Context) error {
	var firstErr error
	for _, step := range steps {
		function, params, err := template.ResolveStep(step.Function, step.Params, tctx)
		if err != nil {
			o.logger.Warn("rollback step skipped: unresolved template", "step", step.Name, "error", err)
			continue
		}
		_, err = o.dispatcher.Send(ctx, dispatch.Job{
			BatchID:      batch.ID,
			WorkerID:     step.WorkerID,
			FunctionName: function,
			Parameters:   params,
			Correlation: bus.CorrelationData{
				IsInitStep:     false,
				RunbookName:    batch.RunbookName,
				RunbookVersion: runbookVersion,
			},
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	o.audit(ctx, &batch.ID, batch.RunbookName, "rollback-dispatched", "")
	return firstErr
}
