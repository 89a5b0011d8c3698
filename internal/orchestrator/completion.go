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

	"github.com/latticerun/runbook-engine/internal/phaseeval"
	"github.com/latticerun/runbook-engine/internal/store"
)

// evaluateBatchCompletion applies the batch-completion invariant:
// every phase of the batch's current version
// in {completed, skipped, superseded} and none failed ⇒ completed; any
// phase failed ⇒ failed. Phases from a superseded older version never
// block completion — only the current version's phases are examined.
func (o *Orchestrator) evaluateBatchCompletion(ctx context.Context, batchID int64) error {
	batch, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if !batch.Live() {
		return nil
	}

	phases, err := o.store.ListPhasesByBatch(ctx, batchID)
	if err != nil {
		return err
	}

	anyFailed := false
	allDone := true
	for _, p := range phases {
		if p.RunbookVersion != batch.RunbookVersion {
			continue
		}
		switch p.Status {
		case phaseeval.StatusFailed:
			anyFailed = true
		case phaseeval.StatusCompleted, phaseeval.StatusSkipped, phaseeval.StatusSuperseded:
			// counts toward "done"
		default:
			allDone = false
		}
	}

	if anyFailed {
		_, err := o.store.SetBatchStatus(ctx, batchID, batch.Status, store.BatchFailed)
		if err == nil {
			o.audit(ctx, &batchID, batch.RunbookName, "batch-failed", "a phase of the current version failed")
		}
		return err
	}
	if allDone {
		_, err := o.store.SetBatchStatus(ctx, batchID, batch.Status, store.BatchCompleted)
		if err == nil {
			o.audit(ctx, &batchID, batch.RunbookName, "batch-completed", "every phase of the current version reached a terminal state")
		}
		return err
	}
	return nil
}

// groupBySteps groups step executions by step_index and returns the
// sorted ascending list of indices alongside the grouping.
func groupBySteps(rows []*store.StepExecution) ([]int, map[int][]*store.StepExecution) {
	groups := make(map[int][]*store.StepExecution)
	for _, r := range rows {
		groups[r.StepIndex] = append(groups[r.StepIndex], r)
	}
	indices := make([]int, 0, len(groups))
	for idx := range groups {
		indices = append(indices, idx)
	}
	for i := 1; i < len(indices); i++ {
		for j := i; j > 0 && indices[j-1] > indices[j]; j-- {
			indices[j-1], indices[j] = indices[j], indices[j-1]
		}
	}
	return indices, groups
}
