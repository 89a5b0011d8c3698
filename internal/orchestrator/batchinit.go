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
	"github.com/latticerun/runbook-engine/internal/dispatch"
	"github.com/latticerun/runbook-engine/internal/store"
)

// HandleBatchInit dispatches the lowest-index
// pending init execution for the batch. Subsequent init steps are driven
// one-at-a-time by HandleWorkerResult's init path as each completes.
func (o *Orchestrator) HandleBatchInit(ctx context.Context, ev bus.BatchInitEvent) error {
	inits, err := o.store.ListInitByBatch(ctx, ev.BatchID)
	if err != nil {
		return err
	}
	return o.dispatchNextInit(ctx, ev.RunbookName, ev.RunbookVersion, inits)
}

// dispatchNextInit finds and dispatches the lowest-index pending init
// step. If every init step is already terminal/dispatched, it is a no-op
// (duplicate batch-init delivery, or the chain already advanced).
func (o *Orchestrator) dispatchNextInit(ctx context.Context, runbookName string, runbookVersion int, inits []*store.InitExecution) error {
	var next *store.InitExecution
	for _, it := range inits {
		if it.Status == store.StepPending {
			if next == nil || it.StepIndex < next.StepIndex {
				next = it
			}
		}
	}
	if next == nil {
		return nil
	}

	var params map[string]string
	if next.ParamsJSON != "" {
		if err := json.Unmarshal([]byte(next.ParamsJSON), &params); err != nil {
			return err
		}
	}

	jobID, err := o.dispatcher.Send(ctx, dispatch.Job{
		BatchID:      next.BatchID,
		WorkerID:     next.WorkerID,
		FunctionName: next.Function,
		Parameters:   params,
		Correlation: bus.CorrelationData{
			InitExecutionID: &next.ID,
			IsInitStep:      true,
			RunbookName:     runbookName,
			RunbookVersion:  runbookVersion,
		},
	})
	if err != nil {
		return err
	}

	ok, err := o.store.SetInitDispatched(ctx, next.ID, jobID)
	if err != nil {
		return err
	}
	if !ok {
		// Another delivery already advanced this row; the job we just sent
		// is a harmless duplicate the worker/result-handler will dedup.
		return nil
	}
	o.audit(ctx, &next.BatchID, runbookName, "init-dispatched", next.StepName)
	return nil
}
