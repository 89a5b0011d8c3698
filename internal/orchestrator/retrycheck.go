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

// HandleRetryCheck handles a scheduled retry: if the target row is still
// pending and within its retry budget, re-dispatch it with a fresh
// correlation and mark it dispatched. Otherwise drop — a worker result
// or a concurrent handler already moved the row on.
func (o *Orchestrator) HandleRetryCheck(ctx context.Context, ev bus.RetryCheckEvent) error {
	if ev.IsInitStep {
		return o.retryCheckInit(ctx, ev)
	}
	return o.retryCheckStep(ctx, ev)
}

func (o *Orchestrator) retryCheckStep(ctx context.Context, ev bus.RetryCheckEvent) error {
	st, err := o.store.GetStep(ctx, ev.ExecutionID)
	if err != nil {
		return err
	}
	if st.Status != store.StepPending || st.RetryCount >= st.MaxRetries {
		return nil
	}
	if err := o.store.IncrementStepRetry(ctx, st.ID); err != nil {
		return err
	}

	phase, err := o.store.GetPhase(ctx, st.PhaseExecutionID)
	if err != nil {
		return err
	}
	var params map[string]string
	if st.ParamsJSON != "" {
		if err := json.Unmarshal([]byte(st.ParamsJSON), &params); err != nil {
			return err
		}
	}

	jobID, err := o.dispatcher.Send(ctx, dispatch.Job{
		BatchID:      phase.BatchID,
		WorkerID:     st.WorkerID,
		FunctionName: st.Function,
		Parameters:   params,
		Correlation: bus.CorrelationData{
			StepExecutionID: &st.ID,
			RunbookName:     ev.RunbookName,
			RunbookVersion:  ev.RunbookVersion,
		},
	})
	if err != nil {
		return err
	}
	_, err = o.store.SetStepDispatched(ctx, st.ID, jobID)
	return err
}

func (o *Orchestrator) retryCheckInit(ctx context.Context, ev bus.RetryCheckEvent) error {
	it, err := o.store.GetInit(ctx, ev.ExecutionID)
	if err != nil {
		return err
	}
	if it.Status != store.StepPending || it.RetryCount >= it.MaxRetries {
		return nil
	}
	if err := o.store.IncrementInitRetry(ctx, it.ID); err != nil {
		return err
	}

	var params map[string]string
	if it.ParamsJSON != "" {
		if err := json.Unmarshal([]byte(it.ParamsJSON), &params); err != nil {
			return err
		}
	}

	jobID, err := o.dispatcher.Send(ctx, dispatch.Job{
		BatchID:      it.BatchID,
		WorkerID:     it.WorkerID,
		FunctionName: it.Function,
		Parameters:   params,
		Correlation: bus.CorrelationData{
			InitExecutionID: &it.ID,
			IsInitStep:      true,
			RunbookName:     ev.RunbookName,
			RunbookVersion:  ev.RunbookVersion,
		},
	})
	if err != nil {
		return err
	}
	_, err = o.store.SetInitDispatched(ctx, it.ID, jobID)
	return err
}
