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
	"time"

	"github.com/latticerun/runbook-engine/internal/bus"
	"github.com/latticerun/runbook-engine/internal/dispatch"
	"github.com/latticerun/runbook-engine/internal/store"
)

// HandlePollCheck handles the poll-check event re-sent by the scheduler at
// poll-interval cadence for rows still in `polling`: a timeout is treated
// as a failure for the purposes of on_failure/retry/batch completion;
// otherwise the same job id is re-issued to the same worker.
func (o *Orchestrator) HandlePollCheck(ctx context.Context, ev bus.PollCheckEvent) error {
	if ev.IsInitStep {
		return o.pollCheckInit(ctx, ev)
	}
	return o.pollCheckStep(ctx, ev)
}

func (o *Orchestrator) pollCheckStep(ctx context.Context, ev bus.PollCheckEvent) error {
	st, err := o.store.GetStep(ctx, ev.ExecutionID)
	if err != nil {
		return err
	}
	if st.Status != store.StepPolling {
		return nil
	}

	now := time.Now().UTC()
	if st.PollStartedAt != nil && st.PollStartedAt.Add(time.Duration(st.PollTimeoutSec)*time.Second).Before(now) {
		ok, err := o.store.SetStepStatus(ctx, st.ID, store.StepPolling, store.StepPollTimeout)
		if err != nil || !ok {
			return err
		}
		corr := bus.CorrelationData{StepExecutionID: &st.ID, RunbookName: ev.RunbookName, RunbookVersion: ev.RunbookVersion}
		if st.RetryCount < st.MaxRetries {
			return o.scheduleRetry(ctx, true, st.ID, st.RetryIntervalSec, corr)
		}
		return o.finalizeStepFailure(ctx, st, corr, "poll timeout exceeded")
	}

	if err := o.store.SetStepLastPolled(ctx, st.ID, now); err != nil {
		return err
	}

	var params map[string]string
	if st.ParamsJSON != "" {
		if err := json.Unmarshal([]byte(st.ParamsJSON), &params); err != nil {
			return err
		}
	}
	phase, err := o.store.GetPhase(ctx, st.PhaseExecutionID)
	if err != nil {
		return err
	}
	_, err = o.dispatcher.Resend(ctx, dispatch.Job{
		BatchID:      phase.BatchID,
		WorkerID:     st.WorkerID,
		FunctionName: st.Function,
		Parameters:   params,
		Correlation: bus.CorrelationData{
			StepExecutionID: &st.ID,
			RunbookName:     ev.RunbookName,
			RunbookVersion:  ev.RunbookVersion,
		},
	}, st.LastJobID)
	return err
}

func (o *Orchestrator) pollCheckInit(ctx context.Context, ev bus.PollCheckEvent) error {
	it, err := o.store.GetInit(ctx, ev.ExecutionID)
	if err != nil {
		return err
	}
	if it.Status != store.StepPolling {
		return nil
	}

	now := time.Now().UTC()
	if it.PollStartedAt != nil && it.PollStartedAt.Add(time.Duration(it.PollTimeoutSec)*time.Second).Before(now) {
		ok, err := o.store.SetInitStatus(ctx, it.ID, store.StepPolling, store.StepPollTimeout)
		if err != nil || !ok {
			return err
		}
		corr := bus.CorrelationData{InitExecutionID: &it.ID, IsInitStep: true, RunbookName: ev.RunbookName, RunbookVersion: ev.RunbookVersion}
		if it.RetryCount < it.MaxRetries {
			return o.scheduleRetry(ctx, false, it.ID, it.RetryIntervalSec, corr)
		}
		return o.finalizeInitFailure(ctx, it, corr, "poll timeout exceeded")
	}

	if err := o.store.SetInitLastPolled(ctx, it.ID, now); err != nil {
		return err
	}

	var params map[string]string
	if it.ParamsJSON != "" {
		if err := json.Unmarshal([]byte(it.ParamsJSON), &params); err != nil {
			return err
		}
	}
	_, err = o.dispatcher.Resend(ctx, dispatch.Job{
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
	}, it.LastJobID)
	return err
}
