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
	"github.com/latticerun/runbook-engine/internal/store"
)

// HandleWorkerResult processes one worker result. Correlation data carries
// either an init-execution id or a step-execution id; both paths share
// the terminal/polling/failure dispatch, diverging only in what
// "success" advances.
func (o *Orchestrator) HandleWorkerResult(ctx context.Context, res bus.WorkerResult) error {
	if res.CorrelationData.IsInitStep {
		return o.handleInitResult(ctx, res)
	}
	return o.handleStepResult(ctx, res)
}

func (o *Orchestrator) handleInitResult(ctx context.Context, res bus.WorkerResult) error {
	id := res.CorrelationData.InitExecutionID
	if id == nil {
		return nil
	}
	it, err := o.store.GetInit(ctx, *id)
	if err != nil {
		return err
	}
	if it.Status.Terminal() {
		return nil
	}

	if res.IsPollingInProgress {
		_, err := o.store.SetInitPolling(ctx, it.ID, time.Now().UTC())
		return err
	}

	if res.Status == bus.WorkerResultSuccess {
		return o.completeInitSuccess(ctx, it, res)
	}
	return o.failInit(ctx, it, res)
}

func (o *Orchestrator) completeInitSuccess(ctx context.Context, it *store.InitExecution, res bus.WorkerResult) error {
	ok, err := o.store.SetInitSucceeded(ctx, it.ID, string(res.Result))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	inits, err := o.store.ListInitByBatch(ctx, it.BatchID)
	if err != nil {
		return err
	}
	if err := o.dispatchNextInit(ctx, res.CorrelationData.RunbookName, res.CorrelationData.RunbookVersion, inits); err != nil {
		return err
	}

	allDone := true
	for _, other := range inits {
		if other.ID == it.ID {
			continue
		}
		if other.Status != store.StepSucceeded {
			allDone = false
			break
		}
	}
	if allDone {
		if _, err := o.store.SetBatchStatus(ctx, it.BatchID, store.BatchInitDispatched, store.BatchActive); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) failInit(ctx context.Context, it *store.InitExecution, res bus.WorkerResult) error {
	if it.RetryCount < it.MaxRetries {
		return o.scheduleRetry(ctx, false, it.ID, it.RetryIntervalSec, res.CorrelationData)
	}

	msg := errorMessage(res)
	ok, err := o.store.SetInitFailed(ctx, it.ID, msg)
	if err != nil || !ok {
		return err
	}
	return o.finalizeInitFailure(ctx, it, res.CorrelationData, msg)
}

// finalizeInitFailure runs once an init execution's terminal failure
// status (failed or poll_timeout) is already durably recorded: fail the
// batch and fire the rollback list if configured.
func (o *Orchestrator) finalizeInitFailure(ctx context.Context, it *store.InitExecution, corr bus.CorrelationData, msg string) error {
	if _, err := o.store.SetBatchStatus(ctx, it.BatchID, store.BatchInitDispatched, store.BatchFailed); err != nil {
		return err
	}
	o.audit(ctx, &it.BatchID, corr.RunbookName, "init-failed", it.StepName+": "+msg)

	if it.OnFailure != "" {
		return o.dispatchRollback(ctx, it.BatchID, corr.RunbookName, corr.RunbookVersion, it.OnFailure, nil)
	}
	return nil
}

func (o *Orchestrator) handleStepResult(ctx context.Context, res bus.WorkerResult) error {
	id := res.CorrelationData.StepExecutionID
	if id == nil {
		return nil
	}
	st, err := o.store.GetStep(ctx, *id)
	if err != nil {
		return err
	}
	if st.Status.Terminal() {
		return nil
	}

	if res.IsPollingInProgress {
		_, err := o.store.SetStepPolling(ctx, st.ID, time.Now().UTC())
		return err
	}

	if res.Status == bus.WorkerResultSuccess {
		return o.completeStepSuccess(ctx, st, res)
	}
	return o.failStep(ctx, st, res)
}

// completeStepSuccess implements the step-path success branch: merge
// output_params into the member's worker_data_json, then evaluate
// per-member progression to the next step_index.
func (o *Orchestrator) completeStepSuccess(ctx context.Context, st *store.StepExecution, res bus.WorkerResult) error {
	ok, err := o.store.SetStepSucceeded(ctx, st.ID, string(res.Result))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if err := o.mergeOutputParams(ctx, st, res.Result); err != nil {
		return err
	}

	return o.progressMember(ctx, st, res.CorrelationData)
}

// mergeOutputParams applies the output_params extraction rule:
// for each declared output_key -> result_field,
// pull the field from the result JSON and merge into worker_data_json.
func (o *Orchestrator) mergeOutputParams(ctx context.Context, st *store.StepExecution, result json.RawMessage) error {
	if st.OutputParamsJSON == "" || st.OutputParamsJSON == "{}" || len(result) == 0 {
		return nil
	}
	var outputParams map[string]string
	if err := json.Unmarshal([]byte(st.OutputParamsJSON), &outputParams); err != nil {
		return err
	}
	if len(outputParams) == 0 {
		return nil
	}

	var resultFields map[string]any
	if err := json.Unmarshal(result, &resultFields); err != nil {
		// Result wasn't a JSON object (scalar or null) — no fields to extract.
		return nil
	}

	fields := make(map[string]string, len(outputParams))
	for outputKey, resultField := range outputParams {
		v, present := resultFields[resultField]
		if !present {
			continue
		}
		fields[outputKey] = stringifyResultField(v)
	}
	if len(fields) == 0 {
		return nil
	}
	return o.store.MergeWorkerData(ctx, st.BatchMemberID, fields)
}

func stringifyResultField(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		encoded, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}

// progressMember advances one member through a phase's step indices:
// once every step at the member's current index has succeeded, dispatch
// the next index's row for this member, or — if none exists — the
// member is done with this phase. When every active member is done, the
// phase completes.
func (o *Orchestrator) progressMember(ctx context.Context, st *store.StepExecution, corr bus.CorrelationData) error {
	phase, err := o.store.GetPhase(ctx, st.PhaseExecutionID)
	if err != nil {
		return err
	}

	memberSteps, err := o.store.ListStepsByPhaseAndMember(ctx, phase.ID, st.BatchMemberID)
	if err != nil {
		return err
	}

	_, groups := groupBySteps(memberSteps)
	currentGroup := groups[st.StepIndex]
	for _, r := range currentGroup {
		if !r.Status.Terminal() {
			// sibling step at this index still in flight
			return nil
		}
	}

	nextIndex := -1
	for idx := range groups {
		if idx > st.StepIndex && (nextIndex == -1 || idx < nextIndex) {
			nextIndex = idx
		}
	}

	if nextIndex == -1 {
		// member has no more steps in this phase — fall through to the
		// batch-wide group scan, which marks the phase done once every
		// member's rows are terminal.
		return o.dispatchPhaseGroup(ctx, phase)
	}

	for _, r := range groups[nextIndex] {
		if r.Status == store.StepPending {
			if err := o.dispatchOneStep(ctx, phase, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// failStep implements the step-path failure branch for a worker-reported
// failure: the row is still in dispatched/polling and must first be
// moved to its terminal status before the shared retry/rollback/cancel
// decision runs.
func (o *Orchestrator) failStep(ctx context.Context, st *store.StepExecution, res bus.WorkerResult) error {
	if st.RetryCount < st.MaxRetries {
		return o.scheduleRetry(ctx, true, st.ID, st.RetryIntervalSec, res.CorrelationData)
	}

	msg := errorMessage(res)
	ok, err := o.store.SetStepFailed(ctx, st.ID, msg)
	if err != nil || !ok {
		return err
	}
	return o.finalizeStepFailure(ctx, st, res.CorrelationData, msg)
}

// finalizeStepFailure runs once a step execution's terminal failure
// status (failed or poll_timeout) is already durably recorded: audit,
// fire the rollback list if configured, cancel the member's remaining
// pending steps in this phase, and re-evaluate whether the phase can now
// complete.
func (o *Orchestrator) finalizeStepFailure(ctx context.Context, st *store.StepExecution, corr bus.CorrelationData, msg string) error {
	o.audit(ctx, nil, corr.RunbookName, "step-failed", st.StepName+": "+msg)

	if st.OnFailure != "" {
		if err := o.dispatchMemberRollback(ctx, st, corr); err != nil {
			o.logger.Error("rollback dispatch failed", "step_execution_id", st.ID, "error", err)
		}
	}

	if err := o.store.CancelPendingStepsForMember(ctx, st.PhaseExecutionID, st.BatchMemberID); err != nil {
		return err
	}

	phase, err := o.store.GetPhase(ctx, st.PhaseExecutionID)
	if err != nil {
		return err
	}
	return o.dispatchPhaseGroup(ctx, phase)
}

// scheduleRetry returns the row to pending and schedules a
// RetryCheckEvent for retry_interval from now. The retry-check handler
// bumps the retry counter and re-dispatches if the row is still pending
// at that time; incrementing there rather than here keeps
// retry_count an exact count of retry dispatches.
func (o *Orchestrator) scheduleRetry(ctx context.Context, isStep bool, id int64, intervalSec int, corr bus.CorrelationData) error {
	var ok bool
	var err error
	fromStatuses := []store.StepStatus{store.StepDispatched, store.StepPolling, store.StepPollTimeout}
	if isStep {
		for _, from := range fromStatuses {
			if ok, err = o.store.SetStepStatus(ctx, id, from, store.StepPending); ok || err != nil {
				break
			}
		}
	} else {
		for _, from := range fromStatuses {
			if ok, err = o.store.SetInitStatus(ctx, id, from, store.StepPending); ok || err != nil {
				break
			}
		}
	}
	if err != nil || !ok {
		return err
	}

	retryAfter := time.Now().UTC().Add(time.Duration(intervalSec) * time.Second)
	ev := bus.RetryCheckEvent{
		RunbookName:    corr.RunbookName,
		RunbookVersion: corr.RunbookVersion,
		IsInitStep:     !isStep,
		ExecutionID:    id,
	}
	return o.bus.PublishAt(ctx, bus.SubjectRetryCheck, ev, retryAfter)
}

func errorMessage(res bus.WorkerResult) string {
	if res.Error != nil {
		return res.Error.Message
	}
	return "worker reported failure"
}
