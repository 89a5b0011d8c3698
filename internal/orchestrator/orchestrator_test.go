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

package orchestrator_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/latticerun/runbook-engine/internal/bus"
	"github.com/latticerun/runbook-engine/internal/orchestrator"
	"github.com/latticerun/runbook-engine/internal/phaseeval"
	"github.com/latticerun/runbook-engine/internal/runbook"
	"github.com/latticerun/runbook-engine/internal/store"
	"github.com/latticerun/runbook-engine/internal/store/storetest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// seedSinglePhaseRunbook creates a one-phase, two-step, two-member batch
// with no init steps, matching the "single-phase immediate batch" scenario.
func seedSinglePhaseRunbook(t *testing.T, st *storetest.Fake) (*runbook.Runbook, *store.Batch, []*store.Member, *store.PhaseExecution) {
	t.Helper()
	ctx := context.Background()

	rb := &runbook.Runbook{
		Name:    "decom-host",
		Version: 1,
		Active:  true,
		Spec: &runbook.Spec{
			Name: "decom-host",
			Phases: []runbook.PhaseDefinition{
				{
					Name:   "execute",
					Offset: "T-0",
					Steps: []runbook.StepDefinition{
						{Name: "drain", WorkerID: "net-worker", Function: "drain_host", OnFailure: "rollback"},
						{Name: "decommission", WorkerID: "net-worker", Function: "decommission_host"},
					},
				},
			},
			OnMemberRemoved: []runbook.StepDefinition{
				{Name: "undo-drain", WorkerID: "net-worker", Function: "undrain_host"},
			},
		},
	}
	published, err := st.Publish(ctx, rb, true)
	require.NoError(t, err)

	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	batch, err := st.CreateBatch(ctx, store.NewBatchInput{
		RunbookName:    published.Name,
		RunbookVersion: published.Version,
		BatchStartTime: now,
		MemberKeys:     []string{"host-1", "host-2"},
		MemberData: map[string]string{
			"host-1": `{"hostname":"host-1"}`,
			"host-2": `{"hostname":"host-2"}`,
		},
		Phases: []phaseeval.Planned{
			{PhaseName: "execute", OffsetMinutes: 0, DueAt: now, Status: phaseeval.StatusPending, Version: 1},
		},
	})
	require.NoError(t, err)

	members, err := st.ListMembers(ctx, batch.ID)
	require.NoError(t, err)

	phases, err := st.ListPhasesByBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, phases, 1)

	return published, batch, members, phases[0]
}

func memberIDs(members []*store.Member) []int64 {
	ids := make([]int64, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	return ids
}

func succeed(t *testing.T, o *orchestrator.Orchestrator, corr bus.CorrelationData) {
	t.Helper()
	require.NoError(t, o.HandleWorkerResult(context.Background(), bus.WorkerResult{
		Status:          bus.WorkerResultSuccess,
		Result:          json.RawMessage(`{}`),
		CorrelationData: corr,
	}))
}

func fail(t *testing.T, o *orchestrator.Orchestrator, corr bus.CorrelationData, msg string) {
	t.Helper()
	require.NoError(t, o.HandleWorkerResult(context.Background(), bus.WorkerResult{
		Status:          bus.WorkerResultFailure,
		Error:           &bus.WorkerError{Message: msg},
		CorrelationData: corr,
	}))
}

// lastJobFor finds the worker job the dispatcher most recently sent for a
// (workerID, functionName) pair by decoding every recorded sent message on
// the fake bus.
func lastJobFor(t *testing.T, b *bus.Fake, workerID, function string) bus.WorkerJob {
	t.Helper()
	subject := bus.WorkerJobSubject(workerID)
	var last bus.WorkerJob
	found := false
	for _, s := range b.Sent {
		if s.Subject != subject {
			continue
		}
		var job bus.WorkerJob
		require.NoError(t, json.Unmarshal(s.Data, &job))
		if job.FunctionName == function {
			last = job
			found = true
		}
	}
	require.True(t, found, "no dispatched job found for %s/%s", workerID, function)
	return last
}

func TestScenario1_SinglePhaseTwoMembersCompletesBatch(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	fb := bus.NewFake()
	o := orchestrator.New(st, fb, discardLogger())

	_, batch, members, phase := seedSinglePhaseRunbook(t, st)

	require.NoError(t, o.HandlePhaseDue(ctx, bus.PhaseDueEvent{
		RunbookName:      batch.RunbookName,
		RunbookVersion:   batch.RunbookVersion,
		BatchID:          batch.ID,
		PhaseExecutionID: phase.ID,
		PhaseName:        "execute",
		MemberIDs:        memberIDs(members),
	}))

	steps := st.Steps()
	require.Len(t, steps, 4) // two members x two steps, but only index-0 dispatched so far

	var index0 []*store.StepExecution
	for _, s := range steps {
		if s.StepIndex == 0 {
			index0 = append(index0, s)
		}
	}
	require.Len(t, index0, 2)
	for _, s := range index0 {
		require.Equal(t, store.StepDispatched, s.Status)
	}

	// Drive the "drain" step to success for both members.
	for _, s := range index0 {
		succeed(t, o, bus.CorrelationData{
			StepExecutionID: &s.ID,
			RunbookName:     batch.RunbookName,
			RunbookVersion:  batch.RunbookVersion,
		})
	}

	steps = st.Steps()
	var index1 []*store.StepExecution
	for _, s := range steps {
		if s.StepIndex == 1 {
			index1 = append(index1, s)
		}
	}
	require.Len(t, index1, 2)
	for _, s := range index1 {
		require.Equal(t, store.StepDispatched, s.Status)
	}

	for _, s := range index1 {
		succeed(t, o, bus.CorrelationData{
			StepExecutionID: &s.ID,
			RunbookName:     batch.RunbookName,
			RunbookVersion:  batch.RunbookVersion,
		})
	}

	finalPhases := st.Phases()
	require.Len(t, finalPhases, 1)
	require.Equal(t, phaseeval.StatusCompleted, finalPhases[0].Status)

	finalBatch, err := st.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, store.BatchCompleted, finalBatch.Status)
}

func TestScenario2_LateJoinerOnboardedAfterPhaseDispatched(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	fb := bus.NewFake()
	o := orchestrator.New(st, fb, discardLogger())

	_, batch, members, phase := seedSinglePhaseRunbook(t, st)

	require.NoError(t, o.HandlePhaseDue(ctx, bus.PhaseDueEvent{
		RunbookName:      batch.RunbookName,
		RunbookVersion:   batch.RunbookVersion,
		BatchID:          batch.ID,
		PhaseExecutionID: phase.ID,
		PhaseName:        "execute",
		MemberIDs:        memberIDs(members),
	}))

	newMember, err := st.AddMember(ctx, batch.ID, "host-3", `{"hostname":"host-3"}`)
	require.NoError(t, err)

	require.NoError(t, o.HandleMemberAdded(ctx, bus.MemberAddedEvent{
		RunbookName: batch.RunbookName,
		BatchID:     batch.ID,
		MemberID:    newMember.ID,
	}))

	lateSteps, err := st.ListStepsByPhaseAndMember(ctx, phase.ID, newMember.ID)
	require.NoError(t, err)
	require.Len(t, lateSteps, 2)

	var firstIndex *store.StepExecution
	for _, s := range lateSteps {
		if s.StepIndex == 0 {
			firstIndex = s
		}
	}
	require.NotNil(t, firstIndex)
	require.Equal(t, store.StepDispatched, firstIndex.Status)
}

func TestScenario3_RetryThenRollbackOnFinalFailure(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	fb := bus.NewFake()
	o := orchestrator.New(st, fb, discardLogger())

	// Scheduled retry-check deliveries must reach the handler set, so wire
	// the subscriptions up the way the daemon does.
	_, err := o.Subscribe(ctx)
	require.NoError(t, err)

	rb := &runbook.Runbook{
		Name:    "risky-migration",
		Version: 1,
		Active:  true,
		Spec: &runbook.Spec{
			Name: "risky-migration",
			Phases: []runbook.PhaseDefinition{
				{
					Name: "execute",
					Steps: []runbook.StepDefinition{
						{
							Name:      "risky-step",
							WorkerID:  "db-worker",
							Function:  "migrate_schema",
							OnFailure: "rollback_schema",
							Retry:     &runbook.RetrySpec{MaxRetries: 2, Interval: time.Second},
						},
					},
				},
			},
		},
	}
	// The rollback list is a distinct phase definition referenced by name.
	rb.Spec.Phases = append(rb.Spec.Phases, runbook.PhaseDefinition{
		Name: "rollback_schema",
		Steps: []runbook.StepDefinition{
			{Name: "revert", WorkerID: "db-worker", Function: "revert_schema"},
		},
	})
	published, err := st.Publish(ctx, rb, true)
	require.NoError(t, err)

	now := time.Now().UTC()
	batch, err := st.CreateBatch(ctx, store.NewBatchInput{
		RunbookName:    published.Name,
		RunbookVersion: published.Version,
		BatchStartTime: now,
		MemberKeys:     []string{"db-1"},
		MemberData:     map[string]string{"db-1": `{}`},
		Phases: []phaseeval.Planned{
			{PhaseName: "execute", DueAt: now, Status: phaseeval.StatusPending, Version: 1},
		},
	})
	require.NoError(t, err)

	members, err := st.ListMembers(ctx, batch.ID)
	require.NoError(t, err)
	phases, err := st.ListPhasesByBatch(ctx, batch.ID)
	require.NoError(t, err)

	require.NoError(t, o.HandlePhaseDue(ctx, bus.PhaseDueEvent{
		RunbookName:      batch.RunbookName,
		RunbookVersion:   batch.RunbookVersion,
		BatchID:          batch.ID,
		PhaseExecutionID: phases[0].ID,
		PhaseName:        "execute",
		MemberIDs:        memberIDs(members),
	}))

	steps := st.Steps()
	require.Len(t, steps, 1)
	stepID := steps[0].ID
	corr := bus.CorrelationData{StepExecutionID: &stepID, RunbookName: batch.RunbookName, RunbookVersion: batch.RunbookVersion}

	// First two failures exhaust the retry budget (max_retries=2) without
	// the step ever going terminal. retry_count only moves when the
	// retry-check handler actually re-dispatches.
	fail(t, o, corr, "transient error")
	st1, err := st.GetStep(ctx, stepID)
	require.NoError(t, err)
	require.Equal(t, store.StepPending, st1.Status)
	require.Equal(t, 0, st1.RetryCount)

	require.NoError(t, fb.FireScheduled(ctx, time.Now().UTC().Add(2*time.Hour)))
	st1, err = st.GetStep(ctx, stepID)
	require.NoError(t, err)
	require.Equal(t, store.StepDispatched, st1.Status)
	require.Equal(t, 1, st1.RetryCount)

	fail(t, o, corr, "transient error")
	st1, err = st.GetStep(ctx, stepID)
	require.NoError(t, err)
	require.Equal(t, store.StepPending, st1.Status)

	require.NoError(t, fb.FireScheduled(ctx, time.Now().UTC().Add(2*time.Hour)))
	st1, err = st.GetStep(ctx, stepID)
	require.NoError(t, err)
	require.Equal(t, store.StepDispatched, st1.Status)
	require.Equal(t, 2, st1.RetryCount)

	// Third failure exceeds max_retries: the step fails terminally and the
	// rollback list dispatches.
	fail(t, o, corr, "permanent error")
	st1, err = st.GetStep(ctx, stepID)
	require.NoError(t, err)
	require.Equal(t, store.StepFailed, st1.Status)

	revertJob := lastJobFor(t, fb, "db-worker", "revert_schema")
	require.Equal(t, batch.ID, revertJob.BatchID)
	require.Nil(t, revertJob.CorrelationData.StepExecutionID)

	finalBatch, err := st.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, store.BatchFailed, finalBatch.Status)
}

func TestScenario4_PollingStepTimesOutAfterRepeatedInProgress(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	fb := bus.NewFake()
	o := orchestrator.New(st, fb, discardLogger())

	rb := &runbook.Runbook{
		Name:    "long-running",
		Version: 1,
		Active:  true,
		Spec: &runbook.Spec{
			Name: "long-running",
			Phases: []runbook.PhaseDefinition{
				{
					Name: "execute",
					Steps: []runbook.StepDefinition{
						{
							Name:     "long-op",
							WorkerID: "batch-worker",
							Function: "run_long_op",
							Poll:     &runbook.PollSpec{Interval: time.Second, Timeout: 5 * time.Second},
						},
					},
				},
			},
		},
	}
	published, err := st.Publish(ctx, rb, true)
	require.NoError(t, err)

	now := time.Now().UTC()
	batch, err := st.CreateBatch(ctx, store.NewBatchInput{
		RunbookName:    published.Name,
		RunbookVersion: published.Version,
		BatchStartTime: now,
		MemberKeys:     []string{"node-1"},
		MemberData:     map[string]string{"node-1": `{}`},
		Phases: []phaseeval.Planned{
			{PhaseName: "execute", DueAt: now, Status: phaseeval.StatusPending, Version: 1},
		},
	})
	require.NoError(t, err)

	members, err := st.ListMembers(ctx, batch.ID)
	require.NoError(t, err)
	phases, err := st.ListPhasesByBatch(ctx, batch.ID)
	require.NoError(t, err)

	require.NoError(t, o.HandlePhaseDue(ctx, bus.PhaseDueEvent{
		RunbookName:      batch.RunbookName,
		RunbookVersion:   batch.RunbookVersion,
		BatchID:          batch.ID,
		PhaseExecutionID: phases[0].ID,
		PhaseName:        "execute",
		MemberIDs:        memberIDs(members),
	}))

	steps := st.Steps()
	require.Len(t, steps, 1)
	stepID := steps[0].ID
	corr := bus.CorrelationData{StepExecutionID: &stepID, RunbookName: batch.RunbookName, RunbookVersion: batch.RunbookVersion}

	require.NoError(t, o.HandleWorkerResult(ctx, bus.WorkerResult{
		Status:              bus.WorkerResultSuccess,
		IsPollingInProgress: true,
		CorrelationData:     corr,
	}))

	polled, err := st.GetStep(ctx, stepID)
	require.NoError(t, err)
	require.Equal(t, store.StepPolling, polled.Status)
	require.NotNil(t, polled.PollStartedAt)

	require.NoError(t, o.HandlePollCheck(ctx, bus.PollCheckEvent{
		RunbookName:    batch.RunbookName,
		RunbookVersion: batch.RunbookVersion,
		ExecutionID:    stepID,
	}))

	notYet, err := st.GetStep(ctx, stepID)
	require.NoError(t, err)
	require.Equal(t, store.StepPolling, notYet.Status)

	// Age the row past its poll timeout (5s) and exercise the poll-check
	// handler's timeout branch. With no retry policy configured, the step
	// goes straight to its terminal poll_timeout status.
	st.BackdateStepPoll(stepID, time.Now().UTC().Add(-10*time.Second))

	require.NoError(t, o.HandlePollCheck(ctx, bus.PollCheckEvent{
		RunbookName:    batch.RunbookName,
		RunbookVersion: batch.RunbookVersion,
		ExecutionID:    stepID,
	}))

	timedOut, err := st.GetStep(ctx, stepID)
	require.NoError(t, err)
	require.Equal(t, store.StepPollTimeout, timedOut.Status)

	finalPhase, err := st.GetPhase(ctx, phases[0].ID)
	require.NoError(t, err)
	require.Equal(t, phaseeval.StatusFailed, finalPhase.Status)

	finalBatch, err := st.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, store.BatchFailed, finalBatch.Status)
}
