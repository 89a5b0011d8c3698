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

package scheduler_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticerun/runbook-engine/internal/bus"
	"github.com/latticerun/runbook-engine/internal/datasource"
	"github.com/latticerun/runbook-engine/internal/phaseeval"
	"github.com/latticerun/runbook-engine/internal/runbook"
	"github.com/latticerun/runbook-engine/internal/scheduler"
	"github.com/latticerun/runbook-engine/internal/store"
	"github.com/latticerun/runbook-engine/internal/store/storetest"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type harness struct {
	store  *storetest.Fake
	bus    *bus.Fake
	source *datasource.Fake
	sched  *scheduler.Scheduler
}

func newHarness(t *testing.T, table datasource.Table) *harness {
	t.Helper()
	st := storetest.New()
	fb := bus.NewFake()
	src := datasource.NewFake(table)
	cfg := scheduler.Config{TickInterval: time.Minute, LeaseTTL: 2 * time.Minute, InstanceID: "test-instance"}
	logger := slog.New(slog.NewTextHandler(discardWriter{}, nil))
	s := scheduler.New(st, st, map[string]datasource.Adapter{"analytics": src}, nil, fb, logger, cfg)
	return &harness{store: st, bus: fb, source: src, sched: s}
}

func publishRunbook(t *testing.T, st *storetest.Fake, spec *runbook.Spec) *runbook.Runbook {
	t.Helper()
	rb, err := st.Publish(context.Background(), &runbook.Runbook{
		Name:            spec.Name,
		Version:         1,
		Spec:            spec,
		Enabled:         true,
		OverdueBehavior: runbook.OverdueCatchUp,
	}, true)
	require.NoError(t, err)
	return rb
}

func immediateSpec() *runbook.Spec {
	return &runbook.Spec{
		Name: "decom-host",
		DataSource: runbook.DataSourceSpec{
			Type:       runbook.DataSourceWarehouse,
			Connection: "analytics",
			Query:      "SELECT host_id, region FROM decom_queue",
			PrimaryKey: "host_id",
			BatchTime:  runbook.BatchTimeImmediate,
		},
		Phases: []runbook.PhaseDefinition{
			{
				Name:          "execute",
				Offset:        "T-0",
				OffsetMinutes: 0,
				Steps: []runbook.StepDefinition{
					{Name: "drain", WorkerID: "net-worker", Function: "drain_host", Params: map[string]string{"host": "{{host_id}}"}},
				},
			},
		},
	}
}

func columnModeSpec(column string) *runbook.Spec {
	spec := immediateSpec()
	spec.Name = "mailbox-move"
	spec.DataSource.BatchTime = runbook.BatchTimeMode("column:" + column)
	spec.DataSource.BatchTimeColumn = column
	return spec
}

func sentSubjects(fb *bus.Fake) map[string]int {
	counts := make(map[string]int)
	for _, s := range fb.Sent {
		counts[s.Subject]++
	}
	return counts
}

func TestTickCreatesImmediateBatchOnFiveMinuteBoundary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, datasource.Table{
		Columns: []string{"host_id", "region"},
		Rows: []map[string]string{
			{"host_id": "h1", "region": "eu"},
			{"host_id": "h2", "region": "us"},
		},
	})
	publishRunbook(t, h.store, immediateSpec())

	require.NoError(t, h.sched.Tick(ctx))

	batches, err := h.store.ListLiveBatches(ctx, "decom-host")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	batch := batches[0]

	// Immediate-mode batch times quantize to a five-minute boundary.
	assert.Zero(t, batch.BatchStartTime.Second())
	assert.Zero(t, batch.BatchStartTime.Minute()%5)
	assert.False(t, batch.IsManual)
	// No init steps, so the batch goes straight to active.
	assert.Equal(t, store.BatchActive, batch.Status)

	members, err := h.store.ListMembers(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)

	// The T-0 phase was already due at creation and dispatched this tick.
	phases := h.store.Phases()
	require.Len(t, phases, 1)
	assert.NotZero(t, sentSubjects(h.bus)[bus.SubjectPhaseDue])
}

func TestTickWithoutDataSourceChangesProducesNoDiffs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, datasource.Table{
		Columns: []string{"host_id", "region"},
		Rows: []map[string]string{
			{"host_id": "h1", "region": "eu"},
			{"host_id": "h2", "region": "us"},
		},
	})
	publishRunbook(t, h.store, immediateSpec())

	require.NoError(t, h.sched.Tick(ctx))

	membersBefore := len(h.store.Steps()) // step rows only exist via orchestrator; expect 0 either way
	phasesBefore := len(h.store.Phases())
	batchesBefore, err := h.store.ListLiveBatches(ctx, "decom-host")
	require.NoError(t, err)

	require.NoError(t, h.sched.Tick(ctx))

	batchesAfter, err := h.store.ListLiveBatches(ctx, "decom-host")
	require.NoError(t, err)
	assert.Len(t, batchesAfter, len(batchesBefore))
	assert.Len(t, h.store.Phases(), phasesBefore)
	assert.Len(t, h.store.Steps(), membersBefore)

	var total int
	for _, b := range batchesAfter {
		members, err := h.store.ListMembers(ctx, b.ID)
		require.NoError(t, err)
		for _, m := range members {
			require.Equal(t, store.MemberActive, m.Status)
			total++
		}
	}
	assert.Equal(t, 2, total)
}

func TestTickSynchronizesMembershipDiffs(t *testing.T) {
	ctx := context.Background()
	start := time.Now().UTC().Add(2 * time.Hour).Truncate(time.Second)
	cell := start.Format(time.RFC3339)

	h := newHarness(t, datasource.Table{
		Columns: []string{"host_id", "region", "cutover_at"},
		Rows: []map[string]string{
			{"host_id": "u1", "region": "eu", "cutover_at": cell},
			{"host_id": "u2", "region": "us", "cutover_at": cell},
		},
	})
	publishRunbook(t, h.store, columnModeSpec("cutover_at"))

	require.NoError(t, h.sched.Tick(ctx))

	batch, err := h.store.FindBatch(ctx, "mailbox-move", start)
	require.NoError(t, err)
	require.NotNil(t, batch)

	// u2 leaves the data source, u3 joins.
	h.source.SetTable(datasource.Table{
		Columns: []string{"host_id", "region", "cutover_at"},
		Rows: []map[string]string{
			{"host_id": "u1", "region": "eu-2", "cutover_at": cell},
			{"host_id": "u3", "region": "ap", "cutover_at": cell},
		},
	})

	require.NoError(t, h.sched.Tick(ctx))

	members, err := h.store.ListMembers(ctx, batch.ID)
	require.NoError(t, err)
	byKey := make(map[string]*store.Member, len(members))
	for _, m := range members {
		byKey[m.MemberKey] = m
	}
	require.Len(t, byKey, 3)

	assert.Equal(t, store.MemberActive, byKey["u1"].Status)
	// Still-present members get their snapshot refreshed every tick.
	assert.Contains(t, byKey["u1"].DataJSON, "eu-2")

	assert.Equal(t, store.MemberRemoved, byKey["u2"].Status)
	assert.NotNil(t, byKey["u2"].RemoveDispatchedAt)

	assert.Equal(t, store.MemberActive, byKey["u3"].Status)
	assert.NotNil(t, byKey["u3"].AddDispatchedAt)

	counts := sentSubjects(h.bus)
	assert.NotZero(t, counts[bus.SubjectMemberAdded])
	assert.NotZero(t, counts[bus.SubjectMemberRemoved])
}

func TestTickSkipsKeysActiveInAnotherImmediateBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, datasource.Table{
		Columns: []string{"host_id", "region"},
		Rows: []map[string]string{
			{"host_id": "h1", "region": "eu"},
			{"host_id": "h2", "region": "us"},
		},
	})
	rb := publishRunbook(t, h.store, immediateSpec())

	// h1 is already being processed by a live batch from an earlier window.
	earlier, err := h.store.CreateBatch(ctx, store.NewBatchInput{
		RunbookName:    rb.Name,
		RunbookVersion: rb.Version,
		BatchStartTime: time.Now().UTC().Add(-67 * time.Minute),
		MemberKeys:     []string{"h1"},
		MemberData:     map[string]string{"h1": `{"host_id":"h1"}`},
	})
	require.NoError(t, err)
	_, err = h.store.SetBatchStatus(ctx, earlier.ID, store.BatchDetected, store.BatchActive)
	require.NoError(t, err)

	require.NoError(t, h.sched.Tick(ctx))

	batches, err := h.store.ListLiveBatches(ctx, rb.Name)
	require.NoError(t, err)

	var created *store.Batch
	for _, b := range batches {
		if b.ID != earlier.ID {
			created = b
		}
	}
	require.NotNil(t, created, "expected the tick to create a batch for the current window")

	members, err := h.store.ListMembers(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "h2", members[0].MemberKey)
}

func TestTickDispatchesBatchInitWhenInitStepsExist(t *testing.T) {
	ctx := context.Background()
	spec := immediateSpec()
	spec.Init = []runbook.StepDefinition{
		{Name: "provision", WorkerID: "infra-worker", Function: "provision_capacity"},
	}

	h := newHarness(t, datasource.Table{
		Columns: []string{"host_id", "region"},
		Rows:    []map[string]string{{"host_id": "h1", "region": "eu"}},
	})
	publishRunbook(t, h.store, spec)

	require.NoError(t, h.sched.Tick(ctx))

	batches, err := h.store.ListLiveBatches(ctx, "decom-host")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, store.BatchInitDispatched, batches[0].Status)

	inits, err := h.store.ListInitByBatch(ctx, batches[0].ID)
	require.NoError(t, err)
	require.Len(t, inits, 1)
	assert.Equal(t, store.StepPending, inits[0].Status)

	assert.NotZero(t, sentSubjects(h.bus)[bus.SubjectBatchInit])
}

func TestTickSkipsUnparseableBatchTimeCells(t *testing.T) {
	ctx := context.Background()
	start := time.Now().UTC().Add(time.Hour).Truncate(time.Second)

	h := newHarness(t, datasource.Table{
		Columns: []string{"host_id", "region", "cutover_at"},
		Rows: []map[string]string{
			{"host_id": "u1", "region": "eu", "cutover_at": start.Format(time.RFC3339)},
			{"host_id": "u2", "region": "us", "cutover_at": "not a timestamp"},
		},
	})
	publishRunbook(t, h.store, columnModeSpec("cutover_at"))

	require.NoError(t, h.sched.Tick(ctx))

	batch, err := h.store.FindBatch(ctx, "mailbox-move", start)
	require.NoError(t, err)
	require.NotNil(t, batch)

	members, err := h.store.ListMembers(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "u1", members[0].MemberKey)
}

func TestTickIsANoOpWhenLeaseHeldElsewhere(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, datasource.Table{
		Columns: []string{"host_id"},
		Rows:    []map[string]string{{"host_id": "h1"}},
	})
	publishRunbook(t, h.store, immediateSpec())

	held, err := h.store.TryAcquire(ctx, scheduler.LeaseName, "other-instance", time.Hour)
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, h.sched.Tick(ctx))

	assert.Zero(t, h.source.Calls, "a tick without the lease must not query the data source")
	batches, err := h.store.ListLiveBatches(ctx, "decom-host")
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestTickSkipsDisabledRunbooks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, datasource.Table{
		Columns: []string{"host_id"},
		Rows:    []map[string]string{{"host_id": "h1"}},
	})

	spec := immediateSpec()
	_, err := h.store.Publish(ctx, &runbook.Runbook{
		Name:    spec.Name,
		Version: 1,
		Spec:    spec,
		Enabled: false,
	}, true)
	require.NoError(t, err)

	require.NoError(t, h.sched.Tick(ctx))

	assert.Zero(t, h.source.Calls)
}

func TestTickAppliesVersionTransitionToLiveBatches(t *testing.T) {
	ctx := context.Background()
	start := time.Now().UTC().Add(2 * time.Hour).Truncate(time.Second)
	cell := start.Format(time.RFC3339)

	h := newHarness(t, datasource.Table{
		Columns: []string{"host_id", "region", "cutover_at"},
		Rows:    []map[string]string{{"host_id": "u1", "region": "eu", "cutover_at": cell}},
	})
	publishRunbook(t, h.store, columnModeSpec("cutover_at"))

	require.NoError(t, h.sched.Tick(ctx))

	batch, err := h.store.FindBatch(ctx, "mailbox-move", start)
	require.NoError(t, err)
	require.NotNil(t, batch)

	// Activate v2 with a renamed phase; v1's pending phase must be
	// superseded and the v2 set created.
	v2 := columnModeSpec("cutover_at")
	v2.Phases[0].Name = "execute-v2"
	_, err = h.store.Publish(ctx, &runbook.Runbook{
		Name:            v2.Name,
		Version:         2,
		Spec:            v2,
		Enabled:         true,
		OverdueBehavior: runbook.OverdueCatchUp,
	}, true)
	require.NoError(t, err)

	require.NoError(t, h.sched.Tick(ctx))

	phases, err := h.store.ListPhasesByBatch(ctx, batch.ID)
	require.NoError(t, err)

	var sawSuperseded, sawNewPending bool
	for _, p := range phases {
		if p.RunbookVersion == 1 && p.Status == phaseeval.StatusSuperseded {
			sawSuperseded = true
		}
		if p.RunbookVersion == 2 && p.PhaseName == "execute-v2" && p.Status == phaseeval.StatusPending {
			sawNewPending = true
		}
	}
	assert.True(t, sawSuperseded, "v1 pending phase should be superseded")
	assert.True(t, sawNewPending, "v2 phase set should be created pending")
}
