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

package admin_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticerun/runbook-engine/internal/admin"
	"github.com/latticerun/runbook-engine/internal/bus"
	csvpkg "github.com/latticerun/runbook-engine/internal/csv"
	"github.com/latticerun/runbook-engine/internal/runbook"
	"github.com/latticerun/runbook-engine/internal/store"
	"github.com/latticerun/runbook-engine/internal/store/storetest"
	pkgerrors "github.com/latticerun/runbook-engine/pkg/errors"
)

func manualRunbook() *runbook.Runbook {
	return &runbook.Runbook{
		Name:    "decom-manual",
		Version: 1,
		Active:  true,
		Spec: &runbook.Spec{
			Name: "decom-manual",
			DataSource: runbook.DataSourceSpec{
				PrimaryKey: "host_id",
			},
			Phases: []runbook.PhaseDefinition{
				{Name: "drain", OffsetMinutes: 0, Steps: []runbook.StepDefinition{
					{Name: "drain-step", WorkerID: "net-worker", Function: "drain_host"},
				}},
				{Name: "decommission", OffsetMinutes: 60, Steps: []runbook.StepDefinition{
					{Name: "decom-step", WorkerID: "net-worker", Function: "decommission_host"},
				}},
			},
		},
	}
}

func newController(t *testing.T) (*admin.Controller, *storetest.Fake, *bus.Fake) {
	t.Helper()
	st := storetest.New()
	b := bus.NewFake()
	return admin.New(st, b, nil), st, b
}

func TestAdvanceNoInitStepsActivatesImmediately(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newController(t)

	rb, err := st.Publish(ctx, manualRunbook(), true)
	require.NoError(t, err)

	batch, err := c.CreateManualBatch(ctx, rb, []string{"h1"}, map[string]string{"h1": `{"host_id":"h1"}`})
	require.NoError(t, err)
	require.Equal(t, store.BatchDetected, batch.Status)

	res, err := c.Advance(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, store.BatchActive, res.BatchStatus)
}

func TestAdvanceDispatchesLowestOffsetPendingPhase(t *testing.T) {
	ctx := context.Background()
	c, st, b := newController(t)

	rb, err := st.Publish(ctx, manualRunbook(), true)
	require.NoError(t, err)

	batch, err := c.CreateManualBatch(ctx, rb, []string{"h1"}, map[string]string{"h1": `{"host_id":"h1"}`})
	require.NoError(t, err)
	_, err = c.Advance(ctx, batch.ID) // detected -> active
	require.NoError(t, err)

	res, err := c.Advance(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, "drain", res.PhaseName)
	require.Len(t, b.Sent, 1)
	require.Equal(t, bus.SubjectPhaseDue, b.Sent[0].Subject)
}

func TestAdvanceRefusesWhilePriorPhaseDispatched(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newController(t)

	rb, err := st.Publish(ctx, manualRunbook(), true)
	require.NoError(t, err)

	batch, err := c.CreateManualBatch(ctx, rb, []string{"h1"}, map[string]string{"h1": `{"host_id":"h1"}`})
	require.NoError(t, err)
	_, err = c.Advance(ctx, batch.ID) // detected -> active
	require.NoError(t, err)
	_, err = c.Advance(ctx, batch.ID) // dispatch "drain"
	require.NoError(t, err)

	_, err = c.Advance(ctx, batch.ID)
	require.Error(t, err)
	require.Contains(t, err.Error(), "drain")
	require.Contains(t, err.Error(), "still in progress")
}

func TestAdvanceRefusesWhileInitDispatched(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newController(t)

	rb := manualRunbook()
	rb.Spec.Init = []runbook.StepDefinition{{Name: "prep", WorkerID: "net-worker", Function: "prep_host"}}
	published, err := st.Publish(ctx, rb, true)
	require.NoError(t, err)

	batch, err := c.CreateManualBatch(ctx, published, []string{"h1"}, map[string]string{"h1": `{"host_id":"h1"}`})
	require.NoError(t, err)

	res, err := c.Advance(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, store.BatchInitDispatched, res.BatchStatus)

	_, err = c.Advance(ctx, batch.ID)
	require.Error(t, err)
	require.Contains(t, err.Error(), "init steps not yet completed")
}

func TestAdvanceRejectsNonManualBatch(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newController(t)

	rb, err := st.Publish(ctx, manualRunbook(), true)
	require.NoError(t, err)

	batch, err := st.CreateBatch(ctx, store.NewBatchInput{
		RunbookName:    rb.Name,
		RunbookVersion: rb.Version,
		IsManual:       false,
	})
	require.NoError(t, err)

	_, err = c.Advance(ctx, batch.ID)
	require.ErrorIs(t, err, pkgerrors.ErrBatchNotManual)
}

func TestCancelTerminatesBatchAndSteps(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newController(t)

	rb, err := st.Publish(ctx, manualRunbook(), true)
	require.NoError(t, err)

	batch, err := c.CreateManualBatch(ctx, rb, []string{"h1"}, map[string]string{"h1": `{"host_id":"h1"}`})
	require.NoError(t, err)
	_, err = c.Advance(ctx, batch.ID)
	require.NoError(t, err)
	_, err = c.Advance(ctx, batch.ID)
	require.NoError(t, err)

	require.NoError(t, c.Cancel(ctx, batch.ID))

	got, err := st.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, store.BatchCancelled, got.Status)
}

func TestAddAndRemoveMembers(t *testing.T) {
	ctx := context.Background()
	c, st, b := newController(t)

	rb, err := st.Publish(ctx, manualRunbook(), true)
	require.NoError(t, err)

	batch, err := c.CreateManualBatch(ctx, rb, nil, nil)
	require.NoError(t, err)

	added, err := c.AddMembers(ctx, batch, []csvpkg.Row{{"host_id": "h1"}, {"host_id": "h2"}}, "host_id")
	require.NoError(t, err)
	require.Equal(t, 2, added)

	var memberAddedCount int
	for _, s := range b.Sent {
		if s.Subject == bus.SubjectMemberAdded {
			memberAddedCount++
		}
	}
	require.Equal(t, 2, memberAddedCount)

	removed, err := c.RemoveMembers(ctx, batch, []string{"h1"})
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}
