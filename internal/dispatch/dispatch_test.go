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

package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/latticerun/runbook-engine/internal/bus"
	"github.com/latticerun/runbook-engine/internal/dispatch"
)

func TestSendRoutesToWorkerSubject(t *testing.T) {
	b := bus.NewFake()
	var got bus.WorkerJob
	_, err := b.Subscribe(context.Background(), bus.WorkerJobSubject("mailbox-mover"), "", func(ctx context.Context, msg bus.Msg) error {
		return msg.Decode(&got)
	})
	require.NoError(t, err)

	d := dispatch.New(b)
	jobID, err := d.Send(context.Background(), dispatch.Job{
		BatchID:      3,
		WorkerID:     "mailbox-mover",
		FunctionName: "move",
		Parameters:   map[string]string{"id": "u1"},
		Correlation:  bus.CorrelationData{IsInitStep: false, RunbookName: "offboard", RunbookVersion: 1},
	})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)
	require.Equal(t, jobID, got.JobID)
	require.Equal(t, int64(3), got.BatchID)
	require.Equal(t, "move", got.FunctionName)
}

func TestResendUsesExplicitJobID(t *testing.T) {
	b := bus.NewFake()
	var got bus.WorkerJob
	_, err := b.Subscribe(context.Background(), bus.WorkerJobSubject("w"), "", func(ctx context.Context, msg bus.Msg) error {
		return msg.Decode(&got)
	})
	require.NoError(t, err)

	d := dispatch.New(b)
	jobID, err := d.Resend(context.Background(), dispatch.Job{WorkerID: "w", FunctionName: "f"}, "fixed-job-id")
	require.NoError(t, err)
	require.Equal(t, "fixed-job-id", jobID)
	require.Equal(t, "fixed-job-id", got.JobID)
}

func TestSendScheduledUsesPublishAt(t *testing.T) {
	b := bus.NewFake()
	d := dispatch.New(b)
	at := time.Now().Add(10 * time.Second)
	_, err := d.Send(context.Background(), dispatch.Job{WorkerID: "w", FunctionName: "f", ScheduledAt: &at})
	require.NoError(t, err)
	require.Len(t, b.Scheduled, 1)
	require.Empty(t, b.Sent)
}
