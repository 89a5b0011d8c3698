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

package bus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/latticerun/runbook-engine/internal/bus"
)

func TestFakePublishDeliversToSubscriber(t *testing.T) {
	b := bus.NewFake()
	var got bus.PhaseDueEvent

	_, err := b.Subscribe(context.Background(), bus.SubjectPhaseDue, "", func(ctx context.Context, msg bus.Msg) error {
		return msg.Decode(&got)
	})
	require.NoError(t, err)

	want := bus.PhaseDueEvent{RunbookName: "offboard", BatchID: 7, PhaseExecutionID: 42, PhaseName: "p1"}
	require.NoError(t, b.Publish(context.Background(), bus.SubjectPhaseDue, want))
	require.Equal(t, want, got)
}

func TestFakePublishAtDeferredUntilFired(t *testing.T) {
	b := bus.NewFake()
	var delivered bool
	_, err := b.Subscribe(context.Background(), bus.SubjectRetryCheck, "", func(ctx context.Context, msg bus.Msg) error {
		delivered = true
		return nil
	})
	require.NoError(t, err)

	at := time.Now().Add(time.Hour)
	require.NoError(t, b.PublishAt(context.Background(), bus.SubjectRetryCheck, bus.RetryCheckEvent{ExecutionID: 1}, at))
	require.False(t, delivered, "scheduled message must not deliver before its time")

	require.NoError(t, b.FireScheduled(context.Background(), at.Add(time.Minute)))
	require.True(t, delivered)
}

func TestFakeHandlerErrorPropagates(t *testing.T) {
	b := bus.NewFake()
	_, err := b.Subscribe(context.Background(), bus.SubjectMemberAdded, "", func(ctx context.Context, msg bus.Msg) error {
		return context.DeadlineExceeded
	})
	require.NoError(t, err)

	err = b.Publish(context.Background(), bus.SubjectMemberAdded, bus.MemberAddedEvent{BatchID: 1, MemberID: 2})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
