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

package phaseeval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	conductorerrors "github.com/latticerun/runbook-engine/pkg/errors"
)

func TestParseOffset(t *testing.T) {
	tests := []struct {
		in      string
		minutes int
	}{
		{"T-0", 0},
		{"T-30s", 1}, // seconds round up to the next minute
		{"T-90s", 2},
		{"T-60s", 1},
		{"T-15m", 15},
		{"T-1h", 60},
		{"T-1d", 1440},
		{"T-2d", 2880},
	}
	for _, tt := range tests {
		got, err := ParseOffset(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.minutes, got, tt.in)
	}
}

func TestParseOffsetRejectsBadGrammar(t *testing.T) {
	for _, in := range []string{"", "T-", "T+1h", "1h", "T-1w", "T-h", "t-1h", "T-1H"} {
		_, err := ParseOffset(in)
		require.Error(t, err, in)
		assert.ErrorIs(t, err, conductorerrors.ErrInvalidOffsetGrammar, in)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in  string
		out time.Duration
	}{
		{"30s", 30 * time.Second},
		{"10s", 10 * time.Second},
		{"5m", 5 * time.Minute},
		{"1h", time.Hour},
		{"1d", 24 * time.Hour},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.out, got, tt.in)
	}

	for _, in := range []string{"", "T-1h", "1", "s", "1.5h"} {
		_, err := ParseDuration(in)
		assert.ErrorIs(t, err, conductorerrors.ErrInvalidOffsetGrammar, in)
	}
}

func TestDueAt(t *testing.T) {
	start := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, start, DueAt(start, 0))
	assert.Equal(t, start.Add(-time.Hour), DueAt(start, 60))
	assert.Equal(t, start.Add(-24*time.Hour), DueAt(start, 1440))
}

func TestNewBatchPlanKeepsDeclarationOrder(t *testing.T) {
	start := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	phases := []PhaseSpec{
		{Name: "prepare", OffsetMinutes: 1440},
		{Name: "notify", OffsetMinutes: 60},
		{Name: "cutover", OffsetMinutes: 0},
	}

	planned := NewBatchPlan(phases, start, 3)
	require.Len(t, planned, 3)
	for i, p := range planned {
		assert.Equal(t, phases[i].Name, p.PhaseName)
		assert.Equal(t, StatusPending, p.Status)
		assert.Equal(t, 3, p.Version)
		assert.Equal(t, DueAt(start, phases[i].OffsetMinutes), p.DueAt)
	}
}

func TestApplyVersionTransitionCatchUp(t *testing.T) {
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	start := now.Add(-10 * time.Minute) // the new phase is already overdue

	result := ApplyVersionTransition(
		[]PhaseSpec{{Name: "cutover", OffsetMinutes: 0}},
		[]ExistingPhase{
			{PhaseName: "old-prepare", Status: StatusPending, Version: 1},
			{PhaseName: "old-done", Status: StatusCompleted, Version: 1},
		},
		start, 2, now, "catch_up",
	)

	require.Len(t, result.NewPhases, 1)
	assert.Equal(t, StatusPending, result.NewPhases[0].Status)
	assert.Equal(t, 2, result.NewPhases[0].Version)
	assert.False(t, result.IgnoreApplied)

	// Only the still-pending old phase is superseded; completed history stays.
	assert.Equal(t, []string{"old-prepare"}, result.SupersededPhases)
}

func TestApplyVersionTransitionIgnoreSkipsOverdue(t *testing.T) {
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	start := now.Add(-10 * time.Minute)

	result := ApplyVersionTransition(
		[]PhaseSpec{
			{Name: "overdue", OffsetMinutes: 0},
			{Name: "future", OffsetMinutes: 0},
		},
		nil,
		start, 2, now, "ignore",
	)

	require.Len(t, result.NewPhases, 2)
	assert.Equal(t, StatusSkipped, result.NewPhases[0].Status)
	assert.True(t, result.IgnoreApplied)
}

func TestApplyVersionTransitionFuturePhaseStaysPending(t *testing.T) {
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	start := now.Add(2 * time.Hour)

	result := ApplyVersionTransition(
		[]PhaseSpec{{Name: "cutover", OffsetMinutes: 0}},
		nil,
		start, 2, now, "ignore",
	)

	require.Len(t, result.NewPhases, 1)
	assert.Equal(t, StatusPending, result.NewPhases[0].Status)
	assert.False(t, result.IgnoreApplied)
}

func TestCompareOrdersByOffsetThenID(t *testing.T) {
	assert.Equal(t, -1, Compare(0, 10, 60, 1))
	assert.Equal(t, 1, Compare(60, 1, 0, 10))
	assert.Equal(t, -1, Compare(60, 1, 60, 2))
	assert.Equal(t, 0, Compare(60, 5, 60, 5))
}
