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

package runbook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	conductorerrors "github.com/latticerun/runbook-engine/pkg/errors"
)

const fullSpec = `
name: mailbox-move
data_source:
  type: warehouse
  connection: analytics
  query: SELECT user_id, email, cutover_at FROM migrations
  primary_key: user_id
  batch_time: "column:cutover_at"
  multi_valued_columns:
    - name: aliases
      format: semicolon_delimited
init:
  - name: provision
    worker_id: infra-worker
    function: provision_capacity
    params:
      batch: "{{_batch_id}}"
phases:
  - name: prepare
    offset: T-1d
    steps:
      - name: presync
        worker_id: mbx-worker
        function: presync_mailbox
        params:
          user: "{{user_id}}"
        poll:
          interval: 30s
          timeout: 1h
  - name: cutover
    offset: T-0
    steps:
      - name: switch
        worker_id: mbx-worker
        function: switch_mailbox
        params:
          user: "{{user_id}}"
        retry:
          max_retries: 2
          interval: 10s
        on_failure: prepare
        output_params:
          new_mailbox_id: mailbox_id
on_member_removed:
  - name: release
    worker_id: infra-worker
    function: release_capacity
retry:
  max_retries: 1
  interval: 1m
`

func TestParseSpecFullDocument(t *testing.T) {
	spec, err := ParseSpec(fullSpec)
	require.NoError(t, err)

	assert.Equal(t, "mailbox-move", spec.Name)
	assert.Equal(t, DataSourceWarehouse, spec.DataSource.Type)
	assert.True(t, spec.DataSource.BatchTime.IsColumnMode())
	assert.Equal(t, "cutover_at", spec.DataSource.BatchTimeColumn)
	require.Len(t, spec.DataSource.MultiValuedColumns, 1)
	assert.Equal(t, FormatSemicolonDelimited, spec.DataSource.MultiValuedColumns[0].Format)

	require.Len(t, spec.Init, 1)
	require.Len(t, spec.Phases, 2)
	assert.Equal(t, 1440, spec.Phases[0].OffsetMinutes)
	assert.Equal(t, 0, spec.Phases[1].OffsetMinutes)

	poll := spec.Phases[0].Steps[0].Poll
	require.NotNil(t, poll)
	assert.Equal(t, 30*time.Second, poll.Interval)
	assert.Equal(t, time.Hour, poll.Timeout)

	cutover := spec.Phases[1].Steps[0]
	require.NotNil(t, cutover.Retry)
	assert.Equal(t, 10*time.Second, cutover.Retry.Interval)
	assert.Equal(t, "prepare", cutover.OnFailure)
	assert.Equal(t, map[string]string{"new_mailbox_id": "mailbox_id"}, cutover.OutputParams)

	require.NotNil(t, spec.Retry)
	assert.Equal(t, time.Minute, spec.Retry.Interval)
	require.Len(t, spec.OnMemberRemoved, 1)
}

func TestParseSpecDefaultsBatchTimeToImmediate(t *testing.T) {
	spec, err := ParseSpec(`
name: simple
data_source:
  query: SELECT id FROM t
  primary_key: id
phases:
  - name: go
    offset: T-0
    steps:
      - name: s
        worker_id: w
        function: f
`)
	require.NoError(t, err)
	assert.Equal(t, BatchTimeImmediate, spec.DataSource.BatchTime)
	assert.False(t, spec.DataSource.BatchTime.IsColumnMode())
}

func TestParseSpecValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing name", `
data_source: {query: SELECT 1 FROM t, primary_key: id}
phases: [{name: p, offset: T-0, steps: [{name: s, worker_id: w, function: f}]}]
`},
		{"missing query", `
name: x
data_source: {primary_key: id}
phases: [{name: p, offset: T-0, steps: [{name: s, worker_id: w, function: f}]}]
`},
		{"no phases", `
name: x
data_source: {query: SELECT 1 FROM t, primary_key: id}
`},
		{"missing worker_id", `
name: x
data_source: {query: SELECT 1 FROM t, primary_key: id}
phases: [{name: p, offset: T-0, steps: [{name: s, function: f}]}]
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSpec(tt.doc)
			assert.Error(t, err)
		})
	}
}

func TestParseSpecRejectsDuplicatePhaseNames(t *testing.T) {
	_, err := ParseSpec(`
name: x
data_source: {query: SELECT 1 FROM t, primary_key: id}
phases:
  - {name: p, offset: T-0, steps: [{name: s, worker_id: w, function: f}]}
  - {name: p, offset: T-1h, steps: [{name: s2, worker_id: w, function: f}]}
`)
	assert.ErrorIs(t, err, conductorerrors.ErrDuplicatePhaseName)
}

func TestParseSpecRejectsBadOffset(t *testing.T) {
	_, err := ParseSpec(`
name: x
data_source: {query: SELECT 1 FROM t, primary_key: id}
phases: [{name: p, offset: "T+1h", steps: [{name: s, worker_id: w, function: f}]}]
`)
	assert.ErrorIs(t, err, conductorerrors.ErrInvalidOffsetGrammar)
}

func TestParseSpecRejectsUnsafePrimaryKey(t *testing.T) {
	_, err := ParseSpec(`
name: x
data_source: {query: SELECT 1 FROM t, primary_key: "id; DROP TABLE"}
phases: [{name: p, offset: T-0, steps: [{name: s, worker_id: w, function: f}]}]
`)
	assert.ErrorIs(t, err, conductorerrors.ErrUnsafeIdentifier)
}

func TestDynamicTableName(t *testing.T) {
	assert.Equal(t, "dyn_mailbox_move_v2", DynamicTableName("mailbox-move", 2))
	assert.Equal(t, "dyn_a_b_v1", DynamicTableName("a b", 1))
}

func TestEffectiveRetryFallsBackToDefault(t *testing.T) {
	def := &RetrySpec{MaxRetries: 3, Interval: time.Minute}

	step := StepDefinition{}
	max, interval := step.EffectiveRetry(def)
	assert.Equal(t, 3, max)
	assert.Equal(t, time.Minute, interval)

	step.Retry = &RetrySpec{MaxRetries: 1, Interval: time.Second}
	max, interval = step.EffectiveRetry(def)
	assert.Equal(t, 1, max)
	assert.Equal(t, time.Second, interval)

	max, interval = StepDefinition{}.EffectiveRetry(nil)
	assert.Equal(t, 0, max)
	assert.Equal(t, time.Duration(0), interval)
}

func TestStepListByName(t *testing.T) {
	rb := &Runbook{Spec: &Spec{
		Init:            []StepDefinition{{Name: "i"}},
		OnMemberRemoved: []StepDefinition{{Name: "r"}},
		Phases:          []PhaseDefinition{{Name: "p", Steps: []StepDefinition{{Name: "s"}}}},
	}}

	steps, ok := rb.StepListByName("init")
	require.True(t, ok)
	assert.Equal(t, "i", steps[0].Name)

	steps, ok = rb.StepListByName("p")
	require.True(t, ok)
	assert.Equal(t, "s", steps[0].Name)

	_, ok = rb.StepListByName("nope")
	assert.False(t, ok)
}
