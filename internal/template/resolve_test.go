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

package template

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	conductorerrors "github.com/latticerun/runbook-engine/pkg/errors"
)

func testContext() Context {
	return Context{
		Data: map[string]string{
			"user_id":  "u-42",
			"mailbox":  "primary",
			"nickname": "",
		},
		BatchID:        "17",
		BatchStartTime: time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC),
	}
}

func TestResolveSubstitutesMemberColumns(t *testing.T) {
	got, err := Resolve("migrate {{user_id}} box={{mailbox}}", testContext())
	require.NoError(t, err)
	assert.Equal(t, "migrate u-42 box=primary", got)
}

func TestResolveReservedNames(t *testing.T) {
	got, err := Resolve("batch {{_batch_id}} at {{_batch_start_time}}", testContext())
	require.NoError(t, err)
	assert.Equal(t, "batch 17 at 2026-07-29T12:00:00Z", got)
}

func TestResolveNullColumnSubstitutesEmpty(t *testing.T) {
	got, err := Resolve("[{{nickname}}]", testContext())
	require.NoError(t, err)
	assert.Equal(t, "[]", got)
}

func TestResolveFailsLoudlyOnUnknownNames(t *testing.T) {
	_, err := Resolve("{{user_id}} {{missing}} {{also_missing}} {{missing}}", testContext())
	require.Error(t, err)
	assert.ErrorIs(t, err, conductorerrors.ErrUnresolvedTemplate)

	var unresolved *UnresolvedError
	require.True(t, errors.As(err, &unresolved))
	assert.Equal(t, []string{"missing", "also_missing"}, unresolved.Names)
	assert.Contains(t, unresolved.Template, "{{missing}}")
}

func TestResolveEmptyDataResolvesReservedOnly(t *testing.T) {
	ctx := Context{BatchID: "9", BatchStartTime: time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)}

	got, err := Resolve("{{_batch_id}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "9", got)

	_, err = Resolve("{{anything}}", ctx)
	assert.ErrorIs(t, err, conductorerrors.ErrUnresolvedTemplate)
}

func TestResolveIsCaseSensitive(t *testing.T) {
	_, err := Resolve("{{User_ID}}", testContext())
	assert.ErrorIs(t, err, conductorerrors.ErrUnresolvedTemplate)
}

func TestResolveStep(t *testing.T) {
	fn, params, err := ResolveStep("move_{{mailbox}}", map[string]string{
		"id":    "{{user_id}}",
		"batch": "{{_batch_id}}",
	}, testContext())
	require.NoError(t, err)
	assert.Equal(t, "move_primary", fn)
	assert.Equal(t, map[string]string{"id": "u-42", "batch": "17"}, params)
}

func TestResolveStepPropagatesUnresolvedParam(t *testing.T) {
	_, _, err := ResolveStep("fn", map[string]string{"id": "{{nope}}"}, testContext())
	assert.ErrorIs(t, err, conductorerrors.ErrUnresolvedTemplate)
}

func TestReferencedNames(t *testing.T) {
	names := ReferencedNames("a {{x}} {{y}}", "{{x}} {{_batch_id}}", "plain")
	assert.Equal(t, []string{"x", "y", "_batch_id"}, names)
}

func TestIsReserved(t *testing.T) {
	assert.True(t, IsReserved("_batch_id"))
	assert.True(t, IsReserved("_anything"))
	assert.False(t, IsReserved("user_id"))
}
