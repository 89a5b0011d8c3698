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

package dynatable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	conductorerrors "github.com/latticerun/runbook-engine/pkg/errors"
)

func TestDeriveColumns(t *testing.T) {
	cols, err := DeriveColumns([]string{
		"user_id",
		"u.email",
		"[display name] AS display_name",
		"UPPER(region) as region",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"user_id", "email", "display_name", "region"}, cols)
}

func TestDeriveColumnsRejectsUnsafeIdentifiers(t *testing.T) {
	_, err := DeriveColumns([]string{"user_id; DROP TABLE x"})
	assert.ErrorIs(t, err, conductorerrors.ErrUnsafeIdentifier)
}

func TestValidateIdentifier(t *testing.T) {
	assert.NoError(t, ValidateIdentifier("dyn_mailbox_move_v2"))
	assert.ErrorIs(t, ValidateIdentifier("bad-name"), conductorerrors.ErrUnsafeIdentifier)
	assert.ErrorIs(t, ValidateIdentifier(`x"; --`), conductorerrors.ErrUnsafeIdentifier)
	assert.ErrorIs(t, ValidateIdentifier(""), conductorerrors.ErrUnsafeIdentifier)
}

func TestNormalizeMultiValued(t *testing.T) {
	assert.Equal(t, "[]", normalizeMultiValued(""))
	assert.Equal(t, `["a","b"]`, normalizeMultiValued("a;b"))
	assert.Equal(t, `["a","b"]`, normalizeMultiValued("a, b"))
	assert.Equal(t, `["a","b"]`, normalizeMultiValued(`["a","b"]`))
	// A lone value with neither delimiter becomes a one-element array.
	assert.Equal(t, `["solo"]`, normalizeMultiValued("solo"))
}
