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

package csv

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticerun/runbook-engine/internal/runbook"
)

func testRunbook() *runbook.Runbook {
	return &runbook.Runbook{
		Name:    "mailbox-move",
		Version: 1,
		Spec: &runbook.Spec{
			Name: "mailbox-move",
			DataSource: runbook.DataSourceSpec{
				Query:      "SELECT user_id, email, [display name] AS display_name FROM users",
				PrimaryKey: "user_id",
				BatchTime:  runbook.BatchTimeImmediate,
			},
			Phases: []runbook.PhaseDefinition{
				{
					Name:   "move",
					Offset: "T-0",
					Steps: []runbook.StepDefinition{
						{
							Name:     "migrate",
							WorkerID: "mbx-worker",
							Function: "migrate_mailbox",
							Params: map[string]string{
								"user":  "{{user_id}}",
								"email": "{{email}}",
								"batch": "{{_batch_id}}",
							},
						},
					},
				},
			},
		},
	}
}

func TestRequiredColumnsExcludeReservedNames(t *testing.T) {
	cols := RequiredColumns(testRunbook())
	assert.Equal(t, []string{"user_id", "email"}, cols)
}

func TestParseValidUpload(t *testing.T) {
	data := []byte("user_id,email\nu1,a@example.com\nu2,b@example.com\n")

	result, err := Parse(data, testRunbook())
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)
	assert.Empty(t, result.Warnings)
	assert.Equal(t, "u1", result.Rows[0]["user_id"])
	assert.Equal(t, "b@example.com", result.Rows[1]["email"])
}

func TestParseBOMAndCRLFAreTransparent(t *testing.T) {
	plain := []byte("user_id,email\nu1,a@example.com\n")
	bom := append([]byte{0xEF, 0xBB, 0xBF}, []byte("user_id,email\r\nu1,a@example.com\r\n")...)

	a, err := Parse(plain, testRunbook())
	require.NoError(t, err)
	b, err := Parse(bom, testRunbook())
	require.NoError(t, err)
	assert.Equal(t, a.Rows, b.Rows)
}

func TestParseQuotedCommasAndEscapedQuotes(t *testing.T) {
	data := []byte("user_id,email\n\"u1\",\"a,comma\"\"quoted\"\"@example.com\"\n")

	result, err := Parse(data, testRunbook())
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, `a,comma"quoted"@example.com`, result.Rows[0]["email"])
}

func TestParseTrimsValuesAndMatchesHeadersCaseInsensitively(t *testing.T) {
	data := []byte("User_ID,EMAIL\n  u1 , a@example.com \n")

	result, err := Parse(data, testRunbook())
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	// Rows are keyed by the header's original spelling.
	assert.Equal(t, "u1", result.Rows[0]["User_ID"])
	assert.Equal(t, "a@example.com", result.Rows[0]["EMAIL"])
}

func TestParseMissingRequiredColumnFails(t *testing.T) {
	_, err := Parse([]byte("user_id\nu1\n"), testRunbook())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email")
}

func TestParseUnexpectedColumnWarns(t *testing.T) {
	data := []byte("user_id,email,extra\nu1,a@example.com,x\n")

	result, err := Parse(data, testRunbook())
	require.NoError(t, err)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "extra")
}

func TestParseDuplicatePrimaryKeyFails(t *testing.T) {
	data := []byte("user_id,email\nu1,a@example.com\nu1,b@example.com\n")

	_, err := Parse(data, testRunbook())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate primary key")
}

func TestParseEmptyPrimaryKeyFails(t *testing.T) {
	data := []byte("user_id,email\n,a@example.com\n")

	_, err := Parse(data, testRunbook())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty primary key")
}

func TestParseEmptyFileFails(t *testing.T) {
	_, err := Parse(nil, testRunbook())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no header row")
}

func TestQueryProjectionColumns(t *testing.T) {
	cols, err := QueryProjectionColumns("SELECT u.user_id, email, [display name] AS display_name, COUNT(a, b) AS n FROM users")
	require.NoError(t, err)
	assert.Equal(t, []string{"user_id", "email", "display_name", "n"}, cols)

	_, err = QueryProjectionColumns("DELETE FROM users")
	assert.Error(t, err)
}

func TestGenerateTemplate(t *testing.T) {
	rb := testRunbook()
	rb.Spec.DataSource.MultiValuedColumns = []runbook.MultiValuedColumn{
		{Name: "aliases", Format: runbook.FormatSemicolonDelimited},
	}
	rb.Spec.Phases[0].Steps[0].Params["aliases"] = "{{aliases}}"
	rb.Spec.Phases[0].Steps[0].Params["when"] = "{{cutover_date}}"

	out, err := GenerateTemplate(rb)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 2)

	header := strings.Split(lines[0], ",")
	assert.Equal(t, "user_id", header[0])
	assert.Contains(t, header, "email")
	assert.Contains(t, header, "display_name")
	assert.Contains(t, header, "aliases")
	assert.Contains(t, header, "cutover_date")
	assert.NotContains(t, header, "_batch_id")

	sample := lines[1]
	assert.Contains(t, sample, "sample_id_001")
	assert.Contains(t, sample, "user@example.com")
	assert.Contains(t, sample, "value-one;value-two")
	// Date-like columns get an ISO timestamp sample.
	assert.Contains(t, sample, "2026-07-29T12:00:00Z")
}
