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
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/latticerun/runbook-engine/internal/dynatable"
	"github.com/latticerun/runbook-engine/internal/runbook"
)

// sampleRule is one entry of the sample-value heuristic table: match is an
// expr-lang boolean expression evaluated against the lower-cased column
// name (bound as `name`), compiled once and reused across columns.
type sampleRule struct {
	match   string
	program *vm.Program
	sample  func(column string) string
}

// compiledSampleRules is built once at package init: each rule's match
// expression is compiled with expr-lang against a `name string` env and
// reused across columns.
var compiledSampleRules = mustCompileSampleRules([]sampleRule{
	{match: `name contains "id"`, sample: func(string) string { return "sample_id_001" }},
	{match: `name contains "email"`, sample: func(string) string { return "user@example.com" }},
	{match: `name contains "date" or name contains "time"`, sample: func(string) string { return "2026-07-29T12:00:00Z" }},
})

func mustCompileSampleRules(rules []sampleRule) []sampleRule {
	env := map[string]any{"name": ""}
	for i := range rules {
		prog, err := expr.Compile(rules[i].match, expr.Env(env), expr.AsBool())
		if err != nil {
			panic(fmt.Sprintf("csv: invalid sample rule %q: %v", rules[i].match, err))
		}
		rules[i].program = prog
	}
	return rules
}

// sampleValue chooses a sample value for a template column using the
// compiled rule table, falling back to a generic placeholder.
func sampleValue(column string) string {
	lower := strings.ToLower(column)
	for _, rule := range compiledSampleRules {
		out, err := expr.Run(rule.program, map[string]any{"name": lower})
		if err != nil {
			continue
		}
		if matched, _ := out.(bool); matched {
			return rule.sample(column)
		}
	}
	return "sample_value"
}

// QueryProjectionColumns extracts the output column names from a runbook
// data-source query's top-level SELECT list, reusing the dynamic table
// manager's alias/bracket/dotted-name resolution.
func QueryProjectionColumns(query string) ([]string, error) {
	selectList, err := splitSelectList(query)
	if err != nil {
		return nil, err
	}
	return dynatable.DeriveColumns(selectList)
}

// splitSelectList isolates the column expressions between SELECT and
// FROM, splitting on top-level commas (commas nested inside parens, e.g.
// a function call, don't split).
func splitSelectList(query string) ([]string, error) {
	upper := strings.ToUpper(query)
	selIdx := strings.Index(upper, "SELECT")
	fromIdx := strings.Index(upper, " FROM ")
	if selIdx < 0 || fromIdx < 0 || fromIdx <= selIdx {
		return nil, fmt.Errorf("csv: could not locate a SELECT ... FROM clause in query")
	}
	body := query[selIdx+len("SELECT") : fromIdx]

	var cols []string
	depth := 0
	start := 0
	for i, r := range body {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				cols = append(cols, body[start:i])
				start = i + 1
			}
		}
	}
	cols = append(cols, body[start:])
	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i])
	}
	return cols, nil
}

// GenerateTemplate builds a CSV template for rb: columns are the union of
// the primary key, the data source query's projection, and every
// {{name}} referenced in steps (excluding reserved names), in that order,
// with one sample data row. Multi-valued columns get a sample in their
// declared format, CSV-escaped like any other cell.
func GenerateTemplate(rb *runbook.Runbook) ([]byte, error) {
	seen := make(map[string]bool)
	var columns []string

	addAll := func(cols []string) {
		for _, c := range cols {
			if seen[c] {
				continue
			}
			seen[c] = true
			columns = append(columns, c)
		}
	}

	addAll([]string{rb.Spec.DataSource.PrimaryKey})
	if proj, err := QueryProjectionColumns(rb.Spec.DataSource.Query); err == nil {
		addAll(proj)
	}
	addAll(RequiredColumns(rb)[1:]) // RequiredColumns[0] is always the primary key

	multiValued := make(map[string]runbook.MultiValueFormat, len(rb.Spec.DataSource.MultiValuedColumns))
	for _, c := range rb.Spec.DataSource.MultiValuedColumns {
		multiValued[c.Name] = c.Format
	}

	row := make([]string, len(columns))
	for i, col := range columns {
		if format, ok := multiValued[col]; ok {
			row[i] = multiValuedSample(format)
			continue
		}
		row[i] = sampleValue(col)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return nil, err
	}
	if err := w.Write(row); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func multiValuedSample(format runbook.MultiValueFormat) string {
	switch format {
	case runbook.FormatSemicolonDelimited:
		return "value-one;value-two"
	case runbook.FormatCommaDelimited:
		return "value-one,value-two"
	case runbook.FormatJSONArray:
		return `["value-one","value-two"]`
	default:
		return "value-one"
	}
}
