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

// Package csv implements manual-batch CSV ingestion and template
// generation: RFC 4180-style parsing with
// case-insensitive header matching, required-column derivation from a
// runbook's primary key and referenced placeholders, and a sample-data
// template generator for operators preparing an upload.
package csv

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/latticerun/runbook-engine/internal/runbook"
	"github.com/latticerun/runbook-engine/internal/template"
	pkgerrors "github.com/latticerun/runbook-engine/pkg/errors"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Row is one parsed CSV row, keyed by the header's original column name
// (not lower-cased), with every value trimmed.
type Row map[string]string

// ParseResult is the outcome of validating and parsing an uploaded CSV.
type ParseResult struct {
	Rows     []Row
	Warnings []string
}

// RequiredColumns derives the CSV columns a runbook's manual-batch upload
// must supply: the primary key plus every {{name}} referenced by any
// step's parameters or function field, across init, phases and
// on_member_removed, excluding reserved (_-prefixed) names.
func RequiredColumns(rb *runbook.Runbook) []string {
	seen := map[string]bool{rb.Spec.DataSource.PrimaryKey: true}
	cols := []string{rb.Spec.DataSource.PrimaryKey}

	addFrom := func(steps []runbook.StepDefinition) {
		for _, step := range steps {
			strs := make([]string, 0, len(step.Params)+1)
			strs = append(strs, step.Function)
			for _, v := range step.Params {
				strs = append(strs, v)
			}
			for _, name := range template.ReferencedNames(strs...) {
				if template.IsReserved(name) || seen[name] {
					continue
				}
				seen[name] = true
				cols = append(cols, name)
			}
		}
	}

	addFrom(rb.Spec.Init)
	for _, phase := range rb.Spec.Phases {
		addFrom(phase.Steps)
	}
	addFrom(rb.Spec.OnMemberRemoved)

	return cols
}

// Parse validates and parses CSV data against rb's required columns.
// Header matching is case-insensitive; \r\n and \n line
// endings and a leading UTF-8 BOM are both accepted transparently.
// Missing required columns or duplicate/empty primary keys fail
// validation; unexpected columns are reported as warnings, not failures.
func Parse(data []byte, rb *runbook.Runbook) (*ParseResult, error) {
	data = bytes.TrimPrefix(data, utf8BOM)

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, &pkgerrors.ValidationError{Field: "csv", Message: "file has no header row"}
	}
	if err != nil {
		return nil, &pkgerrors.ValidationError{Field: "csv", Message: fmt.Sprintf("reading header: %v", err)}
	}

	colByLower := make(map[string]string, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		header[i] = h
		colByLower[strings.ToLower(h)] = h
	}

	required := RequiredColumns(rb)
	var missing []string
	for _, col := range required {
		if _, ok := colByLower[strings.ToLower(col)]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, &pkgerrors.ValidationError{
			Field:      "csv",
			Message:    fmt.Sprintf("missing required column(s): %s", strings.Join(missing, ", ")),
			Suggestion: "generate a template with the current runbook version and compare headers",
		}
	}

	requiredLower := make(map[string]bool, len(required))
	for _, c := range required {
		requiredLower[strings.ToLower(c)] = true
	}
	var warnings []string
	for _, h := range header {
		if !requiredLower[strings.ToLower(h)] {
			warnings = append(warnings, fmt.Sprintf("unexpected column %q (ignored)", h))
		}
	}

	pkLower := strings.ToLower(rb.Spec.DataSource.PrimaryKey)
	pkCol := colByLower[pkLower]

	var rows []Row
	seenKeys := make(map[string]bool)
	rowNum := 1 // header was row 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &pkgerrors.ValidationError{Field: "csv", Message: fmt.Sprintf("row %d: %v", rowNum, err)}
		}
		rowNum++

		row := make(Row, len(header))
		for i, h := range header {
			if i < len(record) {
				row[h] = strings.TrimSpace(record[i])
			} else {
				row[h] = ""
			}
		}

		key := row[pkCol]
		if key == "" {
			return nil, &pkgerrors.ValidationError{Field: "csv", Message: fmt.Sprintf("row %d: empty primary key %q", rowNum, pkCol)}
		}
		if seenKeys[key] {
			return nil, &pkgerrors.ValidationError{Field: "csv", Message: fmt.Sprintf("row %d: duplicate primary key %q", rowNum, key)}
		}
		seenKeys[key] = true

		rows = append(rows, row)
	}

	return &ParseResult{Rows: rows, Warnings: warnings}, nil
}
