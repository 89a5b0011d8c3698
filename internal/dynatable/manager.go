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

// Package dynatable manages the per-runbook dynamic side table that
// mirrors a data source query's projection: schema derivation from the
// SELECT list, per-tick upsert, and marking absent rows not-current.
package dynatable

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	conductorerrors "github.com/latticerun/runbook-engine/pkg/errors"
)

// Execer is the minimal pgx surface the manager needs; satisfied by
// *pgxpool.Pool and pgx.Tx alike so callers can run an upsert pass inside
// an existing transaction or directly against the pool.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ReservedColumns are always present on a dynamic table in addition to the
// columns derived from the data source's projection.
var ReservedColumns = []string{"_row_id", "_member_key", "_batch_time", "_first_seen_at", "_last_seen_at", "_is_current"}

// Row is one record returned by a data source query, keyed by column name.
type Row map[string]string

// Manager creates and upserts dynamic tables.
type Manager struct {
	db Execer
}

// New creates a dynamic table manager over db.
func New(db Execer) *Manager {
	return &Manager{db: db}
}

// ValidateIdentifier enforces the identifier-safety regex required before
// any column or table name is used in a generated statement.
func ValidateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", conductorerrors.ErrUnsafeIdentifier, name)
	}
	return nil
}

// DeriveColumns parses a SELECT list into output column names: "<alias> AS
// <name>" uses <name>, "[bracketed]" is stripped, "table.col" uses "col".
func DeriveColumns(selectList []string) ([]string, error) {
	out := make([]string, 0, len(selectList))
	for _, raw := range selectList {
		col := strings.TrimSpace(raw)

		if idx := lastIndexFold(col, " as "); idx >= 0 {
			col = strings.TrimSpace(col[idx+4:])
		}
		col = strings.Trim(col, "[]")
		if dot := strings.LastIndex(col, "."); dot >= 0 {
			col = col[dot+1:]
		}
		col = strings.Trim(col, "\"`[]")

		if err := ValidateIdentifier(col); err != nil {
			return nil, err
		}
		out = append(out, col)
	}
	return out, nil
}

func lastIndexFold(s, sub string) int {
	lower := strings.ToLower(s)
	return strings.LastIndex(lower, strings.ToLower(sub))
}

// EnsureTable creates table (if absent) with one text column per derived
// column plus the reserved bookkeeping columns.
func (m *Manager) EnsureTable(ctx context.Context, table string, columns []string) error {
	if err := ValidateIdentifier(table); err != nil {
		return err
	}
	for _, c := range columns {
		if err := ValidateIdentifier(c); err != nil {
			return err
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, `CREATE TABLE IF NOT EXISTS %q (
		_row_id BIGSERIAL PRIMARY KEY,
		_member_key TEXT NOT NULL UNIQUE,
		_batch_time TIMESTAMPTZ,
		_first_seen_at TIMESTAMPTZ NOT NULL,
		_last_seen_at TIMESTAMPTZ NOT NULL,
		_is_current BOOLEAN NOT NULL DEFAULT TRUE`, table)
	for _, c := range columns {
		fmt.Fprintf(&b, ",\n\t\t%q TEXT", c)
	}
	b.WriteString("\n\t)")

	_, err := m.db.Exec(ctx, b.String())
	return err
}

// UpsertResult summarizes one upsert pass.
type UpsertResult struct {
	Inserted    int
	Updated     int
	MarkedStale int
}

// Upsert runs one full tick's pass over table: merges every row by
// _member_key (refreshing _last_seen_at and _is_current), then marks
// _is_current = false for every previously-current row whose key is no
// longer present in rows.
//
// memberKeyColumn names the primary key column within each Row; batchTime
// is recorded for rows where batch time is per-row meaningful.
func (m *Manager) Upsert(ctx context.Context, table string, columns []string, memberKeyColumn string, rows []Row, batchTime time.Time, multiValued map[string]bool) (UpsertResult, error) {
	var result UpsertResult
	now := time.Now().UTC()

	currentKeys := make([]string, 0, len(rows))
	for _, row := range rows {
		key := row[memberKeyColumn]
		if key == "" {
			continue
		}
		currentKeys = append(currentKeys, key)

		cols := []string{"_member_key", "_batch_time", "_first_seen_at", "_last_seen_at", "_is_current"}
		vals := []any{key, batchTime, now, now, true}
		for _, c := range columns {
			v := row[c]
			if multiValued[c] {
				v = normalizeMultiValued(v)
			}
			cols = append(cols, c)
			vals = append(vals, v)
		}

		placeholders := make([]string, len(vals))
		updates := make([]string, 0, len(cols)-1)
		for i, c := range cols {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			if c == "_member_key" || c == "_first_seen_at" {
				continue
			}
			updates = append(updates, fmt.Sprintf("%q = EXCLUDED.%q", c, c))
		}

		quotedCols := make([]string, len(cols))
		for i, c := range cols {
			quotedCols[i] = fmt.Sprintf("%q", c)
		}

		stmt := fmt.Sprintf(
			`INSERT INTO %q (%s) VALUES (%s)
			 ON CONFLICT (_member_key) DO UPDATE SET %s`,
			table, strings.Join(quotedCols, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "),
		)

		tag, err := m.db.Exec(ctx, stmt, vals...)
		if err != nil {
			return result, fmt.Errorf("upserting dynamic table row %s: %w", key, err)
		}
		if tag.RowsAffected() == 1 {
			result.Inserted++
		} else {
			result.Updated++
		}
	}

	staleStmt := fmt.Sprintf(`UPDATE %q SET _is_current = FALSE WHERE _is_current = TRUE AND _member_key != ALL($1)`, table)
	tag, err := m.db.Exec(ctx, staleStmt, currentKeys)
	if err != nil {
		return result, fmt.Errorf("marking stale dynamic table rows: %w", err)
	}
	result.MarkedStale = int(tag.RowsAffected())

	return result, nil
}

func normalizeMultiValued(raw string) string {
	if raw == "" {
		return "[]"
	}
	if strings.HasPrefix(strings.TrimSpace(raw), "[") {
		var probe []any
		if json.Unmarshal([]byte(raw), &probe) == nil {
			return raw
		}
	}
	var parts []string
	if strings.Contains(raw, ";") {
		parts = strings.Split(raw, ";")
	} else {
		parts = strings.Split(raw, ",")
	}
	trimmed := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			trimmed = append(trimmed, v)
		}
	}
	encoded, _ := json.Marshal(trimmed)
	return string(encoded)
}
