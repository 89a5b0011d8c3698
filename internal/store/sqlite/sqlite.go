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

// Package sqlite is the single-node store.Store backend, mirroring
// internal/store/postgres's schema and compare-and-set semantics over a
// local SQLite file instead of a Postgres cluster (the persistence
// layer is backend-agnostic; this is the embedded option for an
// operator running one conductord instance without a separate database).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/latticerun/runbook-engine/internal/phaseeval"
	"github.com/latticerun/runbook-engine/internal/runbook"
	"github.com/latticerun/runbook-engine/internal/store"
	conductorerrors "github.com/latticerun/runbook-engine/pkg/errors"
)

var _ store.Store = (*Store)(nil)

// Store is the modernc.org/sqlite-backed implementation of store.Store.
// SQLite serializes writes at the file level, so the pool is capped at a
// single connection; readers and writers alike share it.
type Store struct {
	db *sql.DB
}

// Config tunes the SQLite connection.
type Config struct {
	// Path is the database file path ("file::memory:?cache=shared" works
	// for tests that want an in-process ephemeral store).
	Path string
	// WAL enables write-ahead logging for better read concurrency.
	WAL bool
}

// Open opens (creating if absent) the SQLite file at cfg.Path, applies
// pragmas, and runs migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// SQLite allows one writer at a time; a single shared connection
	// avoids SQLITE_BUSY from this process's own goroutines racing.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.pragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring sqlite pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// New wraps an already-open *sql.DB (used by tests against a temp file or
// an in-memory shared-cache database).
func New(db *sql.DB) *Store { return &Store{db: db} }

// Ping reports store connectivity (wired into the /readyz admin endpoint).
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) pragmas(ctx context.Context, wal bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("exec %s: %w", p, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runbooks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			version INTEGER NOT NULL,
			spec_text TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 0,
			dynamic_table_name TEXT NOT NULL,
			overdue_behavior TEXT NOT NULL DEFAULT 'catch_up',
			ignore_overdue_applied INTEGER NOT NULL DEFAULT 0,
			rerun_init INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			UNIQUE(name, version)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_runbooks_active_name ON runbooks(name) WHERE active`,
		`CREATE TABLE IF NOT EXISTS batches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			runbook_name TEXT NOT NULL,
			runbook_version INTEGER NOT NULL,
			batch_start_time TEXT NOT NULL,
			status TEXT NOT NULL,
			is_manual INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(runbook_name, batch_start_time)
		)`,
		`CREATE INDEX IF NOT EXISTS ix_batches_runbook_status ON batches(runbook_name, status)`,
		`CREATE TABLE IF NOT EXISTS batch_members (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_id INTEGER NOT NULL REFERENCES batches(id),
			member_key TEXT NOT NULL,
			status TEXT NOT NULL,
			data_json TEXT NOT NULL DEFAULT '{}',
			worker_data_json TEXT NOT NULL DEFAULT '{}',
			add_dispatched_at TEXT,
			remove_dispatched_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(batch_id, member_key)
		)`,
		`CREATE INDEX IF NOT EXISTS ix_members_batch_status ON batch_members(batch_id, status)`,
		`CREATE TABLE IF NOT EXISTS phase_executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_id INTEGER NOT NULL REFERENCES batches(id),
			phase_name TEXT NOT NULL,
			runbook_version INTEGER NOT NULL,
			offset_minutes INTEGER NOT NULL,
			due_at TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ix_phases_batch ON phase_executions(batch_id)`,
		`CREATE TABLE IF NOT EXISTS step_executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			phase_execution_id INTEGER NOT NULL REFERENCES phase_executions(id),
			batch_member_id INTEGER NOT NULL REFERENCES batch_members(id),
			step_name TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			worker_id TEXT NOT NULL,
			function TEXT NOT NULL,
			params_json TEXT NOT NULL DEFAULT '{}',
			poll_interval_sec INTEGER NOT NULL DEFAULT 0,
			poll_timeout_sec INTEGER NOT NULL DEFAULT 0,
			poll_started_at TEXT,
			last_polled_at TEXT,
			poll_count INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			retry_interval_sec INTEGER NOT NULL DEFAULT 0,
			on_failure TEXT NOT NULL DEFAULT '',
			output_params_json TEXT NOT NULL DEFAULT '{}',
			last_job_id TEXT NOT NULL DEFAULT '',
			result_json TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(phase_execution_id, batch_member_id, step_name)
		)`,
		`CREATE INDEX IF NOT EXISTS ix_steps_phase ON step_executions(phase_execution_id, step_index)`,
		`CREATE INDEX IF NOT EXISTS ix_steps_polling ON step_executions(status, last_polled_at)`,
		`CREATE TABLE IF NOT EXISTS init_executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_id INTEGER NOT NULL REFERENCES batches(id),
			runbook_version INTEGER NOT NULL,
			step_index INTEGER NOT NULL,
			step_name TEXT NOT NULL,
			worker_id TEXT NOT NULL,
			function TEXT NOT NULL,
			params_json TEXT NOT NULL DEFAULT '{}',
			poll_interval_sec INTEGER NOT NULL DEFAULT 0,
			poll_timeout_sec INTEGER NOT NULL DEFAULT 0,
			poll_started_at TEXT,
			last_polled_at TEXT,
			poll_count INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			retry_interval_sec INTEGER NOT NULL DEFAULT 0,
			on_failure TEXT NOT NULL DEFAULT '',
			last_job_id TEXT NOT NULL DEFAULT '',
			result_json TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(batch_id, step_index, runbook_version)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_id INTEGER,
			runbook_name TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			summary TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS leases (
			name TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// --- time helpers ---
//
// modernc.org/sqlite has no native timestamp type; every instant is kept
// as RFC3339Nano text in UTC and converted at the Go boundary, matching
// the precision postgres's TIMESTAMPTZ gives the rest of the store for
// free.

func timeStr(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTimeStr(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullableTimeStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: timeStr(*t), Valid: true}
}

func toNullableTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTimeStr(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// --- RunbookStore ---

func (s *Store) Publish(ctx context.Context, rb *runbook.Runbook, activate bool) (*runbook.Runbook, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if activate {
		if _, err := tx.ExecContext(ctx, `UPDATE runbooks SET active = 0 WHERE name = ? AND active`, rb.Name); err != nil {
			return nil, fmt.Errorf("deactivating prior version: %w", err)
		}
	}

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO runbooks (name, version, spec_text, active, dynamic_table_name, overdue_behavior, ignore_overdue_applied, rerun_init, enabled, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rb.Name, rb.Version, rb.SpecText, activate, rb.DynamicTableName, string(rb.OverdueBehavior), rb.IgnoreOverdueApplied, rb.RerunInit, rb.Enabled, timeStr(now),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting runbook: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	out := *rb
	out.ID = id
	out.Active = activate
	out.CreatedAt = now
	return &out, nil
}

const runbookCols = `id, name, version, spec_text, active, dynamic_table_name, overdue_behavior, ignore_overdue_applied, rerun_init, enabled, created_at`

func scanRunbook(row rowScanner) (*runbook.Runbook, error) {
	var rb runbook.Runbook
	var overdue, createdAt string
	if err := row.Scan(&rb.ID, &rb.Name, &rb.Version, &rb.SpecText, &rb.Active, &rb.DynamicTableName, &overdue, &rb.IgnoreOverdueApplied, &rb.RerunInit, &rb.Enabled, &createdAt); err != nil {
		return nil, err
	}
	t, err := parseTimeStr(createdAt)
	if err != nil {
		return nil, err
	}
	rb.CreatedAt = t
	rb.OverdueBehavior = runbook.OverdueBehavior(overdue)
	spec, err := runbook.ParseSpec(rb.SpecText)
	if err != nil {
		return nil, fmt.Errorf("parsing stored spec for %s v%d: %w", rb.Name, rb.Version, err)
	}
	rb.Spec = spec
	return &rb, nil
}

func (s *Store) GetActiveRunbook(ctx context.Context, name string) (*runbook.Runbook, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runbookCols+` FROM runbooks WHERE name = ? AND active`, name)
	rb, err := scanRunbook(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", conductorerrors.ErrRunbookNotFound, name)
	}
	return rb, err
}

func (s *Store) GetRunbookVersion(ctx context.Context, name string, version int) (*runbook.Runbook, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runbookCols+` FROM runbooks WHERE name = ? AND version = ?`, name, version)
	rb, err := scanRunbook(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s v%d", conductorerrors.ErrRunbookNotFound, name, version)
	}
	return rb, err
}

func (s *Store) ListActiveRunbooks(ctx context.Context) ([]*runbook.Runbook, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runbookCols+` FROM runbooks WHERE active ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*runbook.Runbook
	for rows.Next() {
		rb, err := scanRunbook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rb)
	}
	return out, rows.Err()
}

func (s *Store) ListRunbookVersions(ctx context.Context, name string) ([]*runbook.Runbook, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runbookCols+` FROM runbooks WHERE name = ? ORDER BY version`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*runbook.Runbook
	for rows.Next() {
		rb, err := scanRunbook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rb)
	}
	return out, rows.Err()
}

func (s *Store) SetIgnoreOverdueApplied(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runbooks SET ignore_overdue_applied = 1 WHERE id = ?`, id)
	return err
}

// --- BatchStore ---

func (s *Store) CreateBatch(ctx context.Context, in store.NewBatchInput) (*store.Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now()
	status := store.BatchDetected
	res, err := tx.ExecContext(ctx, `
		INSERT INTO batches (runbook_name, runbook_version, batch_start_time, status, is_manual, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?)`,
		in.RunbookName, in.RunbookVersion, timeStr(in.BatchStartTime), string(status), in.IsManual, timeStr(now), timeStr(now),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting batch: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	b := &store.Batch{
		ID:             id,
		RunbookName:    in.RunbookName,
		RunbookVersion: in.RunbookVersion,
		BatchStartTime: in.BatchStartTime,
		Status:         status,
		IsManual:       in.IsManual,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	for _, key := range in.MemberKeys {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO batch_members (batch_id, member_key, status, data_json, created_at, updated_at)
			VALUES (?,?,?,?,?,?)`, b.ID, key, string(store.MemberActive), in.MemberData[key], timeStr(now), timeStr(now)); err != nil {
			return nil, fmt.Errorf("inserting member %s: %w", key, err)
		}
	}

	for _, p := range in.Phases {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO phase_executions (batch_id, phase_name, runbook_version, offset_minutes, due_at, status, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?)`, b.ID, p.PhaseName, p.Version, p.OffsetMinutes, timeStr(p.DueAt), string(p.Status), timeStr(now), timeStr(now)); err != nil {
			return nil, fmt.Errorf("inserting phase %s: %w", p.PhaseName, err)
		}
	}

	for _, init := range in.Init {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO init_executions (batch_id, runbook_version, step_index, step_name, worker_id, function, params_json, poll_interval_sec, poll_timeout_sec, max_retries, retry_interval_sec, on_failure, status, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			b.ID, init.RunbookVersion, init.StepIndex, init.StepName, init.WorkerID, init.Function, init.ParamsJSON,
			init.PollIntervalSec, init.PollTimeoutSec, init.MaxRetries, init.RetryIntervalSec, init.OnFailure, string(store.StepPending), timeStr(now), timeStr(now)); err != nil {
			return nil, fmt.Errorf("inserting init step %s: %w", init.StepName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return b, nil
}

const batchCols = `id, runbook_name, runbook_version, batch_start_time, status, is_manual, created_at, updated_at`

func scanBatch(row rowScanner) (*store.Batch, error) {
	var b store.Batch
	var status, batchStart, createdAt, updatedAt string
	if err := row.Scan(&b.ID, &b.RunbookName, &b.RunbookVersion, &batchStart, &status, &b.IsManual, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if b.BatchStartTime, err = parseTimeStr(batchStart); err != nil {
		return nil, err
	}
	if b.CreatedAt, err = parseTimeStr(createdAt); err != nil {
		return nil, err
	}
	if b.UpdatedAt, err = parseTimeStr(updatedAt); err != nil {
		return nil, err
	}
	b.Status = store.BatchStatus(status)
	return &b, nil
}

func (s *Store) GetBatch(ctx context.Context, id int64) (*store.Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchCols+` FROM batches WHERE id = ?`, id)
	return scanBatch(row)
}

func (s *Store) FindBatch(ctx context.Context, runbookName string, batchStartTime time.Time) (*store.Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchCols+` FROM batches WHERE runbook_name = ? AND batch_start_time = ?`, runbookName, timeStr(batchStartTime))
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

func (s *Store) ListLiveBatches(ctx context.Context, runbookName string) ([]*store.Batch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+batchCols+` FROM batches WHERE runbook_name = ? AND status NOT IN (?,?,?) ORDER BY batch_start_time`,
		runbookName, string(store.BatchCompleted), string(store.BatchFailed), string(store.BatchCancelled))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) ListActiveRunbookBatchTimes(ctx context.Context, runbookName string) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT batch_start_time FROM batches WHERE runbook_name = ? AND status NOT IN (?,?,?)`,
		runbookName, string(store.BatchCompleted), string(store.BatchFailed), string(store.BatchCancelled))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		t, err := parseTimeStr(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) SetBatchStatus(ctx context.Context, id int64, from, to store.BatchStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE batches SET status = ?, updated_at = ? WHERE id = ? AND status = ?`, string(to), timeStr(time.Now()), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) SetBatchRunbookVersion(ctx context.Context, id int64, version int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE batches SET runbook_version = ?, updated_at = ? WHERE id = ?`, version, timeStr(time.Now()), id)
	return err
}

// --- MemberStore ---

const memberCols = `id, batch_id, member_key, status, data_json, worker_data_json, add_dispatched_at, remove_dispatched_at, created_at, updated_at`

func scanMember(row rowScanner) (*store.Member, error) {
	var m store.Member
	var status, createdAt, updatedAt string
	var addDispatched, removeDispatched sql.NullString
	if err := row.Scan(&m.ID, &m.BatchID, &m.MemberKey, &status, &m.DataJSON, &m.WorkerDataJSON, &addDispatched, &removeDispatched, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m.Status = store.MemberStatus(status)
	var err error
	if m.CreatedAt, err = parseTimeStr(createdAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = parseTimeStr(updatedAt); err != nil {
		return nil, err
	}
	if m.AddDispatchedAt, err = toNullableTime(addDispatched); err != nil {
		return nil, err
	}
	if m.RemoveDispatchedAt, err = toNullableTime(removeDispatched); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) ListMembers(ctx context.Context, batchID int64) ([]*store.Member, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+memberCols+` FROM batch_members WHERE batch_id = ? ORDER BY id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) GetMember(ctx context.Context, id int64) (*store.Member, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memberCols+` FROM batch_members WHERE id = ?`, id)
	return scanMember(row)
}

func (s *Store) AddMember(ctx context.Context, batchID int64, memberKey, dataJSON string) (*store.Member, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO batch_members (batch_id, member_key, status, data_json, created_at, updated_at)
		VALUES (?,?,?,?,?,?)`,
		batchID, memberKey, string(store.MemberActive), dataJSON, timeStr(now), timeStr(now))
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+memberCols+` FROM batch_members WHERE id = ?`, id)
	return scanMember(row)
}

func (s *Store) RefreshMemberData(ctx context.Context, id int64, dataJSON string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE batch_members SET data_json = ?, updated_at = ? WHERE id = ?`, dataJSON, timeStr(time.Now()), id)
	return err
}

func (s *Store) SetMemberStatus(ctx context.Context, id int64, status store.MemberStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE batch_members SET status = ?, updated_at = ? WHERE id = ?`, string(status), timeStr(time.Now()), id)
	return err
}

func (s *Store) StampAddDispatched(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE batch_members SET add_dispatched_at = ?, updated_at = ? WHERE id = ?`, timeStr(at), timeStr(time.Now()), id)
	return err
}

func (s *Store) StampRemoveDispatched(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE batch_members SET remove_dispatched_at = ?, updated_at = ? WHERE id = ?`, timeStr(at), timeStr(time.Now()), id)
	return err
}

func (s *Store) MergeWorkerData(ctx context.Context, id int64, fields map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT worker_data_json FROM batch_members WHERE id = ?`, id).Scan(&current); err != nil {
		return err
	}
	merged := map[string]string{}
	if current != "" {
		_ = json.Unmarshal([]byte(current), &merged)
	}
	for k, v := range fields {
		merged[k] = v
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE batch_members SET worker_data_json = ?, updated_at = ? WHERE id = ?`, string(encoded), timeStr(time.Now()), id); err != nil {
		return err
	}
	return tx.Commit()
}

// --- PhaseExecutionStore ---

const phaseCols = `id, batch_id, phase_name, runbook_version, offset_minutes, due_at, status, created_at, updated_at`

func scanPhase(row rowScanner) (*store.PhaseExecution, error) {
	var p store.PhaseExecution
	var status, dueAt, createdAt, updatedAt string
	if err := row.Scan(&p.ID, &p.BatchID, &p.PhaseName, &p.RunbookVersion, &p.OffsetMinutes, &dueAt, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Status = phaseeval.Status(status)
	var err error
	if p.DueAt, err = parseTimeStr(dueAt); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTimeStr(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTimeStr(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPhasesByBatch(ctx context.Context, batchID int64) ([]*store.PhaseExecution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+phaseCols+` FROM phase_executions WHERE batch_id = ? ORDER BY offset_minutes, id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.PhaseExecution
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetPhaseByName(ctx context.Context, batchID int64, phaseName string, version int) (*store.PhaseExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+phaseCols+` FROM phase_executions WHERE batch_id = ? AND phase_name = ? AND runbook_version = ?`, batchID, phaseName, version)
	p, err := scanPhase(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (s *Store) GetPhase(ctx context.Context, id int64) (*store.PhaseExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+phaseCols+` FROM phase_executions WHERE id = ?`, id)
	return scanPhase(row)
}

func (s *Store) DuePendingPhases(ctx context.Context, runbookName string, now time.Time) ([]*store.PhaseExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pe.id, pe.batch_id, pe.phase_name, pe.runbook_version, pe.offset_minutes, pe.due_at, pe.status, pe.created_at, pe.updated_at
		FROM phase_executions pe
		JOIN batches b ON b.id = pe.batch_id
		WHERE b.runbook_name = ? AND pe.status = ? AND pe.due_at <= ?
			AND b.status NOT IN (?, ?, ?)
		ORDER BY pe.offset_minutes, pe.id`,
		runbookName, string(phaseeval.StatusPending), timeStr(now),
		string(store.BatchCompleted), string(store.BatchFailed), string(store.BatchCancelled))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.PhaseExecution
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ApplyVersionTransition(ctx context.Context, batchID int64, newPhases []phaseeval.Planned, supersede []string, newVersion int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	for _, name := range supersede {
		if _, err := tx.ExecContext(ctx, `
			UPDATE phase_executions SET status = ?, updated_at = ?
			WHERE batch_id = ? AND phase_name = ? AND runbook_version != ? AND status = ?`,
			string(phaseeval.StatusSuperseded), timeStr(now), batchID, name, newVersion, string(phaseeval.StatusPending)); err != nil {
			return fmt.Errorf("superseding phase %s: %w", name, err)
		}
	}
	for _, p := range newPhases {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO phase_executions (batch_id, phase_name, runbook_version, offset_minutes, due_at, status, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?)`, batchID, p.PhaseName, p.Version, p.OffsetMinutes, timeStr(p.DueAt), string(p.Status), timeStr(now), timeStr(now)); err != nil {
			return fmt.Errorf("inserting transitioned phase %s: %w", p.PhaseName, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE batches SET runbook_version = ?, updated_at = ? WHERE id = ?`, newVersion, timeStr(now), batchID); err != nil {
		return fmt.Errorf("bumping batch runbook_version: %w", err)
	}
	return tx.Commit()
}

func (s *Store) SetPhaseStatus(ctx context.Context, id int64, from, to phaseeval.Status) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE phase_executions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`, string(to), timeStr(time.Now()), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// --- StepExecutionStore ---

const stepCols = `id, phase_execution_id, batch_member_id, step_name, step_index, worker_id, function, params_json, poll_interval_sec, poll_timeout_sec, poll_started_at, last_polled_at, poll_count, retry_count, max_retries, retry_interval_sec, on_failure, output_params_json, last_job_id, result_json, error_message, status, created_at, updated_at`

func scanStep(row rowScanner) (*store.StepExecution, error) {
	var st store.StepExecution
	var status, createdAt, updatedAt string
	var pollStarted, lastPolled sql.NullString
	if err := row.Scan(&st.ID, &st.PhaseExecutionID, &st.BatchMemberID, &st.StepName, &st.StepIndex, &st.WorkerID, &st.Function, &st.ParamsJSON,
		&st.PollIntervalSec, &st.PollTimeoutSec, &pollStarted, &lastPolled, &st.PollCount, &st.RetryCount, &st.MaxRetries, &st.RetryIntervalSec,
		&st.OnFailure, &st.OutputParamsJSON, &st.LastJobID, &st.ResultJSON, &st.ErrorMessage, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	st.Status = store.StepStatus(status)
	var err error
	if st.PollStartedAt, err = toNullableTime(pollStarted); err != nil {
		return nil, err
	}
	if st.LastPolledAt, err = toNullableTime(lastPolled); err != nil {
		return nil, err
	}
	if st.CreatedAt, err = parseTimeStr(createdAt); err != nil {
		return nil, err
	}
	if st.UpdatedAt, err = parseTimeStr(updatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) ListStepsByPhase(ctx context.Context, phaseExecutionID int64) ([]*store.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stepCols+` FROM step_executions WHERE phase_execution_id = ? ORDER BY step_index, id`, phaseExecutionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.StepExecution
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) ListStepsByPhaseAndMember(ctx context.Context, phaseExecutionID, memberID int64) ([]*store.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stepCols+` FROM step_executions WHERE phase_execution_id = ? AND batch_member_id = ? ORDER BY step_index`, phaseExecutionID, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.StepExecution
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) GetStep(ctx context.Context, id int64) (*store.StepExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stepCols+` FROM step_executions WHERE id = ?`, id)
	return scanStep(row)
}

func (s *Store) CreateSteps(ctx context.Context, rows []*store.StepExecution) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := timeStr(time.Now())
	for _, st := range rows {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO step_executions (phase_execution_id, batch_member_id, step_name, step_index, worker_id, function, params_json,
				poll_interval_sec, poll_timeout_sec, max_retries, retry_interval_sec, on_failure, output_params_json, status, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT (phase_execution_id, batch_member_id, step_name) DO NOTHING`,
			st.PhaseExecutionID, st.BatchMemberID, st.StepName, st.StepIndex, st.WorkerID, st.Function, st.ParamsJSON,
			st.PollIntervalSec, st.PollTimeoutSec, st.MaxRetries, st.RetryIntervalSec, st.OnFailure, st.OutputParamsJSON, string(store.StepPending), now, now,
		)
		if err != nil {
			return fmt.Errorf("inserting step %s for member %d: %w", st.StepName, st.BatchMemberID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			if id, err := res.LastInsertId(); err == nil {
				st.ID = id
			}
		}
	}
	return tx.Commit()
}

func (s *Store) SetStepStatus(ctx context.Context, id int64, from, to store.StepStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE step_executions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`, string(to), timeStr(time.Now()), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) SetStepDispatched(ctx context.Context, id int64, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_executions SET status = ?, last_job_id = ?, updated_at = ?
		WHERE id = ? AND status IN (?,?)`,
		string(store.StepDispatched), jobID, timeStr(time.Now()), id, string(store.StepPending), string(store.StepDispatched))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) SetStepPolling(ctx context.Context, id int64, startedAt time.Time) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_executions SET status = ?, last_polled_at = ?, poll_count = poll_count + 1,
			poll_started_at = COALESCE(poll_started_at, ?), updated_at = ?
		WHERE id = ? AND status IN (?,?)`,
		string(store.StepPolling), timeStr(now), timeStr(startedAt), timeStr(now), id, string(store.StepDispatched), string(store.StepPolling))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) SetStepLastPolled(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE step_executions SET last_polled_at = ?, updated_at = ? WHERE id = ?`, timeStr(at), timeStr(time.Now()), id)
	return err
}

func (s *Store) SetStepSucceeded(ctx context.Context, id int64, resultJSON string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_executions SET status = ?, result_json = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?,?,?,?)`,
		string(store.StepSucceeded), resultJSON, timeStr(time.Now()), id,
		string(store.StepSucceeded), string(store.StepFailed), string(store.StepPollTimeout), string(store.StepCancelled))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) SetStepFailed(ctx context.Context, id int64, errMsg string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_executions SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?,?,?,?)`,
		string(store.StepFailed), errMsg, timeStr(time.Now()), id,
		string(store.StepSucceeded), string(store.StepFailed), string(store.StepPollTimeout), string(store.StepCancelled))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) IncrementStepRetry(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE step_executions SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?`, timeStr(time.Now()), id)
	return err
}

func (s *Store) DuePollingSteps(ctx context.Context, now time.Time) ([]*store.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepCols+` FROM step_executions
		WHERE status = ? AND datetime(last_polled_at, '+' || poll_interval_sec || ' seconds') <= datetime(?)`,
		string(store.StepPolling), timeStr(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.StepExecution
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) CancelPendingStepsForMember(ctx context.Context, phaseExecutionID, memberID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE step_executions SET status = ?, updated_at = ?
		WHERE phase_execution_id = ? AND batch_member_id = ? AND status IN (?,?,?)`,
		string(store.StepCancelled), timeStr(time.Now()), phaseExecutionID, memberID, string(store.StepPending), string(store.StepDispatched), string(store.StepPolling))
	return err
}

// --- InitExecutionStore ---

const initCols = `id, batch_id, runbook_version, step_index, step_name, worker_id, function, params_json, poll_interval_sec, poll_timeout_sec, poll_started_at, last_polled_at, poll_count, retry_count, max_retries, retry_interval_sec, on_failure, last_job_id, result_json, error_message, status, created_at, updated_at`

func scanInit(row rowScanner) (*store.InitExecution, error) {
	var it store.InitExecution
	var status, createdAt, updatedAt string
	var pollStarted, lastPolled sql.NullString
	if err := row.Scan(&it.ID, &it.BatchID, &it.RunbookVersion, &it.StepIndex, &it.StepName, &it.WorkerID, &it.Function, &it.ParamsJSON,
		&it.PollIntervalSec, &it.PollTimeoutSec, &pollStarted, &lastPolled, &it.PollCount, &it.RetryCount, &it.MaxRetries, &it.RetryIntervalSec,
		&it.OnFailure, &it.LastJobID, &it.ResultJSON, &it.ErrorMessage, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	it.Status = store.StepStatus(status)
	var err error
	if it.PollStartedAt, err = toNullableTime(pollStarted); err != nil {
		return nil, err
	}
	if it.LastPolledAt, err = toNullableTime(lastPolled); err != nil {
		return nil, err
	}
	if it.CreatedAt, err = parseTimeStr(createdAt); err != nil {
		return nil, err
	}
	if it.UpdatedAt, err = parseTimeStr(updatedAt); err != nil {
		return nil, err
	}
	return &it, nil
}

func (s *Store) ListInitByBatch(ctx context.Context, batchID int64) ([]*store.InitExecution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+initCols+` FROM init_executions WHERE batch_id = ? ORDER BY step_index`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.InitExecution
	for rows.Next() {
		it, err := scanInit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) GetInit(ctx context.Context, id int64) (*store.InitExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+initCols+` FROM init_executions WHERE id = ?`, id)
	return scanInit(row)
}

func (s *Store) CreateInitSteps(ctx context.Context, rows []*store.InitExecution) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := timeStr(time.Now())
	for _, it := range rows {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO init_executions (batch_id, runbook_version, step_index, step_name, worker_id, function, params_json,
				poll_interval_sec, poll_timeout_sec, max_retries, retry_interval_sec, on_failure, status, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			it.BatchID, it.RunbookVersion, it.StepIndex, it.StepName, it.WorkerID, it.Function, it.ParamsJSON,
			it.PollIntervalSec, it.PollTimeoutSec, it.MaxRetries, it.RetryIntervalSec, it.OnFailure, string(store.StepPending), now, now,
		)
		if err != nil {
			return fmt.Errorf("inserting init step %s: %w", it.StepName, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		it.ID = id
	}
	return tx.Commit()
}

func (s *Store) SetInitStatus(ctx context.Context, id int64, from, to store.StepStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE init_executions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`, string(to), timeStr(time.Now()), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) SetInitDispatched(ctx context.Context, id int64, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE init_executions SET status = ?, last_job_id = ?, updated_at = ?
		WHERE id = ? AND status IN (?,?)`,
		string(store.StepDispatched), jobID, timeStr(time.Now()), id, string(store.StepPending), string(store.StepDispatched))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) SetInitPolling(ctx context.Context, id int64, startedAt time.Time) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE init_executions SET status = ?, last_polled_at = ?, poll_count = poll_count + 1,
			poll_started_at = COALESCE(poll_started_at, ?), updated_at = ?
		WHERE id = ? AND status IN (?,?)`,
		string(store.StepPolling), timeStr(now), timeStr(startedAt), timeStr(now), id, string(store.StepDispatched), string(store.StepPolling))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) SetInitLastPolled(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE init_executions SET last_polled_at = ?, updated_at = ? WHERE id = ?`, timeStr(at), timeStr(time.Now()), id)
	return err
}

func (s *Store) SetInitSucceeded(ctx context.Context, id int64, resultJSON string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE init_executions SET status = ?, result_json = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?,?,?,?)`,
		string(store.StepSucceeded), resultJSON, timeStr(time.Now()), id,
		string(store.StepSucceeded), string(store.StepFailed), string(store.StepPollTimeout), string(store.StepCancelled))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) SetInitFailed(ctx context.Context, id int64, errMsg string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE init_executions SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?,?,?,?)`,
		string(store.StepFailed), errMsg, timeStr(time.Now()), id,
		string(store.StepSucceeded), string(store.StepFailed), string(store.StepPollTimeout), string(store.StepCancelled))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) IncrementInitRetry(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE init_executions SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?`, timeStr(time.Now()), id)
	return err
}

func (s *Store) DuePollingInit(ctx context.Context, now time.Time) ([]*store.InitExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+initCols+` FROM init_executions
		WHERE status = ? AND datetime(last_polled_at, '+' || poll_interval_sec || ' seconds') <= datetime(?)`,
		string(store.StepPolling), timeStr(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.InitExecution
	for rows.Next() {
		it, err := scanInit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// --- AuditStore ---

func (s *Store) RecordAudit(ctx context.Context, e store.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_log (batch_id, runbook_name, kind, summary, created_at) VALUES (?,?,?,?,?)`,
		e.BatchID, e.RunbookName, e.Kind, e.Summary, timeStr(time.Now()))
	return err
}

// DeleteAuditLogOlderThan satisfies tracing.AuditPruner, letting the
// retention manager run against the sqlite backend exactly as it does
// against postgres.
func (s *Store) DeleteAuditLogOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?`, timeStr(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- lease.Store ---

// TryAcquire implements lease.Store against the leases table.
func (s *Store) TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	expiresAt := timeStr(now.Add(ttl))
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE leases.expires_at < ? OR leases.holder = excluded.holder`,
		name, holder, expiresAt, timeStr(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Renew implements lease.Store, extending an existing lease held by holder.
func (s *Store) Renew(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE leases SET expires_at = ?
		WHERE name = ? AND holder = ? AND expires_at >= ?`,
		timeStr(now.Add(ttl)), name, holder, timeStr(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Release implements lease.Store; releasing an already-expired or
// already-released lease is tolerated (not an error).
func (s *Store) Release(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND holder = ?`, name, holder)
	return err
}
