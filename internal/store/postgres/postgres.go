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

// Package postgres is the production store.Store backend: a relational
// schema with strong consistency, every status transition a
// compare-and-set UPDATE, and the batch/member/phase/init/step rows of
// the data model in their own tables.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/latticerun/runbook-engine/internal/phaseeval"
	"github.com/latticerun/runbook-engine/internal/runbook"
	"github.com/latticerun/runbook-engine/internal/store"
	conductorerrors "github.com/latticerun/runbook-engine/pkg/errors"
)

var _ store.Store = (*Store)(nil)

// Store is the pgx-backed implementation of store.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and runs migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// New wraps an already-open pool (used by tests against a test container).
func New(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

// Pool exposes the underlying connection pool so callers can build other
// pgx-backed components (internal/dynatable's Execer) against the same
// connection rather than opening a second pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping reports store connectivity (wired into the /readyz admin endpoint).
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the underlying connection pool.
func (s *Store) Close() error { s.pool.Close(); return nil }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runbooks (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			version INT NOT NULL,
			spec_text TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT FALSE,
			dynamic_table_name TEXT NOT NULL,
			overdue_behavior TEXT NOT NULL DEFAULT 'catch_up',
			ignore_overdue_applied BOOLEAN NOT NULL DEFAULT FALSE,
			rerun_init BOOLEAN NOT NULL DEFAULT FALSE,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE(name, version)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_runbooks_active_name ON runbooks(name) WHERE active`,
		`CREATE TABLE IF NOT EXISTS batches (
			id BIGSERIAL PRIMARY KEY,
			runbook_name TEXT NOT NULL,
			runbook_version INT NOT NULL,
			batch_start_time TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			is_manual BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE(runbook_name, batch_start_time)
		)`,
		`CREATE INDEX IF NOT EXISTS ix_batches_runbook_status ON batches(runbook_name, status)`,
		`CREATE TABLE IF NOT EXISTS batch_members (
			id BIGSERIAL PRIMARY KEY,
			batch_id BIGINT NOT NULL REFERENCES batches(id),
			member_key TEXT NOT NULL,
			status TEXT NOT NULL,
			data_json TEXT NOT NULL DEFAULT '{}',
			worker_data_json TEXT NOT NULL DEFAULT '{}',
			add_dispatched_at TIMESTAMPTZ,
			remove_dispatched_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE(batch_id, member_key)
		)`,
		`CREATE INDEX IF NOT EXISTS ix_members_batch_status ON batch_members(batch_id, status)`,
		`CREATE TABLE IF NOT EXISTS phase_executions (
			id BIGSERIAL PRIMARY KEY,
			batch_id BIGINT NOT NULL REFERENCES batches(id),
			phase_name TEXT NOT NULL,
			runbook_version INT NOT NULL,
			offset_minutes INT NOT NULL,
			due_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS ix_phases_batch ON phase_executions(batch_id)`,
		`CREATE TABLE IF NOT EXISTS step_executions (
			id BIGSERIAL PRIMARY KEY,
			phase_execution_id BIGINT NOT NULL REFERENCES phase_executions(id),
			batch_member_id BIGINT NOT NULL REFERENCES batch_members(id),
			step_name TEXT NOT NULL,
			step_index INT NOT NULL,
			worker_id TEXT NOT NULL,
			function TEXT NOT NULL,
			params_json TEXT NOT NULL DEFAULT '{}',
			poll_interval_sec INT NOT NULL DEFAULT 0,
			poll_timeout_sec INT NOT NULL DEFAULT 0,
			poll_started_at TIMESTAMPTZ,
			last_polled_at TIMESTAMPTZ,
			poll_count INT NOT NULL DEFAULT 0,
			retry_count INT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL DEFAULT 0,
			retry_interval_sec INT NOT NULL DEFAULT 0,
			on_failure TEXT NOT NULL DEFAULT '',
			output_params_json TEXT NOT NULL DEFAULT '{}',
			last_job_id TEXT NOT NULL DEFAULT '',
			result_json TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE(phase_execution_id, batch_member_id, step_name)
		)`,
		`CREATE INDEX IF NOT EXISTS ix_steps_phase ON step_executions(phase_execution_id, step_index)`,
		`CREATE INDEX IF NOT EXISTS ix_steps_polling ON step_executions(status, last_polled_at)`,
		`CREATE TABLE IF NOT EXISTS init_executions (
			id BIGSERIAL PRIMARY KEY,
			batch_id BIGINT NOT NULL REFERENCES batches(id),
			runbook_version INT NOT NULL,
			step_index INT NOT NULL,
			step_name TEXT NOT NULL,
			worker_id TEXT NOT NULL,
			function TEXT NOT NULL,
			params_json TEXT NOT NULL DEFAULT '{}',
			poll_interval_sec INT NOT NULL DEFAULT 0,
			poll_timeout_sec INT NOT NULL DEFAULT 0,
			poll_started_at TIMESTAMPTZ,
			last_polled_at TIMESTAMPTZ,
			poll_count INT NOT NULL DEFAULT 0,
			retry_count INT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL DEFAULT 0,
			retry_interval_sec INT NOT NULL DEFAULT 0,
			on_failure TEXT NOT NULL DEFAULT '',
			last_job_id TEXT NOT NULL DEFAULT '',
			result_json TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE(batch_id, step_index, runbook_version)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id BIGSERIAL PRIMARY KEY,
			batch_id BIGINT,
			runbook_name TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			summary TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS leases (
			name TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// --- RunbookStore ---

func (s *Store) Publish(ctx context.Context, rb *runbook.Runbook, activate bool) (*runbook.Runbook, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if activate {
		if _, err := tx.Exec(ctx, `UPDATE runbooks SET active = FALSE WHERE name = $1 AND active`, rb.Name); err != nil {
			return nil, fmt.Errorf("deactivating prior version: %w", err)
		}
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO runbooks (name, version, spec_text, active, dynamic_table_name, overdue_behavior, ignore_overdue_applied, rerun_init, enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id, created_at`,
		rb.Name, rb.Version, rb.SpecText, activate, rb.DynamicTableName, string(rb.OverdueBehavior), rb.IgnoreOverdueApplied, rb.RerunInit, rb.Enabled,
	)
	var id int64
	var createdAt time.Time
	if err := row.Scan(&id, &createdAt); err != nil {
		return nil, fmt.Errorf("inserting runbook: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	out := *rb
	out.ID = id
	out.Active = activate
	out.CreatedAt = createdAt
	return &out, nil
}

const runbookCols = `id, name, version, spec_text, active, dynamic_table_name, overdue_behavior, ignore_overdue_applied, rerun_init, enabled, created_at`

func scanRunbook(row pgx.Row) (*runbook.Runbook, error) {
	var rb runbook.Runbook
	var overdue string
	if err := row.Scan(&rb.ID, &rb.Name, &rb.Version, &rb.SpecText, &rb.Active, &rb.DynamicTableName, &overdue, &rb.IgnoreOverdueApplied, &rb.RerunInit, &rb.Enabled, &rb.CreatedAt); err != nil {
		return nil, err
	}
	rb.OverdueBehavior = runbook.OverdueBehavior(overdue)
	spec, err := runbook.ParseSpec(rb.SpecText)
	if err != nil {
		return nil, fmt.Errorf("parsing stored spec for %s v%d: %w", rb.Name, rb.Version, err)
	}
	rb.Spec = spec
	return &rb, nil
}

func (s *Store) GetActiveRunbook(ctx context.Context, name string) (*runbook.Runbook, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runbookCols+` FROM runbooks WHERE name = $1 AND active`, name)
	rb, err := scanRunbook(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", conductorerrors.ErrRunbookNotFound, name)
	}
	return rb, err
}

func (s *Store) GetRunbookVersion(ctx context.Context, name string, version int) (*runbook.Runbook, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runbookCols+` FROM runbooks WHERE name = $1 AND version = $2`, name, version)
	rb, err := scanRunbook(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s v%d", conductorerrors.ErrRunbookNotFound, name, version)
	}
	return rb, err
}

func (s *Store) ListActiveRunbooks(ctx context.Context) ([]*runbook.Runbook, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+runbookCols+` FROM runbooks WHERE active ORDER BY name`)
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
	rows, err := s.pool.Query(ctx, `SELECT `+runbookCols+` FROM runbooks WHERE name = $1 ORDER BY version`, name)
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
	_, err := s.pool.Exec(ctx, `UPDATE runbooks SET ignore_overdue_applied = TRUE WHERE id = $1`, id)
	return err
}

// --- BatchStore ---

func (s *Store) CreateBatch(ctx context.Context, in store.NewBatchInput) (*store.Batch, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	status := store.BatchDetected
	row := tx.QueryRow(ctx, `
		INSERT INTO batches (runbook_name, runbook_version, batch_start_time, status, is_manual)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, created_at, updated_at`,
		in.RunbookName, in.RunbookVersion, in.BatchStartTime, string(status), in.IsManual,
	)
	b := &store.Batch{
		RunbookName:    in.RunbookName,
		RunbookVersion: in.RunbookVersion,
		BatchStartTime: in.BatchStartTime,
		Status:         status,
		IsManual:       in.IsManual,
	}
	if err := row.Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, fmt.Errorf("inserting batch: %w", err)
	}

	for _, key := range in.MemberKeys {
		if _, err := tx.Exec(ctx, `
			INSERT INTO batch_members (batch_id, member_key, status, data_json)
			VALUES ($1,$2,$3,$4)`, b.ID, key, string(store.MemberActive), in.MemberData[key]); err != nil {
			return nil, fmt.Errorf("inserting member %s: %w", key, err)
		}
	}

	for _, p := range in.Phases {
		if _, err := tx.Exec(ctx, `
			INSERT INTO phase_executions (batch_id, phase_name, runbook_version, offset_minutes, due_at, status)
			VALUES ($1,$2,$3,$4,$5,$6)`, b.ID, p.PhaseName, p.Version, p.OffsetMinutes, p.DueAt, string(p.Status)); err != nil {
			return nil, fmt.Errorf("inserting phase %s: %w", p.PhaseName, err)
		}
	}

	for _, init := range in.Init {
		if _, err := tx.Exec(ctx, `
			INSERT INTO init_executions (batch_id, runbook_version, step_index, step_name, worker_id, function, params_json, poll_interval_sec, poll_timeout_sec, max_retries, retry_interval_sec, on_failure, status)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			b.ID, init.RunbookVersion, init.StepIndex, init.StepName, init.WorkerID, init.Function, init.ParamsJSON,
			init.PollIntervalSec, init.PollTimeoutSec, init.MaxRetries, init.RetryIntervalSec, init.OnFailure, string(store.StepPending)); err != nil {
			return nil, fmt.Errorf("inserting init step %s: %w", init.StepName, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

const batchCols = `id, runbook_name, runbook_version, batch_start_time, status, is_manual, created_at, updated_at`

func scanBatch(row pgx.Row) (*store.Batch, error) {
	var b store.Batch
	var status string
	if err := row.Scan(&b.ID, &b.RunbookName, &b.RunbookVersion, &b.BatchStartTime, &status, &b.IsManual, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.Status = store.BatchStatus(status)
	return &b, nil
}

func (s *Store) GetBatch(ctx context.Context, id int64) (*store.Batch, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+batchCols+` FROM batches WHERE id = $1`, id)
	return scanBatch(row)
}

func (s *Store) FindBatch(ctx context.Context, runbookName string, batchStartTime time.Time) (*store.Batch, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+batchCols+` FROM batches WHERE runbook_name = $1 AND batch_start_time = $2`, runbookName, batchStartTime)
	b, err := scanBatch(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return b, err
}

func (s *Store) ListLiveBatches(ctx context.Context, runbookName string) ([]*store.Batch, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+batchCols+` FROM batches WHERE runbook_name = $1 AND status NOT IN ($2,$3,$4) ORDER BY batch_start_time`,
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
	rows, err := s.pool.Query(ctx, `SELECT batch_start_time FROM batches WHERE runbook_name = $1 AND status NOT IN ($2,$3,$4)`,
		runbookName, string(store.BatchCompleted), string(store.BatchFailed), string(store.BatchCancelled))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) SetBatchStatus(ctx context.Context, id int64, from, to store.BatchStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE batches SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`, string(to), id, string(from))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SetBatchRunbookVersion(ctx context.Context, id int64, version int) error {
	_, err := s.pool.Exec(ctx, `UPDATE batches SET runbook_version = $1, updated_at = now() WHERE id = $2`, version, id)
	return err
}

// --- MemberStore ---

const memberCols = `id, batch_id, member_key, status, data_json, worker_data_json, add_dispatched_at, remove_dispatched_at, created_at, updated_at`

func scanMember(row pgx.Row) (*store.Member, error) {
	var m store.Member
	var status string
	if err := row.Scan(&m.ID, &m.BatchID, &m.MemberKey, &status, &m.DataJSON, &m.WorkerDataJSON, &m.AddDispatchedAt, &m.RemoveDispatchedAt, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Status = store.MemberStatus(status)
	return &m, nil
}

func (s *Store) ListMembers(ctx context.Context, batchID int64) ([]*store.Member, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+memberCols+` FROM batch_members WHERE batch_id = $1 ORDER BY id`, batchID)
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
	row := s.pool.QueryRow(ctx, `SELECT `+memberCols+` FROM batch_members WHERE id = $1`, id)
	return scanMember(row)
}

func (s *Store) AddMember(ctx context.Context, batchID int64, memberKey, dataJSON string) (*store.Member, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO batch_members (batch_id, member_key, status, data_json)
		VALUES ($1,$2,$3,$4)
		RETURNING `+memberCols,
		batchID, memberKey, string(store.MemberActive), dataJSON)
	return scanMember(row)
}

func (s *Store) RefreshMemberData(ctx context.Context, id int64, dataJSON string) error {
	_, err := s.pool.Exec(ctx, `UPDATE batch_members SET data_json = $1, updated_at = now() WHERE id = $2`, dataJSON, id)
	return err
}

func (s *Store) SetMemberStatus(ctx context.Context, id int64, status store.MemberStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE batch_members SET status = $1, updated_at = now() WHERE id = $2`, string(status), id)
	return err
}

func (s *Store) StampAddDispatched(ctx context.Context, id int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE batch_members SET add_dispatched_at = $1, updated_at = now() WHERE id = $2`, at, id)
	return err
}

func (s *Store) StampRemoveDispatched(ctx context.Context, id int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE batch_members SET remove_dispatched_at = $1, updated_at = now() WHERE id = $2`, at, id)
	return err
}

func (s *Store) MergeWorkerData(ctx context.Context, id int64, fields map[string]string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var current string
	if err := tx.QueryRow(ctx, `SELECT worker_data_json FROM batch_members WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
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
	if _, err := tx.Exec(ctx, `UPDATE batch_members SET worker_data_json = $1, updated_at = now() WHERE id = $2`, string(encoded), id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- PhaseExecutionStore ---

const phaseCols = `id, batch_id, phase_name, runbook_version, offset_minutes, due_at, status, created_at, updated_at`

func scanPhase(row pgx.Row) (*store.PhaseExecution, error) {
	var p store.PhaseExecution
	var status string
	if err := row.Scan(&p.ID, &p.BatchID, &p.PhaseName, &p.RunbookVersion, &p.OffsetMinutes, &p.DueAt, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = phaseeval.Status(status)
	return &p, nil
}

func (s *Store) ListPhasesByBatch(ctx context.Context, batchID int64) ([]*store.PhaseExecution, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+phaseCols+` FROM phase_executions WHERE batch_id = $1 ORDER BY offset_minutes, id`, batchID)
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
	row := s.pool.QueryRow(ctx, `SELECT `+phaseCols+` FROM phase_executions WHERE batch_id = $1 AND phase_name = $2 AND runbook_version = $3`, batchID, phaseName, version)
	p, err := scanPhase(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (s *Store) GetPhase(ctx context.Context, id int64) (*store.PhaseExecution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+phaseCols+` FROM phase_executions WHERE id = $1`, id)
	return scanPhase(row)
}

func (s *Store) DuePendingPhases(ctx context.Context, runbookName string, now time.Time) ([]*store.PhaseExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pe.id, pe.batch_id, pe.phase_name, pe.runbook_version, pe.offset_minutes, pe.due_at, pe.status, pe.created_at, pe.updated_at
		FROM phase_executions pe
		JOIN batches b ON b.id = pe.batch_id
		WHERE b.runbook_name = $1 AND pe.status = $2 AND pe.due_at <= $3
			AND b.status NOT IN ($4, $5, $6)
		ORDER BY pe.offset_minutes, pe.id`,
		runbookName, string(phaseeval.StatusPending), now,
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
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, name := range supersede {
		if _, err := tx.Exec(ctx, `
			UPDATE phase_executions SET status = $1, updated_at = now()
			WHERE batch_id = $2 AND phase_name = $3 AND runbook_version != $4 AND status = $5`,
			string(phaseeval.StatusSuperseded), batchID, name, newVersion, string(phaseeval.StatusPending)); err != nil {
			return fmt.Errorf("superseding phase %s: %w", name, err)
		}
	}
	for _, p := range newPhases {
		if _, err := tx.Exec(ctx, `
			INSERT INTO phase_executions (batch_id, phase_name, runbook_version, offset_minutes, due_at, status)
			VALUES ($1,$2,$3,$4,$5,$6)`, batchID, p.PhaseName, p.Version, p.OffsetMinutes, p.DueAt, string(p.Status)); err != nil {
			return fmt.Errorf("inserting transitioned phase %s: %w", p.PhaseName, err)
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE batches SET runbook_version = $1, updated_at = now() WHERE id = $2`, newVersion, batchID); err != nil {
		return fmt.Errorf("bumping batch runbook_version: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) SetPhaseStatus(ctx context.Context, id int64, from, to phaseeval.Status) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE phase_executions SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`, string(to), id, string(from))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// --- StepExecutionStore ---

const stepCols = `id, phase_execution_id, batch_member_id, step_name, step_index, worker_id, function, params_json, poll_interval_sec, poll_timeout_sec, poll_started_at, last_polled_at, poll_count, retry_count, max_retries, retry_interval_sec, on_failure, output_params_json, last_job_id, result_json, error_message, status, created_at, updated_at`

func scanStep(row pgx.Row) (*store.StepExecution, error) {
	var st store.StepExecution
	var status string
	if err := row.Scan(&st.ID, &st.PhaseExecutionID, &st.BatchMemberID, &st.StepName, &st.StepIndex, &st.WorkerID, &st.Function, &st.ParamsJSON,
		&st.PollIntervalSec, &st.PollTimeoutSec, &st.PollStartedAt, &st.LastPolledAt, &st.PollCount, &st.RetryCount, &st.MaxRetries, &st.RetryIntervalSec,
		&st.OnFailure, &st.OutputParamsJSON, &st.LastJobID, &st.ResultJSON, &st.ErrorMessage, &status, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	st.Status = store.StepStatus(status)
	return &st, nil
}

func (s *Store) ListStepsByPhase(ctx context.Context, phaseExecutionID int64) ([]*store.StepExecution, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+stepCols+` FROM step_executions WHERE phase_execution_id = $1 ORDER BY step_index, id`, phaseExecutionID)
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
	rows, err := s.pool.Query(ctx, `SELECT `+stepCols+` FROM step_executions WHERE phase_execution_id = $1 AND batch_member_id = $2 ORDER BY step_index`, phaseExecutionID, memberID)
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
	row := s.pool.QueryRow(ctx, `SELECT `+stepCols+` FROM step_executions WHERE id = $1`, id)
	return scanStep(row)
}

func (s *Store) CreateSteps(ctx context.Context, rows []*store.StepExecution) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, st := range rows {
		if err := tx.QueryRow(ctx, `
			INSERT INTO step_executions (phase_execution_id, batch_member_id, step_name, step_index, worker_id, function, params_json,
				poll_interval_sec, poll_timeout_sec, max_retries, retry_interval_sec, on_failure, output_params_json, status)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			ON CONFLICT (phase_execution_id, batch_member_id, step_name) DO NOTHING
			RETURNING id`,
			st.PhaseExecutionID, st.BatchMemberID, st.StepName, st.StepIndex, st.WorkerID, st.Function, st.ParamsJSON,
			st.PollIntervalSec, st.PollTimeoutSec, st.MaxRetries, st.RetryIntervalSec, st.OnFailure, st.OutputParamsJSON, string(store.StepPending),
		).Scan(&st.ID); err != nil && err != pgx.ErrNoRows {
			return fmt.Errorf("inserting step %s for member %d: %w", st.StepName, st.BatchMemberID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) SetStepStatus(ctx context.Context, id int64, from, to store.StepStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE step_executions SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`, string(to), id, string(from))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SetStepDispatched(ctx context.Context, id int64, jobID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE step_executions SET status = $1, last_job_id = $2, updated_at = now()
		WHERE id = $3 AND status IN ($4,$5)`,
		string(store.StepDispatched), jobID, id, string(store.StepPending), string(store.StepDispatched))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SetStepPolling(ctx context.Context, id int64, startedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE step_executions SET status = $1, last_polled_at = now(), poll_count = poll_count + 1,
			poll_started_at = COALESCE(poll_started_at, $2), updated_at = now()
		WHERE id = $3 AND status IN ($4,$5)`,
		string(store.StepPolling), startedAt, id, string(store.StepDispatched), string(store.StepPolling))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SetStepLastPolled(ctx context.Context, id int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE step_executions SET last_polled_at = $1, updated_at = now() WHERE id = $2`, at, id)
	return err
}

func (s *Store) SetStepSucceeded(ctx context.Context, id int64, resultJSON string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE step_executions SET status = $1, result_json = $2, updated_at = now()
		WHERE id = $3 AND status NOT IN ($4,$5,$6,$7)`,
		string(store.StepSucceeded), resultJSON, id,
		string(store.StepSucceeded), string(store.StepFailed), string(store.StepPollTimeout), string(store.StepCancelled))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SetStepFailed(ctx context.Context, id int64, errMsg string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE step_executions SET status = $1, error_message = $2, updated_at = now()
		WHERE id = $3 AND status NOT IN ($4,$5,$6,$7)`,
		string(store.StepFailed), errMsg, id,
		string(store.StepSucceeded), string(store.StepFailed), string(store.StepPollTimeout), string(store.StepCancelled))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) IncrementStepRetry(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE step_executions SET retry_count = retry_count + 1, updated_at = now() WHERE id = $1`, id)
	return err
}

func (s *Store) DuePollingSteps(ctx context.Context, now time.Time) ([]*store.StepExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+stepCols+` FROM step_executions
		WHERE status = $1 AND last_polled_at + (poll_interval_sec * interval '1 second') <= $2`,
		string(store.StepPolling), now)
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
	_, err := s.pool.Exec(ctx, `
		UPDATE step_executions SET status = $1, updated_at = now()
		WHERE phase_execution_id = $2 AND batch_member_id = $3 AND status IN ($4,$5,$6)`,
		string(store.StepCancelled), phaseExecutionID, memberID, string(store.StepPending), string(store.StepDispatched), string(store.StepPolling))
	return err
}

// --- InitExecutionStore ---

const initCols = `id, batch_id, runbook_version, step_index, step_name, worker_id, function, params_json, poll_interval_sec, poll_timeout_sec, poll_started_at, last_polled_at, poll_count, retry_count, max_retries, retry_interval_sec, on_failure, last_job_id, result_json, error_message, status, created_at, updated_at`

func scanInit(row pgx.Row) (*store.InitExecution, error) {
	var it store.InitExecution
	var status string
	if err := row.Scan(&it.ID, &it.BatchID, &it.RunbookVersion, &it.StepIndex, &it.StepName, &it.WorkerID, &it.Function, &it.ParamsJSON,
		&it.PollIntervalSec, &it.PollTimeoutSec, &it.PollStartedAt, &it.LastPolledAt, &it.PollCount, &it.RetryCount, &it.MaxRetries, &it.RetryIntervalSec,
		&it.OnFailure, &it.LastJobID, &it.ResultJSON, &it.ErrorMessage, &status, &it.CreatedAt, &it.UpdatedAt); err != nil {
		return nil, err
	}
	it.Status = store.StepStatus(status)
	return &it, nil
}

func (s *Store) ListInitByBatch(ctx context.Context, batchID int64) ([]*store.InitExecution, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+initCols+` FROM init_executions WHERE batch_id = $1 ORDER BY step_index`, batchID)
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
	row := s.pool.QueryRow(ctx, `SELECT `+initCols+` FROM init_executions WHERE id = $1`, id)
	return scanInit(row)
}

func (s *Store) CreateInitSteps(ctx context.Context, rows []*store.InitExecution) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, it := range rows {
		if err := tx.QueryRow(ctx, `
			INSERT INTO init_executions (batch_id, runbook_version, step_index, step_name, worker_id, function, params_json,
				poll_interval_sec, poll_timeout_sec, max_retries, retry_interval_sec, on_failure, status)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			RETURNING id`,
			it.BatchID, it.RunbookVersion, it.StepIndex, it.StepName, it.WorkerID, it.Function, it.ParamsJSON,
			it.PollIntervalSec, it.PollTimeoutSec, it.MaxRetries, it.RetryIntervalSec, it.OnFailure, string(store.StepPending),
		).Scan(&it.ID); err != nil {
			return fmt.Errorf("inserting init step %s: %w", it.StepName, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) SetInitStatus(ctx context.Context, id int64, from, to store.StepStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE init_executions SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`, string(to), id, string(from))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SetInitDispatched(ctx context.Context, id int64, jobID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE init_executions SET status = $1, last_job_id = $2, updated_at = now()
		WHERE id = $3 AND status IN ($4,$5)`,
		string(store.StepDispatched), jobID, id, string(store.StepPending), string(store.StepDispatched))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SetInitPolling(ctx context.Context, id int64, startedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE init_executions SET status = $1, last_polled_at = now(), poll_count = poll_count + 1,
			poll_started_at = COALESCE(poll_started_at, $2), updated_at = now()
		WHERE id = $3 AND status IN ($4,$5)`,
		string(store.StepPolling), startedAt, id, string(store.StepDispatched), string(store.StepPolling))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SetInitLastPolled(ctx context.Context, id int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE init_executions SET last_polled_at = $1, updated_at = now() WHERE id = $2`, at, id)
	return err
}

func (s *Store) SetInitSucceeded(ctx context.Context, id int64, resultJSON string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE init_executions SET status = $1, result_json = $2, updated_at = now()
		WHERE id = $3 AND status NOT IN ($4,$5,$6,$7)`,
		string(store.StepSucceeded), resultJSON, id,
		string(store.StepSucceeded), string(store.StepFailed), string(store.StepPollTimeout), string(store.StepCancelled))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SetInitFailed(ctx context.Context, id int64, errMsg string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE init_executions SET status = $1, error_message = $2, updated_at = now()
		WHERE id = $3 AND status NOT IN ($4,$5,$6,$7)`,
		string(store.StepFailed), errMsg, id,
		string(store.StepSucceeded), string(store.StepFailed), string(store.StepPollTimeout), string(store.StepCancelled))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) IncrementInitRetry(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE init_executions SET retry_count = retry_count + 1, updated_at = now() WHERE id = $1`, id)
	return err
}

func (s *Store) DuePollingInit(ctx context.Context, now time.Time) ([]*store.InitExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+initCols+` FROM init_executions
		WHERE status = $1 AND last_polled_at + (poll_interval_sec * interval '1 second') <= $2`,
		string(store.StepPolling), now)
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
	_, err := s.pool.Exec(ctx, `INSERT INTO audit_log (batch_id, runbook_name, kind, summary) VALUES ($1,$2,$3,$4)`, e.BatchID, e.RunbookName, e.Kind, e.Summary)
	return err
}

// DeleteAuditLogOlderThan satisfies tracing.AuditPruner, letting the
// retention manager prune the audit trail on a schedule.
func (s *Store) DeleteAuditLogOlderThan(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_log WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- lease.Store ---

// TryAcquire implements lease.Store against the leases table.
func (s *Store) TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO leases (name, holder, expires_at) VALUES ($1, $2, now() + $3::interval)
		ON CONFLICT (name) DO UPDATE SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE leases.expires_at < now() OR leases.holder = EXCLUDED.holder`,
		name, holder, fmt.Sprintf("%d seconds", int(ttl.Seconds())))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Renew implements lease.Store, extending an existing lease held by holder.
func (s *Store) Renew(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE leases SET expires_at = now() + $1::interval
		WHERE name = $2 AND holder = $3 AND expires_at >= now()`,
		fmt.Sprintf("%d seconds", int(ttl.Seconds())), name, holder)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Release implements lease.Store; releasing an already-expired or
// already-released lease is tolerated (not an error).
func (s *Store) Release(ctx context.Context, name, holder string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM leases WHERE name = $1 AND holder = $2`, name, holder)
	return err
}
