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

// Package store defines the persistence-layer contract: every durable
// entity in the data model (runbooks, batches, members, phase/step/init
// executions) and the segregated interfaces the scheduler, orchestrator
// and admin surface are wired against. Concrete backends (postgres,
// sqlite) live in sibling packages; nothing above this package imports a
// driver directly.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/latticerun/runbook-engine/internal/phaseeval"
	"github.com/latticerun/runbook-engine/internal/runbook"
)

// ErrNotFound is returned by single-row lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// BatchStatus is a batch's lifecycle state.
type BatchStatus string

const (
	BatchDetected       BatchStatus = "detected"
	BatchInitDispatched BatchStatus = "init_dispatched"
	BatchActive         BatchStatus = "active"
	BatchCompleted      BatchStatus = "completed"
	BatchFailed         BatchStatus = "failed"
	BatchCancelled      BatchStatus = "cancelled"
)

// Terminal reports whether status is one a live batch never returns from.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchCancelled
}

// MemberStatus is a batch member's membership state.
type MemberStatus string

const (
	MemberActive  MemberStatus = "active"
	MemberRemoved MemberStatus = "removed"
)

// StepStatus is the shared lifecycle for step and init executions.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepDispatched  StepStatus = "dispatched"
	StepPolling     StepStatus = "polling"
	StepSucceeded   StepStatus = "succeeded"
	StepFailed      StepStatus = "failed"
	StepPollTimeout StepStatus = "poll_timeout"
	StepCancelled   StepStatus = "cancelled"
)

// Terminal reports whether status is a terminal state for a step/init
// execution (the result handler drops messages for rows already here).
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepPollTimeout, StepCancelled:
		return true
	}
	return false
}

// Batch is one (runbook, batch_start_time) cohort.
type Batch struct {
	ID             int64
	RunbookName    string
	RunbookVersion int
	BatchStartTime time.Time
	Status         BatchStatus
	IsManual       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Live reports whether the batch is not yet in a terminal state.
func (b Batch) Live() bool { return !b.Status.Terminal() }

// Member is one (batch, member_key) row.
type Member struct {
	ID                 int64
	BatchID            int64
	MemberKey          string
	Status             MemberStatus
	DataJSON           string
	WorkerDataJSON     string
	AddDispatchedAt    *time.Time
	RemoveDispatchedAt *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PhaseExecution is one (batch, phase_name, runbook_version) row.
type PhaseExecution struct {
	ID             int64
	BatchID        int64
	PhaseName      string
	RunbookVersion int
	OffsetMinutes  int
	DueAt          time.Time
	Status         phaseeval.Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StepExecution is one (phase_execution, batch_member, step definition) row.
type StepExecution struct {
	ID               int64
	PhaseExecutionID int64
	BatchMemberID    int64
	StepName         string
	StepIndex        int
	WorkerID         string
	Function         string
	ParamsJSON       string
	PollIntervalSec  int
	PollTimeoutSec   int
	PollStartedAt    *time.Time
	LastPolledAt     *time.Time
	PollCount        int
	RetryCount       int
	MaxRetries       int
	RetryIntervalSec int
	OnFailure        string
	OutputParamsJSON string
	LastJobID        string
	ResultJSON       string
	ErrorMessage     string
	Status           StepStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasPoll reports whether this step execution carries a poll spec.
func (s StepExecution) HasPoll() bool { return s.PollIntervalSec > 0 }

// InitExecution is one batch-scoped init step row (no per-member fan-out).
type InitExecution struct {
	ID               int64
	BatchID          int64
	RunbookVersion   int
	StepIndex        int
	StepName         string
	WorkerID         string
	Function         string
	ParamsJSON       string
	PollIntervalSec  int
	PollTimeoutSec   int
	PollStartedAt    *time.Time
	LastPolledAt     *time.Time
	PollCount        int
	RetryCount       int
	MaxRetries       int
	RetryIntervalSec int
	OnFailure        string
	LastJobID        string
	ResultJSON       string
	ErrorMessage     string
	Status           StepStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasPoll reports whether this init execution carries a poll spec.
func (s InitExecution) HasPoll() bool { return s.PollIntervalSec > 0 }

// AuditEntry is one structured audit-trail row: what a scheduler tick or
// orchestrator handler did to a batch, kept for operators after the fact.
type AuditEntry struct {
	ID          int64
	BatchID     *int64
	RunbookName string
	Kind        string
	Summary     string
	CreatedAt   time.Time
}

// NewBatchInput is the payload for creating a new batch with its initial
// members, phase executions and init executions in one transaction.
type NewBatchInput struct {
	RunbookName    string
	RunbookVersion int
	BatchStartTime time.Time
	IsManual       bool
	MemberKeys     []string
	MemberData     map[string]string // member_key -> data_json
	Phases         []phaseeval.Planned
	Init           []InitExecutionSeed
}

// InitExecutionSeed is one init-execution row to create alongside a batch.
type InitExecutionSeed struct {
	RunbookVersion   int
	StepIndex        int
	StepName         string
	WorkerID         string
	Function         string
	ParamsJSON       string
	PollIntervalSec  int
	PollTimeoutSec   int
	MaxRetries       int
	RetryIntervalSec int
	OnFailure        string
}

// RunbookStore persists runbook specifications.
type RunbookStore interface {
	// Publish inserts a new (name, version) row. If activate is true, the
	// prior active version for name (if any) is deactivated in the same
	// transaction, preserving "at most one active version per name".
	Publish(ctx context.Context, rb *runbook.Runbook, activate bool) (*runbook.Runbook, error)
	GetActiveRunbook(ctx context.Context, name string) (*runbook.Runbook, error)
	GetRunbookVersion(ctx context.Context, name string, version int) (*runbook.Runbook, error)
	ListActiveRunbooks(ctx context.Context) ([]*runbook.Runbook, error)
	ListRunbookVersions(ctx context.Context, name string) ([]*runbook.Runbook, error)
	// SetIgnoreOverdueApplied marks the one-shot overdue-ignore flag.
	SetIgnoreOverdueApplied(ctx context.Context, id int64) error
}

// BatchStore persists batches.
type BatchStore interface {
	// CreateBatch atomically creates a batch plus its members, phase
	// executions and init executions in one transaction.
	CreateBatch(ctx context.Context, in NewBatchInput) (*Batch, error)
	GetBatch(ctx context.Context, id int64) (*Batch, error)
	// FindBatch returns the batch at exactly batchStartTime, or (nil, nil)
	// when none exists — absence is a normal scheduler-tick outcome, not
	// an error.
	FindBatch(ctx context.Context, runbookName string, batchStartTime time.Time) (*Batch, error)
	ListLiveBatches(ctx context.Context, runbookName string) ([]*Batch, error)
	ListActiveRunbookBatchTimes(ctx context.Context, runbookName string) ([]time.Time, error)
	// SetBatchStatus performs a compare-and-set transition; ok is false if
	// the row's current status no longer matches from (duplicate delivery).
	SetBatchStatus(ctx context.Context, id int64, from, to BatchStatus) (bool, error)
	SetBatchRunbookVersion(ctx context.Context, id int64, version int) error
}

// MemberStore persists batch members.
type MemberStore interface {
	ListMembers(ctx context.Context, batchID int64) ([]*Member, error)
	GetMember(ctx context.Context, id int64) (*Member, error)
	AddMember(ctx context.Context, batchID int64, memberKey, dataJSON string) (*Member, error)
	RefreshMemberData(ctx context.Context, id int64, dataJSON string) error
	SetMemberStatus(ctx context.Context, id int64, status MemberStatus) error
	StampAddDispatched(ctx context.Context, id int64, at time.Time) error
	StampRemoveDispatched(ctx context.Context, id int64, at time.Time) error
	MergeWorkerData(ctx context.Context, id int64, fields map[string]string) error
}

// PhaseExecutionStore persists phase executions.
type PhaseExecutionStore interface {
	ListPhasesByBatch(ctx context.Context, batchID int64) ([]*PhaseExecution, error)
	GetPhaseByName(ctx context.Context, batchID int64, phaseName string, version int) (*PhaseExecution, error)
	GetPhase(ctx context.Context, id int64) (*PhaseExecution, error)
	// DuePendingPhases returns pending phase executions across all live
	// batches of runbookName whose due_at has passed, ordered
	// (offset_minutes, id).
	DuePendingPhases(ctx context.Context, runbookName string, now time.Time) ([]*PhaseExecution, error)
	ApplyVersionTransition(ctx context.Context, batchID int64, newPhases []phaseeval.Planned, supersede []string, newVersion int) error
	SetPhaseStatus(ctx context.Context, id int64, from, to phaseeval.Status) (bool, error)
}

// StepExecutionStore persists step executions.
type StepExecutionStore interface {
	ListStepsByPhase(ctx context.Context, phaseExecutionID int64) ([]*StepExecution, error)
	ListStepsByPhaseAndMember(ctx context.Context, phaseExecutionID, memberID int64) ([]*StepExecution, error)
	GetStep(ctx context.Context, id int64) (*StepExecution, error)
	CreateSteps(ctx context.Context, rows []*StepExecution) error
	SetStepStatus(ctx context.Context, id int64, from, to StepStatus) (bool, error)
	SetStepDispatched(ctx context.Context, id int64, jobID string) (bool, error)
	SetStepPolling(ctx context.Context, id int64, startedAt time.Time) (bool, error)
	SetStepLastPolled(ctx context.Context, id int64, at time.Time) error
	SetStepSucceeded(ctx context.Context, id int64, resultJSON string) (bool, error)
	SetStepFailed(ctx context.Context, id int64, errMsg string) (bool, error)
	IncrementStepRetry(ctx context.Context, id int64) error
	// DuePollingSteps returns polling rows whose last_polled_at+interval <= now.
	DuePollingSteps(ctx context.Context, now time.Time) ([]*StepExecution, error)
	CancelPendingStepsForMember(ctx context.Context, phaseExecutionID, memberID int64) error
}

// InitExecutionStore persists init executions.
type InitExecutionStore interface {
	ListInitByBatch(ctx context.Context, batchID int64) ([]*InitExecution, error)
	GetInit(ctx context.Context, id int64) (*InitExecution, error)
	CreateInitSteps(ctx context.Context, rows []*InitExecution) error
	SetInitStatus(ctx context.Context, id int64, from, to StepStatus) (bool, error)
	SetInitDispatched(ctx context.Context, id int64, jobID string) (bool, error)
	SetInitPolling(ctx context.Context, id int64, startedAt time.Time) (bool, error)
	SetInitLastPolled(ctx context.Context, id int64, at time.Time) error
	SetInitSucceeded(ctx context.Context, id int64, resultJSON string) (bool, error)
	SetInitFailed(ctx context.Context, id int64, errMsg string) (bool, error)
	IncrementInitRetry(ctx context.Context, id int64) error
	DuePollingInit(ctx context.Context, now time.Time) ([]*InitExecution, error)
}

// AuditStore records the structured run audit log.
type AuditStore interface {
	RecordAudit(ctx context.Context, e AuditEntry) error
	// DeleteAuditLogOlderThan prunes rows created before the cutoff,
	// returning the number removed. Satisfies tracing.AuditPruner.
	DeleteAuditLogOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// Store aggregates every segregated store interface plus a health check.
// Concrete backends (postgres, sqlite) implement all of it.
type Store interface {
	RunbookStore
	BatchStore
	MemberStore
	PhaseExecutionStore
	StepExecutionStore
	InitExecutionStore
	AuditStore

	// TryAcquire attempts to take name for holder until ttl elapses.
	TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)

	// Renew extends name's expiry, but only if holder currently holds it.
	Renew(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)

	// Release gives up name if held by holder.
	Release(ctx context.Context, name, holder string) error

	Ping(ctx context.Context) error
	Close() error
}
