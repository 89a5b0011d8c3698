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

// Package storetest provides an in-memory store.Store for unit tests
// across the scheduler, orchestrator and admin packages, so each can be
// exercised without a live Postgres instance.
package storetest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/latticerun/runbook-engine/internal/phaseeval"
	"github.com/latticerun/runbook-engine/internal/runbook"
	"github.com/latticerun/runbook-engine/internal/store"
)

// mergeJSON merges fields into the JSON object encoded in existing
// (treating an empty string as "{}"), returning the re-encoded object.
// Invalid existing JSON is discarded rather than propagated, matching
// the best-effort merge semantics of the Postgres jsonb_set equivalent.
func mergeJSON(existing string, fields map[string]string) string {
	data := make(map[string]string)
	if existing != "" {
		_ = json.Unmarshal([]byte(existing), &data)
	}
	for k, v := range fields {
		data[k] = v
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return existing
	}
	return string(encoded)
}

// Fake is an in-memory, not-goroutine-optimized implementation of
// store.Store. It favors clarity over efficiency: every list operation
// scans its map and copies matching rows.
type Fake struct {
	mu sync.Mutex

	nextID int64

	runbooks map[string][]*runbook.Runbook // by name, ordered by version
	batches  map[int64]*store.Batch
	members  map[int64]*store.Member
	phases   map[int64]*store.PhaseExecution
	steps    map[int64]*store.StepExecution
	inits    map[int64]*store.InitExecution
	audit    []store.AuditEntry
	leases   map[string]fakeLease
}

type fakeLease struct {
	holder  string
	expires time.Time
}

// New creates an empty Fake store.
func New() *Fake {
	return &Fake{
		runbooks: make(map[string][]*runbook.Runbook),
		batches:  make(map[int64]*store.Batch),
		members:  make(map[int64]*store.Member),
		phases:   make(map[int64]*store.PhaseExecution),
		steps:    make(map[int64]*store.StepExecution),
		inits:    make(map[int64]*store.InitExecution),
		leases:   make(map[string]fakeLease),
	}
}

func (f *Fake) allocID() int64 {
	f.nextID++
	return f.nextID
}

// --- RunbookStore ---

func (f *Fake) Publish(ctx context.Context, rb *runbook.Runbook, activate bool) (*runbook.Runbook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp := *rb
	cp.ID = f.allocID()
	cp.CreatedAt = time.Now().UTC()
	if activate {
		for _, existing := range f.runbooks[rb.Name] {
			existing.Active = false
		}
		cp.Active = true
	}
	f.runbooks[rb.Name] = append(f.runbooks[rb.Name], &cp)
	return &cp, nil
}

func (f *Fake) GetActiveRunbook(ctx context.Context, name string) (*runbook.Runbook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rb := range f.runbooks[name] {
		if rb.Active {
			return rb, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *Fake) GetRunbookVersion(ctx context.Context, name string, version int) (*runbook.Runbook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rb := range f.runbooks[name] {
		if rb.Version == version {
			return rb, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *Fake) ListActiveRunbooks(ctx context.Context) ([]*runbook.Runbook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*runbook.Runbook
	for _, versions := range f.runbooks {
		for _, rb := range versions {
			if rb.Active {
				out = append(out, rb)
			}
		}
	}
	return out, nil
}

func (f *Fake) ListRunbookVersions(ctx context.Context, name string) ([]*runbook.Runbook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*runbook.Runbook(nil), f.runbooks[name]...), nil
}

func (f *Fake) SetIgnoreOverdueApplied(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, versions := range f.runbooks {
		for _, rb := range versions {
			if rb.ID == id {
				rb.IgnoreOverdueApplied = true
				return nil
			}
		}
	}
	return store.ErrNotFound
}

// --- BatchStore ---

func (f *Fake) CreateBatch(ctx context.Context, in store.NewBatchInput) (*store.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b := &store.Batch{
		ID:             f.allocID(),
		RunbookName:    in.RunbookName,
		RunbookVersion: in.RunbookVersion,
		BatchStartTime: in.BatchStartTime,
		Status:         store.BatchDetected,
		IsManual:       in.IsManual,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	f.batches[b.ID] = b

	for _, key := range in.MemberKeys {
		m := &store.Member{
			ID:        f.allocID(),
			BatchID:   b.ID,
			MemberKey: key,
			Status:    store.MemberActive,
			DataJSON:  in.MemberData[key],
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		}
		f.members[m.ID] = m
	}

	for _, p := range in.Phases {
		pe := &store.PhaseExecution{
			ID:             f.allocID(),
			BatchID:        b.ID,
			PhaseName:      p.PhaseName,
			RunbookVersion: p.Version,
			OffsetMinutes:  p.OffsetMinutes,
			DueAt:          p.DueAt,
			Status:         p.Status,
			CreatedAt:      time.Now().UTC(),
			UpdatedAt:      time.Now().UTC(),
		}
		f.phases[pe.ID] = pe
	}

	for _, seed := range in.Init {
		it := &store.InitExecution{
			ID:               f.allocID(),
			BatchID:          b.ID,
			RunbookVersion:   seed.RunbookVersion,
			StepIndex:        seed.StepIndex,
			StepName:         seed.StepName,
			WorkerID:         seed.WorkerID,
			Function:         seed.Function,
			ParamsJSON:       seed.ParamsJSON,
			PollIntervalSec:  seed.PollIntervalSec,
			PollTimeoutSec:   seed.PollTimeoutSec,
			MaxRetries:       seed.MaxRetries,
			RetryIntervalSec: seed.RetryIntervalSec,
			OnFailure:        seed.OnFailure,
			Status:           store.StepPending,
			CreatedAt:        time.Now().UTC(),
			UpdatedAt:        time.Now().UTC(),
		}
		f.inits[it.ID] = it
	}

	cp := *b
	return &cp, nil
}

func (f *Fake) GetBatch(ctx context.Context, id int64) (*store.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *Fake) FindBatch(ctx context.Context, runbookName string, batchStartTime time.Time) (*store.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.batches {
		if b.RunbookName == runbookName && b.BatchStartTime.Equal(batchStartTime) {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *Fake) ListLiveBatches(ctx context.Context, runbookName string) ([]*store.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Batch
	for _, b := range f.batches {
		if b.RunbookName == runbookName && b.Live() {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *Fake) ListActiveRunbookBatchTimes(ctx context.Context, runbookName string) ([]time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []time.Time
	for _, b := range f.batches {
		if b.RunbookName == runbookName && b.Live() {
			out = append(out, b.BatchStartTime)
		}
	}
	return out, nil
}

func (f *Fake) SetBatchStatus(ctx context.Context, id int64, from, to store.BatchStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if b.Status != from {
		return false, nil
	}
	b.Status = to
	b.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (f *Fake) SetBatchRunbookVersion(ctx context.Context, id int64, version int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	if !ok {
		return store.ErrNotFound
	}
	b.RunbookVersion = version
	return nil
}

// --- MemberStore ---

func (f *Fake) ListMembers(ctx context.Context, batchID int64) ([]*store.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Member
	for _, m := range f.members {
		if m.BatchID == batchID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *Fake) GetMember(ctx context.Context, id int64) (*store.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *Fake) AddMember(ctx context.Context, batchID int64, memberKey, dataJSON string) (*store.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &store.Member{
		ID:        f.allocID(),
		BatchID:   batchID,
		MemberKey: memberKey,
		Status:    store.MemberActive,
		DataJSON:  dataJSON,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	f.members[m.ID] = m
	cp := *m
	return &cp, nil
}

func (f *Fake) RefreshMemberData(ctx context.Context, id int64, dataJSON string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[id]
	if !ok {
		return store.ErrNotFound
	}
	m.DataJSON = dataJSON
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *Fake) SetMemberStatus(ctx context.Context, id int64, status store.MemberStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[id]
	if !ok {
		return store.ErrNotFound
	}
	m.Status = status
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *Fake) StampAddDispatched(ctx context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[id]
	if !ok {
		return store.ErrNotFound
	}
	t := at
	m.AddDispatchedAt = &t
	return nil
}

func (f *Fake) StampRemoveDispatched(ctx context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[id]
	if !ok {
		return store.ErrNotFound
	}
	t := at
	m.RemoveDispatchedAt = &t
	return nil
}

func (f *Fake) MergeWorkerData(ctx context.Context, id int64, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[id]
	if !ok {
		return store.ErrNotFound
	}
	merged := mergeJSON(m.WorkerDataJSON, fields)
	m.WorkerDataJSON = merged
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// --- PhaseExecutionStore ---

func (f *Fake) ListPhasesByBatch(ctx context.Context, batchID int64) ([]*store.PhaseExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.PhaseExecution
	for _, p := range f.phases {
		if p.BatchID == batchID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *Fake) GetPhaseByName(ctx context.Context, batchID int64, phaseName string, version int) (*store.PhaseExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.phases {
		if p.BatchID == batchID && p.PhaseName == phaseName && p.RunbookVersion == version {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *Fake) GetPhase(ctx context.Context, id int64) (*store.PhaseExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.phases[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *Fake) DuePendingPhases(ctx context.Context, runbookName string, now time.Time) ([]*store.PhaseExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.PhaseExecution
	for _, p := range f.phases {
		b, ok := f.batches[p.BatchID]
		if !ok || b.RunbookName != runbookName || !b.Live() {
			continue
		}
		if p.Status == phaseeval.StatusPending && !p.DueAt.After(now) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *Fake) ApplyVersionTransition(ctx context.Context, batchID int64, newPhases []phaseeval.Planned, supersede []string, newVersion int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, name := range supersede {
		for _, p := range f.phases {
			if p.BatchID == batchID && p.PhaseName == name && p.Status == phaseeval.StatusPending {
				p.Status = phaseeval.StatusSuperseded
			}
		}
	}
	for _, np := range newPhases {
		pe := &store.PhaseExecution{
			ID:             f.allocID(),
			BatchID:        batchID,
			PhaseName:      np.PhaseName,
			RunbookVersion: np.Version,
			OffsetMinutes:  np.OffsetMinutes,
			DueAt:          np.DueAt,
			Status:         np.Status,
			CreatedAt:      time.Now().UTC(),
			UpdatedAt:      time.Now().UTC(),
		}
		f.phases[pe.ID] = pe
	}
	if b, ok := f.batches[batchID]; ok {
		b.RunbookVersion = newVersion
	}
	return nil
}

func (f *Fake) SetPhaseStatus(ctx context.Context, id int64, from, to phaseeval.Status) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.phases[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	return true, nil
}

// --- StepExecutionStore ---

func (f *Fake) ListStepsByPhase(ctx context.Context, phaseExecutionID int64) ([]*store.StepExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.StepExecution
	for _, s := range f.steps {
		if s.PhaseExecutionID == phaseExecutionID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *Fake) ListStepsByPhaseAndMember(ctx context.Context, phaseExecutionID, memberID int64) ([]*store.StepExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.StepExecution
	for _, s := range f.steps {
		if s.PhaseExecutionID == phaseExecutionID && s.BatchMemberID == memberID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *Fake) GetStep(ctx context.Context, id int64) (*store.StepExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.steps[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *Fake) CreateSteps(ctx context.Context, rows []*store.StepExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rows {
		for _, existing := range f.steps {
			if existing.PhaseExecutionID == r.PhaseExecutionID && existing.BatchMemberID == r.BatchMemberID && existing.StepIndex == r.StepIndex {
				continue
			}
		}
		cp := *r
		cp.ID = f.allocID()
		cp.Status = store.StepPending
		cp.CreatedAt = time.Now().UTC()
		cp.UpdatedAt = time.Now().UTC()
		f.steps[cp.ID] = &cp
		r.ID = cp.ID
	}
	return nil
}

func (f *Fake) SetStepStatus(ctx context.Context, id int64, from, to store.StepStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.steps[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if s.Status != from {
		return false, nil
	}
	s.Status = to
	s.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (f *Fake) SetStepDispatched(ctx context.Context, id int64, jobID string) (bool, error) {
	f.mu.Lock()
	s, ok := f.steps[id]
	if !ok {
		f.mu.Unlock()
		return false, store.ErrNotFound
	}
	if s.Status != store.StepPending && s.Status != store.StepDispatched {
		f.mu.Unlock()
		return false, nil
	}
	s.Status = store.StepDispatched
	s.LastJobID = jobID
	s.UpdatedAt = time.Now().UTC()
	f.mu.Unlock()
	return true, nil
}

func (f *Fake) SetStepPolling(ctx context.Context, id int64, startedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.steps[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if s.Status != store.StepDispatched && s.Status != store.StepPolling {
		return false, nil
	}
	if s.Status != store.StepPolling {
		t := startedAt
		s.PollStartedAt = &t
	}
	s.Status = store.StepPolling
	s.PollCount++
	s.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (f *Fake) SetStepLastPolled(ctx context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.steps[id]
	if !ok {
		return store.ErrNotFound
	}
	t := at
	s.LastPolledAt = &t
	return nil
}

func (f *Fake) SetStepSucceeded(ctx context.Context, id int64, resultJSON string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.steps[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if s.Status.Terminal() {
		return false, nil
	}
	s.Status = store.StepSucceeded
	s.ResultJSON = resultJSON
	s.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (f *Fake) SetStepFailed(ctx context.Context, id int64, errMsg string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.steps[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if s.Status.Terminal() {
		return false, nil
	}
	s.Status = store.StepFailed
	s.ErrorMessage = errMsg
	s.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (f *Fake) IncrementStepRetry(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.steps[id]
	if !ok {
		return store.ErrNotFound
	}
	s.RetryCount++
	return nil
}

func (f *Fake) DuePollingSteps(ctx context.Context, now time.Time) ([]*store.StepExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.StepExecution
	for _, s := range f.steps {
		if s.Status != store.StepPolling {
			continue
		}
		last := s.LastPolledAt
		if last == nil {
			last = s.PollStartedAt
		}
		if last != nil && !last.Add(time.Duration(s.PollIntervalSec)*time.Second).After(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *Fake) CancelPendingStepsForMember(ctx context.Context, phaseExecutionID, memberID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.steps {
		if s.PhaseExecutionID != phaseExecutionID || s.BatchMemberID != memberID {
			continue
		}
		if s.Status == store.StepPending || s.Status == store.StepDispatched || s.Status == store.StepPolling {
			s.Status = store.StepCancelled
			s.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

// --- InitExecutionStore ---

func (f *Fake) ListInitByBatch(ctx context.Context, batchID int64) ([]*store.InitExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.InitExecution
	for _, it := range f.inits {
		if it.BatchID == batchID {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *Fake) GetInit(ctx context.Context, id int64) (*store.InitExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.inits[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *it
	return &cp, nil
}

func (f *Fake) CreateInitSteps(ctx context.Context, rows []*store.InitExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rows {
		cp := *r
		cp.ID = f.allocID()
		cp.Status = store.StepPending
		cp.CreatedAt = time.Now().UTC()
		cp.UpdatedAt = time.Now().UTC()
		f.inits[cp.ID] = &cp
		r.ID = cp.ID
	}
	return nil
}

func (f *Fake) SetInitStatus(ctx context.Context, id int64, from, to store.StepStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.inits[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if it.Status != from {
		return false, nil
	}
	it.Status = to
	it.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (f *Fake) SetInitDispatched(ctx context.Context, id int64, jobID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.inits[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if it.Status != store.StepPending && it.Status != store.StepDispatched {
		return false, nil
	}
	it.Status = store.StepDispatched
	it.LastJobID = jobID
	it.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (f *Fake) SetInitPolling(ctx context.Context, id int64, startedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.inits[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if it.Status != store.StepDispatched && it.Status != store.StepPolling {
		return false, nil
	}
	if it.Status != store.StepPolling {
		t := startedAt
		it.PollStartedAt = &t
	}
	it.Status = store.StepPolling
	it.PollCount++
	it.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (f *Fake) SetInitLastPolled(ctx context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.inits[id]
	if !ok {
		return store.ErrNotFound
	}
	t := at
	it.LastPolledAt = &t
	return nil
}

func (f *Fake) SetInitSucceeded(ctx context.Context, id int64, resultJSON string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.inits[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if it.Status.Terminal() {
		return false, nil
	}
	it.Status = store.StepSucceeded
	it.ResultJSON = resultJSON
	it.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (f *Fake) SetInitFailed(ctx context.Context, id int64, errMsg string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.inits[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if it.Status.Terminal() {
		return false, nil
	}
	it.Status = store.StepFailed
	it.ErrorMessage = errMsg
	it.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (f *Fake) IncrementInitRetry(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.inits[id]
	if !ok {
		return store.ErrNotFound
	}
	it.RetryCount++
	return nil
}

func (f *Fake) DuePollingInit(ctx context.Context, now time.Time) ([]*store.InitExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.InitExecution
	for _, it := range f.inits {
		if it.Status != store.StepPolling {
			continue
		}
		last := it.LastPolledAt
		if last == nil {
			last = it.PollStartedAt
		}
		if last != nil && !last.Add(time.Duration(it.PollIntervalSec)*time.Second).After(now) {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- AuditStore ---

func (f *Fake) RecordAudit(ctx context.Context, e store.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.ID = f.allocID()
	e.CreatedAt = time.Now().UTC()
	f.audit = append(f.audit, e)
	return nil
}

// Audit returns every recorded audit entry, for test assertions.
func (f *Fake) Audit() []store.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.AuditEntry(nil), f.audit...)
}

// DeleteAuditLogOlderThan satisfies store.AuditStore for retention-manager tests.
func (f *Fake) DeleteAuditLogOlderThan(ctx context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.audit[:0:0]
	var deleted int64
	for _, e := range f.audit {
		if e.CreatedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	f.audit = kept
	return deleted, nil
}

// --- lease.Store (used by scheduler tests) ---

func (f *Fake) TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	if l, ok := f.leases[name]; ok && l.expires.After(now) && l.holder != holder {
		return false, nil
	}
	f.leases[name] = fakeLease{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

func (f *Fake) Renew(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.leases[name]
	if !ok || l.holder != holder {
		return false, nil
	}
	l.expires = time.Now().UTC().Add(ttl)
	f.leases[name] = l
	return true, nil
}

func (f *Fake) Release(ctx context.Context, name, holder string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.leases[name]; ok && l.holder == holder {
		delete(f.leases, name)
	}
	return nil
}

// --- Store plumbing ---

func (f *Fake) Ping(ctx context.Context) error { return nil }
func (f *Fake) Close() error                   { return nil }

// Steps exposes every step execution for test assertions.
func (f *Fake) Steps() []*store.StepExecution {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.StepExecution
	for _, s := range f.steps {
		cp := *s
		out = append(out, &cp)
	}
	return out
}

// Phases exposes every phase execution for test assertions.
func (f *Fake) Phases() []*store.PhaseExecution {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.PhaseExecution
	for _, p := range f.phases {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// BackdateStepPoll rewrites a polling step's poll_started_at, letting tests
// simulate poll-timeout elapsing without a real clock.
func (f *Fake) BackdateStepPoll(id int64, startedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.steps[id]; ok {
		t := startedAt
		s.PollStartedAt = &t
	}
}

// BackdateInitPoll rewrites a polling init step's poll_started_at.
func (f *Fake) BackdateInitPoll(id int64, startedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if it, ok := f.inits[id]; ok {
		t := startedAt
		it.PollStartedAt = &t
	}
}
