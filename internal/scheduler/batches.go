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

package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/latticerun/runbook-engine/internal/bus"
	"github.com/latticerun/runbook-engine/internal/datasource"
	"github.com/latticerun/runbook-engine/internal/dynatable"
	"github.com/latticerun/runbook-engine/internal/phaseeval"
	"github.com/latticerun/runbook-engine/internal/runbook"
	"github.com/latticerun/runbook-engine/internal/store"
)

var timeLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseCellTime(raw string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// quantizeImmediate rounds now down to a five-minute boundary, the
// immediate-mode batch time.
func quantizeImmediate(now time.Time) time.Time {
	return now.UTC().Truncate(5 * time.Minute)
}

// groupByBatchTime partitions rows by their batch time. immediate mode
// places every row in one group keyed by the quantized current time;
// column mode parses each row's batch-time cell, skipping unparseable rows.
func groupByBatchTime(rows []map[string]string, ds runbook.DataSourceSpec, now time.Time) (map[time.Time][]map[string]string, error) {
	groups := make(map[time.Time][]map[string]string)

	if !ds.BatchTime.IsColumnMode() {
		bt := quantizeImmediate(now)
		groups[bt] = rows
		return groups, nil
	}

	col := ds.BatchTimeColumn
	for _, row := range rows {
		raw := row[col]
		t, ok := parseCellTime(raw)
		if !ok {
			continue
		}
		groups[t] = append(groups[t], row)
	}
	return groups, nil
}

func (s *Scheduler) upsertDynamicTable(ctx context.Context, rb *runbook.Runbook, table datasource.Table, groups map[time.Time][]map[string]string, now time.Time) error {
	if s.dyn == nil {
		// No dynamic-table manager wired (sqlite backend: the mirror
		// table needs a pgx connection, see internal/dynatable.Execer).
		// Batch detection below still runs off the adapter's live rows.
		return nil
	}
	if err := s.dyn.EnsureTable(ctx, rb.DynamicTableName, table.Columns); err != nil {
		return err
	}

	mv := make(map[string]bool, len(rb.Spec.DataSource.MultiValuedColumns))
	for _, c := range rb.Spec.DataSource.MultiValuedColumns {
		mv[c.Name] = true
	}

	stamp := now
	if !rb.Spec.DataSource.BatchTime.IsColumnMode() {
		for bt := range groups {
			stamp = bt
		}
	}

	rows := make([]dynatable.Row, 0, len(table.Rows))
	for _, r := range table.Rows {
		rows = append(rows, dynatable.Row(r))
	}

	_, err := s.dyn.Upsert(ctx, rb.DynamicTableName, table.Columns, rb.Spec.DataSource.PrimaryKey, rows, stamp, mv)
	return err
}

// activeKeysElsewhere returns member keys currently active in a live batch
// of runbookName other than excludeBatchID. Immediate-mode runbooks use it
// to keep one entity from being processed by two batches at once.
func (s *Scheduler) activeKeysElsewhere(ctx context.Context, runbookName string, excludeBatchID int64) (map[string]bool, error) {
	batches, err := s.store.ListLiveBatches(ctx, runbookName)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]bool)
	for _, b := range batches {
		if b.ID == excludeBatchID {
			continue
		}
		members, err := s.store.ListMembers(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			if m.Status == store.MemberActive {
				keys[m.MemberKey] = true
			}
		}
	}
	return keys, nil
}

// createBatch creates a newly-detected batch with its full member,
// phase-execution and init-execution plan in one transaction.
func (s *Scheduler) createBatch(ctx context.Context, rb *runbook.Runbook, batchTime time.Time, rows []map[string]string) error {
	pk := rb.Spec.DataSource.PrimaryKey

	var elsewhere map[string]bool
	if !rb.Spec.DataSource.BatchTime.IsColumnMode() {
		var err error
		elsewhere, err = s.activeKeysElsewhere(ctx, rb.Name, 0)
		if err != nil {
			return err
		}
	}

	memberKeys := make([]string, 0, len(rows))
	memberData := make(map[string]string, len(rows))
	for _, row := range rows {
		key := row[pk]
		if key == "" || elsewhere[key] {
			continue
		}
		encoded, err := json.Marshal(row)
		if err != nil {
			return err
		}
		memberKeys = append(memberKeys, key)
		memberData[key] = string(encoded)
	}
	if len(memberKeys) == 0 {
		return nil
	}

	phases := phaseeval.NewBatchPlan(rb.Spec.PhaseSpecs(), batchTime, rb.Version)
	initSeeds, err := buildInitSeeds(rb)
	if err != nil {
		return err
	}

	batch, err := s.store.CreateBatch(ctx, store.NewBatchInput{
		RunbookName:    rb.Name,
		RunbookVersion: rb.Version,
		BatchStartTime: batchTime,
		IsManual:       false,
		MemberKeys:     memberKeys,
		MemberData:     memberData,
		Phases:         phases,
		Init:           initSeeds,
	})
	if err != nil {
		return err
	}

	if len(rb.Spec.Init) > 0 {
		if err := s.bus.Publish(ctx, bus.SubjectBatchInit, bus.BatchInitEvent{
			RunbookName:    rb.Name,
			RunbookVersion: rb.Version,
			BatchID:        batch.ID,
		}); err != nil {
			return err
		}
		_, err = s.store.SetBatchStatus(ctx, batch.ID, store.BatchDetected, store.BatchInitDispatched)
		return err
	}

	_, err = s.store.SetBatchStatus(ctx, batch.ID, store.BatchDetected, store.BatchActive)
	return err
}

func buildInitSeeds(rb *runbook.Runbook) ([]store.InitExecutionSeed, error) {
	seeds := make([]store.InitExecutionSeed, 0, len(rb.Spec.Init))
	for i, step := range rb.Spec.Init {
		paramsJSON, err := json.Marshal(step.Params)
		if err != nil {
			return nil, err
		}
		maxRetries, interval := step.EffectiveRetry(rb.Spec.Retry)

		seed := store.InitExecutionSeed{
			RunbookVersion:   rb.Version,
			StepIndex:        i,
			StepName:         step.Name,
			WorkerID:         step.WorkerID,
			Function:         step.Function,
			ParamsJSON:       string(paramsJSON),
			MaxRetries:       maxRetries,
			RetryIntervalSec: int(interval.Seconds()),
			OnFailure:        step.OnFailure,
		}
		if step.Poll != nil {
			seed.PollIntervalSec = int(step.Poll.Interval.Seconds())
			seed.PollTimeoutSec = int(step.Poll.Timeout.Seconds())
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

// syncMembers diffs an existing live batch's membership against the
// current query result: retry unstamped dispatches, refresh snapshots,
// add new keys, remove departed ones.
func (s *Scheduler) syncMembers(ctx context.Context, rb *runbook.Runbook, batch *store.Batch, rows []map[string]string) error {
	existing, err := s.store.ListMembers(ctx, batch.ID)
	if err != nil {
		return err
	}

	byKey := make(map[string]*store.Member, len(existing))
	activeKeys := make(map[string]bool, len(existing))
	for _, m := range existing {
		byKey[m.MemberKey] = m
		if m.Status == store.MemberActive {
			activeKeys[m.MemberKey] = true
		}

		if m.Status == store.MemberActive && m.AddDispatchedAt == nil {
			if err := s.publishMemberAdded(ctx, rb.Name, batch.ID, m.ID); err == nil {
				_ = s.store.StampAddDispatched(ctx, m.ID, time.Now().UTC())
			}
		}
		if m.Status == store.MemberRemoved && m.RemoveDispatchedAt == nil {
			if err := s.publishMemberRemoved(ctx, rb.Name, batch.ID, m.ID); err == nil {
				_ = s.store.StampRemoveDispatched(ctx, m.ID, time.Now().UTC())
			}
		}
	}

	var elsewhere map[string]bool
	if !rb.Spec.DataSource.BatchTime.IsColumnMode() {
		elsewhere, err = s.activeKeysElsewhere(ctx, rb.Name, batch.ID)
		if err != nil {
			return err
		}
	}

	pk := rb.Spec.DataSource.PrimaryKey
	currentKeys := make(map[string]map[string]string, len(rows))
	for _, row := range rows {
		key := row[pk]
		if key == "" || elsewhere[key] {
			continue
		}
		currentKeys[key] = row
	}

	for key, row := range currentKeys {
		m, ok := byKey[key]
		if !ok || m.Status != store.MemberActive {
			continue
		}
		encoded, err := json.Marshal(row)
		if err != nil {
			return err
		}
		if err := s.store.RefreshMemberData(ctx, m.ID, string(encoded)); err != nil {
			return err
		}
	}

	for key, row := range currentKeys {
		if activeKeys[key] {
			continue
		}
		if _, exists := byKey[key]; exists {
			continue
		}
		encoded, err := json.Marshal(row)
		if err != nil {
			return err
		}
		m, err := s.store.AddMember(ctx, batch.ID, key, string(encoded))
		if err != nil {
			return err
		}
		if err := s.publishMemberAdded(ctx, rb.Name, batch.ID, m.ID); err == nil {
			_ = s.store.StampAddDispatched(ctx, m.ID, time.Now().UTC())
		}
	}

	for key := range activeKeys {
		if _, present := currentKeys[key]; present {
			continue
		}
		m := byKey[key]
		if err := s.store.SetMemberStatus(ctx, m.ID, store.MemberRemoved); err != nil {
			return err
		}
		if err := s.publishMemberRemoved(ctx, rb.Name, batch.ID, m.ID); err == nil {
			_ = s.store.StampRemoveDispatched(ctx, m.ID, time.Now().UTC())
		}
	}

	return nil
}

func (s *Scheduler) publishMemberAdded(ctx context.Context, runbookName string, batchID, memberID int64) error {
	return s.bus.Publish(ctx, bus.SubjectMemberAdded, bus.MemberAddedEvent{RunbookName: runbookName, BatchID: batchID, MemberID: memberID})
}

func (s *Scheduler) publishMemberRemoved(ctx context.Context, runbookName string, batchID, memberID int64) error {
	return s.bus.Publish(ctx, bus.SubjectMemberRemoved, bus.MemberRemovedEvent{RunbookName: runbookName, BatchID: batchID, MemberID: memberID})
}
