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

package phaseeval

import "time"

// Status names a phase-execution's lifecycle state, kept as plain strings
// so this package has no dependency on the persistence layer's types.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
	StatusSuperseded Status = "superseded"
)

// PhaseSpec is the minimal description of a declared phase needed to plan
// its execution: name, declaration order and parsed offset.
type PhaseSpec struct {
	Name          string
	OffsetMinutes int
}

// Planned is one phase-execution record to create or update.
type Planned struct {
	PhaseName     string
	OffsetMinutes int
	DueAt         time.Time
	Status        Status
	Version       int
}

// NewBatchPlan produces the phase-execution set a newly-detected batch
// requires: one pending record per declared phase, in declaration order.
func NewBatchPlan(phases []PhaseSpec, batchStartTime time.Time, version int) []Planned {
	planned := make([]Planned, 0, len(phases))
	for _, p := range phases {
		planned = append(planned, Planned{
			PhaseName:     p.Name,
			OffsetMinutes: p.OffsetMinutes,
			DueAt:         DueAt(batchStartTime, p.OffsetMinutes),
			Status:        StatusPending,
			Version:       version,
		})
	}
	return planned
}

// ExistingPhase is a previously-created phase-execution record, as loaded
// from storage, needed to drive a version transition.
type ExistingPhase struct {
	PhaseName string
	Status    Status
	Version   int
}

// VersionTransitionResult is the outcome of applying the version
// transition rule: which new records to create, and which
// existing records must be superseded.
type VersionTransitionResult struct {
	NewPhases        []Planned
	SupersededPhases []string // phase names of older-version pending records to supersede
	IgnoreApplied    bool
}

// ApplyVersionTransition implements the rule run when a batch's recorded
// phase version differs from the runbook's active version: every
// pre-existing phase belongs to the old version; new-version phases are
// created pending (or, if already overdue, per overdueBehavior); every
// still-pending old-version phase is superseded.
func ApplyVersionTransition(
	newPhases []PhaseSpec,
	existing []ExistingPhase,
	batchStartTime time.Time,
	newVersion int,
	now time.Time,
	overdueBehavior string,
) VersionTransitionResult {
	result := VersionTransitionResult{}

	for _, p := range newPhases {
		dueAt := DueAt(batchStartTime, p.OffsetMinutes)
		status := StatusPending
		if !dueAt.After(now) {
			switch overdueBehavior {
			case "ignore":
				status = StatusSkipped
				result.IgnoreApplied = true
			default: // catch_up
				status = StatusPending
			}
		}
		result.NewPhases = append(result.NewPhases, Planned{
			PhaseName:     p.Name,
			OffsetMinutes: p.OffsetMinutes,
			DueAt:         dueAt,
			Status:        status,
			Version:       newVersion,
		})
	}

	for _, e := range existing {
		if e.Version != newVersion && e.Status == StatusPending {
			result.SupersededPhases = append(result.SupersededPhases, e.PhaseName)
		}
	}

	return result
}

// Compare orders phase executions for selection and dispatch: ascending
// offset_minutes, tie-broken by declaration order (id).
func Compare(aOffsetMinutes int, aID int64, bOffsetMinutes int, bID int64) int {
	if aOffsetMinutes != bOffsetMinutes {
		if aOffsetMinutes < bOffsetMinutes {
			return -1
		}
		return 1
	}
	if aID == bID {
		return 0
	}
	if aID < bID {
		return -1
	}
	return 1
}
