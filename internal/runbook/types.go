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

// Package runbook defines the declarative specification of a migration
// runbook: its data source, init steps, phases and per-member steps.
package runbook

import "time"

// OverdueBehavior is the policy applied to phases whose due time has
// already passed when a new runbook version becomes active.
type OverdueBehavior string

const (
	OverdueCatchUp OverdueBehavior = "catch_up"
	OverdueIgnore  OverdueBehavior = "ignore"
)

// BatchTimeMode determines how a row's batch time (event time) is derived.
type BatchTimeMode string

const (
	// BatchTimeImmediate groups every row into a batch keyed by "now"
	// rounded down to a five-minute boundary.
	BatchTimeImmediate BatchTimeMode = "immediate"
)

// IsColumnMode reports whether mode names a source column, i.e. "column:<name>".
func (m BatchTimeMode) IsColumnMode() bool {
	return len(m) > len("column:") && string(m)[:len("column:")] == "column:"
}

// Column returns the column name for a "column:<name>" mode, or "" otherwise.
func (m BatchTimeMode) Column() string {
	if !m.IsColumnMode() {
		return ""
	}
	return string(m)[len("column:"):]
}

// MultiValueFormat describes how a multi-valued column is serialized in the
// data source's result set before being normalized to a JSON array.
type MultiValueFormat string

const (
	FormatSemicolonDelimited MultiValueFormat = "semicolon_delimited"
	FormatCommaDelimited     MultiValueFormat = "comma_delimited"
	FormatJSONArray          MultiValueFormat = "json_array"
)

// MultiValuedColumn declares a column whose cell values are collections.
type MultiValuedColumn struct {
	Name   string           `yaml:"name" json:"name"`
	Format MultiValueFormat `yaml:"format" json:"format"`
}

// DataSourceType identifies which adapter executes a data source's query.
type DataSourceType string

const (
	DataSourceWarehouse DataSourceType = "warehouse"
	DataSourceOData     DataSourceType = "odata"
)

// DataSourceSpec describes the query a runbook polls to produce rows.
type DataSourceSpec struct {
	Type               DataSourceType      `yaml:"type" json:"type"`
	Connection         string              `yaml:"connection" json:"connection"`
	Query              string              `yaml:"query" json:"query"`
	PrimaryKey         string              `yaml:"primary_key" json:"primary_key"`
	BatchTime          BatchTimeMode       `yaml:"batch_time" json:"batch_time"`
	BatchTimeColumn    string              `yaml:"batch_time_column,omitempty" json:"batch_time_column,omitempty"`
	MultiValuedColumns []MultiValuedColumn `yaml:"multi_valued_columns,omitempty" json:"multi_valued_columns,omitempty"`
}

// PollSpec configures re-polling of a step that may report "still working".
type PollSpec struct {
	Interval time.Duration `yaml:"-" json:"-"`
	Timeout  time.Duration `yaml:"-" json:"-"`

	IntervalRaw string `yaml:"interval" json:"interval"`
	TimeoutRaw  string `yaml:"timeout" json:"timeout"`
}

// RetrySpec configures retry-on-failure behavior for a step or init step.
type RetrySpec struct {
	MaxRetries  int           `yaml:"max_retries" json:"max_retries"`
	Interval    time.Duration `yaml:"-" json:"-"`
	IntervalRaw string        `yaml:"interval" json:"interval"`
}

// StepDefinition is one unit of work executed once per active member (or,
// for init steps, once per batch) by a designated worker.
type StepDefinition struct {
	Name          string            `yaml:"name" json:"name"`
	WorkerID      string            `yaml:"worker_id" json:"worker_id"`
	Function      string            `yaml:"function" json:"function"`
	Params        map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
	Poll          *PollSpec         `yaml:"poll,omitempty" json:"poll,omitempty"`
	Retry         *RetrySpec        `yaml:"retry,omitempty" json:"retry,omitempty"`
	OnFailure     string            `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
	OutputParams  map[string]string `yaml:"output_params,omitempty" json:"output_params,omitempty"`
}

// PhaseDefinition groups steps sharing a single T-relative offset.
type PhaseDefinition struct {
	Name          string           `yaml:"name" json:"name"`
	Offset        string           `yaml:"offset" json:"offset"`
	OffsetMinutes int              `yaml:"-" json:"-"`
	Steps         []StepDefinition `yaml:"steps" json:"steps"`
}

// Spec is the parsed, conceptual-schema body of a runbook document.
type Spec struct {
	Name            string            `yaml:"name" json:"name"`
	DataSource      DataSourceSpec    `yaml:"data_source" json:"data_source"`
	Init            []StepDefinition  `yaml:"init,omitempty" json:"init,omitempty"`
	Phases          []PhaseDefinition `yaml:"phases" json:"phases"`
	OnMemberRemoved []StepDefinition  `yaml:"on_member_removed,omitempty" json:"on_member_removed,omitempty"`
	Retry           *RetrySpec        `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// Runbook is the persisted, immutable (name, version) record. Exactly one
// version per name may be Active at a time.
type Runbook struct {
	ID                   int64
	Name                 string
	Version              int
	SpecText             string
	Spec                 *Spec
	Active               bool
	DynamicTableName     string
	OverdueBehavior      OverdueBehavior
	IgnoreOverdueApplied bool
	RerunInit            bool
	Enabled              bool
	CreatedAt            time.Time
}

// EffectiveRetry resolves a step's retry policy, falling back to the
// runbook's top-level default retry spec when the step declares none.
func (s StepDefinition) EffectiveRetry(defaultRetry *RetrySpec) (maxRetries int, interval time.Duration) {
	r := s.Retry
	if r == nil {
		r = defaultRetry
	}
	if r == nil {
		return 0, 0
	}
	return r.MaxRetries, r.Interval
}

// PhaseByName returns the phase definition with the given name, if any.
func (r *Runbook) PhaseByName(name string) (*PhaseDefinition, bool) {
	if r.Spec == nil {
		return nil, false
	}
	for i := range r.Spec.Phases {
		if r.Spec.Phases[i].Name == name {
			return &r.Spec.Phases[i], true
		}
	}
	return nil, false
}

// StepListByName resolves a named step list: "init", "on_member_removed",
// or a phase name, for rollback references.
func (r *Runbook) StepListByName(name string) ([]StepDefinition, bool) {
	if r.Spec == nil {
		return nil, false
	}
	switch name {
	case "init":
		return r.Spec.Init, true
	case "on_member_removed":
		return r.Spec.OnMemberRemoved, true
	}
	if phase, ok := r.PhaseByName(name); ok {
		return phase.Steps, true
	}
	return nil, false
}
