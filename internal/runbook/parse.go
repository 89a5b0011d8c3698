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

package runbook

import (
	"fmt"
	"regexp"

	"github.com/latticerun/runbook-engine/internal/phaseeval"
	conductorerrors "github.com/latticerun/runbook-engine/pkg/errors"
	"gopkg.in/yaml.v3"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ParseSpec parses and validates a runbook specification document. It
// resolves offset and duration strings to their parsed forms so callers
// never re-parse them.
func ParseSpec(text string) (*Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal([]byte(text), &spec); err != nil {
		return nil, &conductorerrors.ValidationError{
			Field:   "spec",
			Message: fmt.Sprintf("invalid YAML: %v", err),
		}
	}

	if err := validate(&spec); err != nil {
		return nil, err
	}

	return &spec, nil
}

func validate(spec *Spec) error {
	if spec.Name == "" {
		return &conductorerrors.ValidationError{Field: "name", Message: "is required"}
	}
	if spec.DataSource.Query == "" {
		return &conductorerrors.ValidationError{Field: "data_source.query", Message: "is required"}
	}
	if spec.DataSource.PrimaryKey == "" {
		return &conductorerrors.ValidationError{Field: "data_source.primary_key", Message: "is required"}
	}
	if !identifierPattern.MatchString(spec.DataSource.PrimaryKey) {
		return fmt.Errorf("%w: primary key %q", conductorerrors.ErrUnsafeIdentifier, spec.DataSource.PrimaryKey)
	}
	if spec.DataSource.BatchTime == "" {
		spec.DataSource.BatchTime = BatchTimeImmediate
	}
	if spec.DataSource.BatchTime.IsColumnMode() && spec.DataSource.BatchTimeColumn == "" {
		spec.DataSource.BatchTimeColumn = spec.DataSource.BatchTime.Column()
	}

	if len(spec.Phases) == 0 {
		return &conductorerrors.ValidationError{Field: "phases", Message: "at least one phase is required"}
	}

	seen := make(map[string]bool, len(spec.Phases))
	for i := range spec.Phases {
		phase := &spec.Phases[i]
		if phase.Name == "" {
			return &conductorerrors.ValidationError{Field: "phases[].name", Message: "is required"}
		}
		if seen[phase.Name] {
			return fmt.Errorf("%w: %q", conductorerrors.ErrDuplicatePhaseName, phase.Name)
		}
		seen[phase.Name] = true

		minutes, err := phaseeval.ParseOffset(phase.Offset)
		if err != nil {
			return err
		}
		phase.OffsetMinutes = minutes

		if err := validateSteps(phase.Steps); err != nil {
			return err
		}
	}

	if err := validateSteps(spec.Init); err != nil {
		return err
	}
	if err := validateSteps(spec.OnMemberRemoved); err != nil {
		return err
	}
	if err := validateRetry(spec.Retry); err != nil {
		return err
	}

	return nil
}

func validateSteps(steps []StepDefinition) error {
	for i := range steps {
		step := &steps[i]
		if step.Name == "" {
			return &conductorerrors.ValidationError{Field: "steps[].name", Message: "is required"}
		}
		if step.WorkerID == "" {
			return &conductorerrors.ValidationError{Field: "steps[].worker_id", Message: "is required", Suggestion: "set worker_id to route this step's job"}
		}
		if step.Poll != nil {
			interval, err := phaseeval.ParseDuration(step.Poll.IntervalRaw)
			if err != nil {
				return err
			}
			timeout, err := phaseeval.ParseDuration(step.Poll.TimeoutRaw)
			if err != nil {
				return err
			}
			step.Poll.Interval = interval
			step.Poll.Timeout = timeout
		}
		if err := validateRetry(step.Retry); err != nil {
			return err
		}
	}
	return nil
}

func validateRetry(retry *RetrySpec) error {
	if retry == nil {
		return nil
	}
	interval, err := phaseeval.ParseDuration(retry.IntervalRaw)
	if err != nil {
		return err
	}
	retry.Interval = interval
	return nil
}

// DynamicTableName derives the per-runbook dynamic table name from its
// (name, version), satisfying the identifier-safety regex.
func DynamicTableName(name string, version int) string {
	sanitized := regexp.MustCompile(`[^A-Za-z0-9_]`).ReplaceAllString(name, "_")
	return fmt.Sprintf("dyn_%s_v%d", sanitized, version)
}

// PhaseSpecs adapts the parsed phase list into phaseeval's planning input.
func (s *Spec) PhaseSpecs() []phaseeval.PhaseSpec {
	out := make([]phaseeval.PhaseSpec, 0, len(s.Phases))
	for _, p := range s.Phases {
		out = append(out, phaseeval.PhaseSpec{Name: p.Name, OffsetMinutes: p.OffsetMinutes})
	}
	return out
}
