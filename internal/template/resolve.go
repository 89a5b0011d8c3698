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

// Package template substitutes {{name}} placeholders in step parameters
// from a member's data row plus reserved batch-scoped names. It fails
// loudly on unresolved names rather than silently dropping them.
package template

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	conductorerrors "github.com/latticerun/runbook-engine/pkg/errors"
)

var placeholderPattern = regexp.MustCompile(`\{\{([A-Za-z0-9_]+)\}\}`)

const (
	ReservedBatchID        = "_batch_id"
	ReservedBatchStartTime = "_batch_start_time"
)

// UnresolvedError carries the template string and the list of names that
// could not be resolved. Callers treat this as "skip this member for this
// phase, log a warning" — never as a batch failure.
type UnresolvedError struct {
	Template string
	Names    []string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("%v: unresolved placeholders %v in %q", conductorerrors.ErrUnresolvedTemplate, e.Names, e.Template)
}

func (e *UnresolvedError) Unwrap() error {
	return conductorerrors.ErrUnresolvedTemplate
}

// Context is the set of names available for resolution: the member's data
// row plus reserved batch-scoped values.
type Context struct {
	Data           map[string]string
	BatchID        string
	BatchStartTime time.Time
}

func (c Context) lookup(name string) (string, bool) {
	switch name {
	case ReservedBatchID:
		return c.BatchID, true
	case ReservedBatchStartTime:
		return c.BatchStartTime.UTC().Format(time.RFC3339), true
	}
	v, ok := c.Data[name]
	return v, ok
}

// Resolve substitutes every placeholder in s. Null/missing column values
// (present in the row but empty) substitute to the empty string; names
// absent entirely are accumulated and reported via UnresolvedError.
func Resolve(s string, ctx Context) (string, error) {
	var unresolved []string
	seen := make(map[string]bool)

	result := placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if v, ok := ctx.lookup(name); ok {
			return v
		}
		if !seen[name] {
			seen[name] = true
			unresolved = append(unresolved, name)
		}
		return match
	})

	if len(unresolved) > 0 {
		return "", &UnresolvedError{Template: s, Names: unresolved}
	}
	return result, nil
}

// ResolveStep resolves every string in a step's parameter map plus its
// function name. It returns the resolved function name, the resolved
// parameters, and the *UnresolvedError of the first string that fails:
// the function name first, then the parameter values in map iteration
// order (callers should skip the member's step for this phase).
func ResolveStep(function string, params map[string]string, ctx Context) (string, map[string]string, error) {
	resolvedFunction, err := Resolve(function, ctx)
	if err != nil {
		return "", nil, err
	}

	resolved := make(map[string]string, len(params))
	for k, v := range params {
		rv, err := Resolve(v, ctx)
		if err != nil {
			return "", nil, err
		}
		resolved[k] = rv
	}
	return resolvedFunction, resolved, nil
}

// ReferencedNames returns every placeholder name referenced in s, in
// order of first appearance, excluding duplicates. Used to compute the
// columns a CSV template or CSV validation pass must require.
func ReferencedNames(strs ...string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, s := range strs {
		for _, m := range placeholderPattern.FindAllStringSubmatch(s, -1) {
			name := m[1]
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

// IsReserved reports whether name starts with "_", the prefix of the
// reserved batch-scoped names (_batch_id, _batch_start_time).
func IsReserved(name string) bool {
	return strings.HasPrefix(name, "_")
}
