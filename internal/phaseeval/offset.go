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

// Package phaseeval is the pure logic for phase offsets and due times: it
// parses "T-<n><unit>" offset strings and "<n><unit>" durations, computes
// due times, and produces the phase-execution set a batch requires
// (including the version-transition rule).
package phaseeval

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	conductorerrors "github.com/latticerun/runbook-engine/pkg/errors"
)

var offsetPattern = regexp.MustCompile(`^T-(\d+)([smhd])$`)
var durationPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

// ParseOffset parses an offset string ("T-0", "T-1d", "T-30m", ...) into
// whole minutes. Sub-minute offsets (seconds) round up to the next minute.
func ParseOffset(offset string) (int, error) {
	if offset == "T-0" {
		return 0, nil
	}
	m := offsetPattern.FindStringSubmatch(offset)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", conductorerrors.ErrInvalidOffsetGrammar, offset)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", conductorerrors.ErrInvalidOffsetGrammar, offset)
	}
	seconds := unitSeconds(m[2], n)
	minutes := seconds / 60
	if seconds%60 != 0 {
		minutes++
	}
	return minutes, nil
}

// MustParseOffset parses offset and panics on failure. Intended for
// constants or already-validated runbook specifications.
func MustParseOffset(offset string) int {
	m, err := ParseOffset(offset)
	if err != nil {
		panic(err)
	}
	return m
}

// ParseDuration parses a duration string ("10s", "5m", "1h", "1d") into
// whole seconds, for poll intervals, poll timeouts and retry intervals.
func ParseDuration(s string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", conductorerrors.ErrInvalidOffsetGrammar, s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", conductorerrors.ErrInvalidOffsetGrammar, s)
	}
	return time.Duration(unitSeconds(m[2], n)) * time.Second, nil
}

// MustParseDuration parses s and panics on failure.
func MustParseDuration(s string) time.Duration {
	d, err := ParseDuration(s)
	if err != nil {
		panic(err)
	}
	return d
}

func unitSeconds(unit string, n int) int {
	switch unit {
	case "s":
		return n
	case "m":
		return n * 60
	case "h":
		return n * 3600
	case "d":
		return n * 86400
	}
	return n
}

// DueAt computes a phase's due time from the batch's event time and its
// offset in minutes. A non-negative offset is a "lead time" before the
// event: T-1d fires 24h before batchStartTime.
func DueAt(batchStartTime time.Time, offsetMinutes int) time.Time {
	return batchStartTime.Add(-time.Duration(offsetMinutes) * time.Minute)
}
