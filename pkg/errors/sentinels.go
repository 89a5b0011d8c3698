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

package errors

import "errors"

// Sentinel errors for precondition failures that callers need to
// distinguish from transient infrastructure errors via errors.Is.
var (
	// ErrLeaseNotHeld names an operation attempted without holding the
	// scheduler lease, or after it expired. lease.Manager.Renew reports a
	// lost lease as (false, nil) and does not return this error.
	ErrLeaseNotHeld = errors.New("lease not held")

	// ErrLeaseAlreadyHeld names a lease that another holder already has.
	// lease.Manager.Acquire reports that case as (false, nil) and does not
	// return this error.
	ErrLeaseAlreadyHeld = errors.New("lease already held")

	// ErrUnresolvedTemplate is wrapped by template.UnresolvedError, which
	// template.Resolve returns when a template string contains placeholder
	// names that neither the member data nor the reserved names resolve.
	ErrUnresolvedTemplate = errors.New("unresolved template placeholder")

	// ErrBatchNotManual is returned when the advance command targets a
	// batch that is not manually triggered. Cancel and CSV ingestion do
	// not check whether the batch is manual.
	ErrBatchNotManual = errors.New("batch is not manually triggered")

	// ErrPhaseInProgress is returned when an operation that requires a
	// phase to be pending is attempted against a phase already dispatched
	// or completed.
	ErrPhaseInProgress = errors.New("phase already in progress or complete")

	// ErrStaleTransition names a CAS-style status update that affects zero
	// rows because the row's status no longer matches the expected
	// precondition — almost always a duplicate message delivery. The
	// store's Set*Status methods report that case as (false, nil) and do
	// not return this error.
	ErrStaleTransition = errors.New("stale status transition")

	// ErrRunbookNotFound is returned when a referenced runbook does not
	// exist or has no published version.
	ErrRunbookNotFound = errors.New("runbook not found")

	// ErrDuplicatePhaseName is returned at publish-time validation when a
	// runbook specification defines the same phase name more than once.
	ErrDuplicatePhaseName = errors.New("duplicate phase name")

	// ErrInvalidOffsetGrammar is returned when an offset expression does
	// not match the T-<n><unit> grammar.
	ErrInvalidOffsetGrammar = errors.New("invalid offset expression")

	// ErrUnsafeIdentifier is returned when a derived dynamic table or
	// column name fails identifier-safety validation.
	ErrUnsafeIdentifier = errors.New("unsafe identifier")
)
