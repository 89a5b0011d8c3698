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

package admin

import (
	"context"

	csvpkg "github.com/latticerun/runbook-engine/internal/csv"
	"github.com/latticerun/runbook-engine/internal/runbook"
	"github.com/latticerun/runbook-engine/internal/store"
)

// IngestCSV validates and parses data against rb, then adds every row as a
// new member of batch, reporting any non-fatal header warnings alongside
// the count of members added.
func (c *Controller) IngestCSV(ctx context.Context, batch *store.Batch, rb *runbook.Runbook, data []byte) (added int, warnings []string, err error) {
	result, err := csvpkg.Parse(data, rb)
	if err != nil {
		return 0, nil, err
	}
	added, err = c.AddMembers(ctx, batch, result.Rows, rb.Spec.DataSource.PrimaryKey)
	return added, result.Warnings, err
}

// GenerateTemplate produces a CSV template for operators preparing a
// manual-batch upload against rb.
func (c *Controller) GenerateTemplate(rb *runbook.Runbook) ([]byte, error) {
	return csvpkg.GenerateTemplate(rb)
}
