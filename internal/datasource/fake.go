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

package datasource

import (
	"context"
	"sync"
)

// Fake is a test adapter returning a canned table, or an error, regardless
// of the query text. Tests mutate Table/Err between ticks to simulate a
// changing data source.
type Fake struct {
	mu    sync.Mutex
	Table Table
	Err   error
	Calls int
}

// NewFake creates a fake adapter seeded with an initial table.
func NewFake(table Table) *Fake {
	return &Fake{Table: table}
}

// Query returns the configured table or error, and records the call.
func (f *Fake) Query(ctx context.Context, desc Descriptor) (Table, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.Err != nil {
		return Table{}, f.Err
	}
	return f.Table, nil
}

// SetTable replaces the table returned by subsequent calls.
func (f *Fake) SetTable(t Table) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Table = t
}

// SetError makes subsequent calls fail with err (nil to clear).
func (f *Fake) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Err = err
}
