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

// Package datasource adapts a runbook's declared data-source query to a
// tabular result: one implementation per back-end shape. The core only
// ever consumes "tabular result with named columns of string-coercible
// values".
package datasource

import "context"

// Table is a tabular query result with named columns of string-coercible
// values (nulls represented as absent keys).
type Table struct {
	Columns []string
	Rows    []map[string]string
}

// Descriptor names the connection and query to execute, as declared by a
// runbook's data_source block.
type Descriptor struct {
	Connection  string
	Query       string
	WarehouseID string
}

// Adapter executes a descriptor's query against its configured back-end.
type Adapter interface {
	Query(ctx context.Context, desc Descriptor) (Table, error)
}
