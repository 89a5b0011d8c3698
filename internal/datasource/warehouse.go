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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	conductorerrors "github.com/latticerun/runbook-engine/pkg/errors"
)

// WarehousePollInterval is the fixed interval used while a submitted
// statement is pending or running.
const WarehousePollInterval = 2 * time.Second

// WarehouseAdapter queries a SQL-warehouse-style async REST API: submit a
// statement, poll until terminal, then convert the row array to a table.
type WarehouseAdapter struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewWarehouseAdapter creates an adapter against baseURL, authenticating
// with a bearer token.
func NewWarehouseAdapter(baseURL, token string) *WarehouseAdapter {
	return &WarehouseAdapter{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type warehouseSubmitRequest struct {
	WarehouseID string `json:"warehouse_id"`
	Statement   string `json:"statement"`
}

type warehouseStatementResponse struct {
	StatementID string `json:"statement_id"`
	Status      struct {
		State string `json:"state"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error,omitempty"`
	} `json:"status"`
	Manifest *struct {
		Schema struct {
			Columns []struct {
				Name string `json:"name"`
			} `json:"columns"`
		} `json:"schema"`
	} `json:"manifest,omitempty"`
	Result *struct {
		DataArray [][]*string `json:"data_array"`
	} `json:"result,omitempty"`
}

// Query submits desc's statement, polls until a terminal state, and
// converts the result to a Table.
func (a *WarehouseAdapter) Query(ctx context.Context, desc Descriptor) (Table, error) {
	body, _ := json.Marshal(warehouseSubmitRequest{WarehouseID: desc.WarehouseID, Statement: desc.Query})

	resp, err := a.do(ctx, http.MethodPost, "/api/statements", body)
	if err != nil {
		return Table{}, &conductorerrors.DataSourceError{Source: desc.Connection, Message: "submitting statement", Cause: err}
	}

	for {
		switch resp.Status.State {
		case "SUCCEEDED":
			return a.toTable(resp), nil
		case "PENDING", "RUNNING":
			select {
			case <-ctx.Done():
				return Table{}, &conductorerrors.DataSourceError{Source: desc.Connection, Message: "context cancelled while polling", Cause: ctx.Err()}
			case <-time.After(WarehousePollInterval):
			}
			resp, err = a.do(ctx, http.MethodGet, "/api/statements/"+resp.StatementID, nil)
			if err != nil {
				return Table{}, &conductorerrors.DataSourceError{Source: desc.Connection, Message: "polling statement", Cause: err}
			}
		default:
			msg := resp.Status.State
			if resp.Status.Error != nil {
				msg = resp.Status.Error.Message
			}
			return Table{}, &conductorerrors.DataSourceError{Source: desc.Connection, Message: fmt.Sprintf("statement terminated: %s", msg)}
		}
	}
}

func (a *WarehouseAdapter) toTable(resp *warehouseStatementResponse) Table {
	var t Table
	if resp.Manifest == nil || resp.Result == nil {
		return t
	}
	for _, c := range resp.Manifest.Schema.Columns {
		t.Columns = append(t.Columns, c.Name)
	}
	for _, rawRow := range resp.Result.DataArray {
		row := make(map[string]string, len(t.Columns))
		for i, cell := range rawRow {
			if i >= len(t.Columns) || cell == nil {
				continue
			}
			row[t.Columns[i]] = *cell
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

func (a *WarehouseAdapter) do(ctx context.Context, method, path string, body []byte) (*warehouseStatementResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
	}

	var parsed warehouseStatementResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &parsed, nil
}
