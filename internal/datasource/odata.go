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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	conductorerrors "github.com/latticerun/runbook-engine/pkg/errors"
)

// ODataAdapter queries a business-database OData-style endpoint, paging
// through "@odata.nextLink" until exhausted.
type ODataAdapter struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewODataAdapter creates an adapter against baseURL.
func NewODataAdapter(baseURL, token string) *ODataAdapter {
	return &ODataAdapter{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type odataPage struct {
	Value    []map[string]any `json:"value"`
	NextLink string           `json:"@odata.nextLink"`
}

// Query pages through desc's query URL until @odata.nextLink is absent.
func (a *ODataAdapter) Query(ctx context.Context, desc Descriptor) (Table, error) {
	var t Table
	columnsSeen := make(map[string]bool)

	url := a.BaseURL + desc.Query
	for url != "" {
		page, err := a.fetchPage(ctx, url)
		if err != nil {
			return Table{}, &conductorerrors.DataSourceError{Source: desc.Connection, Message: "querying OData endpoint", Cause: err}
		}

		for _, record := range page.Value {
			row := make(map[string]string, len(record))
			for k, v := range record {
				if k == "@odata.etag" {
					continue
				}
				if !columnsSeen[k] {
					columnsSeen[k] = true
					t.Columns = append(t.Columns, k)
				}
				row[k] = coerceToString(v)
			}
			t.Rows = append(t.Rows, row)
		}

		url = page.NextLink
	}

	return t, nil
}

func (a *ODataAdapter) fetchPage(ctx context.Context, url string) (*odataPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
	}

	var page odataPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decoding page: %w", err)
	}
	return &page, nil
}

func coerceToString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		encoded, _ := json.Marshal(t)
		return string(encoded)
	}
}
