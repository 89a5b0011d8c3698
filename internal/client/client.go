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

// Package client is a thin HTTP client for the admin surface conductord
// exposes (internal/httpapi): the conductor CLI's only way of talking to
// a running daemon, mirroring its runbook and batch operations
// one-for-one.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is a minimal REST client for conductord's admin HTTP surface.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// New builds a Client against baseURL, authorizing requests with token
// (empty is allowed for read-only endpoints that don't require a scope).
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is returned when the admin surface responds with a non-2xx
// status; it carries the status code so callers can distinguish 4xx
// precondition failures from 5xx internal errors.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("conductord returned %d: %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("calling conductord: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		msg := string(data)
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// ListRunbooks returns the active runbooks the daemon knows about.
func (c *Client) ListRunbooks(ctx context.Context) ([]RunbookSummary, error) {
	var out []RunbookSummary
	err := c.do(ctx, http.MethodGet, "/runbooks/", nil, &out)
	return out, err
}

// ListRunbookVersions returns every published version of name, newest first.
func (c *Client) ListRunbookVersions(ctx context.Context, name string) ([]RunbookSummary, error) {
	var out []RunbookSummary
	err := c.do(ctx, http.MethodGet, "/runbooks/"+url.PathEscape(name)+"/versions", nil, &out)
	return out, err
}

// PublishRunbook submits specText as a new runbook version, activating it
// immediately when activate is true.
func (c *Client) PublishRunbook(ctx context.Context, specText string, activate bool) (*RunbookSummary, error) {
	var out RunbookSummary
	err := c.do(ctx, http.MethodPost, "/runbooks/", map[string]any{
		"spec_text": specText,
		"activate":  activate,
	}, &out)
	return &out, err
}

// CSVTemplate downloads a sample-data CSV template for name's active version.
func (c *Client) CSVTemplate(ctx context.Context, name string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/runbooks/"+url.PathEscape(name)+"/csv-template", nil)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Message: string(data)}
	}
	return data, nil
}

// CreateBatch creates a manual batch for runbookName's active version,
// optionally seeded with initial member rows.
func (c *Client) CreateBatch(ctx context.Context, runbookName string, members []map[string]string) (*BatchView, error) {
	var out BatchView
	err := c.do(ctx, http.MethodPost, "/batches/", map[string]any{
		"runbook_name": runbookName,
		"members":      members,
	}, &out)
	return &out, err
}

// GetBatch fetches a single batch by id.
func (c *Client) GetBatch(ctx context.Context, id int64) (*BatchView, error) {
	var out BatchView
	err := c.do(ctx, http.MethodGet, "/batches/"+strconv.FormatInt(id, 10), nil, &out)
	return &out, err
}

// Advance calls the manual batch advance operation.
func (c *Client) Advance(ctx context.Context, id int64) (*AdvanceResponse, error) {
	var out AdvanceResponse
	err := c.do(ctx, http.MethodPost, "/batches/"+strconv.FormatInt(id, 10)+"/advance", nil, &out)
	return &out, err
}

// Cancel calls the manual batch cancel operation.
func (c *Client) Cancel(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, "/batches/"+strconv.FormatInt(id, 10)+"/cancel", nil, nil)
}

// AddMembers submits rows of member data to add to a manual batch.
func (c *Client) AddMembers(ctx context.Context, id int64, members []map[string]string) (int, error) {
	var out struct {
		Added int `json:"added"`
	}
	err := c.do(ctx, http.MethodPost, "/batches/"+strconv.FormatInt(id, 10)+"/members", map[string]any{
		"members": members,
	}, &out)
	return out.Added, err
}

// RemoveMembers marks the named member keys removed from a manual batch.
func (c *Client) RemoveMembers(ctx context.Context, id int64, memberKeys []string) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	err := c.do(ctx, http.MethodDelete, "/batches/"+strconv.FormatInt(id, 10)+"/members", map[string]any{
		"member_keys": memberKeys,
	}, &out)
	return out.Removed, err
}

// IngestCSV uploads raw CSV bytes for batch id; the server parses and adds
// every row as a member.
func (c *Client) IngestCSV(ctx context.Context, id int64, csvData []byte) (added int, warnings []string, err error) {
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/batches/"+strconv.FormatInt(id, 10)+"/csv", bytes.NewReader(csvData))
	if reqErr != nil {
		return 0, nil, reqErr
	}
	req.Header.Set("Content-Type", "text/csv")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, doErr := c.HTTP.Do(req)
	if doErr != nil {
		return 0, nil, doErr
	}
	defer resp.Body.Close()
	data, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return 0, nil, readErr
	}
	if resp.StatusCode >= 300 {
		return 0, nil, &APIError{Status: resp.StatusCode, Message: string(data)}
	}

	var out struct {
		Added    int      `json:"added"`
		Warnings []string `json:"warnings"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, nil, err
	}
	return out.Added, out.Warnings, nil
}

// RunbookSummary is the client-side view of a published runbook row.
// Field names match internal/runbook.Runbook's JSON encoding (no tags
// there, so encoding/json uses the Go field names verbatim).
type RunbookSummary struct {
	Name                 string `json:"Name"`
	Version              int    `json:"Version"`
	Active               bool   `json:"Active"`
	DynamicTableName     string `json:"DynamicTableName"`
	OverdueBehavior      string `json:"OverdueBehavior"`
	IgnoreOverdueApplied bool   `json:"IgnoreOverdueApplied"`
	Enabled              bool   `json:"Enabled"`
}

// BatchView is the client-side view of a batch row, matching
// internal/store.Batch's JSON encoding.
type BatchView struct {
	ID             int64  `json:"ID"`
	RunbookName    string `json:"RunbookName"`
	RunbookVersion int    `json:"RunbookVersion"`
	BatchStartTime string `json:"BatchStartTime"`
	Status         string `json:"Status"`
	IsManual       bool   `json:"IsManual"`
}

// AdvanceResponse mirrors admin.AdvanceResult's JSON shape.
type AdvanceResponse struct {
	BatchStatus string `json:"BatchStatus"`
	PhaseName   string `json:"PhaseName,omitempty"`
}
