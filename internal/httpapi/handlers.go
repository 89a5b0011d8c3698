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

package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	csvpkg "github.com/latticerun/runbook-engine/internal/csv"
	"github.com/latticerun/runbook-engine/internal/runbook"
	"github.com/latticerun/runbook-engine/internal/store"
	pkgerrors "github.com/latticerun/runbook-engine/pkg/errors"
)

// statusForError maps the sentinel and typed errors the admin surface and
// store can return to an HTTP status.
func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pkgerrors.ErrBatchNotManual),
		errors.Is(err, pkgerrors.ErrPhaseInProgress),
		errors.Is(err, pkgerrors.ErrStaleTransition),
		errors.Is(err, pkgerrors.ErrDuplicatePhaseName),
		errors.Is(err, pkgerrors.ErrInvalidOffsetGrammar),
		errors.Is(err, pkgerrors.ErrUnsafeIdentifier),
		errors.Is(err, pkgerrors.ErrUnresolvedTemplate):
		return http.StatusConflict
	default:
		var valErr *pkgerrors.ValidationError
		if errors.As(err, &valErr) {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	}
}

func writeErrorFor(w http.ResponseWriter, err error) {
	writeError(w, statusForError(err), err.Error())
}

func batchIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func (rt *Router) handleListRunbooks(w http.ResponseWriter, r *http.Request) {
	runbooks, err := rt.store.ListActiveRunbooks(r.Context())
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runbooks)
}

func (rt *Router) handleListRunbookVersions(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	versions, err := rt.store.ListRunbookVersions(r.Context(), name)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

type publishRunbookRequest struct {
	SpecText string `json:"spec_text"`
	Activate bool   `json:"activate"`
}

func (rt *Router) handlePublishRunbook(w http.ResponseWriter, r *http.Request) {
	var req publishRunbookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	spec, err := runbook.ParseSpec(req.SpecText)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid runbook spec: "+err.Error())
		return
	}

	rb := &runbook.Runbook{
		Name:     spec.Name,
		SpecText: req.SpecText,
		Spec:     spec,
		Enabled:  true,
	}
	published, err := rt.store.Publish(r.Context(), rb, req.Activate)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, published)
}

func (rt *Router) handleCSVTemplate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rb, err := rt.store.GetActiveRunbook(r.Context(), name)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	tmpl, err := rt.admin.GenerateTemplate(rb)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`-template.csv"`)
	w.WriteHeader(http.StatusOK)
	w.Write(tmpl)
}

type createBatchRequest struct {
	RunbookName string              `json:"runbook_name"`
	Members     []map[string]string `json:"members"`
}

func (rt *Router) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if req.RunbookName == "" {
		writeError(w, http.StatusBadRequest, "runbook_name is required")
		return
	}

	rb, err := rt.store.GetActiveRunbook(r.Context(), req.RunbookName)
	if err != nil {
		writeErrorFor(w, err)
		return
	}

	pk := rb.Spec.DataSource.PrimaryKey
	memberKeys := make([]string, 0, len(req.Members))
	memberData := make(map[string]string, len(req.Members))
	for i, m := range req.Members {
		key := m[pk]
		if key == "" {
			writeError(w, http.StatusBadRequest, "member "+strconv.Itoa(i)+": missing primary key "+pk)
			return
		}
		if _, dup := memberData[key]; dup {
			writeError(w, http.StatusBadRequest, "duplicate primary key "+key)
			return
		}
		encoded, err := json.Marshal(m)
		if err != nil {
			writeError(w, http.StatusBadRequest, "member "+strconv.Itoa(i)+": "+err.Error())
			return
		}
		memberKeys = append(memberKeys, key)
		memberData[key] = string(encoded)
	}

	batch, err := rt.admin.CreateManualBatch(r.Context(), rb, memberKeys, memberData)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, batch)
}

func (rt *Router) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id, err := batchIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch id")
		return
	}
	batch, err := rt.store.GetBatch(r.Context(), id)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (rt *Router) handleAdvance(w http.ResponseWriter, r *http.Request) {
	id, err := batchIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch id")
		return
	}
	res, err := rt.admin.Advance(r.Context(), id)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (rt *Router) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := batchIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch id")
		return
	}
	if err := rt.admin.Cancel(r.Context(), id); err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type addMembersRequest struct {
	Members []map[string]string `json:"members"`
}

func (rt *Router) handleAddMembers(w http.ResponseWriter, r *http.Request) {
	id, err := batchIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch id")
		return
	}
	batch, err := rt.store.GetBatch(r.Context(), id)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	rb, err := rt.store.GetRunbookVersion(r.Context(), batch.RunbookName, batch.RunbookVersion)
	if err != nil {
		writeErrorFor(w, err)
		return
	}

	var req addMembersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	rows := make([]csvpkg.Row, len(req.Members))
	for i, m := range req.Members {
		rows[i] = csvpkg.Row(m)
	}

	added, err := rt.admin.AddMembers(r.Context(), batch, rows, rb.Spec.DataSource.PrimaryKey)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"added": added})
}

type removeMembersRequest struct {
	MemberKeys []string `json:"member_keys"`
}

func (rt *Router) handleRemoveMembers(w http.ResponseWriter, r *http.Request) {
	id, err := batchIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch id")
		return
	}
	batch, err := rt.store.GetBatch(r.Context(), id)
	if err != nil {
		writeErrorFor(w, err)
		return
	}

	var req removeMembersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	removed, err := rt.admin.RemoveMembers(r.Context(), batch, req.MemberKeys)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (rt *Router) handleIngestCSV(w http.ResponseWriter, r *http.Request) {
	id, err := batchIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch id")
		return
	}
	batch, err := rt.store.GetBatch(r.Context(), id)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	rb, err := rt.store.GetRunbookVersion(r.Context(), batch.RunbookName, batch.RunbookVersion)
	if err != nil {
		writeErrorFor(w, err)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read upload body: "+err.Error())
		return
	}

	added, warnings, err := rt.admin.IngestCSV(r.Context(), batch, rb, data)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": added, "warnings": warnings})
}
