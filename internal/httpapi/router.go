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

// Package httpapi is the chi-routed admin HTTP surface:
// runbook publish/list, and the manual batch controller's
// advance/cancel/member/CSV operations, gated by JWT bearer authorization.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/latticerun/runbook-engine/internal/admin"
	applog "github.com/latticerun/runbook-engine/internal/log"
	"github.com/latticerun/runbook-engine/internal/store"
)

var startTime = time.Now()

// Router wires the admin HTTP surface's dependencies.
type Router struct {
	admin  *admin.Controller
	store  store.Store
	jwtCfg JWTConfig
	logger *slog.Logger
}

// New builds the chi handler for the admin HTTP surface.
func New(ctrl *admin.Controller, st store.Store, jwtCfg JWTConfig, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Router{admin: ctrl, store: st, jwtCfg: jwtCfg, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(applog.HTTPMiddleware(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", rt.handleHealthz)
	r.Get("/readyz", rt.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/runbooks", func(r chi.Router) {
		r.With(requireScope(jwtCfg, ScopeRead)).Get("/", rt.handleListRunbooks)
		r.With(requireScope(jwtCfg, ScopeAdmin)).Post("/", rt.handlePublishRunbook)
		r.With(requireScope(jwtCfg, ScopeRead)).Get("/{name}/versions", rt.handleListRunbookVersions)
		r.With(requireScope(jwtCfg, ScopeRead)).Get("/{name}/csv-template", rt.handleCSVTemplate)
	})

	r.Route("/batches", func(r chi.Router) {
		r.With(requireScope(jwtCfg, ScopeAdmin)).Post("/", rt.handleCreateBatch)
		r.With(requireScope(jwtCfg, ScopeRead)).Get("/{id}", rt.handleGetBatch)
		r.With(requireScope(jwtCfg, ScopeAdmin)).Post("/{id}/advance", rt.handleAdvance)
		r.With(requireScope(jwtCfg, ScopeAdmin)).Post("/{id}/cancel", rt.handleCancel)
		r.With(requireScope(jwtCfg, ScopeAdmin)).Post("/{id}/members", rt.handleAddMembers)
		r.With(requireScope(jwtCfg, ScopeAdmin)).Delete("/{id}/members", rt.handleRemoveMembers)
		r.With(requireScope(jwtCfg, ScopeAdmin)).Post("/{id}/csv", rt.handleIngestCSV)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

func (rt *Router) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "healthy",
		Uptime: time.Since(startTime).Round(time.Second).String(),
	})
}

func (rt *Router) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := rt.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unreachable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
