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

// Package orchestrator is the event-driven handler set that consumes
// internal scheduling events and worker results: it materializes
// per-member step records, dispatches jobs to workers, processes results
// (success / polling-in-progress / failure / retry / rollback), and
// progresses members through phases.
//
// Every handler is idempotent with respect to duplicate delivery, relying
// on the state machine's compare-and-set guards rather than dedup
// tables: a handler invoked twice for the same message either
// observes a row already past the transition it wants to make, or a CAS
// update that affects zero rows, and returns without side effects.
package orchestrator

import (
	"context"
	"log/slog"

	"github.com/latticerun/runbook-engine/internal/bus"
	"github.com/latticerun/runbook-engine/internal/dispatch"
	"github.com/latticerun/runbook-engine/internal/store"
)

// Orchestrator wires the handler set against its collaborators and
// subscribes each handler to its bus subject.
type Orchestrator struct {
	store      store.Store
	bus        bus.Bus
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// New wires an Orchestrator.
func New(st store.Store, b bus.Bus, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:      st,
		bus:        b,
		dispatcher: dispatch.New(b),
		logger:     logger,
	}
}

// queueGroup load-balances deliveries across orchestrator instances so
// every event is handled exactly once per redelivery, not once per
// instance, even when several daemon processes run the handler set.
const queueGroup = "orchestrator"

// Subscribe registers every handler against its bus subject as a
// queue-group consumer. Handlers are also exposed individually so unit
// tests can invoke them directly without a live bus.
func (o *Orchestrator) Subscribe(ctx context.Context) ([]bus.Subscription, error) {
	subs := make([]bus.Subscription, 0, 7)

	register := func(subject string, handler bus.Handler) error {
		sub, err := o.bus.Subscribe(ctx, subject, queueGroup, handler)
		if err != nil {
			return err
		}
		subs = append(subs, sub)
		return nil
	}

	handlers := []struct {
		subject string
		handler bus.Handler
	}{
		{bus.SubjectBatchInit, o.handleBatchInitMsg},
		{bus.SubjectPhaseDue, o.handlePhaseDueMsg},
		{bus.SubjectMemberAdded, o.handleMemberAddedMsg},
		{bus.SubjectMemberRemoved, o.handleMemberRemovedMsg},
		{bus.SubjectPollCheck, o.handlePollCheckMsg},
		{bus.SubjectRetryCheck, o.handleRetryCheckMsg},
		{bus.SubjectWorkerResult, o.handleWorkerResultMsg},
	}

	for _, h := range handlers {
		if err := register(h.subject, h.handler); err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, err
		}
	}
	return subs, nil
}

func (o *Orchestrator) handleBatchInitMsg(ctx context.Context, msg bus.Msg) error {
	var ev bus.BatchInitEvent
	if err := msg.Decode(&ev); err != nil {
		return err
	}
	return o.HandleBatchInit(ctx, ev)
}

func (o *Orchestrator) handlePhaseDueMsg(ctx context.Context, msg bus.Msg) error {
	var ev bus.PhaseDueEvent
	if err := msg.Decode(&ev); err != nil {
		return err
	}
	return o.HandlePhaseDue(ctx, ev)
}

func (o *Orchestrator) handleMemberAddedMsg(ctx context.Context, msg bus.Msg) error {
	var ev bus.MemberAddedEvent
	if err := msg.Decode(&ev); err != nil {
		return err
	}
	return o.HandleMemberAdded(ctx, ev)
}

func (o *Orchestrator) handleMemberRemovedMsg(ctx context.Context, msg bus.Msg) error {
	var ev bus.MemberRemovedEvent
	if err := msg.Decode(&ev); err != nil {
		return err
	}
	return o.HandleMemberRemoved(ctx, ev)
}

func (o *Orchestrator) handlePollCheckMsg(ctx context.Context, msg bus.Msg) error {
	var ev bus.PollCheckEvent
	if err := msg.Decode(&ev); err != nil {
		return err
	}
	return o.HandlePollCheck(ctx, ev)
}

func (o *Orchestrator) handleRetryCheckMsg(ctx context.Context, msg bus.Msg) error {
	var ev bus.RetryCheckEvent
	if err := msg.Decode(&ev); err != nil {
		return err
	}
	return o.HandleRetryCheck(ctx, ev)
}

func (o *Orchestrator) handleWorkerResultMsg(ctx context.Context, msg bus.Msg) error {
	var ev bus.WorkerResult
	if err := msg.Decode(&ev); err != nil {
		return err
	}
	return o.HandleWorkerResult(ctx, ev)
}

func (o *Orchestrator) audit(ctx context.Context, batchID *int64, runbookName, kind, summary string) {
	if err := o.store.RecordAudit(ctx, store.AuditEntry{BatchID: batchID, RunbookName: runbookName, Kind: kind, Summary: summary}); err != nil {
		o.logger.Warn("recording audit entry failed", "kind", kind, "error", err)
	}
}
