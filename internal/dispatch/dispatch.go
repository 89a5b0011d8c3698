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

// Package dispatch translates a job descriptor into a routed bus
// message: a thin layer so the orchestrator never constructs a
// bus.WorkerJob by hand.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/latticerun/runbook-engine/internal/bus"
)

// Job is a dispatch request: the generic shape the orchestrator and admin
// controller build from either a step execution or an init execution row.
type Job struct {
	BatchID         int64
	WorkerID        string
	FunctionName    string
	Parameters      map[string]string
	Correlation     bus.CorrelationData
	ScheduledAt     *time.Time // honored when set; nil dispatches immediately
}

// Dispatcher publishes jobs to the bus, generating a fresh job id per send.
type Dispatcher struct {
	b bus.Bus
}

// New creates a Dispatcher over b.
func New(b bus.Bus) *Dispatcher { return &Dispatcher{b: b} }

// Send publishes job to its worker's routing subject, returning the
// generated job id so the caller can persist it as last_job_id.
func (d *Dispatcher) Send(ctx context.Context, job Job) (string, error) {
	return d.sendWithJobID(ctx, job, uuid.NewString())
}

// Resend re-dispatches job under an explicit job id, used by poll-check
// to resend under the same job id.
func (d *Dispatcher) Resend(ctx context.Context, job Job, jobID string) (string, error) {
	return d.sendWithJobID(ctx, job, jobID)
}

func (d *Dispatcher) sendWithJobID(ctx context.Context, job Job, jobID string) (string, error) {
	msg := bus.WorkerJob{
		JobID:           jobID,
		BatchID:         job.BatchID,
		FunctionName:    job.FunctionName,
		Parameters:      job.Parameters,
		CorrelationData: job.Correlation,
	}
	subject := bus.WorkerJobSubject(job.WorkerID)

	if job.ScheduledAt != nil {
		if err := d.b.PublishAt(ctx, subject, msg, *job.ScheduledAt); err != nil {
			return "", err
		}
		return jobID, nil
	}
	if err := d.b.Publish(ctx, subject, msg); err != nil {
		return "", err
	}
	return jobID, nil
}
