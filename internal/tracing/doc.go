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

/*
Package tracing provides distributed tracing and observability for the
runbook engine.

This package implements OpenTelemetry-based tracing around scheduler ticks
and orchestrator handler invocations, Prometheus metrics collection, and
correlation ID propagation across the admin HTTP surface and worker
dispatch messages.

# Overview

The tracing package supports:

  - Distributed tracing via OpenTelemetry
  - Prometheus metrics export
  - Correlation ID propagation across HTTP requests and bus messages
  - Scheduler tick and orchestrator handler span creation

# Quick Start

Create an OTel provider:

	cfg := tracing.Config{
	    Enabled:        true,
	    ServiceName:    "runbookd",
	    ServiceVersion: "1.0.0",
	    Sampling: tracing.SamplingConfig{
	        Enabled: true,
	        Rate:    0.1, // 10% sampling
	    },
	}

	provider, err := tracing.NewOTelProviderWithConfig(cfg)

Get a tracer and create spans:

	tracer := provider.Tracer("scheduler")

	ctx, span := tracer.Start(ctx, "scheduler-tick",
	    observability.WithAttributes(map[string]any{
	        "runbook": runbookName,
	    }),
	)
	defer span.End()

# Correlation IDs

Correlation IDs link requests across service boundaries:

	// In HTTP middleware
	correlationID := tracing.FromContext(ctx)

	// Add to outbound requests
	req.Header.Set("X-Correlation-ID", string(correlationID))

	// Middleware extracts and injects
	handler = tracing.CorrelationMiddleware(handler)

# Metrics Collection

Prometheus metrics are collected:

	collector := provider.MetricsCollector()
	collector.RecordBatchCreated(ctx, batchID, runbookName, "scheduled")
	collector.RecordPhaseDispatched(ctx, runbookName, phaseName)

Metrics exposed at /metrics:

  - runbook_batches_total{runbook,trigger}
  - runbook_phases_dispatched_total{runbook,phase}
  - runbook_steps_total{runbook,phase,status}
  - runbook_scheduler_tick_duration_seconds
  - runbook_scheduler_lease_held

# Configuration

Config carries the options and DefaultConfig returns the values that
cmd/conductord starts with; the daemon's configuration file has no
observability section. Options set in code:

	cfg := tracing.DefaultConfig()
	cfg.Enabled = true
	cfg.Sampling = tracing.SamplingConfig{
	    Enabled:            true,
	    Type:               "head",
	    Rate:               0.1,
	    AlwaysSampleErrors: true,
	}
	cfg.Exporters = []tracing.ExporterConfig{
	    {Type: "otlp", Endpoint: "localhost:4317"},
	}
	cfg.Redaction.Level = "standard"

# Key Components

  - OTelProvider: OpenTelemetry SDK wrapper
  - MetricsCollector: Prometheus metrics recording
  - CorrelationID: Request correlation across services
  - Sampler: Configurable trace sampling
  - Exporter: Trace export to backends (OTLP, stdout)
*/
package tracing
