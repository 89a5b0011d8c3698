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

// Command conductord runs the runbook engine daemon: the scheduler tick,
// the orchestrator's event handlers and the admin HTTP surface, all
// sharing one store and one bus connection.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/latticerun/runbook-engine/internal/admin"
	"github.com/latticerun/runbook-engine/internal/bus"
	"github.com/latticerun/runbook-engine/internal/config"
	"github.com/latticerun/runbook-engine/internal/datasource"
	"github.com/latticerun/runbook-engine/internal/dynatable"
	"github.com/latticerun/runbook-engine/internal/httpapi"
	applog "github.com/latticerun/runbook-engine/internal/log"
	"github.com/latticerun/runbook-engine/internal/orchestrator"
	"github.com/latticerun/runbook-engine/internal/scheduler"
	"github.com/latticerun/runbook-engine/internal/store"
	"github.com/latticerun/runbook-engine/internal/store/postgres"
	"github.com/latticerun/runbook-engine/internal/store/sqlite"
	"github.com/latticerun/runbook-engine/internal/tracing"
)

// Version information, injected via -ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to the daemon's YAML configuration file")
		showVer    = flag.Bool("version", false, "print version information and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Printf("conductord %s (%s)\n", version, commit)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "conductord: loading config: %v\n", err)
		os.Exit(1)
	}

	logger := applog.New(&cfg.Log)
	logger.Info("starting conductord", "version", version, "commit", commit, "config", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("conductord exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("conductord stopped")
}

func run(ctx context.Context, configPath string, cfg *config.Config, logger *slog.Logger) error {
	st, dyn, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	b, err := bus.Connect(ctx, bus.Config{URL: cfg.Bus.URL, StreamName: cfg.Bus.StreamName}, logger)
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer b.Close()

	sources := buildDataSources(cfg)

	otelProvider, err := tracing.NewOTelProviderWithConfig(tracing.DefaultConfig())
	if err != nil {
		return fmt.Errorf("initializing observability provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down observability provider", "error", err)
		}
	}()

	retention := tracing.NewRetentionManager(st, 90*24*time.Hour, time.Hour, logger)
	retention.Start()
	defer retention.Stop()

	instanceID := cfg.Scheduler.InstanceID
	if instanceID == "" {
		instanceID, _ = os.Hostname()
	}
	sched := scheduler.New(st, st, sources, dyn, b, applog.WithComponent(logger, "scheduler"), scheduler.Config{
		TickInterval: cfg.Scheduler.TickInterval,
		LeaseTTL:     cfg.Scheduler.LeaseTTL,
		InstanceID:   instanceID,
	})

	orch := orchestrator.New(st, b, applog.WithComponent(logger, "orchestrator"))
	subs, err := orch.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribing orchestrator handlers: %w", err)
	}
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	ctrl := admin.New(st, b, applog.WithComponent(logger, "admin"))
	jwtCfg := httpapi.JWTConfig{
		Secret:    []byte(cfg.HTTP.JWTSecret),
		Issuer:    cfg.HTTP.JWTIssuer,
		ClockSkew: 30 * time.Second,
	}
	handler := httpapi.New(ctrl, st, jwtCfg, applog.WithComponent(logger, "httpapi"))
	httpSrv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: handler,
	}

	watcher := config.NewWatcher(configPath, cfg, applog.WithComponent(logger, "config"))

	errCh := make(chan error, 2)

	go sched.Run(ctx)

	go watcher.Run(ctx)

	go func() {
		logger.Info("admin HTTP surface listening", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutting down http server", "error", err)
	}

	return nil
}

// openStore opens the configured persistence backend. The dynamic-table
// manager is only available against Postgres: its Execer is bound to
// pgx's wire types (internal/dynatable.Execer), which a database/sql
// backend cannot satisfy, so sqlite deployments run the scheduler
// without the per-runbook mirror table (see internal/scheduler/batches.go's
// nil-dyn guard).
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, *dynatable.Manager, error) {
	switch cfg.Store.Backend {
	case "postgres":
		st, err := postgres.Open(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("opened postgres store", "dynamic_tables", true)
		return st, dynatable.New(st.Pool()), nil
	case "sqlite":
		st, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.Store.SQLitePath, WAL: true})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("opened sqlite store", "path", cfg.Store.SQLitePath, "dynamic_tables", false)
		return st, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// buildDataSources constructs one adapter per configured connection,
// keyed by its label so the scheduler can look it up by
// runbook.DataSourceSpec.Connection.
func buildDataSources(cfg *config.Config) map[string]datasource.Adapter {
	sources := make(map[string]datasource.Adapter, len(cfg.DataSources))
	for _, ds := range cfg.DataSources {
		switch ds.Type {
		case "warehouse":
			sources[ds.Label] = datasource.NewWarehouseAdapter(ds.BaseURL, ds.Token)
		case "odata":
			sources[ds.Label] = datasource.NewODataAdapter(ds.BaseURL, ds.Token)
		}
	}
	return sources
}
