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

// Package config is the daemon's YAML-backed configuration: storage,
// message bus, scheduler cadence, per-connection data-source credentials
// and the admin HTTP surface's auth settings. Every configuration error
// fails startup, never surfaces
// as a runtime error.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	applog "github.com/latticerun/runbook-engine/internal/log"
	pkgerrors "github.com/latticerun/runbook-engine/pkg/errors"
)

// StoreConfig configures the persistence backend.
type StoreConfig struct {
	Backend     string `yaml:"backend"` // "postgres" or "sqlite"
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
	SQLitePath  string `yaml:"sqlite_path,omitempty"`
}

// BusConfig configures the NATS JetStream connection.
type BusConfig struct {
	URL            string        `yaml:"url"`
	StreamName     string        `yaml:"stream_name"`
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
}

// SchedulerConfig configures tick cadence and the distributed lease.
type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	LeaseTTL     time.Duration `yaml:"lease_ttl"`
	InstanceID   string        `yaml:"instance_id,omitempty"`
}

// DataSourceConnection holds connection credentials for one data-source
// connection label referenced by runbook.DataSourceSpec.Connection.
type DataSourceConnection struct {
	Label      string `yaml:"label"`
	Type       string `yaml:"type"` // "warehouse" or "odata"
	BaseURL    string `yaml:"base_url"`
	Token      string `yaml:"token,omitempty"`
	WarehouseID string `yaml:"warehouse_id,omitempty"`
}

// HTTPConfig configures the admin HTTP surface.
type HTTPConfig struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer,omitempty"`
}

// Config is the complete daemon configuration document.
type Config struct {
	Log         applog.Config            `yaml:"log"`
	Store       StoreConfig              `yaml:"store"`
	Bus         BusConfig                `yaml:"bus"`
	Scheduler   SchedulerConfig          `yaml:"scheduler"`
	HTTP        HTTPConfig               `yaml:"http"`
	DataSources []DataSourceConnection   `yaml:"data_sources,omitempty"`
}

// Default returns a Config with sensible defaults for local development.
func Default() *Config {
	return &Config{
		Log: applog.Config{
			Level:  "info",
			Format: applog.FormatJSON,
		},
		Store: StoreConfig{
			Backend:    "sqlite",
			SQLitePath: "runbook-engine.db",
		},
		Bus: BusConfig{
			URL:            "nats://127.0.0.1:4222",
			StreamName:     "RUNBOOK",
			ConnectTimeout: 5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			TickInterval: time.Minute,
			LeaseTTL:     2 * time.Minute,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
	}
}

// Load reads a YAML configuration file at path, applies environment
// variable overrides, and validates the result. A missing path is a
// configuration error, not silently defaulted, since the daemon always
// needs explicit store/bus settings in any real deployment.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &pkgerrors.ConfigError{Key: "path", Reason: "reading config file", Cause: err}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &pkgerrors.ConfigError{Key: "path", Reason: "parsing config YAML", Cause: err}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment secrets (DSNs, tokens) come from the
// environment rather than living in the checked-in config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RUNBOOK_POSTGRES_DSN"); v != "" {
		cfg.Store.PostgresDSN = v
	}
	if v := os.Getenv("RUNBOOK_BUS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv("RUNBOOK_JWT_SECRET"); v != "" {
		cfg.HTTP.JWTSecret = v
	}
	if v := os.Getenv("RUNBOOK_INSTANCE_ID"); v != "" {
		cfg.Scheduler.InstanceID = v
	}
	if v := os.Getenv("RUNBOOK_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.TickInterval = d
		}
	}
	for i := 0; ; i++ {
		prefix := "RUNBOOK_DATASOURCE_" + strconv.Itoa(i) + "_"
		label := os.Getenv(prefix + "LABEL")
		if label == "" {
			break
		}
		cfg.DataSources = append(cfg.DataSources, DataSourceConnection{
			Label:       label,
			Type:        os.Getenv(prefix + "TYPE"),
			BaseURL:     os.Getenv(prefix + "BASE_URL"),
			Token:       os.Getenv(prefix + "TOKEN"),
			WarehouseID: os.Getenv(prefix + "WAREHOUSE_ID"),
		})
	}
}

// Validate fails fast on configuration that would make the daemon
// unable to start.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return &pkgerrors.ConfigError{Key: "store.postgres_dsn", Reason: "required when store.backend is postgres"}
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return &pkgerrors.ConfigError{Key: "store.sqlite_path", Reason: "required when store.backend is sqlite"}
		}
	default:
		return &pkgerrors.ConfigError{Key: "store.backend", Reason: fmt.Sprintf("unknown backend %q, want postgres or sqlite", c.Store.Backend)}
	}
	if c.Bus.URL == "" {
		return &pkgerrors.ConfigError{Key: "bus.url", Reason: "required"}
	}
	if c.Scheduler.TickInterval <= 0 {
		return &pkgerrors.ConfigError{Key: "scheduler.tick_interval", Reason: "must be positive"}
	}
	if c.Scheduler.LeaseTTL <= c.Scheduler.TickInterval {
		return &pkgerrors.ConfigError{Key: "scheduler.lease_ttl", Reason: "must exceed tick_interval so a renewal always lands before expiry"}
	}
	if c.HTTP.JWTSecret == "" {
		return &pkgerrors.ConfigError{Key: "http.jwt_secret", Reason: "required to sign/verify admin bearer tokens"}
	}
	seen := make(map[string]bool, len(c.DataSources))
	for _, ds := range c.DataSources {
		if ds.Label == "" {
			return &pkgerrors.ConfigError{Key: "data_sources[].label", Reason: "required"}
		}
		if seen[ds.Label] {
			return &pkgerrors.ConfigError{Key: "data_sources[].label", Reason: fmt.Sprintf("duplicate connection label %q", ds.Label)}
		}
		seen[ds.Label] = true
		if ds.Type != "warehouse" && ds.Type != "odata" {
			return &pkgerrors.ConfigError{Key: "data_sources[].type", Reason: fmt.Sprintf("connection %q: unknown type %q, want warehouse or odata", ds.Label, ds.Type)}
		}
	}
	return nil
}

// ConnectionByLabel looks up a configured data-source connection.
func (c *Config) ConnectionByLabel(label string) (DataSourceConnection, bool) {
	for _, ds := range c.DataSources {
		if ds.Label == label {
			return ds, true
		}
	}
	return DataSourceConnection{}, false
}
