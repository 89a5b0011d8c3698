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

package config

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-reads the config file on every write and copies only the
// reloadable fields (log level, scheduler tick interval, lease TTL) into
// the Config it wraps, in place. The logger built by log.New and the
// scheduler built by scheduler.New read these values once at startup, so
// a changed value does not reach them until the daemon restarts. Store/bus
// connections and HTTP auth secrets are not copied at all.
type Watcher struct {
	path   string
	logger *slog.Logger

	mu  sync.Mutex
	cur *Config
}

// NewWatcher wraps an already-loaded Config for hot-reload.
func NewWatcher(path string, initial *Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, logger: logger, cur: initial}
}

// Current returns the most recently applied configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur
}

// Run blocks watching path for writes until ctx is cancelled, applying
// reloadable fields from each successfully-reparsed version.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.path); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping current settings", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cur.Log.Level != next.Log.Level {
		w.logger.Info("config hot-reload: log level changed", "from", w.cur.Log.Level, "to", next.Log.Level)
	}
	if w.cur.Scheduler.TickInterval != next.Scheduler.TickInterval {
		w.logger.Info("config hot-reload: scheduler tick interval changed", "from", w.cur.Scheduler.TickInterval, "to", next.Scheduler.TickInterval)
	}
	if w.cur.Scheduler.LeaseTTL != next.Scheduler.LeaseTTL {
		w.logger.Info("config hot-reload: scheduler lease TTL changed", "from", w.cur.Scheduler.LeaseTTL, "to", next.Scheduler.LeaseTTL)
	}

	w.cur.Log.Level = next.Log.Level
	w.cur.Scheduler.TickInterval = next.Scheduler.TickInterval
	w.cur.Scheduler.LeaseTTL = next.Scheduler.LeaseTTL
}
