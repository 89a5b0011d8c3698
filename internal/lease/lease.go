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

// Package lease provides a named, renewable, time-bounded exclusive lease
// used to single-thread scheduler ticks across instances.
package lease

import (
	"context"
	"time"
)

// Store is the backend a Manager acquires/renews/releases leases against.
// Acquire and Renew are compare-and-set: they succeed only if the lease
// is unheld or already held by holder.
type Store interface {
	// TryAcquire attempts to take name for holder until ttl elapses.
	// Returns false (no error) if another holder currently holds it.
	TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)

	// Renew extends name's expiry, but only if holder currently holds it.
	// Returns false if the lease expired or is held by someone else.
	Renew(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)

	// Release gives up name if held by holder. Releasing an already
	// expired or already-released lease is not an error.
	Release(ctx context.Context, name, holder string) error
}

// Manager acquires, renews and releases a single named lease. It runs no
// goroutine of its own: the caller renews it, and RenewInterval gives the
// half-TTL cadence the scheduler's renewal loop uses.
type Manager struct {
	store  Store
	name   string
	holder string
	ttl    time.Duration
}

// NewManager creates a lease manager for name, identifying this process
// as holder, with the given time-to-live.
func NewManager(store Store, name, holder string, ttl time.Duration) *Manager {
	return &Manager{store: store, name: name, holder: holder, ttl: ttl}
}

// Acquire attempts a bounded exclusive acquisition. Callers that fail to
// acquire should abort their work silently (lease not acquired is a
// no-op, not an error, per the scheduler tick's lease policy).
func (m *Manager) Acquire(ctx context.Context) (bool, error) {
	return m.store.TryAcquire(ctx, m.name, m.holder, m.ttl)
}

// Renew extends the lease. Call this from a background task well before
// ttl elapses (half-TTL is the convention used elsewhere in this system).
func (m *Manager) Renew(ctx context.Context) (bool, error) {
	return m.store.Renew(ctx, m.name, m.holder, m.ttl)
}

// Release gives up the lease. Already-expired releases are tolerated.
func (m *Manager) Release(ctx context.Context) error {
	return m.store.Release(ctx, m.name, m.holder)
}

// RenewInterval is half the lease TTL, the cadence a background renewal
// goroutine should run at.
func (m *Manager) RenewInterval() time.Duration {
	return m.ttl / 2
}
