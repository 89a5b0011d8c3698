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

package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Fake is an in-memory Bus for unit tests. Publish calls subscribed
// handlers synchronously and in-process, in subscription order, so tests
// can assert on side effects without a real broker.
type Fake struct {
	mu        sync.Mutex
	handlers  map[string][]Handler
	Sent      []FakeSent
	Scheduled []FakeScheduled
}

// FakeSent records one immediate publish for test assertions.
type FakeSent struct {
	Subject string
	Data    []byte
}

// FakeScheduled records one deferred publish for test assertions.
type FakeScheduled struct {
	Subject string
	Data    []byte
	At      time.Time
}

// NewFake creates an empty fake bus.
func NewFake() *Fake {
	return &Fake{handlers: make(map[string][]Handler)}
}

// Publish implements Bus, invoking every handler subscribed to subject.
func (f *Fake) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.Sent = append(f.Sent, FakeSent{Subject: subject, Data: data})
	handlers := append([]Handler(nil), f.handlers[subject]...)
	f.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, Msg{Subject: subject, Data: data}); err != nil {
			return err
		}
	}
	return nil
}

// PublishAt records the scheduled send but does not deliver it; tests that
// care about scheduled delivery assert against Scheduled and call
// FireScheduled once their simulated clock reaches at.
func (f *Fake) PublishAt(ctx context.Context, subject string, payload any, at time.Time) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.Scheduled = append(f.Scheduled, FakeScheduled{Subject: subject, Data: data, At: at})
	f.mu.Unlock()
	return nil
}

// Subscribe implements Bus. queue is accepted for interface compatibility
// but the fake delivers to every subscriber (no load-balancing).
func (f *Fake) Subscribe(ctx context.Context, subject, queue string, handler Handler) (Subscription, error) {
	f.mu.Lock()
	f.handlers[subject] = append(f.handlers[subject], handler)
	idx := len(f.handlers[subject]) - 1
	f.mu.Unlock()
	return &fakeSubscription{bus: f, subject: subject, index: idx}, nil
}

// Close implements Bus; a no-op for the fake.
func (f *Fake) Close() error { return nil }

// FireScheduled delivers every scheduled publish with At <= now and clears
// them, letting tests simulate the passage of time deterministically.
func (f *Fake) FireScheduled(ctx context.Context, now time.Time) error {
	f.mu.Lock()
	var due []FakeScheduled
	var remaining []FakeScheduled
	for _, s := range f.Scheduled {
		if !s.At.After(now) {
			due = append(due, s)
		} else {
			remaining = append(remaining, s)
		}
	}
	f.Scheduled = remaining
	f.mu.Unlock()

	for _, s := range due {
		if err := f.Publish(ctx, s.Subject, json.RawMessage(s.Data)); err != nil {
			return err
		}
	}
	return nil
}

type fakeSubscription struct {
	bus     *Fake
	subject string
	index   int
}

func (s *fakeSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.index < len(s.bus.handlers[s.subject]) {
		s.bus.handlers[s.subject][s.index] = func(context.Context, Msg) error { return nil }
	}
	return nil
}
