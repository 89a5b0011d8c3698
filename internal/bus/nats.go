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
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// defaultMaxDeliver bounds redelivery attempts before a message is treated
// as dead-lettered.
const defaultMaxDeliver = 5

// JetStreamBus is the production Bus backed by NATS JetStream.
type JetStreamBus struct {
	nc         *nats.Conn
	js         jetstream.JetStream
	streamName string
	logger     *slog.Logger

	mu      sync.Mutex
	timers  []*time.Timer
}

// Config configures a JetStreamBus connection.
type Config struct {
	URL        string
	StreamName string
	Subjects   []string
}

// DefaultSubjects is the set of subjects the runbook engine's single
// JetStream stream covers.
func DefaultSubjects() []string {
	return []string{"runbook.events.>", "runbook.jobs.>", SubjectWorkerResult}
}

// Connect dials url and ensures the engine's stream exists.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*JetStreamBus, error) {
	if cfg.StreamName == "" {
		cfg.StreamName = "RUNBOOK"
	}
	if len(cfg.Subjects) == 0 {
		cfg.Subjects = DefaultSubjects()
	}
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(cfg.URL, nats.Name("runbookd"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.StreamName,
		Subjects:  cfg.Subjects,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensuring stream %s: %w", cfg.StreamName, err)
	}

	return &JetStreamBus{nc: nc, js: js, streamName: cfg.StreamName, logger: logger}, nil
}

// Publish implements Bus.
func (b *JetStreamBus) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", subject, err)
	}
	if _, err := b.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// PublishAt implements Bus. JetStream has no native per-message delayed
// delivery, so the delay is held in-process: a timer fires the publish at
// or after at. This loses the scheduled send across a process restart
// before it fires; the scheduler's polling sweep re-derives and
// republishes lost poll checks on the next tick.
func (b *JetStreamBus) PublishAt(ctx context.Context, subject string, payload any, at time.Time) error {
	delay := time.Until(at)
	if delay <= 0 {
		return b.Publish(ctx, subject, payload)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", subject, err)
	}

	timer := time.AfterFunc(delay, func() {
		pubCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := b.js.Publish(pubCtx, subject, data); err != nil {
			b.logger.Error("delayed publish failed", "subject", subject, "error", err)
		}
	})

	b.mu.Lock()
	b.timers = append(b.timers, timer)
	b.mu.Unlock()
	return nil
}

// Subscribe implements Bus as a durable JetStream pull consumer. Multiple
// process instances calling Subscribe with the same subject and queue
// share a durable consumer and so load-balance deliveries naturally.
func (b *JetStreamBus) Subscribe(ctx context.Context, subject, queue string, handler Handler) (Subscription, error) {
	durable := durableName(subject, queue)

	cons, err := b.js.CreateOrUpdateConsumer(ctx, b.streamName, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    defaultMaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("creating consumer %s: %w", durable, err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		err := handler(context.Background(), Msg{Subject: msg.Subject(), Data: msg.Data()})
		if err != nil {
			b.logger.Warn("handler failed, nacking", "subject", msg.Subject(), "error", err)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return nil, fmt.Errorf("starting consume loop for %s: %w", durable, err)
	}

	return &jetstreamSubscription{cc: cc}, nil
}

// Close implements Bus.
func (b *JetStreamBus) Close() error {
	b.mu.Lock()
	for _, t := range b.timers {
		t.Stop()
	}
	b.mu.Unlock()
	b.nc.Close()
	return nil
}

type jetstreamSubscription struct {
	cc jetstream.ConsumeContext
}

func (s *jetstreamSubscription) Unsubscribe() error {
	s.cc.Stop()
	return nil
}

func durableName(subject, queue string) string {
	name := subject
	if queue != "" {
		name = subject + "-" + queue
	}
	replacer := strings.NewReplacer(".", "_", "-", "_", ">", "star", "*", "any")
	return replacer.Replace(name)
}
