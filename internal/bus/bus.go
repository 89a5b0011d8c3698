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
	"time"
)

// Msg is one delivered message: the subject it arrived on and its raw body.
type Msg struct {
	Subject string
	Data    []byte
}

// Decode unmarshals the message body into v.
func (m Msg) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

// Handler processes one delivered message. Returning an error causes
// redelivery up to the subscription's configured delivery limit; the bus
// treats exhausted redeliveries as dead-lettered (logged, not requeued).
type Handler func(ctx context.Context, msg Msg) error

// Subscription is a live subscription that can be torn down independently
// of the bus it came from.
type Subscription interface {
	Unsubscribe() error
}

// Bus is an at-least-once topic/queue with subject-based filtering,
// scheduled-delivery support, and dead-lettering.
type Bus interface {
	// Publish delivers payload on subject as soon as possible.
	Publish(ctx context.Context, subject string, payload any) error

	// PublishAt delivers payload on subject no earlier than at. Used for
	// retry-check scheduling and poll republishing with a future time.
	PublishAt(ctx context.Context, subject string, payload any, at time.Time) error

	// Subscribe registers handler as a durable consumer of subject.
	// queue, when non-empty, makes this a queue-group subscription so
	// multiple process instances load-balance deliveries instead of each
	// receiving every message.
	Subscribe(ctx context.Context, subject, queue string, handler Handler) (Subscription, error)

	// Close releases the underlying connection.
	Close() error
}
