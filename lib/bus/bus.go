/*
Copyright 2020 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package bus implements the MessageBus abstraction: a
// routing-key addressed, at-least-once publish/subscribe channel connecting
// JobManager to LocalQueueMonitor, realizing a Kombu/AMQP-style direct
// exchange.
package bus

import (
	"context"
	"encoding/json"

	"github.com/gravitational/trace"
	"github.com/nutjunkie/qcloud/lib/jobs"
)

// Delivery wraps one received Event together with the acknowledgement calls
// a handler uses to settle it. Exactly one of Ack/Nack must be called per
// delivery; the bus does not auto-acknowledge.
type Delivery struct {
	Event jobs.Event
	Ack   func() error
	Nack  func(requeue bool) error
}

// Bus is the MessageBus contract. Publish is fire-and-forget from the
// caller's perspective; Consume delivers every message routed to any of the
// given keys until ctx is cancelled.
type Bus interface {
	// Publish sends event under routing key event.Kind.
	Publish(ctx context.Context, event jobs.Event) error
	// Consume delivers messages for the given routing keys to out until ctx
	// is cancelled or the bus is closed. It manages its own reconnection;
	// callers only see delivery interruptions as a gap in out, never an
	// error return, short of ctx cancellation.
	Consume(ctx context.Context, keys []jobs.EventKind, out chan<- Delivery) error
	// Close releases the underlying connection.
	Close() error
}

func encode(event jobs.Event, kind jobs.EventKind) ([]byte, error) {
	event.Kind = kind
	body, err := json.Marshal(event)
	if err != nil {
		return nil, trace.Wrap(err, "encoding event %v", kind)
	}
	return body, nil
}

func decode(body []byte, routingKey string) (jobs.Event, error) {
	var event jobs.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return event, trace.Wrap(err, "decoding event body")
	}
	event.Kind = jobs.EventKind(routingKey)
	return event, nil
}
