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

package bus

import (
	"context"
	"math"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/gravitational/trace"
	"github.com/nutjunkie/qcloud/lib/defaults"
	"github.com/nutjunkie/qcloud/lib/jobs"
	"github.com/nutjunkie/qcloud/lib/log"
)

const (
	baseReconnectDelay = time.Second
	maxReconnectDelay  = 30 * time.Second
)

// AMQPConfig configures the AMQP-backed Bus.
type AMQPConfig struct {
	// URL is an amqp:// connection string.
	URL string
	// Queue names the durable queue this consumer's deliveries bind to. Two
	// processes sharing a queue name load-balance deliveries between them;
	// LocalQueueMonitor uses one queue per deployment so exactly one
	// instance handles each event.
	Queue  string
	Logger log.Logger
}

func (c AMQPConfig) CheckAndSetDefaults() error {
	if c.URL == "" {
		return trace.BadParameter("missing amqp url")
	}
	if c.Queue == "" {
		return trace.BadParameter("missing queue name")
	}
	return nil
}

// amqpBus is a Bus backed by a direct exchange, matching the routing
// semantics of the Kombu/AMQP direct exchange job events were published
// on.
type amqpBus struct {
	cfg AMQPConfig

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQP dials url and declares the aimm.jobqueue direct exchange.
func NewAMQP(cfg AMQPConfig) (Bus, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	b := &amqpBus{cfg: cfg}
	if err := b.connect(); err != nil {
		return nil, trace.Wrap(err)
	}
	return b, nil
}

func (b *amqpBus) connect() error {
	conn, err := amqp.Dial(b.cfg.URL)
	if err != nil {
		return trace.Wrap(err, "dialing %v", b.cfg.URL)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return trace.Wrap(err, "opening channel")
	}
	if err := ch.ExchangeDeclare(defaults.JobQueueExchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return trace.Wrap(err, "declaring exchange")
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return trace.Wrap(err, "setting qos")
	}

	b.mu.Lock()
	b.conn, b.ch = conn, ch
	b.mu.Unlock()
	return nil
}

func (b *amqpBus) channel() *amqp.Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

func (b *amqpBus) Publish(ctx context.Context, event jobs.Event) error {
	kind := event.Kind
	body, err := encode(event, kind)
	if err != nil {
		return trace.Wrap(err)
	}
	ch := b.channel()
	if ch == nil {
		return trace.ConnectionProblem(nil, "bus not connected")
	}
	err = ch.PublishWithContext(ctx, defaults.JobQueueExchange, string(kind), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	return trace.Wrap(err, "publishing %v", kind)
}

func (b *amqpBus) Consume(ctx context.Context, keys []jobs.EventKind, out chan<- Delivery) error {
	for {
		err := b.consumeOnce(ctx, keys, out)
		if err == nil {
			return nil // ctx cancelled, clean shutdown
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		b.cfg.Logger.WithError(err).Warn("bus consumer lost connection, reconnecting")
		for attempt := 0; ; attempt++ {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff(attempt)):
			}
			if err := b.connect(); err != nil {
				b.cfg.Logger.WithError(err).Warn("bus reconnect attempt failed")
				continue
			}
			break
		}
	}
}

func backoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}

func (b *amqpBus) consumeOnce(ctx context.Context, keys []jobs.EventKind, out chan<- Delivery) error {
	ch := b.channel()
	if ch == nil {
		return trace.ConnectionProblem(nil, "bus not connected")
	}

	queue, err := ch.QueueDeclare(b.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return trace.Wrap(err, "declaring queue %v", b.cfg.Queue)
	}
	for _, key := range keys {
		if err := ch.QueueBind(queue.Name, string(key), defaults.JobQueueExchange, false, nil); err != nil {
			return trace.Wrap(err, "binding %v to %v", queue.Name, key)
		}
	}

	deliveries, err := ch.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return trace.Wrap(err, "consuming %v", queue.Name)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return trace.ConnectionProblem(nil, "delivery channel closed")
			}
			event, err := decode(d.Body, d.RoutingKey)
			if err != nil {
				b.cfg.Logger.WithError(err).Warn("discarding malformed event")
				d.Nack(false, false)
				continue
			}
			tag := d.DeliveryTag
			delivery := Delivery{
				Event: event,
				Ack:   func() error { return ch.Ack(tag, false) },
				Nack:  func(requeue bool) error { return ch.Nack(tag, false, requeue) },
			}
			select {
			case out <- delivery:
			case <-ctx.Done():
				d.Nack(false, true)
				return nil
			}
		}
	}
}

func (b *amqpBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	if b.ch != nil {
		if err := b.ch.Close(); err != nil {
			firstErr = err
		}
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return trace.Wrap(firstErr)
}
