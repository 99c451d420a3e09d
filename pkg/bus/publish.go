/*
Copyright 2025 The Imageshelf Authors

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
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
	"golang.org/x/sync/errgroup"
)

const (
	// maxPriority is the x-max-priority declared on work queues.
	maxPriority = 10

	// headerAttempts counts delivery attempts across the delayed
	// retry loop; x-death does not survive a republish.
	headerAttempts = "x-attempts"
)

// Publisher publishes messages in confirm mode over a small pool of
// channels. Safe for concurrent use.
type Publisher struct {
	conn *Conn
	log  *logrus.Entry

	poolSize int
	sem      chan struct{}
	pool     chan *pubChannel
}

type pubChannel struct {
	ch       *amqp.Channel
	confirms <-chan amqp.Confirmation
	broken   bool
}

// NewPublisher returns a Publisher with up to poolSize confirm-mode
// channels; poolSize <= 0 means 4.
func NewPublisher(conn *Conn, poolSize int) *Publisher {
	if poolSize <= 0 {
		poolSize = 4
	}
	return &Publisher{
		conn:     conn,
		log:      logrus.WithField("component", "bus.publisher"),
		poolSize: poolSize,
		sem:      make(chan struct{}, poolSize),
		pool:     make(chan *pubChannel, poolSize),
	}
}

func (p *Publisher) acquire(ctx context.Context) (*pubChannel, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case pc := <-p.pool:
		return pc, nil
	default:
	}
	ch, err := p.conn.Channel()
	if err != nil {
		<-p.sem
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		<-p.sem
		return nil, fmt.Errorf("bus: confirm mode: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return &pubChannel{ch: ch, confirms: confirms}, nil
}

func (p *Publisher) release(pc *pubChannel) {
	defer func() { <-p.sem }()
	if pc.broken {
		pc.ch.Close()
		return
	}
	select {
	case p.pool <- pc:
	default:
		pc.ch.Close()
	}
}

// PublishOption adjusts a single publish.
type PublishOption func(*publishOpts)

type publishOpts struct {
	priority uint8
	delay    time.Duration
	corrID   string
}

// WithPriority publishes at the given priority (0..10).
func WithPriority(prio uint8) PublishOption {
	return func(o *publishOpts) {
		if prio > maxPriority {
			prio = maxPriority
		}
		o.priority = prio
	}
}

// WithDelay holds the message in the parking queue for d before it is
// routed normally.
func WithDelay(d time.Duration) PublishOption {
	return func(o *publishOpts) { o.delay = d }
}

// WithCorrelation stamps the envelope's correlationId.
func WithCorrelation(id string) PublishOption {
	return func(o *publishOpts) { o.corrID = id }
}

// Publish sends m under its routing key and waits for the broker's
// confirm.
func (p *Publisher) Publish(ctx context.Context, m Message, opts ...PublishOption) error {
	var o publishOpts
	for _, opt := range opts {
		opt(&o)
	}
	if o.corrID != "" {
		m.envelope().CorrelationID = o.corrID
	}
	body, err := Marshal(m)
	if err != nil {
		return err
	}
	env := m.envelope()
	pub := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.ID,
		Type:          env.MessageType,
		Timestamp:     env.Timestamp,
		CorrelationId: env.CorrelationID,
		Priority:      o.priority,
		Body:          body,
	}
	exchange := ExchangeMain
	if o.delay > 0 {
		exchange = ExchangeWait
		pub.Expiration = msString(o.delay)
	}
	return p.publishRaw(ctx, exchange, RoutingKey(m), pub)
}

// PublishBatch publishes every message, fanning out over the channel
// pool, and returns after all confirms (or the first failure).
func (p *Publisher) PublishBatch(ctx context.Context, msgs []Message, opts ...PublishOption) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.poolSize)
	for _, m := range msgs {
		m := m
		g.Go(func() error { return p.Publish(ctx, m, opts...) })
	}
	return g.Wait()
}

// PublishDelayed is Publish with a delivery delay.
func (p *Publisher) PublishDelayed(ctx context.Context, m Message, delay time.Duration) error {
	return p.Publish(ctx, m, WithDelay(delay))
}

// PublishFailure sends a permanent-failure event straight to the
// dead-letter exchange, where it lands in the dlq beside the
// messages that died outright.
func (p *Publisher) PublishFailure(ctx context.Context, f *Failure) error {
	body, err := Marshal(f)
	if err != nil {
		return err
	}
	env := f.envelope()
	return p.publishRaw(ctx, ExchangeDLX, TypeFailure, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.ID,
		Type:          env.MessageType,
		Timestamp:     env.Timestamp,
		CorrelationId: env.CorrelationID,
		Body:          body,
	})
}

// republishLater re-sends a consumed delivery through the parking
// queue with its attempt header bumped, preserving body and identity.
func (p *Publisher) republishLater(ctx context.Context, d *amqp.Delivery, attempts int, delay time.Duration) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[headerAttempts] = int32(attempts)
	return p.publishRaw(ctx, ExchangeWait, d.RoutingKey, amqp.Publishing{
		ContentType:   d.ContentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     d.MessageId,
		Type:          d.Type,
		Timestamp:     d.Timestamp,
		CorrelationId: d.CorrelationId,
		Priority:      d.Priority,
		Expiration:    msString(delay),
		Headers:       headers,
		Body:          d.Body,
	})
}

func (p *Publisher) publishRaw(ctx context.Context, exchange, key string, pub amqp.Publishing) error {
	pc, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer p.release(pc)

	if err := pc.ch.Publish(exchange, key, false, false, pub); err != nil {
		pc.broken = true
		return fmt.Errorf("bus: publish %s %q: %w", exchange, key, err)
	}
	select {
	case conf, ok := <-pc.confirms:
		if !ok {
			pc.broken = true
			return fmt.Errorf("bus: publish %s %q: channel closed before confirm", exchange, key)
		}
		if !conf.Ack {
			return fmt.Errorf("bus: publish %s %q: broker nacked", exchange, key)
		}
		return nil
	case <-ctx.Done():
		// The confirm may still arrive; this channel can no longer
		// be trusted for ordered confirms.
		pc.broken = true
		return ctx.Err()
	}
}

func msString(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Millisecond), 10)
}
