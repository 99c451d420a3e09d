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
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// Outcome tells the consumer what to do with a delivery after its
// handler ran.
type Outcome int

const (
	// Ack removes the message from the queue.
	Ack Outcome = iota
	// Requeue schedules another attempt through the parking queue,
	// dead-lettering once attempts are exhausted.
	Requeue
	// Dead rejects the message to the dead-letter exchange.
	Dead
)

// HandlerFunc processes one decoded message. The returned error is
// logged; the Outcome alone decides the message's fate.
type HandlerFunc func(ctx context.Context, m Message) (Outcome, error)

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 30 * time.Second
)

// Consumer drains queues one message at a time per Consume call.
// Failed messages are retried with doubling delays and dead-lettered
// when attempts run out or the handler says Dead.
type Consumer struct {
	conn *Conn
	pub  *Publisher
	log  *logrus.Entry

	// MaxAttempts is the total number of tries per message before it
	// is dead-lettered. Zero means 3.
	MaxAttempts int
	// RetryDelay is the first retry's parking time; it doubles per
	// attempt. Zero means 30s.
	RetryDelay time.Duration

	handled      atomic.Int64
	requeued     atomic.Int64
	deadLettered atomic.Int64
}

// NewConsumer returns a Consumer that republishes retries via pub.
func NewConsumer(conn *Conn, pub *Publisher) *Consumer {
	return &Consumer{
		conn: conn,
		pub:  pub,
		log:  logrus.WithField("component", "bus.consumer"),
	}
}

// Stats is a point-in-time snapshot of consumer counters.
type Stats struct {
	Handled      int64
	Requeued     int64
	DeadLettered int64
}

// Stats reports how many deliveries this consumer acked, parked for
// retry, and dead-lettered.
func (c *Consumer) Stats() Stats {
	return Stats{
		Handled:      c.handled.Load(),
		Requeued:     c.requeued.Load(),
		DeadLettered: c.deadLettered.Load(),
	}
}

// Consume opens its own channel with prefetch 1 and processes queue
// until ctx is canceled. It returns nil on cancellation and
// ErrBrokerUnavailable if the broker goes away mid-stream. Run one
// goroutine per call to consume several queues.
func (c *Consumer) Consume(ctx context.Context, queue string, h HandlerFunc) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("bus: qos on %q: %w", queue, err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("bus: consume %q: %w", queue, err)
	}
	log := c.log.WithField("queue", queue)
	log.Info("consuming")
	for {
		select {
		case <-ctx.Done():
			// Closing the channel requeues anything unacked.
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("bus: consume %q: delivery stream closed: %w", queue, ErrBrokerUnavailable)
			}
			c.handle(ctx, log, &d, h)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, log *logrus.Entry, d *amqp.Delivery, h HandlerFunc) {
	m, err := Unmarshal(d.Body)
	if err != nil {
		// Undecodable payloads can never succeed; don't cycle them.
		log.WithError(err).WithField("type", d.Type).Warn("dead-lettering undecodable message")
		c.deadLettered.Add(1)
		if err := d.Reject(false); err != nil {
			log.WithError(err).Error("reject failed")
		}
		return
	}
	log = log.WithFields(logrus.Fields{
		"messageId":   m.envelope().ID,
		"messageType": m.MessageType(),
	})

	out, herr := h(ctx, m)
	switch out {
	case Ack:
		if herr != nil {
			log.WithError(herr).Warn("handler reported error but acked")
		}
		c.handled.Add(1)
		if err := d.Ack(false); err != nil {
			log.WithError(err).Error("ack failed")
		}
	case Requeue:
		c.retry(ctx, log, d, herr)
	case Dead:
		if herr != nil {
			log.WithError(herr).Warn("dead-lettering")
		}
		c.deadLettered.Add(1)
		if err := d.Reject(false); err != nil {
			log.WithError(err).Error("reject failed")
		}
	default:
		log.WithField("outcome", int(out)).Error("unknown outcome, requeueing")
		c.retry(ctx, log, d, herr)
	}
}

// retry parks the delivery for a doubling delay and acks the
// original, or dead-letters it when attempts are exhausted.
func (c *Consumer) retry(ctx context.Context, log *logrus.Entry, d *amqp.Delivery, herr error) {
	max := c.MaxAttempts
	if max <= 0 {
		max = defaultMaxAttempts
	}
	attempts := attemptsFrom(d.Headers) + 1
	if attempts >= max {
		log.WithError(herr).WithField("attempts", attempts).Warn("attempts exhausted, dead-lettering")
		c.deadLettered.Add(1)
		if err := d.Reject(false); err != nil {
			log.WithError(err).Error("reject failed")
		}
		return
	}
	delay := c.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	delay <<= uint(attempts - 1)
	if err := c.pub.republishLater(ctx, d, attempts, delay); err != nil {
		// Couldn't park it; put it straight back on the queue.
		log.WithError(err).Error("republish failed, requeueing in place")
		if err := d.Nack(false, true); err != nil {
			log.WithError(err).Error("nack failed")
		}
		return
	}
	c.requeued.Add(1)
	log.WithError(herr).WithFields(logrus.Fields{
		"attempts": attempts,
		"delay":    delay,
	}).Info("parked for retry")
	if err := d.Ack(false); err != nil {
		log.WithError(err).Error("ack after republish failed")
	}
}

// attemptsFrom reads the attempt counter; AMQP tables decode numbers
// into a few possible widths.
func attemptsFrom(headers amqp.Table) int {
	v, ok := headers[headerAttempts]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
