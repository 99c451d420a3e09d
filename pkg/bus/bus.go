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

// Package bus is the AMQP messaging layer: topology, the JSON message
// envelope, publishing (single, batch, delayed, priority) and the
// consumer loop with bounded retries.
//
// Topology is one topic exchange with a queue per work type, a
// dead-letter exchange feeding the dlq, and a parking exchange whose
// queue dead-letters back into the main exchange; delayed delivery is
// a publish to the parking exchange with a per-message TTL, and
// bounded retry is the same mechanism with an attempt-counting
// header.
//
// Topology is declared once by Setup (the shelf-setup binary);
// publishers and consumers never re-declare queues.
package bus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// Exchange and special-queue names.
const (
	ExchangeMain = "imageshelf.topic"
	ExchangeDLX  = "imageshelf.dlx"
	ExchangeWait = "imageshelf.wait"

	QueueWait = "imageshelf.wait"
	QueueDLQ  = "dlq"
)

// Work queues and their binding keys on ExchangeMain.
const (
	QueueCollectionScan      = "collection_scan"
	QueueImageProcessing     = "image_processing"
	QueueThumbnailGeneration = "thumbnail_generation"
	QueueCacheGeneration     = "cache_generation"
	QueueCollectionCreation  = "collection_creation"
	QueueBulkOperation       = "bulk_operation"
	QueueLibraryScan         = "library_scan"
)

// QueueSpec pairs a queue with its binding key.
type QueueSpec struct {
	Name string
	Key  string
}

// WorkQueues lists every work queue, in declaration order. The
// library scan queue keeps its historical binding key, which predates
// the dotted convention.
func WorkQueues() []QueueSpec {
	return []QueueSpec{
		{QueueCollectionScan, TypeScanCollection},
		{QueueImageProcessing, TypeProcessImage},
		{QueueThumbnailGeneration, TypeGenerateThumbnail},
		{QueueCacheGeneration, TypeGenerateCache},
		{QueueCollectionCreation, TypeCreateCollection},
		{QueueBulkOperation, TypeBulkOperation},
		{QueueLibraryScan, KeyLibraryScan},
	}
}

// ErrBrokerUnavailable wraps dial failures that exhausted the retry
// budget. Processes treat it as fatal startup failure.
var ErrBrokerUnavailable = errors.New("bus: broker unavailable")

// Config for connecting and for the queue arguments Setup declares.
type Config struct {
	URL string

	// MessageTTL is applied as x-message-ttl on every work queue.
	MessageTTL time.Duration
	// QueueMaxLength is applied as x-max-length on every work queue;
	// 0 means unbounded.
	QueueMaxLength int

	// DialAttempts and DialBackoff bound the startup connection
	// retry. Zero values mean 5 attempts, 2s initial backoff.
	DialAttempts int
	DialBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MessageTTL == 0 {
		c.MessageTTL = 24 * time.Hour
	}
	if c.DialAttempts == 0 {
		c.DialAttempts = 5
	}
	if c.DialBackoff == 0 {
		c.DialBackoff = 2 * time.Second
	}
	return c
}

// Conn is a shared AMQP connection. Channels are cheap; the
// connection is the expensive part and is dialed once per process.
type Conn struct {
	cfg Config
	log *logrus.Entry

	mu     sync.Mutex
	raw    *amqp.Connection
	closed bool
}

// Dial connects to cfg.URL, retrying with doubling backoff until the
// attempt budget is spent. An exhausted budget returns an error
// matching ErrBrokerUnavailable.
func Dial(cfg Config) (*Conn, error) {
	cfg = cfg.withDefaults()
	log := logrus.WithField("component", "bus")
	backoff := cfg.DialBackoff
	var lastErr error
	for attempt := 1; attempt <= cfg.DialAttempts; attempt++ {
		raw, err := amqp.Dial(cfg.URL)
		if err == nil {
			return &Conn{cfg: cfg, log: log, raw: raw}, nil
		}
		lastErr = err
		if attempt < cfg.DialAttempts {
			log.WithError(err).Warnf("broker dial %d/%d failed; retrying in %v", attempt, cfg.DialAttempts, backoff)
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("%w: %d attempts: %v", ErrBrokerUnavailable, cfg.DialAttempts, lastErr)
}

// Channel opens a new channel on the connection.
func (c *Conn) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.raw == nil {
		return nil, fmt.Errorf("bus: connection closed")
	}
	ch, err := c.raw.Channel()
	if err != nil {
		return nil, fmt.Errorf("bus: open channel: %w", err)
	}
	return ch, nil
}

// Close shuts the connection down. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.raw != nil {
		return c.raw.Close()
	}
	return nil
}

// QueueDepth returns the ready-message count of a queue, used by the
// orchestrator for cooperative backpressure.
func (c *Conn) QueueDepth(queue string) (int, error) {
	ch, err := c.Channel()
	if err != nil {
		return 0, err
	}
	defer ch.Close()
	q, err := ch.QueueInspect(queue)
	if err != nil {
		return 0, fmt.Errorf("bus: inspect %s: %w", queue, err)
	}
	return q.Messages, nil
}

// Setup declares the exchanges, queues and bindings. It is idempotent
// and the only place topology is declared.
func Setup(c *Conn) error {
	ch, err := c.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	for _, ex := range []struct{ name, kind string }{
		{ExchangeMain, "topic"},
		{ExchangeDLX, "fanout"},
		{ExchangeWait, "topic"},
	} {
		if err := ch.ExchangeDeclare(ex.name, ex.kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("bus: declare exchange %s: %w", ex.name, err)
		}
	}

	workArgs := amqp.Table{
		"x-dead-letter-exchange": ExchangeDLX,
		"x-message-ttl":          int64(c.cfg.MessageTTL / time.Millisecond),
		"x-max-priority":         int32(maxPriority),
	}
	if c.cfg.QueueMaxLength > 0 {
		workArgs["x-max-length"] = int32(c.cfg.QueueMaxLength)
	}
	for _, q := range WorkQueues() {
		if _, err := ch.QueueDeclare(q.Name, true, false, false, false, workArgs); err != nil {
			return fmt.Errorf("bus: declare queue %s: %w", q.Name, err)
		}
		if err := ch.QueueBind(q.Name, q.Key, ExchangeMain, false, nil); err != nil {
			return fmt.Errorf("bus: bind %s to %q: %w", q.Name, q.Key, err)
		}
	}

	// Dead letters from every work queue fan into the dlq.
	if _, err := ch.QueueDeclare(QueueDLQ, true, false, false, false, nil); err != nil {
		return fmt.Errorf("bus: declare %s: %w", QueueDLQ, err)
	}
	if err := ch.QueueBind(QueueDLQ, "#", ExchangeDLX, false, nil); err != nil {
		return fmt.Errorf("bus: bind %s: %w", QueueDLQ, err)
	}

	// The parking queue: expired messages dead-letter back into the
	// main exchange under their original routing key.
	waitArgs := amqp.Table{
		"x-dead-letter-exchange": ExchangeMain,
	}
	if _, err := ch.QueueDeclare(QueueWait, true, false, false, false, waitArgs); err != nil {
		return fmt.Errorf("bus: declare %s: %w", QueueWait, err)
	}
	if err := ch.QueueBind(QueueWait, "#", ExchangeWait, false, nil); err != nil {
		return fmt.Errorf("bus: bind %s: %w", QueueWait, err)
	}
	return nil
}
