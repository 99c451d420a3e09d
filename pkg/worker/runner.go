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

package worker

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/imageshelf/imageshelf/pkg/bus"
)

// AllQueues lists every queue a Worker can serve, in declaration
// order.
func AllQueues() []string {
	specs := bus.WorkQueues()
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}

// Runner drives a fleet of consumers over a subset of the work
// queues. Restarting a Runner is safe: every handler is idempotent.
type Runner struct {
	consumer *bus.Consumer
	w        *Worker
	queues   []string
	perQueue int
	log      *logrus.Entry
}

// NewRunner validates the queue subset and returns a Runner spawning
// perQueue consumers for each queue (minimum 1).
func NewRunner(consumer *bus.Consumer, w *Worker, queues []string, perQueue int) (*Runner, error) {
	if len(queues) == 0 {
		queues = AllQueues()
	}
	for _, q := range queues {
		if _, ok := w.Handler(q); !ok {
			return nil, fmt.Errorf("worker: unknown queue %q", q)
		}
	}
	if perQueue < 1 {
		perQueue = 1
	}
	return &Runner{
		consumer: consumer,
		w:        w,
		queues:   queues,
		perQueue: perQueue,
		log:      logrus.WithField("component", "worker.runner"),
	}, nil
}

// Run consumes until ctx is canceled. It returns nil on clean
// shutdown; a broker failure propagates out (and matches
// bus.ErrBrokerUnavailable).
func (r *Runner) Run(ctx context.Context) error {
	r.log.WithFields(logrus.Fields{
		"queues":    r.queues,
		"per_queue": r.perQueue,
	}).Info("worker fleet starting")
	g, ctx := errgroup.WithContext(ctx)
	for _, q := range r.queues {
		q := q
		h, _ := r.w.Handler(q)
		for i := 0; i < r.perQueue; i++ {
			g.Go(func() error {
				return r.consumer.Consume(ctx, q, h)
			})
		}
	}
	err := g.Wait()
	stats := r.consumer.Stats()
	r.log.WithFields(logrus.Fields{
		"handled":      stats.Handled,
		"requeued":     stats.Requeued,
		"dead_letters": stats.DeadLettered,
	}).Info("worker fleet stopped")
	return err
}

// Stats exposes the aggregate consumer counters.
func (r *Runner) Stats() bus.Stats { return r.consumer.Stats() }
