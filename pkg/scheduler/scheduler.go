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

// Package scheduler runs cron-driven jobs with persisted definitions
// and run history.
//
// Job rows live in the store; the Engine mirrors the enabled ones
// into a cron runner and records every execution as a JobRun. Other
// processes create and toggle jobs by writing the store; the Engine
// notices on its periodic Reload. Handlers are registered per job
// type, and a job whose type has no handler fails its runs instead
// of taking the scheduler down.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/imageshelf/imageshelf/pkg/collection"
	"github.com/imageshelf/imageshelf/pkg/store"
)

// Handler executes one job. The returned stats are recorded on the
// run (counts of things scanned, removed, published and so on).
type Handler func(ctx context.Context, job *collection.ScheduledJob) (map[string]int64, error)

// DefaultReloadEvery is how often a started Engine re-reads job rows
// to pick up edits made by other processes.
const DefaultReloadEvery = time.Minute

// Engine schedules persisted jobs. Zero value is not usable; see New.
type Engine struct {
	store store.JobStore
	log   *logrus.Entry

	// ReloadEvery overrides DefaultReloadEvery when set before
	// Start; negative disables periodic reloads.
	ReloadEvery time.Duration

	cron  *cron.Cron
	runWG sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}

	mu       sync.Mutex
	handlers map[string]Handler
	entries  map[primitive.ObjectID]entry
	running  bool
}

type entry struct {
	id   cron.EntryID
	expr string
}

// New returns an Engine persisting to st. Register handlers, then
// Start.
func New(st store.JobStore) *Engine {
	return &Engine{
		store:    st,
		log:      logrus.WithField("component", "scheduler"),
		cron:     cron.New(),
		handlers: map[string]Handler{},
		entries:  map[primitive.ObjectID]entry{},
		stopCh:   make(chan struct{}),
	}
}

// RegisterHandler binds jobs of the given type to h.
func (e *Engine) RegisterHandler(jobType string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[jobType] = h
}

// Start loads every enabled job, begins ticking, and reloads
// periodically. A job that fails to schedule (bad cron expression)
// is logged and skipped.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()

	if err := e.Reload(e.ctx); err != nil {
		return err
	}
	e.cron.Start()

	every := e.ReloadEvery
	if every == 0 {
		every = DefaultReloadEvery
	}
	if every > 0 {
		go e.reloadLoop(every)
	}
	e.log.Info("scheduler started")
	return nil
}

func (e *Engine) reloadLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-t.C:
			if err := e.Reload(e.ctx); err != nil {
				e.log.WithError(err).Warn("job reload failed")
			}
		}
	}
}

// Stop ceases scheduling and waits for in-flight runs.
func (e *Engine) Stop() {
	close(e.stopCh)
	if e.cancel != nil {
		e.cancel()
	}
	<-e.cron.Stop().Done()
	e.runWG.Wait()
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	e.log.Info("scheduler stopped")
}

// Reload diffs the store's enabled jobs against the scheduled
// entries: new jobs are scheduled, vanished or disabled ones are
// unscheduled, and a changed cron expression reschedules.
func (e *Engine) Reload(ctx context.Context) error {
	jobs, err := e.store.ListJobs(ctx, true)
	if err != nil {
		return fmt.Errorf("scheduler: list jobs: %w", err)
	}

	want := make(map[primitive.ObjectID]*collection.ScheduledJob, len(jobs))
	for _, j := range jobs {
		want[j.ID] = j
	}

	e.mu.Lock()
	for id, ent := range e.entries {
		j, keep := want[id]
		if keep && j.CronExpression == ent.expr {
			delete(want, id)
			continue
		}
		e.cron.Remove(ent.id)
		delete(e.entries, id)
	}
	e.mu.Unlock()

	for _, j := range want {
		if err := e.schedule(ctx, j); err != nil {
			e.log.WithError(err).WithField("job", j.Name).Error("cannot schedule job")
		}
	}
	return nil
}

// schedule adds one job to the runner and stamps its nextRunAt.
func (e *Engine) schedule(ctx context.Context, j *collection.ScheduledJob) error {
	sched, err := cron.ParseStandard(j.CronExpression)
	if err != nil {
		return fmt.Errorf("scheduler: job %s cron %q: %w", j.Name, j.CronExpression, err)
	}
	jobID := j.ID
	entryID := e.cron.Schedule(sched, cron.FuncJob(func() {
		e.runByID(jobID)
	}))
	e.mu.Lock()
	e.entries[jobID] = entry{id: entryID, expr: j.CronExpression}
	e.mu.Unlock()

	next := sched.Next(time.Now())
	if _, err := e.store.UpdateJob(ctx, jobID, func(j *collection.ScheduledJob) error {
		j.NextRunAt = &next
		return nil
	}); err != nil {
		e.log.WithError(err).WithField("job", j.Name).Warn("cannot stamp nextRunAt")
	}
	return nil
}

func (e *Engine) unschedule(id primitive.ObjectID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.entries[id]; ok {
		e.cron.Remove(ent.id)
		delete(e.entries, id)
	}
}

// runByID is the cron entry point: it re-reads the job so edits made
// since scheduling (disable, parameter changes) take effect.
func (e *Engine) runByID(id primitive.ObjectID) {
	ctx := e.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	j, err := e.store.GetJob(ctx, id)
	if err != nil {
		e.log.WithError(err).WithField("jobId", id.Hex()).Error("scheduled job vanished")
		e.unschedule(id)
		return
	}
	if !j.Enabled {
		return
	}
	e.Run(ctx, j)
}

// Run executes j's handler now, recording a JobRun around it. The
// returned run carries the final status; the error reports only
// store failures, not the handler's.
func (e *Engine) Run(ctx context.Context, j *collection.ScheduledJob) (*collection.JobRun, error) {
	e.runWG.Add(1)
	defer e.runWG.Done()

	e.mu.Lock()
	h := e.handlers[j.JobType]
	e.mu.Unlock()

	run, err := e.store.StartRun(ctx, j.ID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: start run of %s: %w", j.Name, err)
	}
	log := e.log.WithFields(logrus.Fields{
		"job":     j.Name,
		"jobType": j.JobType,
		"runId":   run.ID.Hex(),
	})
	log.Info("job started")

	var (
		stats map[string]int64
		herr  error
	)
	if h == nil {
		herr = fmt.Errorf("scheduler: no handler for job type %q", j.JobType)
	} else {
		func() {
			defer func() {
				if p := recover(); p != nil {
					herr = fmt.Errorf("scheduler: job panicked: %v", p)
				}
			}()
			stats, herr = h(ctx, j)
		}()
	}

	status := collection.RunSucceeded
	msg := ""
	if herr != nil {
		status = collection.RunFailed
		msg = herr.Error()
	}
	if err := e.store.FinishRun(ctx, run.ID, status, msg, stats); err != nil {
		log.WithError(err).Error("cannot record run result")
	}
	e.stampNextRun(ctx, j)

	finished := time.Now()
	run.Status = status
	run.Error = msg
	run.Stats = stats
	run.FinishedAt = &finished
	run.Duration = finished.Sub(run.StartedAt)
	if herr != nil {
		log.WithError(herr).WithField("duration", run.Duration).Warn("job failed")
	} else {
		log.WithFields(logrus.Fields{"duration": run.Duration, "stats": stats}).Info("job finished")
	}
	return run, nil
}

// Trigger runs a job immediately through the same recorded path as a
// cron tick.
func (e *Engine) Trigger(ctx context.Context, jobID primitive.ObjectID) (*collection.JobRun, error) {
	j, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, j)
}

func (e *Engine) stampNextRun(ctx context.Context, j *collection.ScheduledJob) {
	sched, err := cron.ParseStandard(j.CronExpression)
	if err != nil {
		return
	}
	next := sched.Next(time.Now())
	if _, err := e.store.UpdateJob(ctx, j.ID, func(j *collection.ScheduledJob) error {
		j.NextRunAt = &next
		return nil
	}); err != nil {
		e.log.WithError(err).WithField("job", j.Name).Warn("cannot stamp nextRunAt")
	}
}

// CreateJob validates and persists a job, scheduling it right away
// when the engine is running and the job enabled.
func (e *Engine) CreateJob(ctx context.Context, j *collection.ScheduledJob) error {
	if err := j.Validate(); err != nil {
		return err
	}
	sched, err := cron.ParseStandard(j.CronExpression)
	if err != nil {
		return fmt.Errorf("scheduler: cron %q: %w", j.CronExpression, err)
	}
	next := sched.Next(time.Now())
	j.NextRunAt = &next
	if err := e.store.CreateJob(ctx, j); err != nil {
		return err
	}
	if j.Enabled && e.isRunning() {
		if err := e.schedule(ctx, j); err != nil {
			return err
		}
	}
	return nil
}

// UpdateJob mutates a job and reschedules it to match.
func (e *Engine) UpdateJob(ctx context.Context, id primitive.ObjectID, mutate func(*collection.ScheduledJob) error) (*collection.ScheduledJob, error) {
	j, err := e.store.UpdateJob(ctx, id, func(j *collection.ScheduledJob) error {
		if err := mutate(j); err != nil {
			return err
		}
		if err := j.Validate(); err != nil {
			return err
		}
		if _, err := cron.ParseStandard(j.CronExpression); err != nil {
			return fmt.Errorf("scheduler: cron %q: %w", j.CronExpression, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.unschedule(id)
	if j.Enabled && e.isRunning() {
		if err := e.schedule(ctx, j); err != nil {
			return j, err
		}
	}
	return j, nil
}

// DeleteJob removes the job and its schedule; run history stays.
func (e *Engine) DeleteJob(ctx context.Context, id primitive.ObjectID) error {
	if err := e.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	e.unschedule(id)
	return nil
}

// Enable resumes a paused job.
func (e *Engine) Enable(ctx context.Context, id primitive.ObjectID) error {
	_, err := e.UpdateJob(ctx, id, func(j *collection.ScheduledJob) error {
		j.Enabled = true
		return nil
	})
	return err
}

// Disable pauses a job without losing its history.
func (e *Engine) Disable(ctx context.Context, id primitive.ObjectID) error {
	_, err := e.UpdateJob(ctx, id, func(j *collection.ScheduledJob) error {
		j.Enabled = false
		return nil
	})
	return err
}

func (e *Engine) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}
