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

// Package library manages libraries and the auto-scan jobs paired
// with them.
//
// A library with settings.autoScan enabled owns exactly one
// library-scan job. The service materializes that job on create,
// flips its enabled flag when the setting is toggled, and deletes it
// with the library. It never creates a second job for the same
// library; the pairing is looked up by job type and library id.
package library

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/imageshelf/imageshelf/pkg/collection"
	"github.com/imageshelf/imageshelf/pkg/store"
)

// defaultAutoScanCron schedules paired jobs when neither the library
// nor the service config names a cron expression.
const defaultAutoScanCron = "0 2 * * *"

// JobControl applies job edits. store.JobStore satisfies it, and so
// does the scheduler engine; wiring the engine makes edits take
// effect immediately instead of at the scheduler's next reload.
type JobControl interface {
	CreateJob(ctx context.Context, j *collection.ScheduledJob) error
	UpdateJob(ctx context.Context, id primitive.ObjectID, mutate func(*collection.ScheduledJob) error) (*collection.ScheduledJob, error)
	DeleteJob(ctx context.Context, id primitive.ObjectID) error
}

// Config assembles a Service.
type Config struct {
	Store store.Store

	// Jobs receives job edits. Nil means edit the store directly.
	Jobs JobControl

	// AutoScanCron is the schedule given to newly paired jobs when
	// the library does not carry its own. Empty means daily at 2 AM.
	AutoScanCron string
}

// Service is the library CRUD surface.
type Service struct {
	store store.Store
	jobs  JobControl
	cron  string
	log   *logrus.Entry
}

func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("library: Config.Store is required")
	}
	jobs := cfg.Jobs
	if jobs == nil {
		jobs = cfg.Store
	}
	cron := cfg.AutoScanCron
	if cron == "" {
		cron = defaultAutoScanCron
	}
	return &Service{
		store: cfg.Store,
		jobs:  jobs,
		cron:  cron,
		log:   logrus.WithField("component", "library"),
	}, nil
}

// Create registers l and, when autoScan is set, its paired job.
func (s *Service) Create(ctx context.Context, l *collection.Library) error {
	if err := l.Validate(); err != nil {
		return err
	}
	if err := s.store.CreateLibrary(ctx, l); err != nil {
		return fmt.Errorf("library: create %q: %w", l.Name, err)
	}
	s.log.WithFields(logrus.Fields{
		"library":  l.ID.Hex(),
		"name":     l.Name,
		"autoScan": l.Settings.AutoScan,
	}).Info("library created")
	return s.syncJob(ctx, l)
}

func (s *Service) Get(ctx context.Context, id primitive.ObjectID) (*collection.Library, error) {
	return s.store.GetLibrary(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]*collection.Library, error) {
	return s.store.ListLibraries(ctx)
}

// Update applies mutate to the library and reconciles the paired job
// with the resulting settings. Toggling autoScan off disables the
// job; toggling it back on re-enables the same job.
func (s *Service) Update(ctx context.Context, id primitive.ObjectID, mutate func(*collection.Library) error) (*collection.Library, error) {
	l, err := s.store.UpdateLibrary(ctx, id, func(u *collection.Library) error {
		if err := mutate(u); err != nil {
			return err
		}
		return u.Validate()
	})
	if err != nil {
		return nil, err
	}
	if err := s.syncJob(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Delete removes the library and its paired job. Member collections
// survive with their library link cleared.
func (s *Service) Delete(ctx context.Context, id primitive.ObjectID) error {
	j, err := s.store.FindJob(ctx, collection.JobLibraryScan, &id)
	switch {
	case err == nil:
		if err := s.jobs.DeleteJob(ctx, j.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("library: delete auto-scan job %s: %w", j.ID.Hex(), err)
		}
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("library: find auto-scan job: %w", err)
	}
	detached, err := s.store.DetachLibrary(ctx, id)
	if err != nil {
		return fmt.Errorf("library: detach collections: %w", err)
	}
	if err := s.store.DeleteLibrary(ctx, id); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"library":  id.Hex(),
		"detached": detached,
	}).Info("library deleted")
	return nil
}

// UpdateStatistics recomputes the library's aggregate totals from its
// live collections and stores them.
func (s *Service) UpdateStatistics(ctx context.Context, id primitive.ObjectID) (*collection.Library, error) {
	var stats collection.LibraryStatistics
	f := store.CollectionFilter{LibraryID: &id}
	err := s.store.EachCollection(ctx, f, func(c *collection.Collection) error {
		stats.CollectionCount++
		stats.TotalImages += c.Statistics.TotalItems
		stats.TotalSize += c.Statistics.TotalSize
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("library: aggregate %s: %w", id.Hex(), err)
	}
	return s.store.UpdateLibrary(ctx, id, func(l *collection.Library) error {
		l.Statistics = stats
		return nil
	})
}

// PairedJob returns the library's auto-scan job, or store.ErrNotFound
// when none was ever materialized.
func (s *Service) PairedJob(ctx context.Context, id primitive.ObjectID) (*collection.ScheduledJob, error) {
	return s.store.FindJob(ctx, collection.JobLibraryScan, &id)
}

func (s *Service) cronFor(l *collection.Library) string {
	if l.Settings.AutoScanCron != "" {
		return l.Settings.AutoScanCron
	}
	return s.cron
}

// syncJob brings the paired job in line with l's settings: create it
// enabled when autoScan is on and no job exists, otherwise converge
// the existing job's enabled flag and cron expression.
func (s *Service) syncJob(ctx context.Context, l *collection.Library) error {
	j, err := s.store.FindJob(ctx, collection.JobLibraryScan, &l.ID)
	if errors.Is(err, store.ErrNotFound) {
		if !l.Settings.AutoScan {
			return nil
		}
		id := l.ID
		job := &collection.ScheduledJob{
			Name:           "Auto scan: " + l.Name,
			JobType:        collection.JobLibraryScan,
			CronExpression: s.cronFor(l),
			Enabled:        true,
			LibraryID:      &id,
			Parameters:     map[string]string{"libraryId": id.Hex()},
		}
		if err := s.jobs.CreateJob(ctx, job); err != nil {
			return fmt.Errorf("library: pair auto-scan job for %s: %w", id.Hex(), err)
		}
		s.log.WithFields(logrus.Fields{
			"library": id.Hex(),
			"job":     job.ID.Hex(),
			"cron":    job.CronExpression,
		}).Info("auto-scan job paired")
		return nil
	}
	if err != nil {
		return fmt.Errorf("library: find auto-scan job: %w", err)
	}
	cron := s.cronFor(l)
	if j.Enabled == l.Settings.AutoScan && j.CronExpression == cron {
		return nil
	}
	if _, err := s.jobs.UpdateJob(ctx, j.ID, func(u *collection.ScheduledJob) error {
		u.Enabled = l.Settings.AutoScan
		u.CronExpression = cron
		return nil
	}); err != nil {
		return fmt.Errorf("library: update auto-scan job %s: %w", j.ID.Hex(), err)
	}
	s.log.WithFields(logrus.Fields{
		"library": l.ID.Hex(),
		"job":     j.ID.Hex(),
		"enabled": l.Settings.AutoScan,
	}).Info("auto-scan job updated")
	return nil
}
