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

// Package storetest provides an in-memory store.Store for tests and
// a conformance suite that every Store implementation must pass.
package storetest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/imageshelf/imageshelf/pkg/collection"
	"github.com/imageshelf/imageshelf/pkg/store"
)

// MemStore is a fully in-memory store.Store. Values handed out are
// deep copies; callers can mutate them freely.
type MemStore struct {
	mu          sync.Mutex
	collections map[primitive.ObjectID]*collection.Collection
	libraries   map[primitive.ObjectID]*collection.Library
	jobs        map[primitive.ObjectID]*collection.ScheduledJob
	runs        map[primitive.ObjectID]*collection.JobRun
	runOrder    []primitive.ObjectID

	// Now supplies timestamps; tests may swap it for a fixed clock.
	Now func() time.Time
}

var _ store.Store = (*MemStore)(nil)

// New returns an empty MemStore.
func New() *MemStore {
	return &MemStore{
		collections: make(map[primitive.ObjectID]*collection.Collection),
		libraries:   make(map[primitive.ObjectID]*collection.Library),
		jobs:        make(map[primitive.ObjectID]*collection.ScheduledJob),
		runs:        make(map[primitive.ObjectID]*collection.JobRun),
		Now:         time.Now,
	}
}

func (m *MemStore) now() time.Time { return m.Now().UTC().Truncate(time.Millisecond) }

func copyCollection(c *collection.Collection) *collection.Collection {
	cp := *c
	cp.Tags = append([]string(nil), c.Tags...)
	cp.Images = append([]collection.Image(nil), c.Images...)
	cp.Thumbnails = append([]collection.Thumbnail(nil), c.Thumbnails...)
	cp.CacheImages = append([]collection.CacheImage(nil), c.CacheImages...)
	if c.LibraryID != nil {
		id := *c.LibraryID
		cp.LibraryID = &id
	}
	if c.DeletedAt != nil {
		t := *c.DeletedAt
		cp.DeletedAt = &t
	}
	return &cp
}

func copyLibrary(l *collection.Library) *collection.Library {
	cp := *l
	return &cp
}

func copyJob(j *collection.ScheduledJob) *collection.ScheduledJob {
	cp := *j
	if j.LibraryID != nil {
		id := *j.LibraryID
		cp.LibraryID = &id
	}
	if j.Parameters != nil {
		cp.Parameters = make(map[string]string, len(j.Parameters))
		for k, v := range j.Parameters {
			cp.Parameters[k] = v
		}
	}
	for _, t := range []**time.Time{&cp.LastRunAt, &cp.NextRunAt} {
		if *t != nil {
			tt := **t
			*t = &tt
		}
	}
	return &cp
}

func copyRun(r *collection.JobRun) *collection.JobRun {
	cp := *r
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	if r.Stats != nil {
		cp.Stats = make(map[string]int64, len(r.Stats))
		for k, v := range r.Stats {
			cp.Stats[k] = v
		}
	}
	return &cp
}

func (m *MemStore) CreateCollection(ctx context.Context, c *collection.Collection) error {
	if err := c.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, have := range m.collections {
		if !have.Deleted && have.Path == c.Path {
			return &store.PathExistsError{Path: c.Path, ExistingID: have.ID}
		}
	}
	if c.ID.IsZero() {
		c.ID = primitive.NewObjectID()
	}
	now := m.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	if c.Images == nil {
		c.Images = []collection.Image{}
	}
	if c.Thumbnails == nil {
		c.Thumbnails = []collection.Thumbnail{}
	}
	if c.CacheImages == nil {
		c.CacheImages = []collection.CacheImage{}
	}
	m.collections[c.ID] = copyCollection(c)
	return nil
}

func (m *MemStore) getLive(id primitive.ObjectID) (*collection.Collection, error) {
	c, ok := m.collections[id]
	if !ok || c.Deleted {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (m *MemStore) GetCollection(ctx context.Context, id primitive.ObjectID) (*collection.Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.getLive(id)
	if err != nil {
		return nil, err
	}
	return copyCollection(c), nil
}

func (m *MemStore) GetCollectionByPath(ctx context.Context, path string) (*collection.Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.collections {
		if !c.Deleted && c.Path == path {
			return copyCollection(c), nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MemStore) UpdateCollection(ctx context.Context, id primitive.ObjectID, mutate func(*collection.Collection) error) (*collection.Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.getLive(id)
	if err != nil {
		return nil, err
	}
	cp := copyCollection(c)
	if err := mutate(cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = m.now()
	m.collections[id] = copyCollection(cp)
	return cp, nil
}

func (m *MemStore) SoftDeleteCollection(ctx context.Context, id primitive.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[id]
	if !ok {
		return store.ErrNotFound
	}
	if c.Deleted {
		return nil
	}
	now := m.now()
	c.Deleted = true
	c.DeletedAt = &now
	c.UpdatedAt = now
	return nil
}

func (m *MemStore) AddImage(ctx context.Context, id primitive.ObjectID, img collection.Image) (store.AddImageResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.getLive(id)
	if err != nil {
		return store.AddImageResult{}, err
	}
	for i := range c.Images {
		e := &c.Images[i]
		if e.Filename == img.Filename && e.RelativePath == img.RelativePath {
			return store.AddImageResult{Added: false, Image: *e}, nil
		}
	}
	if img.AddedAt.IsZero() {
		img.AddedAt = m.now()
	}
	c.Images = append(c.Images, img)
	c.Statistics.TotalItems++
	c.Statistics.TotalSize += img.FileSize
	c.UpdatedAt = m.now()
	return store.AddImageResult{Added: true, Image: img}, nil
}

func (m *MemStore) AddThumbnail(ctx context.Context, id primitive.ObjectID, th collection.Thumbnail) (store.AddThumbnailResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.getLive(id)
	if err != nil {
		return store.AddThumbnailResult{}, err
	}
	if have := c.FindThumbnail(th.ImageID, th.Width, th.Height); have != nil {
		cp := *have
		return store.AddThumbnailResult{Added: false, Existing: &cp}, nil
	}
	if th.CreatedAt.IsZero() {
		th.CreatedAt = m.now()
	}
	c.Thumbnails = append(c.Thumbnails, th)
	c.UpdatedAt = m.now()
	return store.AddThumbnailResult{Added: true}, nil
}

func (m *MemStore) ReplaceThumbnail(ctx context.Context, id primitive.ObjectID, th collection.Thumbnail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.getLive(id)
	if err != nil {
		return err
	}
	have := c.FindThumbnail(th.ImageID, th.Width, th.Height)
	if have == nil {
		return store.ErrNotFound
	}
	if th.CreatedAt.IsZero() {
		th.CreatedAt = m.now()
	}
	*have = th
	c.UpdatedAt = m.now()
	return nil
}

func (m *MemStore) AddCacheImage(ctx context.Context, id primitive.ObjectID, ci collection.CacheImage) (store.AddCacheResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.getLive(id)
	if err != nil {
		return store.AddCacheResult{}, err
	}
	if have := c.FindCacheImage(ci.ImageID, ci.Width, ci.Height); have != nil {
		cp := *have
		return store.AddCacheResult{Added: false, Existing: &cp}, nil
	}
	if ci.CreatedAt.IsZero() {
		ci.CreatedAt = m.now()
	}
	c.CacheImages = append(c.CacheImages, ci)
	c.UpdatedAt = m.now()
	return store.AddCacheResult{Added: true}, nil
}

func (m *MemStore) ReplaceCacheImage(ctx context.Context, id primitive.ObjectID, ci collection.CacheImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.getLive(id)
	if err != nil {
		return err
	}
	have := c.FindCacheImage(ci.ImageID, ci.Width, ci.Height)
	if have == nil {
		return store.ErrNotFound
	}
	if ci.CreatedAt.IsZero() {
		ci.CreatedAt = m.now()
	}
	*have = ci
	c.UpdatedAt = m.now()
	return nil
}

func (m *MemStore) IncrementViewCount(ctx context.Context, id primitive.ObjectID, imageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.getLive(id)
	if err != nil {
		return err
	}
	var img *collection.Image
	if imageID != "" {
		if img = c.FindImage(imageID); img == nil {
			return store.ErrNotFound
		}
	}
	c.ViewCount++
	if img != nil {
		img.ViewCount++
	}
	return nil
}

func (m *MemStore) UpdateTags(ctx context.Context, id primitive.ObjectID, tags []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.getLive(id)
	if err != nil {
		return err
	}
	c.Tags = append([]string(nil), tags...)
	c.UpdatedAt = m.now()
	return nil
}

func (m *MemStore) UpdateStatistics(ctx context.Context, id primitive.ObjectID) (*collection.Collection, error) {
	return m.UpdateCollection(ctx, id, func(c *collection.Collection) error {
		c.RecomputeStatistics()
		return nil
	})
}

func (m *MemStore) DetachLibrary(ctx context.Context, libraryID primitive.ObjectID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, c := range m.collections {
		if c.LibraryID != nil && *c.LibraryID == libraryID {
			c.LibraryID = nil
			c.UpdatedAt = m.now()
			n++
		}
	}
	return n, nil
}

func matches(c *collection.Collection, f store.CollectionFilter) bool {
	if c.Deleted && !f.IncludeDeleted {
		return false
	}
	if f.LibraryID != nil && (c.LibraryID == nil || *c.LibraryID != *f.LibraryID) {
		return false
	}
	if f.Type != nil && c.Type != *f.Type {
		return false
	}
	return true
}

func sortCollections(cs []*collection.Collection, s collection.Sort) {
	if !s.Valid() {
		s = collection.DefaultSort()
	}
	less := func(a, b *collection.Collection) bool {
		switch s.Field {
		case collection.SortCreatedAt:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
		case collection.SortName:
			if a.Name != b.Name {
				return a.Name < b.Name
			}
		case collection.SortImageCount:
			if a.Statistics.TotalItems != b.Statistics.TotalItems {
				return a.Statistics.TotalItems < b.Statistics.TotalItems
			}
		case collection.SortTotalSize:
			if a.Statistics.TotalSize != b.Statistics.TotalSize {
				return a.Statistics.TotalSize < b.Statistics.TotalSize
			}
		default:
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.Before(b.UpdatedAt)
			}
		}
		return a.ID.Hex() < b.ID.Hex()
	}
	sort.Slice(cs, func(i, j int) bool {
		if s.Direction == collection.Desc {
			return less(cs[j], cs[i])
		}
		return less(cs[i], cs[j])
	})
}

func (m *MemStore) QueryCollections(ctx context.Context, q store.CollectionQuery) ([]*collection.Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*collection.Collection
	for _, c := range m.collections {
		if matches(c, q.Filter) {
			out = append(out, copyCollection(c))
		}
	}
	sortCollections(out, q.Sort)
	if q.Skip > 0 {
		if q.Skip >= int64(len(out)) {
			return nil, nil
		}
		out = out[q.Skip:]
	}
	if q.Limit > 0 && int64(len(out)) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemStore) CountCollections(ctx context.Context, f store.CollectionFilter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, c := range m.collections {
		if matches(c, f) {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) EachCollection(ctx context.Context, f store.CollectionFilter, fn func(*collection.Collection) error) error {
	m.mu.Lock()
	var out []*collection.Collection
	for _, c := range m.collections {
		if matches(c, f) {
			out = append(out, copyCollection(c))
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Hex() < out[j].ID.Hex() })
	for _, c := range out {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemStore) CreateLibrary(ctx context.Context, l *collection.Library) error {
	if err := l.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID.IsZero() {
		l.ID = primitive.NewObjectID()
	}
	now := m.now()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	m.libraries[l.ID] = copyLibrary(l)
	return nil
}

func (m *MemStore) GetLibrary(ctx context.Context, id primitive.ObjectID) (*collection.Library, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.libraries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyLibrary(l), nil
}

func (m *MemStore) UpdateLibrary(ctx context.Context, id primitive.ObjectID, mutate func(*collection.Library) error) (*collection.Library, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.libraries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := copyLibrary(l)
	if err := mutate(cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = m.now()
	m.libraries[id] = copyLibrary(cp)
	return cp, nil
}

func (m *MemStore) DeleteLibrary(ctx context.Context, id primitive.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.libraries[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.libraries, id)
	return nil
}

func (m *MemStore) ListLibraries(ctx context.Context) ([]*collection.Library, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*collection.Library, 0, len(m.libraries))
	for _, l := range m.libraries {
		out = append(out, copyLibrary(l))
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out, nil
}

func (m *MemStore) CreateJob(ctx context.Context, j *collection.ScheduledJob) error {
	if err := j.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ID.IsZero() {
		j.ID = primitive.NewObjectID()
	}
	now := m.now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	m.jobs[j.ID] = copyJob(j)
	return nil
}

func (m *MemStore) GetJob(ctx context.Context, id primitive.ObjectID) (*collection.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyJob(j), nil
}

func (m *MemStore) FindJob(ctx context.Context, jobType string, libraryID *primitive.ObjectID) (*collection.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.JobType != jobType {
			continue
		}
		if libraryID != nil {
			if j.LibraryID == nil || *j.LibraryID != *libraryID {
				continue
			}
		}
		return copyJob(j), nil
	}
	return nil, store.ErrNotFound
}

func (m *MemStore) UpdateJob(ctx context.Context, id primitive.ObjectID, mutate func(*collection.ScheduledJob) error) (*collection.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := copyJob(j)
	if err := mutate(cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = m.now()
	m.jobs[id] = copyJob(cp)
	return cp, nil
}

func (m *MemStore) DeleteJob(ctx context.Context, id primitive.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *MemStore) ListJobs(ctx context.Context, onlyEnabled bool) ([]*collection.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*collection.ScheduledJob
	for _, j := range m.jobs {
		if onlyEnabled && !j.Enabled {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemStore) StartRun(ctx context.Context, jobID primitive.ObjectID) (*collection.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	now := m.now()
	run := &collection.JobRun{
		ID:        primitive.NewObjectID(),
		JobID:     jobID,
		Status:    collection.RunRunning,
		StartedAt: now,
	}
	m.runs[run.ID] = copyRun(run)
	m.runOrder = append(m.runOrder, run.ID)
	j.RunCount++
	j.LastRunAt = &now
	j.LastRunStatus = collection.RunRunning
	j.UpdatedAt = now
	return copyRun(run), nil
}

func (m *MemStore) FinishRun(ctx context.Context, runID primitive.ObjectID, status collection.RunStatus, errMsg string, stats map[string]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	now := m.now()
	run.Status = status
	run.FinishedAt = &now
	run.Duration = now.Sub(run.StartedAt)
	run.Error = errMsg
	if stats != nil {
		run.Stats = make(map[string]int64, len(stats))
		for k, v := range stats {
			run.Stats[k] = v
		}
	}
	if j, ok := m.jobs[run.JobID]; ok {
		switch status {
		case collection.RunSucceeded:
			j.SuccessCount++
		case collection.RunFailed:
			j.FailureCount++
		}
		j.LastRunStatus = status
		j.UpdatedAt = now
	}
	return nil
}

func (m *MemStore) ListRuns(ctx context.Context, jobID primitive.ObjectID, limit int64) ([]*collection.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*collection.JobRun
	for i := len(m.runOrder) - 1; i >= 0; i-- {
		run := m.runs[m.runOrder[i]]
		if run == nil || run.JobID != jobID {
			continue
		}
		out = append(out, copyRun(run))
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}
