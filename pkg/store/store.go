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

// Package store defines the persistence interfaces for collections,
// libraries and scheduled jobs, plus the error values implementations
// agree on. The canonical implementation is mongostore; storetest
// holds an in-memory implementation and a conformance suite both must
// pass.
package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/imageshelf/imageshelf/pkg/collection"
)

// ErrNotFound is returned when the requested document does not exist
// (or is soft-deleted and the caller did not ask for deleted rows).
var ErrNotFound = errors.New("store: not found")

// ErrConcurrentUpdate is returned when an optimistic update loses its
// precondition too many times in a row.
var ErrConcurrentUpdate = errors.New("store: concurrent update")

// ErrDuplicatePath is the target for errors.Is when a create collides
// with an existing live collection at the same path. The concrete
// error is a *PathExistsError carrying the existing id.
var ErrDuplicatePath = errors.New("store: path already exists")

// PathExistsError reports a create that collided on Path. It matches
// ErrDuplicatePath under errors.Is.
type PathExistsError struct {
	Path       string
	ExistingID primitive.ObjectID
}

func (e *PathExistsError) Error() string {
	return fmt.Sprintf("store: collection already exists at %q (id %s)", e.Path, e.ExistingID.Hex())
}

func (e *PathExistsError) Is(target error) bool { return target == ErrDuplicatePath }

// CollectionFilter narrows collection queries. The zero value matches
// every live collection; soft-deleted documents are excluded unless
// IncludeDeleted is set.
type CollectionFilter struct {
	LibraryID      *primitive.ObjectID
	Type           *collection.Type
	IncludeDeleted bool
}

// CollectionQuery is a filtered, sorted page request.
type CollectionQuery struct {
	Filter CollectionFilter
	Sort   collection.Sort
	Skip   int64
	Limit  int64
}

// AddImageResult reports the outcome of AddImage. When Added is
// false the write was an exact duplicate and Image holds the element
// already present.
type AddImageResult struct {
	Added bool
	Image collection.Image
}

// AddThumbnailResult reports the outcome of AddThumbnail or
// AddCacheImage. When Added is false, Existing holds the element
// already recorded for (imageId, width, height).
type AddThumbnailResult struct {
	Added    bool
	Existing *collection.Thumbnail
}

// AddCacheResult is AddThumbnailResult for cache renditions.
type AddCacheResult struct {
	Added    bool
	Existing *collection.CacheImage
}

// CollectionStore persists collections. Array mutations (images,
// thumbnails, cache images) are single atomic document updates: two
// racing writers of the same logical element produce exactly one
// array entry, and the loser learns about the winner's element from
// the result.
type CollectionStore interface {
	// CreateCollection inserts c, assigning ID and timestamps.
	// A live collection already at c.Path fails with a
	// *PathExistsError; the caller may treat that as success-with-
	// existing-id.
	CreateCollection(ctx context.Context, c *collection.Collection) error

	GetCollection(ctx context.Context, id primitive.ObjectID) (*collection.Collection, error)
	GetCollectionByPath(ctx context.Context, path string) (*collection.Collection, error)

	// UpdateCollection applies mutate to a fresh copy of the document
	// and writes it back if no concurrent writer got there first,
	// retrying a bounded number of times. The updated document is
	// returned.
	UpdateCollection(ctx context.Context, id primitive.ObjectID, mutate func(*collection.Collection) error) (*collection.Collection, error)

	// SoftDeleteCollection marks the collection deleted. Files on
	// disk are not touched. Deleting twice is not an error.
	SoftDeleteCollection(ctx context.Context, id primitive.ObjectID) error

	// AddImage appends img unless an element with the same
	// (filename, relativePath) already exists. The duplicate path
	// leaves the document byte-identical, updatedAt included.
	AddImage(ctx context.Context, id primitive.ObjectID, img collection.Image) (AddImageResult, error)

	// AddThumbnail appends th unless (imageId, width, height) is
	// already recorded.
	AddThumbnail(ctx context.Context, id primitive.ObjectID, th collection.Thumbnail) (AddThumbnailResult, error)

	// ReplaceThumbnail overwrites the existing (imageId, width,
	// height) element in place, for re-renders whose file went
	// missing. ErrNotFound if no such element exists.
	ReplaceThumbnail(ctx context.Context, id primitive.ObjectID, th collection.Thumbnail) error

	// AddCacheImage and ReplaceCacheImage mirror the thumbnail pair.
	AddCacheImage(ctx context.Context, id primitive.ObjectID, ci collection.CacheImage) (AddCacheResult, error)
	ReplaceCacheImage(ctx context.Context, id primitive.ObjectID, ci collection.CacheImage) error

	// IncrementViewCount bumps the collection's view counter and,
	// when imageID is non-empty, the embedded image's too.
	IncrementViewCount(ctx context.Context, id primitive.ObjectID, imageID string) error

	// UpdateTags replaces the tag list.
	UpdateTags(ctx context.Context, id primitive.ObjectID, tags []string) error

	// UpdateStatistics recomputes the statistics block from the
	// images array, repairing drift left by interrupted writes.
	// The updated document is returned.
	UpdateStatistics(ctx context.Context, id primitive.ObjectID) (*collection.Collection, error)

	// DetachLibrary clears libraryId on every collection of the
	// library, returning how many were touched. Used by library
	// deletion; the collections themselves survive.
	DetachLibrary(ctx context.Context, libraryID primitive.ObjectID) (int64, error)

	QueryCollections(ctx context.Context, q CollectionQuery) ([]*collection.Collection, error)
	CountCollections(ctx context.Context, f CollectionFilter) (int64, error)

	// EachCollection streams every matching collection in id order.
	// Returning an error from fn stops the walk.
	EachCollection(ctx context.Context, f CollectionFilter, fn func(*collection.Collection) error) error
}

// LibraryStore persists libraries.
type LibraryStore interface {
	CreateLibrary(ctx context.Context, l *collection.Library) error
	GetLibrary(ctx context.Context, id primitive.ObjectID) (*collection.Library, error)
	UpdateLibrary(ctx context.Context, id primitive.ObjectID, mutate func(*collection.Library) error) (*collection.Library, error)
	DeleteLibrary(ctx context.Context, id primitive.ObjectID) error
	ListLibraries(ctx context.Context) ([]*collection.Library, error)
}

// JobStore persists scheduled jobs and their run history.
type JobStore interface {
	CreateJob(ctx context.Context, j *collection.ScheduledJob) error
	GetJob(ctx context.Context, id primitive.ObjectID) (*collection.ScheduledJob, error)

	// FindJob looks a job up by type and, when libraryID is non-nil,
	// by the library it is bound to. ErrNotFound when absent.
	FindJob(ctx context.Context, jobType string, libraryID *primitive.ObjectID) (*collection.ScheduledJob, error)

	UpdateJob(ctx context.Context, id primitive.ObjectID, mutate func(*collection.ScheduledJob) error) (*collection.ScheduledJob, error)
	DeleteJob(ctx context.Context, id primitive.ObjectID) error
	ListJobs(ctx context.Context, onlyEnabled bool) ([]*collection.ScheduledJob, error)

	// StartRun appends a running JobRun and bumps the job's run
	// counters and lastRunAt.
	StartRun(ctx context.Context, jobID primitive.ObjectID) (*collection.JobRun, error)

	// FinishRun completes the run and updates the job's
	// success/failure counters and lastRunStatus.
	FinishRun(ctx context.Context, runID primitive.ObjectID, status collection.RunStatus, errMsg string, stats map[string]int64) error

	// ListRuns returns up to limit runs of the job, newest first.
	ListRuns(ctx context.Context, jobID primitive.ObjectID, limit int64) ([]*collection.JobRun, error)
}

// Store is the full persistence surface a process wires once.
type Store interface {
	CollectionStore
	LibraryStore
	JobStore
}
