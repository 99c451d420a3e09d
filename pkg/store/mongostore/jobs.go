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

package mongostore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/imageshelf/imageshelf/pkg/collection"
	"github.com/imageshelf/imageshelf/pkg/store"
)

func (s *Store) CreateLibrary(ctx context.Context, l *collection.Library) error {
	if err := l.Validate(); err != nil {
		return err
	}
	if l.ID.IsZero() {
		l.ID = primitive.NewObjectID()
	}
	ts := now()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = ts
	}
	l.UpdatedAt = ts
	if _, err := s.libraries().InsertOne(ctx, l); err != nil {
		return fmt.Errorf("mongostore: insert library: %w", err)
	}
	return nil
}

func (s *Store) GetLibrary(ctx context.Context, id primitive.ObjectID) (*collection.Library, error) {
	var l collection.Library
	err := s.libraries().FindOne(ctx, bson.M{"_id": id}).Decode(&l)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: get library: %w", err)
	}
	return &l, nil
}

func (s *Store) UpdateLibrary(ctx context.Context, id primitive.ObjectID, mutate func(*collection.Library) error) (*collection.Library, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		cur, err := s.GetLibrary(ctx, id)
		if err != nil {
			return nil, err
		}
		seen := cur.UpdatedAt
		if err := mutate(cur); err != nil {
			return nil, err
		}
		cur.UpdatedAt = now()
		res, err := s.libraries().ReplaceOne(ctx, bson.M{"_id": id, "updatedAt": seen}, cur)
		if err != nil {
			return nil, fmt.Errorf("mongostore: update library: %w", err)
		}
		if res.MatchedCount == 1 {
			return cur, nil
		}
	}
	return nil, store.ErrConcurrentUpdate
}

func (s *Store) DeleteLibrary(ctx context.Context, id primitive.ObjectID) error {
	res, err := s.libraries().DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongostore: delete library: %w", err)
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListLibraries(ctx context.Context) ([]*collection.Library, error) {
	cur, err := s.libraries().Find(ctx, bson.M{},
		options.Find().SetCollation(&options.Collation{Locale: "en", Strength: 2}).
			SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: list libraries: %w", err)
	}
	defer cur.Close(ctx)
	var out []*collection.Library
	for cur.Next(ctx) {
		var l collection.Library
		if err := cur.Decode(&l); err != nil {
			return nil, fmt.Errorf("mongostore: decode library: %w", err)
		}
		out = append(out, &l)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongostore: list libraries: %w", err)
	}
	return out, nil
}

func (s *Store) CreateJob(ctx context.Context, j *collection.ScheduledJob) error {
	if err := j.Validate(); err != nil {
		return err
	}
	if j.ID.IsZero() {
		j.ID = primitive.NewObjectID()
	}
	ts := now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = ts
	}
	j.UpdatedAt = ts
	if _, err := s.jobs().InsertOne(ctx, j); err != nil {
		return fmt.Errorf("mongostore: insert job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id primitive.ObjectID) (*collection.ScheduledJob, error) {
	var j collection.ScheduledJob
	err := s.jobs().FindOne(ctx, bson.M{"_id": id}).Decode(&j)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: get job: %w", err)
	}
	return &j, nil
}

func (s *Store) FindJob(ctx context.Context, jobType string, libraryID *primitive.ObjectID) (*collection.ScheduledJob, error) {
	filter := bson.M{"jobType": jobType}
	if libraryID != nil {
		filter["libraryId"] = *libraryID
	}
	var j collection.ScheduledJob
	err := s.jobs().FindOne(ctx, filter).Decode(&j)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: find job: %w", err)
	}
	return &j, nil
}

func (s *Store) UpdateJob(ctx context.Context, id primitive.ObjectID, mutate func(*collection.ScheduledJob) error) (*collection.ScheduledJob, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		cur, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		seen := cur.UpdatedAt
		if err := mutate(cur); err != nil {
			return nil, err
		}
		cur.UpdatedAt = now()
		res, err := s.jobs().ReplaceOne(ctx, bson.M{"_id": id, "updatedAt": seen}, cur)
		if err != nil {
			return nil, fmt.Errorf("mongostore: update job: %w", err)
		}
		if res.MatchedCount == 1 {
			return cur, nil
		}
	}
	return nil, store.ErrConcurrentUpdate
}

func (s *Store) DeleteJob(ctx context.Context, id primitive.ObjectID) error {
	res, err := s.jobs().DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongostore: delete job: %w", err)
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListJobs(ctx context.Context, onlyEnabled bool) ([]*collection.ScheduledJob, error) {
	filter := bson.M{}
	if onlyEnabled {
		filter["enabled"] = true
	}
	cur, err := s.jobs().Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: list jobs: %w", err)
	}
	defer cur.Close(ctx)
	var out []*collection.ScheduledJob
	for cur.Next(ctx) {
		var j collection.ScheduledJob
		if err := cur.Decode(&j); err != nil {
			return nil, fmt.Errorf("mongostore: decode job: %w", err)
		}
		out = append(out, &j)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongostore: list jobs: %w", err)
	}
	return out, nil
}

func (s *Store) StartRun(ctx context.Context, jobID primitive.ObjectID) (*collection.JobRun, error) {
	ts := now()
	res, err := s.jobs().UpdateOne(ctx, bson.M{"_id": jobID}, bson.M{
		"$inc": bson.M{"runCount": 1},
		"$set": bson.M{
			"lastRunAt":     ts,
			"lastRunStatus": collection.RunRunning,
			"updatedAt":     ts,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mongostore: start run: %w", err)
	}
	if res.MatchedCount == 0 {
		return nil, store.ErrNotFound
	}
	run := &collection.JobRun{
		ID:        primitive.NewObjectID(),
		JobID:     jobID,
		Status:    collection.RunRunning,
		StartedAt: ts,
	}
	if _, err := s.jobRuns().InsertOne(ctx, run); err != nil {
		return nil, fmt.Errorf("mongostore: insert run: %w", err)
	}
	return run, nil
}

func (s *Store) FinishRun(ctx context.Context, runID primitive.ObjectID, status collection.RunStatus, errMsg string, stats map[string]int64) error {
	var run collection.JobRun
	err := s.jobRuns().FindOne(ctx, bson.M{"_id": runID}).Decode(&run)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("mongostore: finish run: %w", err)
	}
	ts := now()
	set := bson.M{
		"status":     status,
		"finishedAt": ts,
		"durationNs": ts.Sub(run.StartedAt),
	}
	if errMsg != "" {
		set["error"] = errMsg
	}
	if stats != nil {
		set["stats"] = stats
	}
	if _, err := s.jobRuns().UpdateOne(ctx, bson.M{"_id": runID}, bson.M{"$set": set}); err != nil {
		return fmt.Errorf("mongostore: finish run: %w", err)
	}

	inc := bson.M{}
	switch status {
	case collection.RunSucceeded:
		inc["successCount"] = 1
	case collection.RunFailed:
		inc["failureCount"] = 1
	}
	update := bson.M{"$set": bson.M{"lastRunStatus": status, "updatedAt": ts}}
	if len(inc) > 0 {
		update["$inc"] = inc
	}
	if _, err := s.jobs().UpdateOne(ctx, bson.M{"_id": run.JobID}, update); err != nil {
		return fmt.Errorf("mongostore: finish run job update: %w", err)
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, jobID primitive.ObjectID, limit int64) ([]*collection.JobRun, error) {
	opts := options.Find().SetSort(bson.D{{Key: "startedAt", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := s.jobRuns().Find(ctx, bson.M{"jobId": jobID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: list runs: %w", err)
	}
	defer cur.Close(ctx)
	var out []*collection.JobRun
	for cur.Next(ctx) {
		var r collection.JobRun
		if err := cur.Decode(&r); err != nil {
			return nil, fmt.Errorf("mongostore: decode run: %w", err)
		}
		out = append(out, &r)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongostore: list runs: %w", err)
	}
	return out, nil
}
