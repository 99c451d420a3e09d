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

// Package mongostore implements store.Store on MongoDB.
//
// Collections, libraries, jobs and job runs each live in their own
// Mongo collection. Embedded-array mutations are expressed as single
// filtered updates so that concurrent writers of the same logical
// element can never produce two array entries: the filter excludes
// documents that already contain the element, and a write that
// matched nothing reports the element already present.
//
// Example connection:
//
//	st, err := mongostore.New(ctx, "mongodb://localhost:27017", "imageshelf")
//	if err != nil { ... }
//	defer st.Close(context.Background())
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/imageshelf/imageshelf/pkg/collection"
	"github.com/imageshelf/imageshelf/pkg/store"
)

const (
	collCollections = "collections"
	collLibraries   = "libraries"
	collJobs        = "jobs"
	collJobRuns     = "job_runs"

	// maxUpdateRetries bounds the optimistic read-modify-write loop.
	maxUpdateRetries = 5
)

// Store implements store.Store. Safe for concurrent use.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ store.Store = (*Store)(nil)

// New connects to uri, pings the deployment, and ensures the indexes
// the store relies on.
func New(ctx context.Context, uri, dbName string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect %s: %w", uri, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}
	s := &Store{client: client, db: client.Database(dbName)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	// Path uniqueness applies only to live documents, so a deleted
	// collection's path can be reused.
	_, err := s.collections().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "path", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: "deleted", Value: false}}),
		},
		{Keys: bson.D{{Key: "libraryId", Value: 1}}},
		{Keys: bson.D{{Key: "updatedAt", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("mongostore: collection indexes: %w", err)
	}
	_, err = s.jobRuns().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "jobId", Value: 1}, {Key: "startedAt", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("mongostore: run indexes: %w", err)
	}
	_, err = s.jobs().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "jobType", Value: 1}, {Key: "libraryId", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("mongostore: job indexes: %w", err)
	}
	return nil
}

func (s *Store) collections() *mongo.Collection { return s.db.Collection(collCollections) }
func (s *Store) libraries() *mongo.Collection   { return s.db.Collection(collLibraries) }
func (s *Store) jobs() *mongo.Collection        { return s.db.Collection(collJobs) }
func (s *Store) jobRuns() *mongo.Collection     { return s.db.Collection(collJobRuns) }

// now returns the current time at Mongo's millisecond precision, so
// a value written and read back compares equal.
func now() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }

func liveFilter(id primitive.ObjectID) bson.M {
	return bson.M{"_id": id, "deleted": false}
}

func (s *Store) CreateCollection(ctx context.Context, c *collection.Collection) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.ID.IsZero() {
		c.ID = primitive.NewObjectID()
	}
	ts := now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = ts
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = ts
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
	_, err := s.collections().InsertOne(ctx, c)
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		existing, lookErr := s.GetCollectionByPath(ctx, c.Path)
		if lookErr == nil {
			return &store.PathExistsError{Path: c.Path, ExistingID: existing.ID}
		}
		return &store.PathExistsError{Path: c.Path}
	}
	return fmt.Errorf("mongostore: insert collection: %w", err)
}

func (s *Store) GetCollection(ctx context.Context, id primitive.ObjectID) (*collection.Collection, error) {
	var c collection.Collection
	err := s.collections().FindOne(ctx, liveFilter(id)).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: get collection: %w", err)
	}
	return &c, nil
}

func (s *Store) GetCollectionByPath(ctx context.Context, path string) (*collection.Collection, error) {
	var c collection.Collection
	err := s.collections().FindOne(ctx, bson.M{"path": path, "deleted": false}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: get collection by path: %w", err)
	}
	return &c, nil
}

func (s *Store) UpdateCollection(ctx context.Context, id primitive.ObjectID, mutate func(*collection.Collection) error) (*collection.Collection, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		cur, err := s.GetCollection(ctx, id)
		if err != nil {
			return nil, err
		}
		seen := cur.UpdatedAt
		if err := mutate(cur); err != nil {
			return nil, err
		}
		cur.UpdatedAt = now()
		res, err := s.collections().ReplaceOne(ctx,
			bson.M{"_id": id, "deleted": false, "updatedAt": seen}, cur)
		if err != nil {
			return nil, fmt.Errorf("mongostore: update collection: %w", err)
		}
		if res.MatchedCount == 1 {
			return cur, nil
		}
		// Lost the race; reload and try again.
	}
	return nil, store.ErrConcurrentUpdate
}

func (s *Store) SoftDeleteCollection(ctx context.Context, id primitive.ObjectID) error {
	ts := now()
	res, err := s.collections().UpdateOne(ctx,
		bson.M{"_id": id, "deleted": false},
		bson.M{"$set": bson.M{"deleted": true, "deletedAt": ts, "updatedAt": ts}})
	if err != nil {
		return fmt.Errorf("mongostore: soft delete: %w", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	// Already deleted is fine; never existed is not.
	n, err := s.collections().CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongostore: soft delete recheck: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AddImage(ctx context.Context, id primitive.ObjectID, img collection.Image) (store.AddImageResult, error) {
	if img.AddedAt.IsZero() {
		img.AddedAt = now()
	}
	filter := bson.M{
		"_id":     id,
		"deleted": false,
		"images": bson.M{"$not": bson.M{"$elemMatch": bson.M{
			"filename":     img.Filename,
			"relativePath": img.RelativePath,
		}}},
	}
	update := bson.M{
		"$push": bson.M{"images": img},
		"$inc": bson.M{
			"statistics.totalItems": 1,
			"statistics.totalSize":  img.FileSize,
		},
		"$set": bson.M{"updatedAt": now()},
	}
	res, err := s.collections().UpdateOne(ctx, filter, update)
	if err != nil {
		return store.AddImageResult{}, fmt.Errorf("mongostore: add image: %w", err)
	}
	if res.MatchedCount == 1 {
		return store.AddImageResult{Added: true, Image: img}, nil
	}

	// Either the element already exists or the collection is gone.
	var partial struct {
		Images []collection.Image `bson:"images"`
	}
	err = s.collections().FindOne(ctx, liveFilter(id),
		options.FindOne().SetProjection(bson.M{
			"images": bson.M{"$elemMatch": bson.M{
				"filename":     img.Filename,
				"relativePath": img.RelativePath,
			}},
		})).Decode(&partial)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.AddImageResult{}, store.ErrNotFound
	}
	if err != nil {
		return store.AddImageResult{}, fmt.Errorf("mongostore: add image lookup: %w", err)
	}
	if len(partial.Images) == 0 {
		// Raced with a delete+recreate; treat as not found.
		return store.AddImageResult{}, store.ErrNotFound
	}
	return store.AddImageResult{Added: false, Image: partial.Images[0]}, nil
}

func (s *Store) AddThumbnail(ctx context.Context, id primitive.ObjectID, th collection.Thumbnail) (store.AddThumbnailResult, error) {
	if th.CreatedAt.IsZero() {
		th.CreatedAt = now()
	}
	filter := bson.M{
		"_id":     id,
		"deleted": false,
		"thumbnails": bson.M{"$not": bson.M{"$elemMatch": bson.M{
			"imageId": th.ImageID,
			"width":   th.Width,
			"height":  th.Height,
		}}},
	}
	update := bson.M{
		"$push": bson.M{"thumbnails": th},
		"$set":  bson.M{"updatedAt": now()},
	}
	res, err := s.collections().UpdateOne(ctx, filter, update)
	if err != nil {
		return store.AddThumbnailResult{}, fmt.Errorf("mongostore: add thumbnail: %w", err)
	}
	if res.MatchedCount == 1 {
		return store.AddThumbnailResult{Added: true}, nil
	}
	var partial struct {
		Thumbnails []collection.Thumbnail `bson:"thumbnails"`
	}
	err = s.collections().FindOne(ctx, liveFilter(id),
		options.FindOne().SetProjection(bson.M{
			"thumbnails": bson.M{"$elemMatch": bson.M{
				"imageId": th.ImageID,
				"width":   th.Width,
				"height":  th.Height,
			}},
		})).Decode(&partial)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.AddThumbnailResult{}, store.ErrNotFound
	}
	if err != nil {
		return store.AddThumbnailResult{}, fmt.Errorf("mongostore: add thumbnail lookup: %w", err)
	}
	if len(partial.Thumbnails) == 0 {
		return store.AddThumbnailResult{}, store.ErrNotFound
	}
	return store.AddThumbnailResult{Added: false, Existing: &partial.Thumbnails[0]}, nil
}

func (s *Store) ReplaceThumbnail(ctx context.Context, id primitive.ObjectID, th collection.Thumbnail) error {
	if th.CreatedAt.IsZero() {
		th.CreatedAt = now()
	}
	res, err := s.collections().UpdateOne(ctx,
		liveFilter(id),
		bson.M{"$set": bson.M{"thumbnails.$[el]": th, "updatedAt": now()}},
		options.Update().SetArrayFilters(options.ArrayFilters{Filters: []interface{}{
			bson.M{"el.imageId": th.ImageID, "el.width": th.Width, "el.height": th.Height},
		}}))
	if err != nil {
		return fmt.Errorf("mongostore: replace thumbnail: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	if res.ModifiedCount == 0 {
		// Document matched but no element did.
		n, err := s.collections().CountDocuments(ctx, bson.M{
			"_id": id,
			"thumbnails": bson.M{"$elemMatch": bson.M{
				"imageId": th.ImageID, "width": th.Width, "height": th.Height,
			}},
		})
		if err != nil {
			return fmt.Errorf("mongostore: replace thumbnail recheck: %w", err)
		}
		if n == 0 {
			return store.ErrNotFound
		}
	}
	return nil
}

func (s *Store) AddCacheImage(ctx context.Context, id primitive.ObjectID, ci collection.CacheImage) (store.AddCacheResult, error) {
	if ci.CreatedAt.IsZero() {
		ci.CreatedAt = now()
	}
	filter := bson.M{
		"_id":     id,
		"deleted": false,
		"cacheImages": bson.M{"$not": bson.M{"$elemMatch": bson.M{
			"imageId": ci.ImageID,
			"width":   ci.Width,
			"height":  ci.Height,
		}}},
	}
	update := bson.M{
		"$push": bson.M{"cacheImages": ci},
		"$set":  bson.M{"updatedAt": now()},
	}
	res, err := s.collections().UpdateOne(ctx, filter, update)
	if err != nil {
		return store.AddCacheResult{}, fmt.Errorf("mongostore: add cache image: %w", err)
	}
	if res.MatchedCount == 1 {
		return store.AddCacheResult{Added: true}, nil
	}
	var partial struct {
		CacheImages []collection.CacheImage `bson:"cacheImages"`
	}
	err = s.collections().FindOne(ctx, liveFilter(id),
		options.FindOne().SetProjection(bson.M{
			"cacheImages": bson.M{"$elemMatch": bson.M{
				"imageId": ci.ImageID,
				"width":   ci.Width,
				"height":  ci.Height,
			}},
		})).Decode(&partial)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.AddCacheResult{}, store.ErrNotFound
	}
	if err != nil {
		return store.AddCacheResult{}, fmt.Errorf("mongostore: add cache image lookup: %w", err)
	}
	if len(partial.CacheImages) == 0 {
		return store.AddCacheResult{}, store.ErrNotFound
	}
	return store.AddCacheResult{Added: false, Existing: &partial.CacheImages[0]}, nil
}

func (s *Store) ReplaceCacheImage(ctx context.Context, id primitive.ObjectID, ci collection.CacheImage) error {
	if ci.CreatedAt.IsZero() {
		ci.CreatedAt = now()
	}
	res, err := s.collections().UpdateOne(ctx,
		liveFilter(id),
		bson.M{"$set": bson.M{"cacheImages.$[el]": ci, "updatedAt": now()}},
		options.Update().SetArrayFilters(options.ArrayFilters{Filters: []interface{}{
			bson.M{"el.imageId": ci.ImageID, "el.width": ci.Width, "el.height": ci.Height},
		}}))
	if err != nil {
		return fmt.Errorf("mongostore: replace cache image: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	if res.ModifiedCount == 0 {
		n, err := s.collections().CountDocuments(ctx, bson.M{
			"_id": id,
			"cacheImages": bson.M{"$elemMatch": bson.M{
				"imageId": ci.ImageID, "width": ci.Width, "height": ci.Height,
			}},
		})
		if err != nil {
			return fmt.Errorf("mongostore: replace cache image recheck: %w", err)
		}
		if n == 0 {
			return store.ErrNotFound
		}
	}
	return nil
}

func (s *Store) IncrementViewCount(ctx context.Context, id primitive.ObjectID, imageID string) error {
	if imageID == "" {
		res, err := s.collections().UpdateOne(ctx, liveFilter(id),
			bson.M{"$inc": bson.M{"viewCount": 1}})
		if err != nil {
			return fmt.Errorf("mongostore: increment view count: %w", err)
		}
		if res.MatchedCount == 0 {
			return store.ErrNotFound
		}
		return nil
	}
	filter := bson.M{
		"_id":     id,
		"deleted": false,
		"images":  bson.M{"$elemMatch": bson.M{"id": imageID}},
	}
	res, err := s.collections().UpdateOne(ctx, filter,
		bson.M{"$inc": bson.M{"viewCount": 1, "images.$[im].viewCount": 1}},
		options.Update().SetArrayFilters(options.ArrayFilters{Filters: []interface{}{
			bson.M{"im.id": imageID},
		}}))
	if err != nil {
		return fmt.Errorf("mongostore: increment image view count: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateTags(ctx context.Context, id primitive.ObjectID, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	res, err := s.collections().UpdateOne(ctx, liveFilter(id),
		bson.M{"$set": bson.M{"tags": tags, "updatedAt": now()}})
	if err != nil {
		return fmt.Errorf("mongostore: update tags: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpdateStatistics goes through the optimistic update loop so the
// recompute and the write see the same images array.
func (s *Store) UpdateStatistics(ctx context.Context, id primitive.ObjectID) (*collection.Collection, error) {
	return s.UpdateCollection(ctx, id, func(c *collection.Collection) error {
		c.RecomputeStatistics()
		return nil
	})
}

func (s *Store) DetachLibrary(ctx context.Context, libraryID primitive.ObjectID) (int64, error) {
	res, err := s.collections().UpdateMany(ctx,
		bson.M{"libraryId": libraryID},
		bson.M{"$unset": bson.M{"libraryId": ""}, "$set": bson.M{"updatedAt": now()}})
	if err != nil {
		return 0, fmt.Errorf("mongostore: detach library: %w", err)
	}
	return res.ModifiedCount, nil
}

func buildFilter(f store.CollectionFilter) bson.M {
	filter := bson.M{}
	if !f.IncludeDeleted {
		filter["deleted"] = false
	}
	if f.LibraryID != nil {
		filter["libraryId"] = *f.LibraryID
	}
	if f.Type != nil {
		filter["type"] = *f.Type
	}
	return filter
}

func sortDoc(s collection.Sort) bson.D {
	if !s.Valid() {
		s = collection.DefaultSort()
	}
	key := string(s.Field)
	switch s.Field {
	case collection.SortImageCount:
		key = "statistics.totalItems"
	case collection.SortTotalSize:
		key = "statistics.totalSize"
	}
	dir := 1
	if s.Direction == collection.Desc {
		dir = -1
	}
	return bson.D{{Key: key, Value: dir}, {Key: "_id", Value: 1}}
}

func (s *Store) QueryCollections(ctx context.Context, q store.CollectionQuery) ([]*collection.Collection, error) {
	opts := options.Find().SetSort(sortDoc(q.Sort))
	if q.Skip > 0 {
		opts.SetSkip(q.Skip)
	}
	if q.Limit > 0 {
		opts.SetLimit(q.Limit)
	}
	cur, err := s.collections().Find(ctx, buildFilter(q.Filter), opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: query collections: %w", err)
	}
	defer cur.Close(ctx)
	var out []*collection.Collection
	for cur.Next(ctx) {
		var c collection.Collection
		if err := cur.Decode(&c); err != nil {
			return nil, fmt.Errorf("mongostore: decode collection: %w", err)
		}
		out = append(out, &c)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongostore: query collections: %w", err)
	}
	return out, nil
}

func (s *Store) CountCollections(ctx context.Context, f store.CollectionFilter) (int64, error) {
	n, err := s.collections().CountDocuments(ctx, buildFilter(f))
	if err != nil {
		return 0, fmt.Errorf("mongostore: count collections: %w", err)
	}
	return n, nil
}

func (s *Store) EachCollection(ctx context.Context, f store.CollectionFilter, fn func(*collection.Collection) error) error {
	cur, err := s.collections().Find(ctx, buildFilter(f),
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return fmt.Errorf("mongostore: each collection: %w", err)
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		var c collection.Collection
		if err := cur.Decode(&c); err != nil {
			return fmt.Errorf("mongostore: decode collection: %w", err)
		}
		if err := fn(&c); err != nil {
			return err
		}
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("mongostore: each collection: %w", err)
	}
	return nil
}
