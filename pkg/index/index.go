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

package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/imageshelf/imageshelf/pkg/collection"
	"github.com/imageshelf/imageshelf/pkg/store"
)

// ErrNotIndexed is returned when a collection has no entry in the
// index. Callers fall back to the store and let the next rebuild
// reconcile.
var ErrNotIndexed = errors.New("index: not indexed")

// rebuildBatch is how many pipelined commands a rebuild buffers
// before flushing.
const rebuildBatch = 400

// Index is the navigation index over one Redis keyspace. Safe for
// concurrent use.
type Index struct {
	c        redis.UniversalClient
	log      *logrus.Entry
	thumbTTL time.Duration
}

// New wraps an existing client. thumbTTL bounds how long cached
// thumbnail blobs live; zero or anything beyond 30 days becomes 30
// days.
func New(client redis.UniversalClient, thumbTTL time.Duration) *Index {
	if thumbTTL <= 0 || thumbTTL > maxThumbTTL {
		thumbTTL = maxThumbTTL
	}
	return &Index{
		c:        client,
		log:      logrus.WithField("component", "index"),
		thumbTTL: thumbTTL,
	}
}

// Open connects to a redis:// URL and wraps it.
func Open(url string, thumbTTL time.Duration) (*Index, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("index: parse url: %w", err)
	}
	return New(redis.NewClient(opts), thumbTTL), nil
}

// Ping checks the connection.
func (x *Index) Ping(ctx context.Context) error {
	if err := x.c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("index: ping: %w", err)
	}
	return nil
}

// Close releases the client.
func (x *Index) Close() error { return x.c.Close() }

// Upsert writes c into every sorted set it belongs to and refreshes
// its summary. A deleted collection is removed instead. If c moved
// to a different library since it was last indexed, the stale
// per-library entries are dropped first.
func (x *Index) Upsert(ctx context.Context, c *collection.Collection) error {
	if c.Deleted {
		return x.Remove(ctx, c.ID.Hex())
	}
	id := c.ID.Hex()
	sum := collection.Summarize(c)

	prev, err := x.summary(ctx, id)
	if err != nil && !errors.Is(err, ErrNotIndexed) {
		return err
	}

	pipe := x.c.TxPipeline()
	if prev != nil && prev.LibraryID != "" && prev.LibraryID != sum.LibraryID {
		for _, s := range allSorts() {
			pipe.ZRem(ctx, libraryKey(prev.LibraryID, s), id)
		}
	}
	if err := addToPipe(ctx, pipe, c, sum); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index: upsert %s: %w", id, err)
	}
	return nil
}

// Remove drops a collection from the index: its sorted-set entries,
// summary and cached thumbnail. Scoped sets are resolved through the
// stored summary; without one, leftovers in scoped sets wait for the
// next rebuild.
func (x *Index) Remove(ctx context.Context, id string) error {
	sum, err := x.summary(ctx, id)
	if err != nil && !errors.Is(err, ErrNotIndexed) {
		return err
	}

	pipe := x.c.TxPipeline()
	for _, s := range allSorts() {
		pipe.ZRem(ctx, sortedKey(s), id)
		if sum != nil {
			if sum.LibraryID != "" {
				pipe.ZRem(ctx, libraryKey(sum.LibraryID, s), id)
			}
			pipe.ZRem(ctx, typeKey(sum.Type, s), id)
		}
	}
	pipe.Del(ctx, dataKey(id), thumbKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index: remove %s: %w", id, err)
	}
	return nil
}

// Rebuild reindexes every non-deleted collection from src: clears
// the sorted sets and summaries (thumbnail blobs persist), streams
// the store in id order with batched pipelines, and stamps the meta
// keys. Concurrent upserts need no lock; a collection mutated during
// the rebuild is simply re-upserted after it by its own write path.
func (x *Index) Rebuild(ctx context.Context, src store.CollectionStore) (int, error) {
	start := time.Now()
	if err := x.deleteMatching(ctx, keyPrefix+":sorted:*", keyPrefix+":data:*"); err != nil {
		return 0, fmt.Errorf("index: clear before rebuild: %w", err)
	}

	pipe := x.c.Pipeline()
	n := 0
	err := src.EachCollection(ctx, store.CollectionFilter{}, func(c *collection.Collection) error {
		if err := addToPipe(ctx, pipe, c, collection.Summarize(c)); err != nil {
			return err
		}
		n++
		if pipe.Len() >= rebuildBatch {
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("index: rebuild batch: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return n, err
	}
	pipe.Set(ctx, keyMetaTotal, n, 0)
	pipe.Set(ctx, keyMetaLastRebuild, start.UTC().Format(time.RFC3339Nano), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return n, fmt.Errorf("index: rebuild finalize: %w", err)
	}
	x.log.WithFields(logrus.Fields{
		"collections": n,
		"elapsed":     time.Since(start),
	}).Info("index rebuilt")
	return n, nil
}

// Stats describe the index's freshness.
type Stats struct {
	// Total is the collection count stamped by the last rebuild.
	Total int
	// Indexed is the current cardinality of the default sort set.
	Indexed int64
	// LastRebuild is zero if no rebuild ever ran.
	LastRebuild time.Time
}

// ReadStats returns rebuild metadata and the live set size.
func (x *Index) ReadStats(ctx context.Context) (Stats, error) {
	var st Stats
	card, err := x.c.ZCard(ctx, sortedKey(collection.DefaultSort())).Result()
	if err != nil {
		return st, fmt.Errorf("index: stats: %w", err)
	}
	st.Indexed = card

	if v, err := x.c.Get(ctx, keyMetaTotal).Result(); err == nil {
		st.Total, _ = strconv.Atoi(v)
	} else if !errors.Is(err, redis.Nil) {
		return st, fmt.Errorf("index: stats: %w", err)
	}
	if v, err := x.c.Get(ctx, keyMetaLastRebuild).Result(); err == nil {
		st.LastRebuild, _ = time.Parse(time.RFC3339Nano, v)
	} else if !errors.Is(err, redis.Nil) {
		return st, fmt.Errorf("index: stats: %w", err)
	}
	return st, nil
}

// allSorts enumerates every (field, direction) pair.
func allSorts() []collection.Sort {
	fields := collection.SortFields()
	out := make([]collection.Sort, 0, len(fields)*2)
	for _, f := range fields {
		out = append(out,
			collection.Sort{Field: f, Direction: collection.Asc},
			collection.Sort{Field: f, Direction: collection.Desc})
	}
	return out
}

// addToPipe queues the full set of writes for one collection.
func addToPipe(ctx context.Context, pipe redis.Pipeliner, c *collection.Collection, sum *collection.Summary) error {
	id := c.ID.Hex()
	data, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("index: marshal summary %s: %w", id, err)
	}
	for _, f := range collection.SortFields() {
		score := scoreFor(c, f)
		for _, d := range []collection.SortDirection{collection.Asc, collection.Desc} {
			s := collection.Sort{Field: f, Direction: d}
			z := redis.Z{Score: signedScore(score, d), Member: id}
			pipe.ZAdd(ctx, sortedKey(s), z)
			pipe.ZAdd(ctx, typeKey(c.Type, s), z)
			if sum.LibraryID != "" {
				pipe.ZAdd(ctx, libraryKey(sum.LibraryID, s), z)
			}
		}
	}
	pipe.Set(ctx, dataKey(id), data, 0)
	return nil
}

// summary reads one stored summary; ErrNotIndexed when absent.
func (x *Index) summary(ctx context.Context, id string) (*collection.Summary, error) {
	b, err := x.c.Get(ctx, dataKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotIndexed, id)
	}
	if err != nil {
		return nil, fmt.Errorf("index: get summary %s: %w", id, err)
	}
	var sum collection.Summary
	if err := json.Unmarshal(b, &sum); err != nil {
		return nil, fmt.Errorf("index: decode summary %s: %w", id, err)
	}
	return &sum, nil
}

// summaries MGETs ids in order, skipping entries whose summary is
// missing or undecodable.
func (x *Index) summaries(ctx context.Context, ids []string) ([]collection.Summary, error) {
	if len(ids) == 0 {
		return []collection.Summary{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = dataKey(id)
	}
	vals, err := x.c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("index: mget summaries: %w", err)
	}
	out := make([]collection.Summary, 0, len(ids))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			x.log.WithField("collection", ids[i]).Debug("summary missing; skipped")
			continue
		}
		var sum collection.Summary
		if err := json.Unmarshal([]byte(s), &sum); err != nil {
			x.log.WithError(err).WithField("collection", ids[i]).Warn("undecodable summary; skipped")
			continue
		}
		out = append(out, sum)
	}
	return out, nil
}

// deleteMatching SCANs each pattern and deletes keys in batches.
func (x *Index) deleteMatching(ctx context.Context, patterns ...string) error {
	for _, pat := range patterns {
		iter := x.c.Scan(ctx, 0, pat, 500).Iterator()
		keys := make([]string, 0, 500)
		flush := func() error {
			if len(keys) == 0 {
				return nil
			}
			err := x.c.Del(ctx, keys...).Err()
			keys = keys[:0]
			return err
		}
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
			if len(keys) == cap(keys) {
				if err := flush(); err != nil {
					return fmt.Errorf("index: delete %q: %w", pat, err)
				}
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("index: scan %q: %w", pat, err)
		}
		if err := flush(); err != nil {
			return fmt.Errorf("index: delete %q: %w", pat, err)
		}
	}
	return nil
}
