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

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/imageshelf/imageshelf/pkg/bus"
	"github.com/imageshelf/imageshelf/pkg/collection"
	"github.com/imageshelf/imageshelf/pkg/store"
)

// Publisher is the slice of the message bus the built-in handlers
// publish through.
type Publisher interface {
	Publish(ctx context.Context, m bus.Message, opts ...bus.PublishOption) error
}

// Rebuilder rebuilds the navigation index from the store.
type Rebuilder interface {
	Rebuild(ctx context.Context, src store.CollectionStore) (int, error)
}

// NewLibraryScanHandler returns the library-scan handler: it
// publishes one library scan message for the job's library, carrying
// the library's overwrite setting. Workers expand it to
// per-collection scans.
func NewLibraryScanHandler(pub Publisher, st store.LibraryStore) Handler {
	return func(ctx context.Context, j *collection.ScheduledJob) (map[string]int64, error) {
		libID, err := jobLibraryID(j)
		if err != nil {
			return nil, err
		}
		lib, err := st.GetLibrary(ctx, libID)
		if err != nil {
			return nil, fmt.Errorf("scheduler: library %s: %w", libID.Hex(), err)
		}
		msg := &bus.ScanLibrary{
			LibraryID:         libID.Hex(),
			OverwriteExisting: lib.Settings.OverwriteExisting,
		}
		if err := pub.Publish(ctx, msg); err != nil {
			return nil, err
		}
		return map[string]int64{"published": 1}, nil
	}
}

// jobLibraryID resolves the library a job is bound to, from the
// typed field or the parameter bag.
func jobLibraryID(j *collection.ScheduledJob) (primitive.ObjectID, error) {
	if j.LibraryID != nil {
		return *j.LibraryID, nil
	}
	if hex, ok := j.Parameters["libraryId"]; ok {
		id, err := primitive.ObjectIDFromHex(hex)
		if err != nil {
			return primitive.NilObjectID, fmt.Errorf("scheduler: job %s libraryId %q: %w", j.Name, hex, err)
		}
		return id, nil
	}
	return primitive.NilObjectID, fmt.Errorf("scheduler: job %s has no library", j.Name)
}

// NewIndexRebuildHandler returns the index-rebuild handler, the
// nightly reconciliation the best-effort index depends on.
func NewIndexRebuildHandler(x Rebuilder, st store.CollectionStore) Handler {
	return func(ctx context.Context, j *collection.ScheduledJob) (map[string]int64, error) {
		n, err := x.Rebuild(ctx, st)
		if err != nil {
			return nil, err
		}
		return map[string]int64{"indexed": int64(n)}, nil
	}
}

// NewCacheCleanupHandler returns the cache-cleanup handler. It walks
// the thumbnails/ and cache/ trees under dataDir and removes files
// older than maxAge whose collection or rendition record is gone.
// Referenced files are kept regardless of age.
func NewCacheCleanupHandler(dataDir string, maxAge time.Duration, st store.CollectionStore) Handler {
	log := logrus.WithField("component", "cache-cleanup")
	return func(ctx context.Context, j *collection.ScheduledJob) (map[string]int64, error) {
		cutoff := time.Now().Add(-maxAge)
		stats := map[string]int64{"scannedFiles": 0, "removedFiles": 0, "removedDirs": 0}

		for _, root := range []string{"thumbnails", "cache"} {
			rootDir := filepath.Join(dataDir, root)
			dirs, err := os.ReadDir(rootDir)
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				return stats, fmt.Errorf("scheduler: read %s: %w", rootDir, err)
			}
			for _, d := range dirs {
				if err := ctx.Err(); err != nil {
					return stats, err
				}
				if !d.IsDir() {
					continue
				}
				collID, err := primitive.ObjectIDFromHex(d.Name())
				if err != nil {
					continue
				}
				c, err := st.GetCollection(ctx, collID)
				collGone := errors.Is(err, store.ErrNotFound)
				if err != nil && !collGone {
					log.WithError(err).WithField("collection", d.Name()).Warn("skipping collection dir")
					continue
				}
				cleanRenditionDir(log, filepath.Join(rootDir, d.Name()), root, c, collGone, cutoff, stats)
			}
		}
		return stats, nil
	}
}

// cleanRenditionDir prunes one collection's rendition directory.
// c is nil when collGone.
func cleanRenditionDir(log *logrus.Entry, dir, root string, c *collection.Collection, collGone bool, cutoff time.Time, stats map[string]int64) {
	files, err := os.ReadDir(dir)
	if err != nil {
		log.WithError(err).WithField("dir", dir).Warn("unreadable rendition dir")
		return
	}
	left := len(files)
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		stats["scannedFiles"]++
		info, err := f.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if !collGone {
			imageID, w, h, ok := parseRenditionName(f.Name())
			if !ok {
				continue
			}
			referenced := false
			if root == "thumbnails" {
				referenced = c.FindThumbnail(imageID, w, h) != nil
			} else {
				referenced = c.FindCacheImage(imageID, w, h) != nil
			}
			if referenced {
				continue
			}
		}
		if err := os.Remove(filepath.Join(dir, f.Name())); err != nil {
			log.WithError(err).WithField("file", f.Name()).Warn("cannot remove stale rendition")
			continue
		}
		stats["removedFiles"]++
		left--
	}
	if left == 0 {
		if err := os.Remove(dir); err == nil {
			stats["removedDirs"]++
		}
	}
}

// parseRenditionName splits "imageId_WxH.ext" into its parts.
func parseRenditionName(name string) (imageID string, w, h int, ok bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	i := strings.LastIndex(base, "_")
	if i <= 0 {
		return "", 0, 0, false
	}
	ws, hs, found := strings.Cut(base[i+1:], "x")
	if !found {
		return "", 0, 0, false
	}
	w, err1 := strconv.Atoi(ws)
	h, err2 := strconv.Atoi(hs)
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return "", 0, 0, false
	}
	return base[:i], w, h, true
}
