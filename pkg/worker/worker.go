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

// Package worker implements the queue consumers of the ingest
// pipeline: scan orchestration, image registration, thumbnail and
// cache rendering, collection creation and bulk operations.
//
// Handlers never raise into the broker client. A failure is either
// transient (the message is parked and retried) or permanent (the
// message is acked and a failure event goes to the dead-letter
// queue). The collection document is only ever mutated through the
// store; renditions are written temp+rename so readers never observe
// a partial file.
package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go4.org/syncutil/singleflight"
	"golang.org/x/time/rate"

	"github.com/imageshelf/imageshelf/pkg/archive"
	"github.com/imageshelf/imageshelf/pkg/bus"
	"github.com/imageshelf/imageshelf/pkg/collection"
	"github.com/imageshelf/imageshelf/pkg/config"
	"github.com/imageshelf/imageshelf/pkg/images"
	"github.com/imageshelf/imageshelf/pkg/scanner"
	"github.com/imageshelf/imageshelf/pkg/store"
)

// Publisher is the slice of bus.Publisher the workers need.
type Publisher interface {
	Publish(ctx context.Context, m bus.Message, opts ...bus.PublishOption) error
	PublishFailure(ctx context.Context, f *bus.Failure) error
}

// Indexer receives write-through navigation index updates. All calls
// are best-effort; the nightly rebuild reconciles anything missed.
type Indexer interface {
	Upsert(ctx context.Context, c *collection.Collection) error
	Remove(ctx context.Context, id string) error
	SetCachedThumbnail(ctx context.Context, collectionID string, data []byte) error
}

// Config wires a Worker. Store, Publisher, Scanner, Codec and DataDir
// are required; the rest defaults.
type Config struct {
	Store     store.Store
	Publisher Publisher
	Scanner   *scanner.Scanner
	Codec     *images.Codec

	// Index, when set, receives write-through updates after document
	// mutations.
	Index Indexer

	// QueueDepth, when set, is polled for cooperative backpressure
	// during scans. *bus.Conn's QueueDepth fits.
	QueueDepth func(queue string) (int, error)

	// DataDir is the root of the thumbnails/ and cache/ trees.
	DataDir string

	// ThumbWidth and ThumbHeight are the bounds used when a
	// generation message does not carry its own.
	ThumbWidth  int
	ThumbHeight int

	// CacheSizes are the rendition tiers fanned out per registered
	// image.
	CacheSizes []config.Size

	// ForceRegenerate makes every handler behave as if the message
	// had forceRegenerate set. Used by the worker binary's flag.
	ForceRegenerate bool

	// PublishRate and PublishBurst pace image.processing emission
	// during scans. Zero means 200/s, burst 50.
	PublishRate  float64
	PublishBurst int

	// QueueHighWater pauses scan emission while the image processing
	// queue sits at or above this depth. Zero means 5000.
	QueueHighWater int
}

// Worker holds the handlers for every work queue.
type Worker struct {
	store   store.Store
	pub     Publisher
	scan    *scanner.Scanner
	codec   *images.Codec
	idx     Indexer
	depth   func(queue string) (int, error)
	limiter *rate.Limiter
	single  singleflight.Group
	log     *logrus.Entry

	dataDir        string
	thumbW, thumbH int
	cacheSizes     []config.Size
	force          bool
	highWater      int
}

// New validates cfg and returns a ready Worker.
func New(cfg Config) (*Worker, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("worker: store is required")
	case cfg.Publisher == nil:
		return nil, fmt.Errorf("worker: publisher is required")
	case cfg.Scanner == nil:
		return nil, fmt.Errorf("worker: scanner is required")
	case cfg.Codec == nil:
		return nil, fmt.Errorf("worker: codec is required")
	case cfg.DataDir == "":
		return nil, fmt.Errorf("worker: data dir is required")
	}
	if cfg.ThumbWidth <= 0 {
		cfg.ThumbWidth = 300
	}
	if cfg.ThumbHeight <= 0 {
		cfg.ThumbHeight = 400
	}
	if len(cfg.CacheSizes) == 0 {
		cfg.CacheSizes = []config.Size{{Width: 1920, Height: 1080}}
	}
	if cfg.PublishRate <= 0 {
		cfg.PublishRate = 200
	}
	if cfg.PublishBurst <= 0 {
		cfg.PublishBurst = 50
	}
	if cfg.QueueHighWater <= 0 {
		cfg.QueueHighWater = 5000
	}
	return &Worker{
		store:      cfg.Store,
		pub:        cfg.Publisher,
		scan:       cfg.Scanner,
		codec:      cfg.Codec,
		idx:        cfg.Index,
		depth:      cfg.QueueDepth,
		limiter:    rate.NewLimiter(rate.Limit(cfg.PublishRate), cfg.PublishBurst),
		log:        logrus.WithField("component", "worker"),
		dataDir:    cfg.DataDir,
		thumbW:     cfg.ThumbWidth,
		thumbH:     cfg.ThumbHeight,
		cacheSizes: cfg.CacheSizes,
		force:      cfg.ForceRegenerate,
		highWater:  cfg.QueueHighWater,
	}, nil
}

// Handler returns the handler serving a queue.
func (w *Worker) Handler(queue string) (bus.HandlerFunc, bool) {
	switch queue {
	case bus.QueueCollectionScan:
		return w.HandleScanCollection, true
	case bus.QueueLibraryScan:
		return w.HandleScanLibrary, true
	case bus.QueueImageProcessing:
		return w.HandleProcessImage, true
	case bus.QueueThumbnailGeneration:
		return w.HandleGenerateThumbnail, true
	case bus.QueueCacheGeneration:
		return w.HandleGenerateCache, true
	case bus.QueueCollectionCreation:
		return w.HandleCreateCollection, true
	case bus.QueueBulkOperation:
		return w.HandleBulkOperation, true
	}
	return nil, false
}

// giveUp acks the message after publishing a failure event: the
// message can never succeed and retrying would only burn attempts.
func (w *Worker) giveUp(ctx context.Context, f *bus.Failure, cause error) (bus.Outcome, error) {
	f.Reason = cause.Error()
	if err := w.pub.PublishFailure(ctx, f); err != nil {
		w.log.WithError(err).Warn("failure event publish failed")
	}
	return bus.Ack, cause
}

// correlationOf returns the id downstream messages of e correlate
// under: the inherited correlation id, or e's own id at the head of a
// chain.
func correlationOf(e bus.Envelope) string {
	if e.CorrelationID != "" {
		return e.CorrelationID
	}
	return e.ID
}

// upsertIndex refreshes the navigation index after a document
// mutation. Best-effort: a failure is logged and reconciled by the
// next rebuild.
func (w *Worker) upsertIndex(ctx context.Context, id primitive.ObjectID) {
	if w.idx == nil {
		return
	}
	c, err := w.store.GetCollection(ctx, id)
	if err != nil {
		w.log.WithError(err).WithField("collection", id.Hex()).Debug("index refresh read failed")
		return
	}
	if err := w.idx.Upsert(ctx, c); err != nil {
		w.log.WithError(err).WithField("collection", id.Hex()).Warn("index update failed")
	}
}

// fileExists reports whether the rendition file at relPath is present
// under the data dir.
func (w *Worker) fileExists(relPath string) bool {
	fi, err := os.Stat(filepath.Join(w.dataDir, filepath.FromSlash(relPath)))
	return err == nil && fi.Mode().IsRegular()
}

// writeRendition writes data to relPath under the data dir through a
// temp file and rename, creating directories as needed.
func (w *Worker) writeRendition(relPath string, data []byte) error {
	abs := filepath.Join(w.dataDir, filepath.FromSlash(relPath))
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("worker: mkdir %s: %w", dir, err)
	}
	tf, err := os.CreateTemp(dir, "write-*.tmp")
	if err != nil {
		return fmt.Errorf("worker: temp file in %s: %w", dir, err)
	}
	_, err = tf.Write(data)
	if cerr := tf.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tf.Name(), abs)
	}
	if err != nil {
		os.Remove(tf.Name())
		return fmt.Errorf("worker: write %s: %w", abs, err)
	}
	return nil
}

// openSource opens the original bytes of img: a file under the
// collection's folder, or the matching entry streamed out of its
// archive.
func openSource(c *collection.Collection, img *collection.Image) (io.ReadCloser, error) {
	if !c.Type.IsArchive() {
		return os.Open(filepath.Join(c.Path, filepath.FromSlash(img.RelativePath)))
	}
	r, err := archive.Open(c.Path, c.Type)
	if err != nil {
		return nil, err
	}
	for {
		entry, err := r.Next()
		if err == io.EOF {
			r.Close()
			return nil, fmt.Errorf("worker: %s: no entry %q", c.Path, img.RelativePath)
		}
		if err != nil {
			r.Close()
			return nil, err
		}
		if entry.Name != img.RelativePath {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			r.Close()
			return nil, err
		}
		return &archiveSource{rc: rc, ar: r}, nil
	}
}

// archiveSource ties an entry stream's lifetime to its archive
// reader.
type archiveSource struct {
	rc io.ReadCloser
	ar archive.Reader
}

func (a *archiveSource) Read(p []byte) (int, error) { return a.rc.Read(p) }

func (a *archiveSource) Close() error {
	a.rc.Close()
	return a.ar.Close()
}
