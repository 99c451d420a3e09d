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
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/imageshelf/imageshelf/pkg/bus"
	"github.com/imageshelf/imageshelf/pkg/collection"
	"github.com/imageshelf/imageshelf/pkg/scanner"
	"github.com/imageshelf/imageshelf/pkg/store"
)

const (
	// depthCheckEvery is how many emitted descriptors pass between
	// queue-depth probes.
	depthCheckEvery = 100
	// backpressurePoll is the re-check interval while the processing
	// queue sits above the high-water mark.
	backpressurePoll = 500 * time.Millisecond
)

// HandleScanLibrary expands a library scan into one collection scan
// per collection of the library.
func (w *Worker) HandleScanLibrary(ctx context.Context, m bus.Message) (bus.Outcome, error) {
	msg, ok := m.(*bus.ScanLibrary)
	if !ok {
		return bus.Dead, fmt.Errorf("worker: unexpected payload %T on library scan", m)
	}
	libID, err := primitive.ObjectIDFromHex(msg.LibraryID)
	if err != nil {
		return bus.Dead, fmt.Errorf("worker: bad library id %q: %w", msg.LibraryID, err)
	}
	lib, err := w.store.GetLibrary(ctx, libID)
	if errors.Is(err, store.ErrNotFound) {
		return w.giveUp(ctx, &bus.Failure{
			OriginalType: msg.MessageType(),
			OriginalID:   msg.ID,
		}, fmt.Errorf("worker: library %s: %w", msg.LibraryID, err))
	}
	if err != nil {
		return bus.Requeue, err
	}

	corr := correlationOf(msg.Envelope)
	expanded := 0
	err = w.store.EachCollection(ctx, store.CollectionFilter{LibraryID: &libID}, func(c *collection.Collection) error {
		scan := &bus.ScanCollection{
			CollectionID:      c.ID.Hex(),
			OverwriteExisting: msg.OverwriteExisting,
			ForceRegenerate:   msg.ForceRegenerate,
		}
		scan.CorrelationID = corr
		if err := w.pub.Publish(ctx, scan); err != nil {
			return err
		}
		expanded++
		return nil
	})
	if err != nil {
		return bus.Requeue, err
	}
	w.log.WithFields(logrus.Fields{
		"library":     msg.LibraryID,
		"name":        lib.Name,
		"collections": expanded,
	}).Info("library scan expanded")
	return bus.Ack, nil
}

// HandleScanCollection enumerates a collection's files and emits one
// image.processing message per discovered descriptor. A collection
// that was already scanned is skipped unless the request asks to
// overwrite.
func (w *Worker) HandleScanCollection(ctx context.Context, m bus.Message) (bus.Outcome, error) {
	msg, ok := m.(*bus.ScanCollection)
	if !ok {
		return bus.Dead, fmt.Errorf("worker: unexpected payload %T on collection scan", m)
	}

	var (
		c   *collection.Collection
		err error
	)
	switch {
	case msg.CollectionID != "":
		var id primitive.ObjectID
		if id, err = primitive.ObjectIDFromHex(msg.CollectionID); err != nil {
			return bus.Dead, fmt.Errorf("worker: bad collection id %q: %w", msg.CollectionID, err)
		}
		c, err = w.store.GetCollection(ctx, id)
	case msg.Path != "":
		c, err = w.store.GetCollectionByPath(ctx, msg.Path)
	default:
		return bus.Dead, fmt.Errorf("worker: scan names neither collection nor path")
	}
	if errors.Is(err, store.ErrNotFound) {
		return w.giveUp(ctx, &bus.Failure{
			OriginalType: msg.MessageType(),
			OriginalID:   msg.ID,
			CollectionID: msg.CollectionID,
		}, fmt.Errorf("worker: scan target %s%s: %w", msg.CollectionID, msg.Path, err))
	}
	if err != nil {
		return bus.Requeue, err
	}

	if !msg.OverwriteExisting && len(c.Images) > 0 {
		w.log.WithFields(logrus.Fields{
			"collection": c.ID.Hex(),
			"path":       c.Path,
			"status":     "Skipped",
		}).Info("scan skipped: collection already scanned")
		return bus.Ack, nil
	}

	force := msg.ForceRegenerate || w.force
	start := time.Now()
	published, sum, err := w.publishScan(ctx, c, force, correlationOf(msg.Envelope))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return w.giveUp(ctx, &bus.Failure{
				OriginalType: msg.MessageType(),
				OriginalID:   msg.ID,
				CollectionID: c.ID.Hex(),
			}, fmt.Errorf("worker: scan %s: %w", c.Path, err))
		}
		return bus.Requeue, err
	}
	w.log.WithFields(logrus.Fields{
		"collection": c.ID.Hex(),
		"path":       c.Path,
		"found":      sum.Found,
		"skipped":    sum.Skipped,
		"published":  published,
		"elapsed":    time.Since(start).Round(time.Millisecond),
	}).Info("scan finished")
	return bus.Ack, nil
}

// publishScan walks the collection and publishes one processing
// message per probed image, paced by the rate limiter and the
// processing queue's depth.
func (w *Worker) publishScan(ctx context.Context, c *collection.Collection, force bool, corr string) (int, scanner.Summary, error) {
	published := 0
	sum, err := w.scan.Scan(ctx, c.Path, c.Type, func(it scanner.Item) error {
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}
		if published%depthCheckEvery == 0 {
			if err := w.waitForRoom(ctx); err != nil {
				return err
			}
		}
		pm := &bus.ProcessImage{
			CollectionID:    c.ID.Hex(),
			ForceRegenerate: force,
			Image: bus.ImageDescriptor{
				Filename:     it.Filename,
				RelativePath: it.RelativePath,
				FileSize:     it.FileSize,
				Width:        it.Width,
				Height:       it.Height,
				Format:       it.Format,
				Metadata:     it.Metadata,
			},
		}
		pm.CorrelationID = corr
		if err := w.pub.Publish(ctx, pm); err != nil {
			return err
		}
		published++
		return nil
	})
	return published, sum, err
}

// waitForRoom blocks while the image processing queue sits at or
// above the high-water mark. A depth probe failure disables the
// check rather than stalling the scan.
func (w *Worker) waitForRoom(ctx context.Context) error {
	if w.depth == nil {
		return nil
	}
	for {
		n, err := w.depth(bus.QueueImageProcessing)
		if err != nil {
			w.log.WithError(err).Debug("queue depth probe failed; continuing unpaced")
			return nil
		}
		if n < w.highWater {
			return nil
		}
		w.log.WithFields(logrus.Fields{"queue": bus.QueueImageProcessing, "depth": n}).
			Info("pausing scan emission: queue above high water")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backpressurePoll):
		}
	}
}
