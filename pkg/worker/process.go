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
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/imageshelf/imageshelf/pkg/bus"
	"github.com/imageshelf/imageshelf/pkg/collection"
	"github.com/imageshelf/imageshelf/pkg/store"
)

// HandleProcessImage records one discovered image on its collection
// and fans out rendition work. A duplicate descriptor produces no new
// renditions unless regeneration is forced, so re-running a scan over
// an unchanged tree is a no-op downstream.
func (w *Worker) HandleProcessImage(ctx context.Context, m bus.Message) (bus.Outcome, error) {
	msg, ok := m.(*bus.ProcessImage)
	if !ok {
		return bus.Dead, fmt.Errorf("worker: unexpected payload %T on image processing", m)
	}
	collID, err := primitive.ObjectIDFromHex(msg.CollectionID)
	if err != nil {
		return bus.Dead, fmt.Errorf("worker: bad collection id %q: %w", msg.CollectionID, err)
	}

	img := collection.Image{
		ID:           uuid.NewString(),
		Filename:     msg.Image.Filename,
		RelativePath: msg.Image.RelativePath,
		FileSize:     msg.Image.FileSize,
		Width:        msg.Image.Width,
		Height:       msg.Image.Height,
		Format:       msg.Image.Format,
		Metadata:     msg.Image.Metadata,
		AddedAt:      time.Now().UTC(),
	}
	res, err := w.store.AddImage(ctx, collID, img)
	if errors.Is(err, store.ErrNotFound) {
		return w.giveUp(ctx, &bus.Failure{
			OriginalType: msg.MessageType(),
			OriginalID:   msg.ID,
			CollectionID: msg.CollectionID,
		}, fmt.Errorf("worker: register %s: %w", msg.Image.RelativePath, err))
	}
	if err != nil {
		return bus.Requeue, err
	}

	force := msg.ForceRegenerate || w.force
	if !res.Added && !force {
		w.log.WithFields(logrus.Fields{
			"collection": msg.CollectionID,
			"image":      res.Image.ID,
			"file":       msg.Image.RelativePath,
		}).Debug("duplicate image; no rendition work")
		return bus.Ack, nil
	}
	if res.Added {
		w.upsertIndex(ctx, collID)
	}

	// Fan out against the stored element's id: on the duplicate-with-
	// force path that is the existing record, not the discarded one.
	imageID := res.Image.ID
	corr := correlationOf(msg.Envelope)
	th := &bus.GenerateThumbnail{
		CollectionID:    msg.CollectionID,
		ImageID:         imageID,
		Width:           w.thumbW,
		Height:          w.thumbH,
		ForceRegenerate: force,
	}
	th.CorrelationID = corr
	out := make([]bus.Message, 0, 1+len(w.cacheSizes))
	out = append(out, th)
	for _, s := range w.cacheSizes {
		gc := &bus.GenerateCache{
			CollectionID:    msg.CollectionID,
			ImageID:         imageID,
			Width:           s.Width,
			Height:          s.Height,
			ForceRegenerate: force,
		}
		gc.CorrelationID = corr
		out = append(out, gc)
	}
	for _, o := range out {
		if err := w.pub.Publish(ctx, o); err != nil {
			// Renditions are idempotent, so the retry re-publishing a
			// few of them is harmless.
			return bus.Requeue, err
		}
	}
	return bus.Ack, nil
}
