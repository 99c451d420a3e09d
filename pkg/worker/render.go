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

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/imageshelf/imageshelf/pkg/bus"
	"github.com/imageshelf/imageshelf/pkg/collection"
	"github.com/imageshelf/imageshelf/pkg/images"
	"github.com/imageshelf/imageshelf/pkg/store"
)

// renderTarget resolves the common front half of both rendition
// handlers: the collection, the image record, and the effective
// bounds.
type renderTarget struct {
	c     *collection.Collection
	img   *collection.Image
	w, h  int
	force bool
}

// resolveRender loads the render target. On error the returned
// outcome says how to dispose of the message: Ack means the target is
// permanently gone and the caller should emit a failure event.
func (w *Worker) resolveRender(ctx context.Context, collectionID, imageID string, wpx, hpx int, force bool) (*renderTarget, bus.Outcome, error) {
	id, err := primitive.ObjectIDFromHex(collectionID)
	if err != nil {
		return nil, bus.Dead, fmt.Errorf("worker: bad collection id %q: %w", collectionID, err)
	}
	c, err := w.store.GetCollection(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, bus.Ack, fmt.Errorf("worker: collection %s: %w", collectionID, err)
		}
		return nil, bus.Requeue, err
	}
	img := c.FindImage(imageID)
	if img == nil {
		return nil, bus.Ack, fmt.Errorf("worker: collection %s has no image %s", collectionID, imageID)
	}
	if wpx <= 0 {
		wpx = w.thumbW
	}
	if hpx <= 0 {
		hpx = w.thumbH
	}
	return &renderTarget{c: c, img: img, w: wpx, h: hpx, force: force || w.force}, bus.Ack, nil
}

// HandleGenerateThumbnail renders one thumbnail. Re-delivery of an
// already-rendered message is a no-op: the record and the file both
// exist, so the handler acks without touching anything.
func (w *Worker) HandleGenerateThumbnail(ctx context.Context, m bus.Message) (bus.Outcome, error) {
	msg, ok := m.(*bus.GenerateThumbnail)
	if !ok {
		return bus.Dead, fmt.Errorf("worker: unexpected payload %T on thumbnail generation", m)
	}
	t, outcome, err := w.resolveRender(ctx, msg.CollectionID, msg.ImageID, msg.Width, msg.Height, msg.ForceRegenerate)
	if err != nil {
		if outcome == bus.Ack {
			return w.giveUp(ctx, w.renderFailure(msg.MessageType(), msg.ID, msg.CollectionID, msg.ImageID), err)
		}
		return outcome, err
	}

	if prev := t.c.FindThumbnail(t.img.ID, t.w, t.h); prev != nil && !t.force && w.fileExists(prev.Path) {
		w.renderLog("thumbnail", t).Info("skip, exists")
		return bus.Ack, nil
	}

	data, info, err := w.renderOnce(t, msg.Format, true)
	if err != nil {
		// Undecodable source; retrying cannot help.
		return w.giveUp(ctx, w.renderFailure(msg.MessageType(), msg.ID, msg.CollectionID, msg.ImageID), err)
	}
	relPath := collection.ThumbnailRelPath(t.c.ID, t.img.ID, t.w, t.h, images.ExtForFormat(info.Format))
	if err := w.writeRendition(relPath, data); err != nil {
		return bus.Requeue, err
	}

	th := collection.Thumbnail{
		ImageID:   t.img.ID,
		Width:     t.w,
		Height:    t.h,
		Path:      relPath,
		FileSize:  int64(len(data)),
		Format:    info.Format,
		CreatedAt: time.Now().UTC(),
	}
	res, err := w.store.AddThumbnail(ctx, t.c.ID, th)
	if errors.Is(err, store.ErrNotFound) {
		return w.giveUp(ctx, w.renderFailure(msg.MessageType(), msg.ID, msg.CollectionID, msg.ImageID), err)
	}
	if err != nil {
		return bus.Requeue, err
	}
	if !res.Added {
		// The record was already there but we re-rendered anyway
		// (missing file or forced): point it at the fresh file.
		if err := w.store.ReplaceThumbnail(ctx, t.c.ID, th); err != nil && !errors.Is(err, store.ErrNotFound) {
			return bus.Requeue, err
		}
	}

	if w.idx != nil && isCover(t.c, t.img.ID) && t.w == w.thumbW && t.h == w.thumbH {
		if err := w.idx.SetCachedThumbnail(ctx, t.c.ID.Hex(), data); err != nil {
			w.log.WithError(err).WithField("collection", msg.CollectionID).Warn("thumbnail cache write failed")
		}
	}
	w.upsertIndex(ctx, t.c.ID)
	w.renderLog("thumbnail", t).WithField("bytes", len(data)).Info("thumbnail written")
	return bus.Ack, nil
}

// HandleGenerateCache renders one cache rendition, with the same
// skip, replace and failure rules as thumbnails.
func (w *Worker) HandleGenerateCache(ctx context.Context, m bus.Message) (bus.Outcome, error) {
	msg, ok := m.(*bus.GenerateCache)
	if !ok {
		return bus.Dead, fmt.Errorf("worker: unexpected payload %T on cache generation", m)
	}
	t, outcome, err := w.resolveRender(ctx, msg.CollectionID, msg.ImageID, msg.Width, msg.Height, msg.ForceRegenerate)
	if err != nil {
		if outcome == bus.Ack {
			return w.giveUp(ctx, w.renderFailure(msg.MessageType(), msg.ID, msg.CollectionID, msg.ImageID), err)
		}
		return outcome, err
	}

	if prev := t.c.FindCacheImage(t.img.ID, t.w, t.h); prev != nil && !t.force && w.fileExists(prev.Path) {
		w.renderLog("cache", t).Info("skip, exists")
		return bus.Ack, nil
	}

	data, info, err := w.renderOnce(t, msg.Format, false)
	if err != nil {
		return w.giveUp(ctx, w.renderFailure(msg.MessageType(), msg.ID, msg.CollectionID, msg.ImageID), err)
	}
	relPath := collection.CacheRelPath(t.c.ID, t.img.ID, t.w, t.h, images.ExtForFormat(info.Format))
	if err := w.writeRendition(relPath, data); err != nil {
		return bus.Requeue, err
	}

	ci := collection.CacheImage{
		ImageID:   t.img.ID,
		Width:     t.w,
		Height:    t.h,
		Path:      relPath,
		FileSize:  int64(len(data)),
		Format:    info.Format,
		CreatedAt: time.Now().UTC(),
	}
	res, err := w.store.AddCacheImage(ctx, t.c.ID, ci)
	if errors.Is(err, store.ErrNotFound) {
		return w.giveUp(ctx, w.renderFailure(msg.MessageType(), msg.ID, msg.CollectionID, msg.ImageID), err)
	}
	if err != nil {
		return bus.Requeue, err
	}
	if !res.Added {
		if err := w.store.ReplaceCacheImage(ctx, t.c.ID, ci); err != nil && !errors.Is(err, store.ErrNotFound) {
			return bus.Requeue, err
		}
	}
	w.upsertIndex(ctx, t.c.ID)
	w.renderLog("cache", t).WithField("bytes", len(data)).Info("cache rendition written")
	return bus.Ack, nil
}

// render decodes the source and produces the rendition bytes. thumb
// selects fit-within scaling and thumbnail quality; otherwise the
// exact-size resize and cache quality are used.
func (w *Worker) render(t *renderTarget, format string, thumb bool) ([]byte, images.Info, error) {
	src, err := openSource(t.c, t.img)
	if err != nil {
		return nil, images.Info{}, err
	}
	defer src.Close()
	if thumb {
		return w.codec.Thumbnail(src, t.w, t.h, format, w.codec.ThumbQuality())
	}
	return w.codec.Resize(src, t.w, t.h, format, w.codec.CacheQuality())
}

type rendered struct {
	data []byte
	info images.Info
}

// renderOnce prevents decoding and resizing the same rendition at
// once from two concurrently delivered messages (e.g. a rescan
// fanning out while the first scan's messages are still queued).
func (w *Worker) renderOnce(t *renderTarget, format string, thumb bool) ([]byte, images.Info, error) {
	kind := "cache"
	if thumb {
		kind = "thumb"
	}
	key := fmt.Sprintf("%s|%s|%s|%dx%d|%s", kind, t.c.ID.Hex(), t.img.ID, t.w, t.h, format)
	v, err := w.single.Do(key, func() (interface{}, error) {
		data, info, err := w.render(t, format, thumb)
		if err != nil {
			return nil, err
		}
		return &rendered{data: data, info: info}, nil
	})
	if err != nil {
		return nil, images.Info{}, err
	}
	r := v.(*rendered)
	return r.data, r.info, nil
}

func (w *Worker) renderFailure(origType, origID, collectionID, imageID string) *bus.Failure {
	return &bus.Failure{
		OriginalType: origType,
		OriginalID:   origID,
		CollectionID: collectionID,
		ImageID:      imageID,
	}
}

func (w *Worker) renderLog(kind string, t *renderTarget) *logrus.Entry {
	return w.log.WithFields(logrus.Fields{
		"kind":       kind,
		"collection": t.c.ID.Hex(),
		"image":      t.img.ID,
		"size":       fmt.Sprintf("%dx%d", t.w, t.h),
	})
}

// isCover reports whether imageID is the collection's cover: the
// explicit cover, or the first image when none is set.
func isCover(c *collection.Collection, imageID string) bool {
	if c.CoverImage != "" {
		return c.CoverImage == imageID
	}
	return len(c.Images) > 0 && c.Images[0].ID == imageID
}
