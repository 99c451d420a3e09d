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
	"fmt"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/imageshelf/imageshelf/pkg/bus"
)

// Bulk item statuses.
const (
	StatusQueued    = "Queued"
	StatusSucceeded = "Succeeded"
	StatusSkipped   = "Skipped"
	StatusFailed    = "Failed"
)

// BulkItem is one collection's outcome within a bulk operation.
type BulkItem struct {
	CollectionID string `json:"collectionId"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

// BulkResult aggregates a bulk operation with partial-success
// semantics: individual failures never abort the rest.
type BulkResult struct {
	Operation string     `json:"operation"`
	Total     int        `json:"total"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	Results   []BulkItem `json:"results"`
}

// HandleBulkOperation runs one bulk message. The message is always
// acked; per-collection failures live in the logged result.
func (w *Worker) HandleBulkOperation(ctx context.Context, m bus.Message) (bus.Outcome, error) {
	msg, ok := m.(*bus.BulkOperation)
	if !ok {
		return bus.Dead, fmt.Errorf("worker: unexpected payload %T on bulk operation", m)
	}
	switch msg.Operation {
	case bus.BulkOpScan, bus.BulkOpRegenThumbnails, bus.BulkOpSoftDelete:
	default:
		return bus.Dead, fmt.Errorf("worker: unknown bulk operation %q", msg.Operation)
	}

	res := w.RunBulk(ctx, msg.Operation, msg.CollectionIDs, correlationOf(msg.Envelope))
	w.log.WithFields(logrus.Fields{
		"operation": res.Operation,
		"total":     res.Total,
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
	}).Info("bulk operation finished")
	return bus.Ack, nil
}

// RunBulk applies op to every id, collecting per-collection outcomes.
// Also called synchronously by the API layer.
func (w *Worker) RunBulk(ctx context.Context, op string, ids []string, corr string) *BulkResult {
	res := &BulkResult{Operation: op, Total: len(ids)}
	for _, raw := range ids {
		item := BulkItem{CollectionID: raw}
		id, err := primitive.ObjectIDFromHex(raw)
		if err != nil {
			item.Status, item.Error = StatusFailed, "invalid collection id"
			res.Failed++
			res.Results = append(res.Results, item)
			continue
		}
		switch op {
		case bus.BulkOpScan:
			err = w.bulkScan(ctx, raw, corr)
			item.Status = StatusQueued
		case bus.BulkOpRegenThumbnails:
			err = w.bulkRegenerate(ctx, id, corr)
			item.Status = StatusQueued
		case bus.BulkOpSoftDelete:
			err = w.bulkSoftDelete(ctx, id)
			item.Status = StatusSucceeded
		default:
			err = fmt.Errorf("unknown bulk operation %q", op)
		}
		if err != nil {
			item.Status, item.Error = StatusFailed, err.Error()
			res.Failed++
		} else {
			res.Succeeded++
		}
		res.Results = append(res.Results, item)
	}
	return res
}

func (w *Worker) bulkScan(ctx context.Context, id, corr string) error {
	scan := &bus.ScanCollection{
		CollectionID:      id,
		OverwriteExisting: true,
	}
	scan.CorrelationID = corr
	return w.pub.Publish(ctx, scan)
}

// bulkRegenerate re-queues forced rendition work for every image
// already recorded on the collection. No rescan happens; the document
// is the inventory.
func (w *Worker) bulkRegenerate(ctx context.Context, id primitive.ObjectID, corr string) error {
	c, err := w.store.GetCollection(ctx, id)
	if err != nil {
		return err
	}
	for i := range c.Images {
		img := &c.Images[i]
		th := &bus.GenerateThumbnail{
			CollectionID:    id.Hex(),
			ImageID:         img.ID,
			Width:           w.thumbW,
			Height:          w.thumbH,
			ForceRegenerate: true,
		}
		th.CorrelationID = corr
		out := make([]bus.Message, 0, 1+len(w.cacheSizes))
		out = append(out, th)
		for _, s := range w.cacheSizes {
			gc := &bus.GenerateCache{
				CollectionID:    id.Hex(),
				ImageID:         img.ID,
				Width:           s.Width,
				Height:          s.Height,
				ForceRegenerate: true,
			}
			gc.CorrelationID = corr
			out = append(out, gc)
		}
		for _, o := range out {
			if err := w.pub.Publish(ctx, o); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Worker) bulkSoftDelete(ctx context.Context, id primitive.ObjectID) error {
	if err := w.store.SoftDeleteCollection(ctx, id); err != nil {
		return err
	}
	if w.idx != nil {
		if err := w.idx.Remove(ctx, id.Hex()); err != nil {
			w.log.WithError(err).WithField("collection", id.Hex()).Warn("index removal failed")
		}
	}
	return nil
}
