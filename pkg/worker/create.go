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
	"path/filepath"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/imageshelf/imageshelf/pkg/bus"
	"github.com/imageshelf/imageshelf/pkg/collection"
	"github.com/imageshelf/imageshelf/pkg/store"
)

// HandleCreateCollection registers a collection document. A path
// conflict is not a failure: the request is marked Skipped with the
// existing id. ScanAfterCreate queues a scan either way; whether an
// already-scanned collection is re-walked is the orchestrator's
// overwrite decision, not creation's.
func (w *Worker) HandleCreateCollection(ctx context.Context, m bus.Message) (bus.Outcome, error) {
	msg, ok := m.(*bus.CreateCollection)
	if !ok {
		return bus.Dead, fmt.Errorf("worker: unexpected payload %T on collection creation", m)
	}

	var (
		typ collection.Type
		err error
	)
	if msg.Type != "" {
		if typ, err = collection.ParseType(msg.Type); err != nil {
			return bus.Dead, err
		}
	} else if typ, err = w.scan.DetectType(msg.Path); err != nil {
		return w.giveUp(ctx, &bus.Failure{
			OriginalType: msg.MessageType(),
			OriginalID:   msg.ID,
		}, fmt.Errorf("worker: detect type of %s: %w", msg.Path, err))
	}

	c := &collection.Collection{
		Name: msg.Name,
		Path: msg.Path,
		Type: typ,
	}
	if c.Name == "" {
		c.Name = filepath.Base(msg.Path)
	}
	if msg.LibraryID != "" {
		libID, err := primitive.ObjectIDFromHex(msg.LibraryID)
		if err != nil {
			return bus.Dead, fmt.Errorf("worker: bad library id %q: %w", msg.LibraryID, err)
		}
		c.LibraryID = &libID
	}
	if err := c.Validate(); err != nil {
		return bus.Dead, err
	}

	corr := correlationOf(msg.Envelope)
	err = w.store.CreateCollection(ctx, c)
	var pe *store.PathExistsError
	if errors.As(err, &pe) {
		w.log.WithFields(logrus.Fields{
			"path":       msg.Path,
			"existingId": pe.ExistingID.Hex(),
			"status":     "Skipped",
		}).Info("creation skipped: path already registered")
		if msg.ScanAfterCreate {
			return w.queueScan(ctx, pe.ExistingID, msg, corr)
		}
		return bus.Ack, nil
	}
	if err != nil {
		return bus.Requeue, err
	}

	w.upsertIndex(ctx, c.ID)
	w.log.WithFields(logrus.Fields{
		"collection": c.ID.Hex(),
		"path":       c.Path,
		"type":       c.Type,
	}).Info("collection created")
	if msg.ScanAfterCreate {
		return w.queueScan(ctx, c.ID, msg, corr)
	}
	return bus.Ack, nil
}

func (w *Worker) queueScan(ctx context.Context, id primitive.ObjectID, msg *bus.CreateCollection, corr string) (bus.Outcome, error) {
	scan := &bus.ScanCollection{
		CollectionID:      id.Hex(),
		OverwriteExisting: msg.OverwriteExisting,
	}
	scan.CorrelationID = corr
	if err := w.pub.Publish(ctx, scan); err != nil {
		// The document exists; re-delivery will land on the Skipped
		// path and still queue this scan.
		return bus.Requeue, err
	}
	return bus.Ack, nil
}
