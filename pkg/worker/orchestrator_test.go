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
	"path/filepath"
	"testing"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/imageshelf/imageshelf/pkg/bus"
	"github.com/imageshelf/imageshelf/pkg/collection"
	"github.com/imageshelf/imageshelf/pkg/store"
)

func TestScanCollectionPublishesDescriptors(t *testing.T) {
	ctx := context.Background()
	w, mem, pub := newTestWorker(t)

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.jpg"), testJPEG(t, 20, 10))
	writeFile(t, filepath.Join(src, "nested", "b.jpg"), testJPEG(t, 30, 15))
	writeFile(t, filepath.Join(src, "notes.txt"), []byte("not an image"))
	c := mustCreate(t, mem, &collection.Collection{Name: "m", Path: src, Type: collection.TypeFolder})

	msg := &bus.ScanCollection{CollectionID: c.ID.Hex(), OverwriteExisting: false}
	msg.ID = "scan-1"
	outcome, err := w.HandleScanCollection(ctx, msg)
	if outcome != bus.Ack || err != nil {
		t.Fatalf("HandleScanCollection = %v, %v; want Ack, nil", outcome, err)
	}

	procs := pub.ofType(bus.TypeProcessImage)
	if len(procs) != 2 {
		t.Fatalf("image.processing messages = %d; want 2", len(procs))
	}
	byPath := map[string]*bus.ProcessImage{}
	for _, m := range procs {
		pm := m.(*bus.ProcessImage)
		byPath[pm.Image.RelativePath] = pm
		if pm.CollectionID != c.ID.Hex() {
			t.Errorf("message collection = %q; want %q", pm.CollectionID, c.ID.Hex())
		}
		if pm.CorrelationID != "scan-1" {
			t.Errorf("correlationId = %q; want scan-1", pm.CorrelationID)
		}
	}
	if byPath["a.jpg"] == nil || byPath["nested/b.jpg"] == nil {
		t.Fatalf("descriptor paths = %v; want a.jpg and nested/b.jpg", byPath)
	}
	if got := byPath["a.jpg"].Image; got.Width != 20 || got.Height != 10 || got.Format != "jpeg" {
		t.Errorf("a.jpg probed as %dx%d %s; want 20x10 jpeg", got.Width, got.Height, got.Format)
	}
}

func TestScanCollectionSkipsWhenNotOverwriting(t *testing.T) {
	ctx := context.Background()
	w, mem, pub := newTestWorker(t)

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.jpg"), testJPEG(t, 20, 10))
	c := mustCreate(t, mem, &collection.Collection{Name: "m1", Path: src, Type: collection.TypeFolder})
	if _, err := mem.AddImage(ctx, c.ID, collection.Image{ID: "x", Filename: "a.jpg", RelativePath: "a.jpg"}); err != nil {
		t.Fatal(err)
	}
	before, _ := mem.GetCollection(ctx, c.ID)

	outcome, err := w.HandleScanCollection(ctx, &bus.ScanCollection{CollectionID: c.ID.Hex(), OverwriteExisting: false})
	if outcome != bus.Ack || err != nil {
		t.Fatalf("HandleScanCollection = %v, %v; want Ack, nil", outcome, err)
	}
	if got := pub.ofType(bus.TypeProcessImage); len(got) != 0 {
		t.Errorf("skipped scan published %d image.processing messages; want 0", len(got))
	}
	after, _ := mem.GetCollection(ctx, c.ID)
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("skipped scan touched the document: updatedAt %v -> %v", before.UpdatedAt, after.UpdatedAt)
	}
}

func TestScanCollectionOverwriteRescans(t *testing.T) {
	ctx := context.Background()
	w, mem, pub := newTestWorker(t)

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.jpg"), testJPEG(t, 20, 10))
	c := mustCreate(t, mem, &collection.Collection{Name: "m", Path: src, Type: collection.TypeFolder})
	if _, err := mem.AddImage(ctx, c.ID, collection.Image{ID: "x", Filename: "a.jpg", RelativePath: "a.jpg"}); err != nil {
		t.Fatal(err)
	}

	outcome, err := w.HandleScanCollection(ctx, &bus.ScanCollection{CollectionID: c.ID.Hex(), OverwriteExisting: true})
	if outcome != bus.Ack || err != nil {
		t.Fatalf("HandleScanCollection = %v, %v; want Ack, nil", outcome, err)
	}
	if got := pub.ofType(bus.TypeProcessImage); len(got) != 1 {
		t.Errorf("overwrite scan published %d messages; want 1", len(got))
	}
}

func TestScanCollectionByPath(t *testing.T) {
	ctx := context.Background()
	w, mem, pub := newTestWorker(t)

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.jpg"), testJPEG(t, 20, 10))
	mustCreate(t, mem, &collection.Collection{Name: "m", Path: src, Type: collection.TypeFolder})

	outcome, err := w.HandleScanCollection(ctx, &bus.ScanCollection{Path: src})
	if outcome != bus.Ack || err != nil {
		t.Fatalf("HandleScanCollection by path = %v, %v; want Ack, nil", outcome, err)
	}
	if got := pub.ofType(bus.TypeProcessImage); len(got) != 1 {
		t.Errorf("path scan published %d messages; want 1", len(got))
	}
}

func TestScanCollectionMissingTarget(t *testing.T) {
	ctx := context.Background()
	w, _, pub := newTestWorker(t)

	outcome, err := w.HandleScanCollection(ctx, &bus.ScanCollection{CollectionID: primitive.NewObjectID().Hex()})
	if outcome != bus.Ack {
		t.Fatalf("outcome = %v; want Ack", outcome)
	}
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v; want wrapped store.ErrNotFound", err)
	}
	if pub.failureCount() != 1 {
		t.Errorf("failure events = %d; want 1", pub.failureCount())
	}

	if outcome, _ := w.HandleScanCollection(ctx, &bus.ScanCollection{}); outcome != bus.Dead {
		t.Errorf("empty scan target outcome = %v; want Dead", outcome)
	}
	if outcome, _ := w.HandleScanCollection(ctx, &bus.ScanCollection{CollectionID: "zzz"}); outcome != bus.Dead {
		t.Errorf("malformed id outcome = %v; want Dead", outcome)
	}
}

func TestScanCollectionVanishedPath(t *testing.T) {
	ctx := context.Background()
	w, mem, pub := newTestWorker(t)

	c := mustCreate(t, mem, &collection.Collection{Name: "gone", Path: filepath.Join(t.TempDir(), "missing"), Type: collection.TypeFolder})
	outcome, err := w.HandleScanCollection(ctx, &bus.ScanCollection{CollectionID: c.ID.Hex()})
	if outcome != bus.Ack || err == nil {
		t.Fatalf("vanished path = %v, %v; want Ack with error", outcome, err)
	}
	if pub.failureCount() != 1 {
		t.Errorf("failure events = %d; want 1", pub.failureCount())
	}
}

func TestScanLibraryExpands(t *testing.T) {
	ctx := context.Background()
	w, mem, pub := newTestWorker(t)

	lib := &collection.Library{Name: "shelf", Path: "/lib"}
	if err := mem.CreateLibrary(ctx, lib); err != nil {
		t.Fatal(err)
	}
	inA := mustCreate(t, mem, &collection.Collection{Name: "a", Path: "/lib/a", Type: collection.TypeFolder, LibraryID: &lib.ID})
	inB := mustCreate(t, mem, &collection.Collection{Name: "b", Path: "/lib/b", Type: collection.TypeFolder, LibraryID: &lib.ID})
	mustCreate(t, mem, &collection.Collection{Name: "stray", Path: "/other/c", Type: collection.TypeFolder})

	msg := &bus.ScanLibrary{LibraryID: lib.ID.Hex(), OverwriteExisting: true, ForceRegenerate: true}
	msg.ID = "lib-scan-1"
	outcome, err := w.HandleScanLibrary(ctx, msg)
	if outcome != bus.Ack || err != nil {
		t.Fatalf("HandleScanLibrary = %v, %v; want Ack, nil", outcome, err)
	}

	scans := pub.ofType(bus.TypeScanCollection)
	if len(scans) != 2 {
		t.Fatalf("expanded scans = %d; want 2", len(scans))
	}
	want := map[string]bool{inA.ID.Hex(): true, inB.ID.Hex(): true}
	for _, m := range scans {
		sc := m.(*bus.ScanCollection)
		if !want[sc.CollectionID] {
			t.Errorf("unexpected scan target %q", sc.CollectionID)
		}
		if !sc.OverwriteExisting || !sc.ForceRegenerate {
			t.Errorf("scan %q lost flags: %+v", sc.CollectionID, sc)
		}
		if sc.CorrelationID != "lib-scan-1" {
			t.Errorf("correlationId = %q; want lib-scan-1", sc.CorrelationID)
		}
	}
}

func TestScanLibraryMissing(t *testing.T) {
	ctx := context.Background()
	w, _, pub := newTestWorker(t)

	outcome, err := w.HandleScanLibrary(ctx, &bus.ScanLibrary{LibraryID: primitive.NewObjectID().Hex()})
	if outcome != bus.Ack {
		t.Fatalf("outcome = %v; want Ack", outcome)
	}
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v; want wrapped store.ErrNotFound", err)
	}
	if pub.failureCount() != 1 {
		t.Errorf("failure events = %d; want 1", pub.failureCount())
	}
	if outcome, _ := w.HandleScanLibrary(ctx, &bus.ScanLibrary{LibraryID: "zzz"}); outcome != bus.Dead {
		t.Errorf("malformed library id outcome = %v; want Dead", outcome)
	}
}

func TestWaitForRoom(t *testing.T) {
	w, _, _ := newTestWorker(t)

	// No depth probe wired: never blocks.
	if err := w.waitForRoom(context.Background()); err != nil {
		t.Fatalf("waitForRoom without probe = %v", err)
	}

	// Above the mark once, then drained.
	calls := 0
	w.depth = func(queue string) (int, error) {
		calls++
		if calls == 1 {
			return w.highWater + 1, nil
		}
		return 0, nil
	}
	if err := w.waitForRoom(context.Background()); err != nil {
		t.Fatalf("waitForRoom = %v", err)
	}
	if calls < 2 {
		t.Errorf("depth probed %d times; want at least 2", calls)
	}

	// Probe failure disables the check instead of stalling.
	w.depth = func(string) (int, error) { return 0, errors.New("no broker") }
	if err := w.waitForRoom(context.Background()); err != nil {
		t.Fatalf("waitForRoom with failing probe = %v", err)
	}

	// Cancellation interrupts the pause loop.
	w.depth = func(string) (int, error) { return w.highWater, nil }
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.waitForRoom(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("canceled waitForRoom = %v; want context.Canceled", err)
	}
}
