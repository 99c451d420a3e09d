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
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/imageshelf/imageshelf/pkg/bus"
	"github.com/imageshelf/imageshelf/pkg/collection"
	"github.com/imageshelf/imageshelf/pkg/store"
	"github.com/imageshelf/imageshelf/pkg/store/storetest"
)

type capturePublisher struct {
	msgs []bus.Message
	err  error
}

func (p *capturePublisher) Publish(ctx context.Context, m bus.Message, opts ...bus.PublishOption) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, m)
	return nil
}

func TestLibraryScanHandler(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	lib := &collection.Library{
		Name: "shelf",
		Path: "/library",
		Settings: collection.LibrarySettings{
			AutoScan:          true,
			OverwriteExisting: true,
		},
	}
	if err := mem.CreateLibrary(ctx, lib); err != nil {
		t.Fatal(err)
	}
	pub := &capturePublisher{}
	h := NewLibraryScanHandler(pub, mem)

	job := &collection.ScheduledJob{
		Name:      "autoscan",
		JobType:   collection.JobLibraryScan,
		LibraryID: &lib.ID,
	}
	stats, err := h(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	if stats["published"] != 1 || len(pub.msgs) != 1 {
		t.Fatalf("published %v messages, stats %v", len(pub.msgs), stats)
	}
	sl, ok := pub.msgs[0].(*bus.ScanLibrary)
	if !ok {
		t.Fatalf("published %T; want *bus.ScanLibrary", pub.msgs[0])
	}
	if sl.LibraryID != lib.ID.Hex() || !sl.OverwriteExisting {
		t.Errorf("message = %+v", sl)
	}

	// The id can also come from the parameter bag.
	job2 := &collection.ScheduledJob{
		Name:       "autoscan-params",
		JobType:    collection.JobLibraryScan,
		Parameters: map[string]string{"libraryId": lib.ID.Hex()},
	}
	if _, err := h(ctx, job2); err != nil {
		t.Fatal(err)
	}

	// Unknown library fails the run.
	missing := primitive.NewObjectID()
	job3 := &collection.ScheduledJob{Name: "orphan", JobType: collection.JobLibraryScan, LibraryID: &missing}
	if _, err := h(ctx, job3); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v; want ErrNotFound", err)
	}

	// A job bound to nothing fails the run.
	job4 := &collection.ScheduledJob{Name: "unbound", JobType: collection.JobLibraryScan}
	if _, err := h(ctx, job4); err == nil {
		t.Error("handler accepted a job with no library")
	}
}

type fakeRebuilder struct {
	n   int
	err error
}

func (f *fakeRebuilder) Rebuild(ctx context.Context, src store.CollectionStore) (int, error) {
	return f.n, f.err
}

func TestIndexRebuildHandler(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	h := NewIndexRebuildHandler(&fakeRebuilder{n: 7}, mem)
	stats, err := h(ctx, &collection.ScheduledJob{Name: "rebuild", JobType: collection.JobIndexRebuild})
	if err != nil {
		t.Fatal(err)
	}
	if stats["indexed"] != 7 {
		t.Errorf("stats = %v; want indexed 7", stats)
	}

	h = NewIndexRebuildHandler(&fakeRebuilder{err: errors.New("down")}, mem)
	if _, err := h(ctx, &collection.ScheduledJob{Name: "rebuild", JobType: collection.JobIndexRebuild}); err == nil {
		t.Error("rebuild error not propagated")
	}
}

func writeAged(t *testing.T, path string, age time.Duration) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if age > 0 {
		old := time.Now().Add(-age)
		if err := os.Chtimes(path, old, old); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCacheCleanupHandler(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	dataDir := t.TempDir()

	c := &collection.Collection{Name: "kept", Path: "/library/kept", Type: collection.TypeFolder}
	if err := mem.CreateCollection(ctx, c); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.AddImage(ctx, c.ID, collection.Image{
		ID: "img1", Filename: "a.jpg", RelativePath: "a.jpg", Format: "jpeg",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.AddThumbnail(ctx, c.ID, collection.Thumbnail{
		ImageID: "img1", Width: 300, Height: 400,
		Path: collection.ThumbnailRelPath(c.ID, "img1", 300, 400, "jpg"),
	}); err != nil {
		t.Fatal(err)
	}

	cid := c.ID.Hex()
	gone := primitive.NewObjectID().Hex()
	old := 48 * time.Hour

	referenced := filepath.Join(dataDir, "thumbnails", cid, "img1_300x400.jpg")
	writeAged(t, referenced, old)
	orphan := filepath.Join(dataDir, "thumbnails", cid, "ghost_300x400.jpg")
	writeAged(t, orphan, old)
	fresh := filepath.Join(dataDir, "thumbnails", cid, "img1_100x100.jpg")
	writeAged(t, fresh, 0)
	note := filepath.Join(dataDir, "thumbnails", cid, "notes.txt")
	writeAged(t, note, old)
	deadDir := filepath.Join(dataDir, "cache", gone)
	writeAged(t, filepath.Join(deadDir, "x_1x1.jpg"), old)

	h := NewCacheCleanupHandler(dataDir, 24*time.Hour, mem)
	stats, err := h(ctx, &collection.ScheduledJob{Name: "cleanup", JobType: collection.JobCacheCleanup})
	if err != nil {
		t.Fatal(err)
	}

	for _, keep := range []string{referenced, fresh, note} {
		if _, err := os.Stat(keep); err != nil {
			t.Errorf("%s removed; want kept", keep)
		}
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Errorf("orphan rendition survived cleanup")
	}
	if _, err := os.Stat(deadDir); !os.IsNotExist(err) {
		t.Errorf("directory of deleted collection survived cleanup")
	}
	if stats["removedFiles"] != 2 || stats["removedDirs"] != 1 {
		t.Errorf("stats = %v; want 2 files and 1 dir removed", stats)
	}
}

func TestParseRenditionName(t *testing.T) {
	tests := []struct {
		name    string
		imageID string
		w, h    int
		ok      bool
	}{
		{"img1_300x400.jpg", "img1", 300, 400, true},
		{"550e8400-e29b-41d4-a716-446655440000_1920x1080.webp", "550e8400-e29b-41d4-a716-446655440000", 1920, 1080, true},
		{"has_under_score_10x20.png", "has_under_score", 10, 20, true},
		{"noformat.jpg", "", 0, 0, false},
		{"img1_300.jpg", "", 0, 0, false},
		{"img1_0x0.jpg", "", 0, 0, false},
		{"_300x400.jpg", "", 0, 0, false},
	}
	for _, tt := range tests {
		id, w, h, ok := parseRenditionName(tt.name)
		if ok != tt.ok || id != tt.imageID || w != tt.w || h != tt.h {
			t.Errorf("parseRenditionName(%q) = %q, %d, %d, %v; want %q, %d, %d, %v",
				tt.name, id, w, h, ok, tt.imageID, tt.w, tt.h, tt.ok)
		}
	}
}
