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

package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/imageshelf/imageshelf/pkg/collection"
	"github.com/imageshelf/imageshelf/pkg/store"
)

// TestStore runs the conformance suite against fresh stores produced
// by newStore. Every store.Store implementation must pass it.
func TestStore(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("DuplicatePath", func(t *testing.T) { testDuplicatePath(t, newStore(t)) })
	t.Run("AddImageIdempotent", func(t *testing.T) { testAddImageIdempotent(t, newStore(t)) })
	t.Run("Renditions", func(t *testing.T) { testRenditions(t, newStore(t)) })
	t.Run("ViewCountAndTags", func(t *testing.T) { testViewCountAndTags(t, newStore(t)) })
	t.Run("StatisticsRepair", func(t *testing.T) { testStatisticsRepair(t, newStore(t)) })
	t.Run("QueryAndCount", func(t *testing.T) { testQueryAndCount(t, newStore(t)) })
	t.Run("SoftDelete", func(t *testing.T) { testSoftDelete(t, newStore(t)) })
	t.Run("Libraries", func(t *testing.T) { testLibraries(t, newStore(t)) })
	t.Run("Jobs", func(t *testing.T) { testJobs(t, newStore(t)) })
	t.Run("ConcurrentAdds", func(t *testing.T) { testConcurrentAdds(t, newStore(t)) })
}

func mkCollection(name, path string, typ collection.Type) *collection.Collection {
	return &collection.Collection{Name: name, Path: path, Type: typ}
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := mkCollection("vacation", "/photos/vacation", collection.TypeFolder)
	if err := s.CreateCollection(ctx, c); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if c.ID.IsZero() {
		t.Fatal("CreateCollection left ID zero")
	}
	if c.CreatedAt.IsZero() || c.UpdatedAt.IsZero() {
		t.Error("CreateCollection left timestamps zero")
	}

	got, err := s.GetCollection(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCollection: %v", err)
	}
	if got.Name != "vacation" || got.Path != "/photos/vacation" || got.Type != collection.TypeFolder {
		t.Errorf("got %q %q %q; want vacation /photos/vacation folder", got.Name, got.Path, got.Type)
	}
	if got.Images == nil || got.Thumbnails == nil || got.CacheImages == nil {
		t.Error("embedded arrays not initialized")
	}

	byPath, err := s.GetCollectionByPath(ctx, "/photos/vacation")
	if err != nil {
		t.Fatalf("GetCollectionByPath: %v", err)
	}
	if byPath.ID != c.ID {
		t.Errorf("GetCollectionByPath id = %v; want %v", byPath.ID, c.ID)
	}

	if _, err := s.GetCollection(ctx, primitive.NewObjectID()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetCollection(unknown) = %v; want ErrNotFound", err)
	}
}

func testDuplicatePath(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := mkCollection("a", "/photos/dup", collection.TypeZip)
	if err := s.CreateCollection(ctx, first); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	second := mkCollection("b", "/photos/dup", collection.TypeZip)
	err := s.CreateCollection(ctx, second)
	if !errors.Is(err, store.ErrDuplicatePath) {
		t.Fatalf("duplicate create error = %v; want ErrDuplicatePath", err)
	}
	var pe *store.PathExistsError
	if !errors.As(err, &pe) {
		t.Fatalf("duplicate create error %T; want *PathExistsError", err)
	}
	if pe.ExistingID != first.ID {
		t.Errorf("PathExistsError.ExistingID = %v; want %v", pe.ExistingID, first.ID)
	}

	// Soft-deleting the first frees the path for reuse.
	if err := s.SoftDeleteCollection(ctx, first.ID); err != nil {
		t.Fatalf("SoftDeleteCollection: %v", err)
	}
	if err := s.CreateCollection(ctx, mkCollection("c", "/photos/dup", collection.TypeZip)); err != nil {
		t.Errorf("create after soft delete: %v", err)
	}
}

func testAddImageIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := mkCollection("album", "/photos/album", collection.TypeFolder)
	if err := s.CreateCollection(ctx, c); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	img := collection.Image{
		ID:           "img-0001",
		Filename:     "sunset.jpg",
		RelativePath: "day1/sunset.jpg",
		FileSize:     2048,
		Width:        4000,
		Height:       3000,
		Format:       "jpeg",
	}
	res, err := s.AddImage(ctx, c.ID, img)
	if err != nil {
		t.Fatalf("AddImage: %v", err)
	}
	if !res.Added {
		t.Fatal("first AddImage reported duplicate")
	}

	after, err := s.GetCollection(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	wasUpdated := after.UpdatedAt

	// Same (filename, relativePath), different probe data: still a
	// duplicate, and the stored element is the original.
	dup := img
	dup.ID = "img-9999"
	dup.FileSize = 4096
	res, err = s.AddImage(ctx, c.ID, dup)
	if err != nil {
		t.Fatalf("AddImage duplicate: %v", err)
	}
	if res.Added {
		t.Fatal("duplicate AddImage reported added")
	}
	if res.Image.ID != "img-0001" {
		t.Errorf("duplicate result image id = %q; want img-0001", res.Image.ID)
	}

	after2, err := s.GetCollection(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(after2.Images) != 1 {
		t.Fatalf("images length = %d; want 1", len(after2.Images))
	}
	if after2.Statistics.TotalItems != 1 || after2.Statistics.TotalSize != 2048 {
		t.Errorf("statistics = %+v; want totalItems 1, totalSize 2048", after2.Statistics)
	}
	if !after2.UpdatedAt.Equal(wasUpdated) {
		t.Errorf("duplicate AddImage moved updatedAt from %v to %v", wasUpdated, after2.UpdatedAt)
	}

	// Same filename at a different relative path is a distinct image.
	other := img
	other.ID = "img-0002"
	other.RelativePath = "day2/sunset.jpg"
	res, err = s.AddImage(ctx, c.ID, other)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Added {
		t.Error("distinct relativePath reported duplicate")
	}
}

func testRenditions(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := mkCollection("r", "/photos/r", collection.TypeFolder)
	if err := s.CreateCollection(ctx, c); err != nil {
		t.Fatal(err)
	}

	th := collection.Thumbnail{
		ImageID: "img-1", Width: 300, Height: 400,
		Path: "thumbnails/x/img-1_300x400.jpg", FileSize: 100, Format: "jpeg",
	}
	res, err := s.AddThumbnail(ctx, c.ID, th)
	if err != nil || !res.Added {
		t.Fatalf("AddThumbnail = %+v, %v; want added", res, err)
	}
	res, err = s.AddThumbnail(ctx, c.ID, th)
	if err != nil {
		t.Fatal(err)
	}
	if res.Added || res.Existing == nil || res.Existing.Path != th.Path {
		t.Fatalf("duplicate AddThumbnail = %+v; want existing element", res)
	}

	// Same image, different dimensions: a new element.
	th2 := th
	th2.Width, th2.Height = 600, 800
	th2.Path = "thumbnails/x/img-1_600x800.jpg"
	if res, err = s.AddThumbnail(ctx, c.ID, th2); err != nil || !res.Added {
		t.Fatalf("AddThumbnail other dims = %+v, %v; want added", res, err)
	}

	repl := th
	repl.FileSize = 222
	if err := s.ReplaceThumbnail(ctx, c.ID, repl); err != nil {
		t.Fatalf("ReplaceThumbnail: %v", err)
	}
	got, err := s.GetCollection(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Thumbnails) != 2 {
		t.Fatalf("thumbnails length = %d; want 2", len(got.Thumbnails))
	}
	if e := got.FindThumbnail("img-1", 300, 400); e == nil || e.FileSize != 222 {
		t.Errorf("replaced thumbnail = %+v; want fileSize 222", e)
	}

	missing := collection.Thumbnail{ImageID: "img-1", Width: 1, Height: 1}
	if err := s.ReplaceThumbnail(ctx, c.ID, missing); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("ReplaceThumbnail(missing) = %v; want ErrNotFound", err)
	}

	ci := collection.CacheImage{
		ImageID: "img-1", Width: 1920, Height: 1080,
		Path: "cache/x/img-1_1920x1080.jpg", FileSize: 900, Format: "jpeg",
	}
	cres, err := s.AddCacheImage(ctx, c.ID, ci)
	if err != nil || !cres.Added {
		t.Fatalf("AddCacheImage = %+v, %v; want added", cres, err)
	}
	cres, err = s.AddCacheImage(ctx, c.ID, ci)
	if err != nil || cres.Added || cres.Existing == nil {
		t.Fatalf("duplicate AddCacheImage = %+v, %v; want existing", cres, err)
	}
}

func testViewCountAndTags(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := mkCollection("v", "/photos/v", collection.TypeFolder)
	if err := s.CreateCollection(ctx, c); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddImage(ctx, c.ID, collection.Image{ID: "i1", Filename: "a.png", RelativePath: "a.png"}); err != nil {
		t.Fatal(err)
	}

	if err := s.IncrementViewCount(ctx, c.ID, ""); err != nil {
		t.Fatalf("IncrementViewCount(collection): %v", err)
	}
	if err := s.IncrementViewCount(ctx, c.ID, "i1"); err != nil {
		t.Fatalf("IncrementViewCount(image): %v", err)
	}
	if err := s.IncrementViewCount(ctx, c.ID, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("IncrementViewCount(unknown image) = %v; want ErrNotFound", err)
	}

	got, err := s.GetCollection(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ViewCount != 2 {
		t.Errorf("collection viewCount = %d; want 2", got.ViewCount)
	}
	if img := got.FindImage("i1"); img == nil || img.ViewCount != 1 {
		t.Errorf("image viewCount = %+v; want 1", img)
	}

	if err := s.UpdateTags(ctx, c.ID, []string{"family", "2024"}); err != nil {
		t.Fatalf("UpdateTags: %v", err)
	}
	got, err = s.GetCollection(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "family" {
		t.Errorf("tags = %v; want [family 2024]", got.Tags)
	}
}

func testStatisticsRepair(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := mkCollection("stats", "/photos/stats", collection.TypeFolder)
	if err := s.CreateCollection(ctx, c); err != nil {
		t.Fatal(err)
	}
	for i, size := range []int64{100, 250} {
		img := collection.Image{
			ID:           fmt.Sprintf("i%d", i),
			Filename:     fmt.Sprintf("%d.jpg", i),
			RelativePath: fmt.Sprintf("%d.jpg", i),
			FileSize:     size,
		}
		if _, err := s.AddImage(ctx, c.ID, img); err != nil {
			t.Fatal(err)
		}
	}
	want := collection.Statistics{TotalItems: 2, TotalSize: 350}

	// Knock the incremental counters out of sync, then repair.
	if _, err := s.UpdateCollection(ctx, c.ID, func(c *collection.Collection) error {
		c.Statistics = collection.Statistics{TotalItems: 99, TotalSize: 1}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	got, err := s.UpdateStatistics(ctx, c.ID)
	if err != nil {
		t.Fatalf("UpdateStatistics: %v", err)
	}
	if got.Statistics != want {
		t.Errorf("returned statistics = %+v; want %+v", got.Statistics, want)
	}
	stored, err := s.GetCollection(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Statistics != want {
		t.Errorf("stored statistics = %+v; want %+v", stored.Statistics, want)
	}

	if _, err := s.UpdateStatistics(ctx, primitive.NewObjectID()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateStatistics(unknown) = %v; want ErrNotFound", err)
	}
}

func testQueryAndCount(t *testing.T, s store.Store) {
	ctx := context.Background()
	libID := primitive.NewObjectID()
	seed := []struct {
		name  string
		typ   collection.Type
		items int64
		inLib bool
	}{
		{"alpha", collection.TypeFolder, 5, true},
		{"bravo", collection.TypeZip, 50, true},
		{"charlie", collection.TypeFolder, 20, false},
		{"delta", collection.TypeRar, 1, false},
	}
	for _, sd := range seed {
		c := mkCollection(sd.name, "/photos/"+sd.name, sd.typ)
		if sd.inLib {
			id := libID
			c.LibraryID = &id
		}
		c.Statistics.TotalItems = sd.items
		if err := s.CreateCollection(ctx, c); err != nil {
			t.Fatal(err)
		}
		// Statistics seeded via update to exercise the optimistic path.
		items := sd.items
		if _, err := s.UpdateCollection(ctx, c.ID, func(cc *collection.Collection) error {
			cc.Statistics.TotalItems = items
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}

	byName, err := s.QueryCollections(ctx, store.CollectionQuery{
		Sort: collection.Sort{Field: collection.SortName, Direction: collection.Asc},
	})
	if err != nil {
		t.Fatalf("QueryCollections: %v", err)
	}
	if len(byName) != 4 || byName[0].Name != "alpha" || byName[3].Name != "delta" {
		t.Errorf("name asc order wrong: %v", names(byName))
	}

	byCount, err := s.QueryCollections(ctx, store.CollectionQuery{
		Sort:  collection.Sort{Field: collection.SortImageCount, Direction: collection.Desc},
		Limit: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(byCount) != 2 || byCount[0].Name != "bravo" || byCount[1].Name != "charlie" {
		t.Errorf("imageCount desc limit 2 = %v; want [bravo charlie]", names(byCount))
	}

	page2, err := s.QueryCollections(ctx, store.CollectionQuery{
		Sort: collection.Sort{Field: collection.SortName, Direction: collection.Asc},
		Skip: 2, Limit: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 2 || page2[0].Name != "charlie" {
		t.Errorf("skip 2 = %v; want [charlie delta]", names(page2))
	}

	folder := collection.TypeFolder
	n, err := s.CountCollections(ctx, store.CollectionFilter{Type: &folder})
	if err != nil || n != 2 {
		t.Errorf("CountCollections(folder) = %d, %v; want 2", n, err)
	}
	n, err = s.CountCollections(ctx, store.CollectionFilter{LibraryID: &libID})
	if err != nil || n != 2 {
		t.Errorf("CountCollections(library) = %d, %v; want 2", n, err)
	}

	var walked []string
	err = s.EachCollection(ctx, store.CollectionFilter{}, func(c *collection.Collection) error {
		walked = append(walked, c.Name)
		return nil
	})
	if err != nil {
		t.Fatalf("EachCollection: %v", err)
	}
	if len(walked) != 4 {
		t.Errorf("EachCollection visited %d; want 4", len(walked))
	}

	detached, err := s.DetachLibrary(ctx, libID)
	if err != nil || detached != 2 {
		t.Errorf("DetachLibrary = %d, %v; want 2", detached, err)
	}
	n, err = s.CountCollections(ctx, store.CollectionFilter{LibraryID: &libID})
	if err != nil || n != 0 {
		t.Errorf("CountCollections(library) after detach = %d, %v; want 0", n, err)
	}
}

func names(cs []*collection.Collection) []string {
	var out []string
	for _, c := range cs {
		out = append(out, c.Name)
	}
	return out
}

func testSoftDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := mkCollection("gone", "/photos/gone", collection.TypeFolder)
	if err := s.CreateCollection(ctx, c); err != nil {
		t.Fatal(err)
	}
	if err := s.SoftDeleteCollection(ctx, c.ID); err != nil {
		t.Fatalf("SoftDeleteCollection: %v", err)
	}
	// Idempotent.
	if err := s.SoftDeleteCollection(ctx, c.ID); err != nil {
		t.Errorf("second SoftDeleteCollection: %v", err)
	}

	if _, err := s.GetCollection(ctx, c.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetCollection after delete = %v; want ErrNotFound", err)
	}
	if _, err := s.GetCollectionByPath(ctx, "/photos/gone"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetCollectionByPath after delete = %v; want ErrNotFound", err)
	}
	if _, err := s.AddImage(ctx, c.ID, collection.Image{ID: "x", Filename: "f", RelativePath: "f"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("AddImage after delete = %v; want ErrNotFound", err)
	}

	n, err := s.CountCollections(ctx, store.CollectionFilter{})
	if err != nil || n != 0 {
		t.Errorf("live count after delete = %d, %v; want 0", n, err)
	}
	n, err = s.CountCollections(ctx, store.CollectionFilter{IncludeDeleted: true})
	if err != nil || n != 1 {
		t.Errorf("count with deleted = %d, %v; want 1", n, err)
	}
}

func testLibraries(t *testing.T, s store.Store) {
	ctx := context.Background()
	l := &collection.Library{Name: "main", Path: "/photos"}
	if err := s.CreateLibrary(ctx, l); err != nil {
		t.Fatalf("CreateLibrary: %v", err)
	}
	if l.ID.IsZero() {
		t.Fatal("CreateLibrary left ID zero")
	}

	got, err := s.GetLibrary(ctx, l.ID)
	if err != nil || got.Name != "main" {
		t.Fatalf("GetLibrary = %+v, %v", got, err)
	}

	upd, err := s.UpdateLibrary(ctx, l.ID, func(ll *collection.Library) error {
		ll.Settings.AutoScan = true
		ll.Statistics.CollectionCount = 3
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateLibrary: %v", err)
	}
	if !upd.Settings.AutoScan || upd.Statistics.CollectionCount != 3 {
		t.Errorf("UpdateLibrary result = %+v", upd)
	}

	all, err := s.ListLibraries(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("ListLibraries = %d, %v; want 1", len(all), err)
	}

	if err := s.DeleteLibrary(ctx, l.ID); err != nil {
		t.Fatalf("DeleteLibrary: %v", err)
	}
	if _, err := s.GetLibrary(ctx, l.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetLibrary after delete = %v; want ErrNotFound", err)
	}
}

func testJobs(t *testing.T, s store.Store) {
	ctx := context.Background()
	libID := primitive.NewObjectID()
	j := &collection.ScheduledJob{
		Name:           "scan main",
		JobType:        collection.JobLibraryScan,
		CronExpression: "0 2 * * *",
		Enabled:        true,
		LibraryID:      &libID,
	}
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	found, err := s.FindJob(ctx, collection.JobLibraryScan, &libID)
	if err != nil || found.ID != j.ID {
		t.Fatalf("FindJob = %+v, %v; want job %v", found, err, j.ID)
	}
	otherLib := primitive.NewObjectID()
	if _, err := s.FindJob(ctx, collection.JobLibraryScan, &otherLib); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("FindJob(other library) = %v; want ErrNotFound", err)
	}

	enabled, err := s.ListJobs(ctx, true)
	if err != nil || len(enabled) != 1 {
		t.Fatalf("ListJobs(enabled) = %d, %v; want 1", len(enabled), err)
	}
	if _, err := s.UpdateJob(ctx, j.ID, func(jj *collection.ScheduledJob) error {
		jj.Enabled = false
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	enabled, err = s.ListJobs(ctx, true)
	if err != nil || len(enabled) != 0 {
		t.Errorf("ListJobs(enabled) after disable = %d, %v; want 0", len(enabled), err)
	}

	for i := 0; i < 3; i++ {
		run, err := s.StartRun(ctx, j.ID)
		if err != nil {
			t.Fatalf("StartRun: %v", err)
		}
		if run.Status != collection.RunRunning {
			t.Errorf("run status = %v; want running", run.Status)
		}
		status := collection.RunSucceeded
		msg := ""
		if i == 2 {
			status = collection.RunFailed
			msg = "library unreachable"
		}
		if err := s.FinishRun(ctx, run.ID, status, msg, map[string]int64{"collections": int64(i)}); err != nil {
			t.Fatalf("FinishRun: %v", err)
		}
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RunCount != 3 || got.SuccessCount != 2 || got.FailureCount != 1 {
		t.Errorf("counters = run %d success %d failure %d; want 3/2/1",
			got.RunCount, got.SuccessCount, got.FailureCount)
	}
	if got.LastRunStatus != collection.RunFailed {
		t.Errorf("lastRunStatus = %v; want failed", got.LastRunStatus)
	}
	if got.LastRunAt == nil {
		t.Error("lastRunAt not set")
	}

	runs, err := s.ListRuns(ctx, j.ID, 2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("ListRuns length = %d; want 2", len(runs))
	}
	if runs[0].Status != collection.RunFailed || runs[0].Error != "library unreachable" {
		t.Errorf("newest run = %+v; want the failed one first", runs[0])
	}
	for i, r := range runs {
		if r.FinishedAt == nil || r.Duration < 0 {
			t.Errorf("run %d incomplete: %+v", i, r)
		}
	}

	if err := s.DeleteJob(ctx, j.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := s.GetJob(ctx, j.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetJob after delete = %v; want ErrNotFound", err)
	}
}

// Check that duplicate adds under concurrency produce one element.
func testConcurrentAdds(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := mkCollection("race", "/photos/race", collection.TypeFolder)
	if err := s.CreateCollection(ctx, c); err != nil {
		t.Fatal(err)
	}
	const n = 8
	errc := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			img := collection.Image{
				ID:           fmt.Sprintf("cand-%d", i),
				Filename:     "same.jpg",
				RelativePath: "same.jpg",
				FileSize:     10,
			}
			_, err := s.AddImage(ctx, c.ID, img)
			errc <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-errc; err != nil {
			t.Fatalf("concurrent AddImage: %v", err)
		}
	}
	got, err := s.GetCollection(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Images) != 1 {
		t.Errorf("images after %d racing adds = %d; want 1", n, len(got.Images))
	}
	if got.Statistics.TotalItems != 1 || got.Statistics.TotalSize != 10 {
		t.Errorf("statistics after race = %+v; want 1 item, 10 bytes", got.Statistics)
	}
}
