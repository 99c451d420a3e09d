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
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/imageshelf/imageshelf/pkg/bus"
	"github.com/imageshelf/imageshelf/pkg/collection"
	"github.com/imageshelf/imageshelf/pkg/images"
	"github.com/imageshelf/imageshelf/pkg/scanner"
	"github.com/imageshelf/imageshelf/pkg/store"
	"github.com/imageshelf/imageshelf/pkg/store/storetest"
)

// capturePub records published messages instead of talking to a
// broker.
type capturePub struct {
	mu       sync.Mutex
	err      error
	msgs     []bus.Message
	failures []*bus.Failure
}

func (p *capturePub) Publish(ctx context.Context, m bus.Message, opts ...bus.PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, m)
	return nil
}

func (p *capturePub) PublishFailure(ctx context.Context, f *bus.Failure) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, f)
	return nil
}

func (p *capturePub) ofType(messageType string) []bus.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []bus.Message
	for _, m := range p.msgs {
		if m.MessageType() == messageType {
			out = append(out, m)
		}
	}
	return out
}

func (p *capturePub) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func (p *capturePub) failureCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.failures)
}

// fakeIndex records write-through index calls.
type fakeIndex struct {
	mu      sync.Mutex
	upserts []string
	removed []string
	blobs   map[string][]byte
}

func (f *fakeIndex) Upsert(ctx context.Context, c *collection.Collection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, c.ID.Hex())
	return nil
}

func (f *fakeIndex) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeIndex) SetCachedThumbnail(ctx context.Context, collectionID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blobs == nil {
		f.blobs = make(map[string][]byte)
	}
	f.blobs[collectionID] = data
	return nil
}

func newTestWorker(t *testing.T) (*Worker, *storetest.MemStore, *capturePub) {
	t.Helper()
	mem := storetest.New()
	pub := &capturePub{}
	codec, err := images.New(images.Options{})
	if err != nil {
		t.Fatalf("images.New: %v", err)
	}
	w, err := New(Config{
		Store:     mem,
		Publisher: pub,
		Scanner:   scanner.New(codec),
		Codec:     codec,
		DataDir:   t.TempDir(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w, mem, pub
}

// testJPEG renders a small gradient and encodes it.
func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 9), uint8(y * 9), 160, 255})
		}
	}
	b, err := images.Encode(img, "jpeg", 90)
	if err != nil {
		t.Fatalf("encode test jpeg: %v", err)
	}
	return b
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
}

func mustCreate(t *testing.T, mem *storetest.MemStore, c *collection.Collection) *collection.Collection {
	t.Helper()
	if err := mem.CreateCollection(context.Background(), c); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	return c
}

func TestNewValidation(t *testing.T) {
	mem := storetest.New()
	codec, err := images.New(images.Options{})
	if err != nil {
		t.Fatal(err)
	}
	base := Config{
		Store:     mem,
		Publisher: &capturePub{},
		Scanner:   scanner.New(codec),
		Codec:     codec,
		DataDir:   t.TempDir(),
	}
	if _, err := New(base); err != nil {
		t.Fatalf("New(valid) = %v", err)
	}
	for name, breakIt := range map[string]func(*Config){
		"store":     func(c *Config) { c.Store = nil },
		"publisher": func(c *Config) { c.Publisher = nil },
		"scanner":   func(c *Config) { c.Scanner = nil },
		"codec":     func(c *Config) { c.Codec = nil },
		"dataDir":   func(c *Config) { c.DataDir = "" },
	} {
		cfg := base
		breakIt(&cfg)
		if _, err := New(cfg); err == nil {
			t.Errorf("New without %s succeeded; want error", name)
		}
	}
}

func TestProcessImageFanout(t *testing.T) {
	ctx := context.Background()
	w, mem, pub := newTestWorker(t)
	c := mustCreate(t, mem, &collection.Collection{Name: "m", Path: "/lib/m", Type: collection.TypeFolder})

	msg := &bus.ProcessImage{
		CollectionID: c.ID.Hex(),
		Image: bus.ImageDescriptor{
			Filename:     "a.jpg",
			RelativePath: "a.jpg",
			FileSize:     100,
			Width:        800,
			Height:       600,
			Format:       "jpeg",
		},
	}
	msg.ID = "proc-1"
	outcome, err := w.HandleProcessImage(ctx, msg)
	if outcome != bus.Ack || err != nil {
		t.Fatalf("HandleProcessImage = %v, %v; want Ack, nil", outcome, err)
	}

	got, err := mem.GetCollection(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Images) != 1 {
		t.Fatalf("images = %d; want 1", len(got.Images))
	}
	imageID := got.Images[0].ID

	thumbs := pub.ofType(bus.TypeGenerateThumbnail)
	if len(thumbs) != 1 {
		t.Fatalf("thumbnail messages = %d; want 1", len(thumbs))
	}
	th := thumbs[0].(*bus.GenerateThumbnail)
	if th.ImageID != imageID || th.Width != 300 || th.Height != 400 || th.ForceRegenerate {
		t.Errorf("thumbnail message = %+v; want image %s at 300x400, no force", th, imageID)
	}
	if th.CorrelationID != "proc-1" {
		t.Errorf("thumbnail correlationId = %q; want proc-1", th.CorrelationID)
	}
	caches := pub.ofType(bus.TypeGenerateCache)
	if len(caches) != 1 {
		t.Fatalf("cache messages = %d; want 1", len(caches))
	}
	gc := caches[0].(*bus.GenerateCache)
	if gc.Width != 1920 || gc.Height != 1080 {
		t.Errorf("cache tier = %dx%d; want 1920x1080", gc.Width, gc.Height)
	}
}

func TestProcessImageDuplicateIsQuiet(t *testing.T) {
	ctx := context.Background()
	w, mem, pub := newTestWorker(t)
	c := mustCreate(t, mem, &collection.Collection{Name: "m", Path: "/lib/m", Type: collection.TypeFolder})

	msg := &bus.ProcessImage{
		CollectionID: c.ID.Hex(),
		Image:        bus.ImageDescriptor{Filename: "a.jpg", RelativePath: "a.jpg", FileSize: 100},
	}
	if _, err := w.HandleProcessImage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	before := pub.count()

	dup := &bus.ProcessImage{
		CollectionID: c.ID.Hex(),
		Image:        bus.ImageDescriptor{Filename: "a.jpg", RelativePath: "a.jpg", FileSize: 100},
	}
	outcome, err := w.HandleProcessImage(ctx, dup)
	if outcome != bus.Ack || err != nil {
		t.Fatalf("duplicate HandleProcessImage = %v, %v; want Ack, nil", outcome, err)
	}
	if got := pub.count(); got != before {
		t.Errorf("duplicate published %d new messages; want 0", got-before)
	}
	got, err := mem.GetCollection(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Images) != 1 {
		t.Errorf("images = %d; want 1", len(got.Images))
	}
}

func TestProcessImageDuplicateForceRefansOut(t *testing.T) {
	ctx := context.Background()
	w, mem, pub := newTestWorker(t)
	c := mustCreate(t, mem, &collection.Collection{Name: "m", Path: "/lib/m", Type: collection.TypeFolder})

	first := &bus.ProcessImage{
		CollectionID: c.ID.Hex(),
		Image:        bus.ImageDescriptor{Filename: "a.jpg", RelativePath: "a.jpg"},
	}
	if _, err := w.HandleProcessImage(ctx, first); err != nil {
		t.Fatal(err)
	}
	got, _ := mem.GetCollection(ctx, c.ID)
	imageID := got.Images[0].ID
	before := len(pub.ofType(bus.TypeGenerateThumbnail))

	forced := &bus.ProcessImage{
		CollectionID:    c.ID.Hex(),
		ForceRegenerate: true,
		Image:           bus.ImageDescriptor{Filename: "a.jpg", RelativePath: "a.jpg"},
	}
	if outcome, err := w.HandleProcessImage(ctx, forced); outcome != bus.Ack || err != nil {
		t.Fatalf("forced duplicate = %v, %v; want Ack, nil", outcome, err)
	}
	thumbs := pub.ofType(bus.TypeGenerateThumbnail)
	if len(thumbs) != before+1 {
		t.Fatalf("forced duplicate thumbnail messages = %d; want %d", len(thumbs), before+1)
	}
	th := thumbs[len(thumbs)-1].(*bus.GenerateThumbnail)
	if th.ImageID != imageID {
		t.Errorf("forced fan-out image id = %q; want existing %q", th.ImageID, imageID)
	}
	if !th.ForceRegenerate {
		t.Error("forced fan-out lost forceRegenerate")
	}
}

func TestProcessImageMissingCollection(t *testing.T) {
	ctx := context.Background()
	w, _, pub := newTestWorker(t)
	msg := &bus.ProcessImage{
		CollectionID: primitive.NewObjectID().Hex(),
		Image:        bus.ImageDescriptor{Filename: "a.jpg", RelativePath: "a.jpg"},
	}
	outcome, err := w.HandleProcessImage(ctx, msg)
	if outcome != bus.Ack {
		t.Fatalf("outcome = %v; want Ack", outcome)
	}
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v; want wrapped store.ErrNotFound", err)
	}
	if pub.failureCount() != 1 {
		t.Errorf("failure events = %d; want 1", pub.failureCount())
	}
}

func TestCreateCollection(t *testing.T) {
	ctx := context.Background()
	w, mem, pub := newTestWorker(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.jpg"), testJPEG(t, 16, 12))

	msg := &bus.CreateCollection{Path: dir, ScanAfterCreate: true}
	msg.ID = "create-1"
	outcome, err := w.HandleCreateCollection(ctx, msg)
	if outcome != bus.Ack || err != nil {
		t.Fatalf("HandleCreateCollection = %v, %v; want Ack, nil", outcome, err)
	}

	c, err := mem.GetCollectionByPath(ctx, dir)
	if err != nil {
		t.Fatalf("collection not created: %v", err)
	}
	if c.Name != filepath.Base(dir) {
		t.Errorf("name = %q; want %q", c.Name, filepath.Base(dir))
	}
	if c.Type != collection.TypeFolder {
		t.Errorf("type = %q; want folder", c.Type)
	}

	scans := pub.ofType(bus.TypeScanCollection)
	if len(scans) != 1 {
		t.Fatalf("scan messages = %d; want 1", len(scans))
	}
	scan := scans[0].(*bus.ScanCollection)
	if scan.CollectionID != c.ID.Hex() {
		t.Errorf("scan target = %q; want %q", scan.CollectionID, c.ID.Hex())
	}
	if scan.CorrelationID != "create-1" {
		t.Errorf("scan correlationId = %q; want create-1", scan.CorrelationID)
	}
}

func TestCreateCollectionConflictSkips(t *testing.T) {
	ctx := context.Background()
	w, mem, pub := newTestWorker(t)
	dir := t.TempDir()
	existing := mustCreate(t, mem, &collection.Collection{Name: "m", Path: dir, Type: collection.TypeFolder})

	msg := &bus.CreateCollection{Name: "again", Path: dir, Type: "folder"}
	outcome, err := w.HandleCreateCollection(ctx, msg)
	if outcome != bus.Ack || err != nil {
		t.Fatalf("conflicting create = %v, %v; want Ack, nil", outcome, err)
	}
	if n, _ := mem.CountCollections(ctx, store.CollectionFilter{}); n != 1 {
		t.Errorf("collections = %d; want 1", n)
	}
	if pub.count() != 0 {
		t.Errorf("published %d messages; want 0 without scanAfterCreate", pub.count())
	}

	rescan := &bus.CreateCollection{Name: "again", Path: dir, Type: "folder", ScanAfterCreate: true, OverwriteExisting: true}
	if outcome, err := w.HandleCreateCollection(ctx, rescan); outcome != bus.Ack || err != nil {
		t.Fatalf("conflicting create with rescan = %v, %v; want Ack, nil", outcome, err)
	}
	scans := pub.ofType(bus.TypeScanCollection)
	if len(scans) != 1 {
		t.Fatalf("scan messages = %d; want 1", len(scans))
	}
	scan := scans[0].(*bus.ScanCollection)
	if scan.CollectionID != existing.ID.Hex() {
		t.Errorf("rescan target = %q; want existing %q", scan.CollectionID, existing.ID.Hex())
	}
	if !scan.OverwriteExisting {
		t.Error("rescan lost overwriteExisting")
	}
}

func TestCreateCollectionBadInput(t *testing.T) {
	ctx := context.Background()
	w, _, _ := newTestWorker(t)

	if outcome, _ := w.HandleCreateCollection(ctx, &bus.CreateCollection{Path: "/x", Type: "floppy"}); outcome != bus.Dead {
		t.Errorf("bad type outcome = %v; want Dead", outcome)
	}
	if outcome, _ := w.HandleCreateCollection(ctx, &bus.CreateCollection{Path: "/x", Type: "folder", LibraryID: "nope"}); outcome != bus.Dead {
		t.Errorf("bad library id outcome = %v; want Dead", outcome)
	}
}

func TestBulkSoftDelete(t *testing.T) {
	ctx := context.Background()
	w, mem, _ := newTestWorker(t)
	idx := &fakeIndex{}
	w.idx = idx
	a := mustCreate(t, mem, &collection.Collection{Name: "a", Path: "/a", Type: collection.TypeFolder})
	b := mustCreate(t, mem, &collection.Collection{Name: "b", Path: "/b", Type: collection.TypeFolder})

	ids := []string{a.ID.Hex(), b.ID.Hex(), "bogus", primitive.NewObjectID().Hex()}
	res := w.RunBulk(ctx, bus.BulkOpSoftDelete, ids, "corr-1")
	if res.Total != 4 || res.Succeeded != 2 || res.Failed != 2 {
		t.Fatalf("bulk result = %d/%d/%d; want total 4, succeeded 2, failed 2", res.Total, res.Succeeded, res.Failed)
	}
	if len(res.Results) != 4 {
		t.Fatalf("results = %d; want 4", len(res.Results))
	}
	if res.Results[2].Status != StatusFailed || res.Results[2].Error == "" {
		t.Errorf("bogus id result = %+v; want Failed with error", res.Results[2])
	}
	if _, err := mem.GetCollection(ctx, a.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("collection a after soft delete: err = %v; want ErrNotFound", err)
	}
	if len(idx.removed) != 2 {
		t.Errorf("index removals = %d; want 2", len(idx.removed))
	}
}

func TestBulkScanQueues(t *testing.T) {
	ctx := context.Background()
	w, mem, pub := newTestWorker(t)
	a := mustCreate(t, mem, &collection.Collection{Name: "a", Path: "/a", Type: collection.TypeFolder})
	b := mustCreate(t, mem, &collection.Collection{Name: "b", Path: "/b", Type: collection.TypeFolder})

	res := w.RunBulk(ctx, bus.BulkOpScan, []string{a.ID.Hex(), b.ID.Hex()}, "corr-2")
	if res.Succeeded != 2 || res.Failed != 0 {
		t.Fatalf("bulk scan = %+v; want 2 succeeded", res)
	}
	for _, item := range res.Results {
		if item.Status != StatusQueued {
			t.Errorf("item %s status = %q; want Queued", item.CollectionID, item.Status)
		}
	}
	scans := pub.ofType(bus.TypeScanCollection)
	if len(scans) != 2 {
		t.Fatalf("scan messages = %d; want 2", len(scans))
	}
	scan := scans[0].(*bus.ScanCollection)
	if !scan.OverwriteExisting {
		t.Error("bulk scan should request overwrite")
	}
	if scan.CorrelationID != "corr-2" {
		t.Errorf("correlationId = %q; want corr-2", scan.CorrelationID)
	}
}

func TestBulkRegenerate(t *testing.T) {
	ctx := context.Background()
	w, mem, pub := newTestWorker(t)
	c := mustCreate(t, mem, &collection.Collection{Name: "m", Path: "/m", Type: collection.TypeFolder})
	for _, name := range []string{"a.jpg", "b.jpg"} {
		if _, err := mem.AddImage(ctx, c.ID, collection.Image{ID: "img-" + name, Filename: name, RelativePath: name}); err != nil {
			t.Fatal(err)
		}
	}

	res := w.RunBulk(ctx, bus.BulkOpRegenThumbnails, []string{c.ID.Hex()}, "")
	if res.Succeeded != 1 {
		t.Fatalf("bulk regenerate = %+v; want 1 succeeded", res)
	}
	thumbs := pub.ofType(bus.TypeGenerateThumbnail)
	caches := pub.ofType(bus.TypeGenerateCache)
	if len(thumbs) != 2 || len(caches) != 2 {
		t.Fatalf("regenerate published %d thumb + %d cache; want 2 + 2", len(thumbs), len(caches))
	}
	for _, m := range thumbs {
		if !m.(*bus.GenerateThumbnail).ForceRegenerate {
			t.Error("regenerate thumbnail message without force")
		}
	}
}

func TestHandleBulkUnknownOperation(t *testing.T) {
	w, _, _ := newTestWorker(t)
	outcome, err := w.HandleBulkOperation(context.Background(), &bus.BulkOperation{Operation: "explode"})
	if outcome != bus.Dead || err == nil {
		t.Errorf("unknown op = %v, %v; want Dead with error", outcome, err)
	}
}

func TestRunnerQueueValidation(t *testing.T) {
	w, _, _ := newTestWorker(t)
	if _, err := NewRunner(nil, w, []string{"no_such_queue"}, 1); err == nil {
		t.Error("NewRunner with unknown queue succeeded; want error")
	}
	r, err := NewRunner(nil, w, nil, 0)
	if err != nil {
		t.Fatalf("NewRunner defaults: %v", err)
	}
	if len(r.queues) != len(AllQueues()) || r.perQueue != 1 {
		t.Errorf("runner defaults = %d queues, %d per queue; want %d and 1", len(r.queues), r.perQueue, len(AllQueues()))
	}
	if len(AllQueues()) != 7 {
		t.Errorf("AllQueues = %d; want 7", len(AllQueues()))
	}
}
