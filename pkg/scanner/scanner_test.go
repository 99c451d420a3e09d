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

package scanner

import (
	"archive/zip"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/imageshelf/imageshelf/pkg/collection"
	"github.com/imageshelf/imageshelf/pkg/images"
)

func newScanner(t *testing.T) *Scanner {
	t.Helper()
	codec, err := images.New(images.Options{})
	if err != nil {
		t.Fatal(err)
	}
	return New(codec)
}

func pixels(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 99, A: 255})
		}
	}
	return img
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, pixels(w, h), nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, pixels(w, h)); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestScanFolder(t *testing.T) {
	root := t.TempDir()
	writeFile := func(rel string, b []byte) {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, b, 0644); err != nil {
			t.Fatal(err)
		}
	}
	writeFile("cover.jpg", jpegBytes(t, 40, 30))
	writeFile("chapter1/page1.png", pngBytes(t, 20, 20))
	writeFile("chapter1/readme.txt", []byte("not an image"))
	writeFile("chapter1/broken.jpg", []byte("garbage bytes, not a jpeg"))

	s := newScanner(t)
	var got []Item
	sum, err := s.ScanFolder(context.Background(), root, func(it Item) error {
		got = append(got, it)
		return nil
	})
	if err != nil {
		t.Fatalf("ScanFolder: %v", err)
	}
	if sum.Found != 2 {
		t.Errorf("Found = %d; want 2", sum.Found)
	}
	if sum.Skipped != 1 {
		t.Errorf("Skipped = %d; want 1 (the broken jpg)", sum.Skipped)
	}

	byRel := map[string]Item{}
	for _, it := range got {
		byRel[it.RelativePath] = it
	}
	cov, ok := byRel["cover.jpg"]
	if !ok {
		t.Fatalf("cover.jpg not found in %v", byRel)
	}
	if cov.Width != 40 || cov.Height != 30 || cov.Format != "jpeg" {
		t.Errorf("cover = %+v; want 40x30 jpeg", cov)
	}
	page, ok := byRel["chapter1/page1.png"]
	if !ok {
		t.Fatalf("chapter1/page1.png not found; relative paths must use forward slashes: %v", byRel)
	}
	if page.Filename != "page1.png" {
		t.Errorf("Filename = %q; want page1.png", page.Filename)
	}
	if page.FileSize <= 0 {
		t.Errorf("FileSize = %d; want > 0", page.FileSize)
	}
}

func TestScanFolderEmpty(t *testing.T) {
	s := newScanner(t)
	sum, err := s.ScanFolder(context.Background(), t.TempDir(), func(Item) error {
		t.Fatal("callback invoked for empty folder")
		return nil
	})
	if err != nil {
		t.Fatalf("ScanFolder(empty): %v", err)
	}
	if sum.Found != 0 || sum.Skipped != 0 {
		t.Errorf("summary = %+v; want zero", sum)
	}
}

func TestScanFolderMissingRoot(t *testing.T) {
	s := newScanner(t)
	_, err := s.ScanFolder(context.Background(), filepath.Join(t.TempDir(), "nope"), func(Item) error { return nil })
	if err == nil {
		t.Error("ScanFolder(missing) succeeded; want error")
	}
}

func TestScanArchive(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "book.zip")
	f, err := os.Create(zipPath)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	add := func(name string, b []byte) {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(b); err != nil {
			t.Fatal(err)
		}
	}
	add("001.jpg", jpegBytes(t, 100, 150))
	add("002.png", pngBytes(t, 50, 50))
	add("info.txt", []byte("ignored"))
	add("bad.jpg", []byte("not image data"))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	s := newScanner(t)
	var rels []string
	sum, err := s.ScanArchive(context.Background(), zipPath, collection.TypeZip, func(it Item) error {
		rels = append(rels, it.RelativePath)
		if it.RelativePath == "001.jpg" && (it.Width != 100 || it.Height != 150) {
			t.Errorf("001.jpg = %dx%d; want 100x150", it.Width, it.Height)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ScanArchive: %v", err)
	}
	if sum.Found != 2 || sum.Skipped != 1 {
		t.Errorf("summary = %+v; want Found 2, Skipped 1", sum)
	}
	if len(rels) != 2 || rels[0] != "001.jpg" || rels[1] != "002.png" {
		t.Errorf("order = %v; want [001.jpg 002.png]", rels)
	}
}

func TestScanCanceled(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.jpg"), jpegBytes(t, 10, 10), 0644); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := newScanner(t)
	if _, err := s.ScanFolder(ctx, root, func(Item) error { return nil }); err == nil {
		t.Error("ScanFolder with canceled context succeeded; want error")
	}
}

func TestIsValidCollectionPath(t *testing.T) {
	s := newScanner(t)
	dir := t.TempDir()
	if !s.IsValidCollectionPath(dir) {
		t.Error("directory rejected")
	}
	zipPath := filepath.Join(dir, "x.zip")
	if err := os.WriteFile(zipPath, []byte("PK"), 0644); err != nil {
		t.Fatal(err)
	}
	if !s.IsValidCollectionPath(zipPath) {
		t.Error("zip file rejected")
	}
	if s.IsValidCollectionPath(filepath.Join(dir, "missing.zip")) {
		t.Error("missing path accepted")
	}
	txt := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(txt, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if s.IsValidCollectionPath(txt) {
		t.Error("txt file accepted")
	}
}
