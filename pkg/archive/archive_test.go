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

package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/imageshelf/imageshelf/pkg/collection"
)

func writeTestZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	// A directory entry, which readers must skip.
	if _, err := zw.Create("nested/"); err != nil {
		t.Fatal(err)
	}
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func readAllEntries(t *testing.T, r Reader) map[string]string {
	t.Helper()
	got := map[string]string{}
	for {
		e, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		rc, err := e.Open()
		if err != nil {
			t.Fatalf("Open(%s): %v", e.Name, err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("reading %s: %v", e.Name, err)
		}
		got[e.Name] = string(b)
	}
	return got
}

func TestZipReader(t *testing.T) {
	want := map[string]string{
		"cover.jpg":        "front",
		"nested/page2.png": "page two",
		"日本語/ページ.jpg":      "unicode name",
	}
	path := writeTestZip(t, want)

	r, err := Open(path, collection.TypeZip)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	got := readAllEntries(t, r)
	if len(got) != len(want) {
		t.Fatalf("entries = %d; want %d (%v)", len(got), len(want), got)
	}
	for name, content := range want {
		if got[name] != content {
			t.Errorf("entry %q = %q; want %q", name, got[name], content)
		}
	}
}

func TestZipEntrySizes(t *testing.T) {
	path := writeTestZip(t, map[string]string{"a.jpg": "12345"})
	r, err := Open(path, collection.TypeZip)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	e, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if e.Size != 5 {
		t.Errorf("Size = %d; want 5", e.Size)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("Next after last = %v; want io.EOF", err)
	}
}

func writeTestTar(t *testing.T, name string, gzipped bool) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	var w io.Writer = f
	var gz *gzip.Writer
	if gzipped {
		gz = gzip.NewWriter(f)
		w = gz
	}
	tw := tar.NewWriter(w)
	if err := tw.WriteHeader(&tar.Header{Name: "dir/", Typeflag: tar.TypeDir, Mode: 0755}); err != nil {
		t.Fatal(err)
	}
	for _, e := range []struct{ name, body string }{
		{"dir/one.jpg", "first"},
		{"two.png", "second"},
	} {
		if err := tw.WriteHeader(&tar.Header{
			Name: e.name, Mode: 0644, Size: int64(len(e.body)), Typeflag: tar.TypeReg,
		}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(e.body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTarReader(t *testing.T) {
	for _, tt := range []struct {
		file    string
		gzipped bool
	}{
		{"fixture.tar", false},
		{"fixture.tar.gz", true},
	} {
		t.Run(tt.file, func(t *testing.T) {
			path := writeTestTar(t, tt.file, tt.gzipped)
			r, err := Open(path, collection.TypeTar)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer r.Close()
			got := readAllEntries(t, r)
			if len(got) != 2 {
				t.Fatalf("entries = %v; want 2 files", got)
			}
			if got["dir/one.jpg"] != "first" || got["two.png"] != "second" {
				t.Errorf("contents = %v", got)
			}
		})
	}
}

func TestDetectType(t *testing.T) {
	dir := t.TempDir()
	if typ, err := DetectType(dir); err != nil || typ != collection.TypeFolder {
		t.Errorf("DetectType(dir) = %v, %v; want folder", typ, err)
	}

	tests := []struct {
		path    string
		want    collection.Type
		wantErr bool
	}{
		{"comics/book.zip", collection.TypeZip, false},
		{"book.ZIP", collection.TypeZip, false},
		{"book.7z", collection.TypeSevenZip, false},
		{"book.rar", collection.TypeRar, false},
		{"photos.tar", collection.TypeTar, false},
		{"photos.tar.gz", collection.TypeTar, false},
		{"photos.tgz", collection.TypeTar, false},
		{"photos.tar.bz2", collection.TypeTar, false},
		{"notes.txt", "", true},
		{"noext", "", true},
	}
	for _, tt := range tests {
		got, err := DetectType(tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("DetectType(%q) error = %v; wantErr %v", tt.path, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("DetectType(%q) = %v; want %v", tt.path, got, tt.want)
		}
	}
}

func TestOpenUnknownType(t *testing.T) {
	if _, err := Open("x.bin", collection.TypeFolder); err == nil {
		t.Error("Open with folder type succeeded; want error")
	}
}
