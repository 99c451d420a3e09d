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

// Package archive reads image collections stored as archive files:
// zip, 7z, rar and tar (plain, gzip or bzip2).
//
// All formats are exposed through the same streaming iterator, so
// callers never extract an archive to disk. Zip and 7z support random
// access; rar and tar are forward-only, and an entry's contents must
// be consumed before the next call to Next.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/nwaples/rardecode"

	"github.com/imageshelf/imageshelf/pkg/collection"
)

// Entry is one file inside an archive. Directory entries are never
// surfaced.
type Entry struct {
	// Name is the slash-separated path of the entry inside the
	// archive, exactly as stored. Names are not sanitized; callers
	// treating them as filesystem paths must do their own checks.
	Name string
	// Size is the uncompressed size in bytes, when the format
	// records it.
	Size int64

	open func() (io.ReadCloser, error)
}

// Open returns the entry's contents. For forward-only formats the
// reader is only valid until the next call to Reader.Next.
func (e *Entry) Open() (io.ReadCloser, error) { return e.open() }

// Reader iterates an archive's file entries.
type Reader interface {
	// Next returns the next file entry, or io.EOF after the last.
	Next() (*Entry, error)
	Close() error
}

// Open opens the archive at path as the given collection type.
func Open(path string, typ collection.Type) (Reader, error) {
	switch typ {
	case collection.TypeZip:
		return openZip(path)
	case collection.TypeSevenZip:
		return open7z(path)
	case collection.TypeRar:
		return openRar(path)
	case collection.TypeTar:
		return openTar(path)
	}
	return nil, fmt.Errorf("archive: cannot open %q as %q", path, typ)
}

// DetectType maps a path to its collection type: directories are
// folders, archive files are recognized by extension. Anything else
// is an error.
func DetectType(path string) (collection.Type, error) {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		return collection.TypeFolder, nil
	}
	name := strings.ToLower(path)
	switch {
	case strings.HasSuffix(name, ".zip"):
		return collection.TypeZip, nil
	case strings.HasSuffix(name, ".7z"):
		return collection.TypeSevenZip, nil
	case strings.HasSuffix(name, ".rar"):
		return collection.TypeRar, nil
	case strings.HasSuffix(name, ".tar"),
		strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"),
		strings.HasSuffix(name, ".tar.bz2"), strings.HasSuffix(name, ".tbz2"):
		return collection.TypeTar, nil
	}
	return "", fmt.Errorf("archive: %q is not a directory or a known archive type", path)
}

type zipReader struct {
	rc   *zip.ReadCloser
	next int
}

func openZip(path string) (Reader, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("archive: open zip %s: %w", filepath.Base(path), err)
	}
	return &zipReader{rc: rc}, nil
}

func (z *zipReader) Next() (*Entry, error) {
	for z.next < len(z.rc.File) {
		f := z.rc.File[z.next]
		z.next++
		if f.FileInfo().IsDir() {
			continue
		}
		return &Entry{
			Name: f.Name,
			Size: int64(f.UncompressedSize64),
			open: f.Open,
		}, nil
	}
	return nil, io.EOF
}

func (z *zipReader) Close() error { return z.rc.Close() }

type sevenZipReader struct {
	rc   *sevenzip.ReadCloser
	next int
}

func open7z(path string) (Reader, error) {
	rc, err := sevenzip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("archive: open 7z %s: %w", filepath.Base(path), err)
	}
	return &sevenZipReader{rc: rc}, nil
}

func (s *sevenZipReader) Next() (*Entry, error) {
	for s.next < len(s.rc.File) {
		f := s.rc.File[s.next]
		s.next++
		if f.FileInfo().IsDir() {
			continue
		}
		return &Entry{
			Name: f.Name,
			Size: f.FileInfo().Size(),
			open: f.Open,
		}, nil
	}
	return nil, io.EOF
}

func (s *sevenZipReader) Close() error { return s.rc.Close() }

type rarReader struct {
	f *os.File
	r *rardecode.Reader
}

func openRar(path string) (Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("archive: open rar %s: %w", filepath.Base(path), err)
	}
	r, err := rardecode.NewReader(f, "")
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("archive: read rar %s: %w", filepath.Base(path), err)
	}
	return &rarReader{f: f, r: r}, nil
}

func (r *rarReader) Next() (*Entry, error) {
	for {
		header, err := r.r.Next()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("archive: rar entry: %w", err)
		}
		if header.IsDir {
			continue
		}
		cur := r.r
		return &Entry{
			Name: header.Name,
			Size: header.UnPackedSize,
			open: func() (io.ReadCloser, error) {
				return io.NopCloser(cur), nil
			},
		}, nil
	}
}

func (r *rarReader) Close() error { return r.f.Close() }

type tarReader struct {
	f  *os.File
	gz *gzip.Reader
	tr *tar.Reader
}

func openTar(path string) (Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("archive: open tar %s: %w", filepath.Base(path), err)
	}
	t := &tarReader{f: f}
	name := strings.ToLower(path)
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("archive: gzip %s: %w", filepath.Base(path), err)
		}
		t.gz = gz
		t.tr = tar.NewReader(gz)
	case strings.HasSuffix(name, ".tar.bz2"), strings.HasSuffix(name, ".tbz2"):
		t.tr = tar.NewReader(bzip2.NewReader(f))
	default:
		t.tr = tar.NewReader(f)
	}
	return t, nil
}

func (t *tarReader) Next() (*Entry, error) {
	for {
		header, err := t.tr.Next()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("archive: tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		tr := t.tr
		return &Entry{
			Name: header.Name,
			Size: header.Size,
			open: func() (io.ReadCloser, error) {
				return io.NopCloser(tr), nil
			},
		}, nil
	}
}

func (t *tarReader) Close() error {
	if t.gz != nil {
		t.gz.Close()
	}
	return t.f.Close()
}
